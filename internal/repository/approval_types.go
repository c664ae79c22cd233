package repository

import "time"

// ── Instance / step statuses ─────────────────────────────────────────────────

const (
	// Instance statuses. PendingQA covers the first step order; PendingExec
	// covers every later order. The two pending statuses together define an
	// "open" instance for the partial unique index on the target.
	InstanceStatusPendingQA   = "pending_qa"
	InstanceStatusPendingExec = "pending_exec"
	InstanceStatusApproved    = "approved"
	InstanceStatusRejected    = "rejected"
	InstanceStatusRecalled    = "recalled"

	StepStatusPending  = "pending"
	StepStatusApproved = "approved"
	StepStatusRejected = "rejected"
	StepStatusRecalled = "recalled"
	StepStatusSkipped  = "skipped"
)

// InstanceIsOpen reports whether a status counts as open (not terminal).
func InstanceIsOpen(status string) bool {
	return status == InstanceStatusPendingQA || status == InstanceStatusPendingExec
}

// ── Action policies ──────────────────────────────────────────────────────────

// Guard is a named precondition referenced by a policy. Types are resolved
// against the closed guard registry; an unknown type denies fail-safe.
type Guard struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// SubjectFilter restricts which actors a policy applies to. A nil filter
// matches any actor; within a filter, matching any listed role, group, or
// user id is sufficient.
type SubjectFilter struct {
	Roles    []string `json:"roles,omitempty"`
	GroupIDs []string `json:"group_ids,omitempty"`
	UserIDs  []string `json:"user_ids,omitempty"`
}

// ActionPolicy is one declarative rule gating an action on a flow type.
// Policies for the same (flow_type, action_key) are evaluated in a single
// deterministic total order: priority descending, then id ascending.
type ActionPolicy struct {
	ID               string         `json:"id"`
	FlowType         string         `json:"flow_type"`
	ActionKey        string         `json:"action_key"`
	PolicyName       string         `json:"policy_name"`
	Priority         int            `json:"priority"`
	IsEnabled        bool           `json:"is_enabled"`
	Subjects         *SubjectFilter `json:"subjects,omitempty"`          // nil = any actor
	StateConstraints map[string]any `json:"state_constraints,omitempty"` // nil = any state
	Guards           []Guard        `json:"guards"`
	RequireReason    bool           `json:"require_reason"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// ── Approval instances and steps ─────────────────────────────────────────────

// ApprovalInstance is one open workflow per (flow_type, target_table,
// target_id). At most one open instance may exist per target; the storage
// layer enforces this with a partial unique index over the pending statuses.
type ApprovalInstance struct {
	ID          string     `json:"id"`
	FlowType    string     `json:"flow_type"`
	TargetTable string     `json:"target_table"`
	TargetID    string     `json:"target_id"`
	ProjectID   *string    `json:"project_id,omitempty"`
	Status      string     `json:"status"`
	CurrentStep int        `json:"current_step"`
	CreatedBy   string     `json:"created_by"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ApprovalStep is one required approver (or approver group) at a step order.
// Several steps may share a step order (parallel approvers); the instance
// advances past an order only when all of its steps are resolved.
type ApprovalStep struct {
	ID              string     `json:"id"`
	InstanceID      string     `json:"instance_id"`
	StepOrder       int        `json:"step_order"`
	ApproverGroupID *string    `json:"approver_group_id,omitempty"`
	ApproverUserID  *string    `json:"approver_user_id,omitempty"`
	Status          string     `json:"status"`
	ActedBy         *string    `json:"acted_by,omitempty"`
	ActedAt         *time.Time `json:"acted_at,omitempty"`
	ActionNotes     *string    `json:"action_notes,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// PendingStepRow is the scanner's working row: a pending step joined with
// its instance's current step and project scope.
type PendingStepRow struct {
	InstanceID  string
	StepOrder   int
	CurrentStep int
	ProjectID   *string
	CreatedAt   time.Time
}

// ── Escalation alerts ────────────────────────────────────────────────────────

// AlertSettingTypeApprovalEscalation is the setting type the scanner consumes.
const AlertSettingTypeApprovalEscalation = "approval_escalation"

// AlertSetting is one escalation configuration. Threshold is stored as text
// in the shared settings table; the scanner skips settings whose threshold
// does not parse as a number.
type AlertSetting struct {
	ID               string    `json:"id"`
	Type             string    `json:"type"`
	IsEnabled        bool      `json:"is_enabled"`
	Threshold        string    `json:"threshold"` // hours
	ScopeProjectID   *string   `json:"scope_project_id,omitempty"`
	Recipients       []string  `json:"recipients"`
	Channels         []string  `json:"channels"`
	RemindAfterHours int       `json:"remind_after_hours"`
	RemindMaxCount   int       `json:"remind_max_count"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

const (
	AlertStatusOpen   = "open"
	AlertStatusClosed = "closed"
)

// Alert is one open/closed escalation alert keyed by setting and target ref
// (formatted "approval_instance:<instanceId>:step:<stepOrder>").
type Alert struct {
	ID        string
	SettingID string
	Status    string
	TargetRef string
	OpenedAt  time.Time
	ClosedAt  *time.Time
}

// ── Audit log ────────────────────────────────────────────────────────────────

// AuditEntry is one immutable record of an approval-related action.
type AuditEntry struct {
	ID           string         `json:"id"`
	FlowType     string         `json:"flow_type"`
	TargetTable  string         `json:"target_table"`
	TargetID     string         `json:"target_id"`
	InstanceID   *string        `json:"instance_id,omitempty"`
	StepOrder    *int           `json:"step_order,omitempty"`
	Action       string         `json:"action"` // submitted | approved | rejected | recalled | policy_denied
	PerformedBy  string         `json:"performed_by"`
	StatusBefore *string        `json:"status_before,omitempty"`
	StatusAfter  *string        `json:"status_after,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	PerformedAt  time.Time      `json:"performed_at"`
}
