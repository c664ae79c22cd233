package service

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approvals/internal/config"
	"github.com/pesio-ai/be-approvals/internal/database"
	"github.com/pesio-ai/be-approvals/internal/errors"
	"github.com/pesio-ai/be-approvals/internal/logger"
	"github.com/pesio-ai/be-approvals/internal/metrics"
	"github.com/pesio-ai/be-approvals/internal/repository"
)

// EventPublisher fans approval lifecycle events out to the notification
// pipeline. Implementations must be non-fatal: publish failures are logged,
// never propagated.
type EventPublisher interface {
	PublishApprovalEvent(ctx context.Context, eventType, flowType, targetTable, targetID, actorID string, payload map[string]any)
}

// SubmitParams describes one approval submission. Update performs the
// document's own status transition and runs inside the same transaction as
// the instance/step inserts.
type SubmitParams struct {
	FlowType    string
	TargetTable string
	TargetID    string
	ProjectID   *string
	State       map[string]any
	CreatedBy   string
	Update      func(ctx context.Context, tx pgx.Tx) (any, error)
}

// SubmitResult carries the updated document and the created workflow, steps
// included so the caller can fan out notifications.
type SubmitResult struct {
	Updated  any                          `json:"updated"`
	Approval *repository.ApprovalInstance `json:"approval"`
	Steps    []*repository.ApprovalStep   `json:"steps"`
}

// ApprovalService is the approval instance manager: it owns the transaction
// that creates a workflow and flips the document status as one atomic unit,
// and the approve/reject/recall operations that advance or close it.
type ApprovalService struct {
	db           *database.DB
	planner      *StepPlanner
	flows        map[string]config.FlowConfig
	instanceRepo *repository.ApprovalInstanceRepository
	stepRepo     *repository.ApprovalStepRepository
	documentRepo *repository.DocumentRepository
	auditRepo    *repository.AuditRepository
	events       EventPublisher
	log          *logger.Logger
}

// NewApprovalService creates a new ApprovalService.
func NewApprovalService(
	db *database.DB,
	planner *StepPlanner,
	flows map[string]config.FlowConfig,
	instanceRepo *repository.ApprovalInstanceRepository,
	stepRepo *repository.ApprovalStepRepository,
	documentRepo *repository.DocumentRepository,
	auditRepo *repository.AuditRepository,
	events EventPublisher,
	log *logger.Logger,
) *ApprovalService {
	return &ApprovalService{
		db:           db,
		planner:      planner,
		flows:        flows,
		instanceRepo: instanceRepo,
		stepRepo:     stepRepo,
		documentRepo: documentRepo,
		auditRepo:    auditRepo,
		events:       events,
		log:          log,
	}
}

// FlowFor resolves the document flow configuration for a flow type.
func (s *ApprovalService) FlowFor(flowType string) (config.FlowConfig, error) {
	flow, ok := s.flows[flowType]
	if !ok {
		return config.FlowConfig{}, errors.InvalidInput("flow_type", "unknown flow type: "+flowType)
	}
	return flow, nil
}

// DocumentRepo exposes the document repository for callers composing their
// own Update callbacks (e.g. the HTTP submit handler).
func (s *ApprovalService) DocumentRepo() *repository.DocumentRepository {
	return s.documentRepo
}

// DB exposes the database handle for read paths that accompany submission.
func (s *ApprovalService) DB() *database.DB {
	return s.db
}

// ── Submission ───────────────────────────────────────────────────────────────

// SubmitApprovalWithUpdate plans the step ladder, creates the instance and
// its steps, and runs the caller's document update — all in one transaction.
// The document can never be left pending without an instance, nor gain an
// instance without its status reflecting that.
func (s *ApprovalService) SubmitApprovalWithUpdate(ctx context.Context, params *SubmitParams) (*SubmitResult, error) {
	if params.FlowType == "" || params.TargetTable == "" || params.TargetID == "" {
		return nil, errors.InvalidInput("target", "flow_type, target_table and target_id are required")
	}
	if params.Update == nil {
		return nil, errors.InvalidInput("update", "an update callback is required")
	}

	planned := s.planner.MatchApprovalSteps(params.FlowType, params.State)
	if len(planned) == 0 {
		return nil, errors.New(errors.ErrCodeInternal, "step planner produced an empty ladder")
	}

	inst := &repository.ApprovalInstance{
		FlowType:    params.FlowType,
		TargetTable: params.TargetTable,
		TargetID:    params.TargetID,
		ProjectID:   params.ProjectID,
		Status:      repository.InstanceStatusPendingQA,
		CurrentStep: lowestOrder(planned),
		CreatedBy:   params.CreatedBy,
	}
	steps := make([]*repository.ApprovalStep, 0, len(planned))
	for _, p := range planned {
		steps = append(steps, &repository.ApprovalStep{
			StepOrder:       p.StepOrder,
			ApproverGroupID: nilIfEmpty(p.ApproverGroupID),
			ApproverUserID:  nilIfEmpty(p.ApproverUserID),
			Status:          repository.StepStatusPending,
		})
	}

	var updated any
	err := s.db.InTransaction(ctx, func(tx pgx.Tx) error {
		if err := s.instanceRepo.CreateTx(ctx, tx, inst, steps); err != nil {
			return err
		}
		var updateErr error
		updated, updateErr = params.Update(ctx, tx)
		return updateErr
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			// A concurrent submission won; retrying would not change the
			// outcome, so surface the conflict to the caller as-is.
			return nil, errors.Conflict("an open approval already exists for this target")
		}
		return nil, err
	}

	metrics.ApprovalsSubmitted.WithLabelValues(params.FlowType).Inc()
	s.log.Info().
		Str("flow_type", params.FlowType).
		Str("target_table", params.TargetTable).
		Str("target_id", params.TargetID).
		Str("instance_id", inst.ID).
		Int("steps", len(steps)).
		Msg("Approval instance created")

	s.appendAudit(ctx, &repository.AuditEntry{
		FlowType:    params.FlowType,
		TargetTable: params.TargetTable,
		TargetID:    params.TargetID,
		InstanceID:  &inst.ID,
		Action:      "submitted",
		PerformedBy: params.CreatedBy,
	})
	if s.events != nil {
		s.events.PublishApprovalEvent(ctx, "approval_submitted", params.FlowType, params.TargetTable, params.TargetID, params.CreatedBy, map[string]any{
			"instance_id": inst.ID,
			"steps":       len(steps),
		})
	}

	return &SubmitResult{Updated: updated, Approval: inst, Steps: steps}, nil
}

// ── Approve ──────────────────────────────────────────────────────────────────

// ApproveStep records an approval by the acting user at the instance's
// current step order. The instance advances past an order only once every
// step sharing that order is resolved; resolving the last order completes
// the instance and flips the document to its approved status.
func (s *ApprovalService) ApproveStep(ctx context.Context, instanceID string, stepOrder int, actor Actor, notes *string) (complete bool, err error) {
	inst, err := s.instanceRepo.GetByID(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if !repository.InstanceIsOpen(inst.Status) {
		return false, errors.Conflict("approval instance is not open (status: " + inst.Status + ")")
	}
	if stepOrder != inst.CurrentStep {
		return false, errors.Conflict("only the current step can be acted on")
	}

	step, err := s.stepForActor(ctx, instanceID, stepOrder, actor)
	if err != nil {
		return false, err
	}
	if err := s.stepRepo.UpdateStepAction(ctx, step.ID, repository.StepStatusApproved, actor.UserID, notes); err != nil {
		return false, err
	}

	remaining, err := s.stepRepo.GetPendingAtOrder(ctx, instanceID, stepOrder)
	if err != nil {
		return false, err
	}
	if len(remaining) > 0 {
		// Parallel approvers at this order still outstanding.
		s.auditStepAction(ctx, inst, stepOrder, "approved", actor.UserID, nil)
		return false, nil
	}

	next, err := s.stepRepo.NextPendingOrder(ctx, instanceID, stepOrder)
	if err != nil {
		return false, err
	}
	if next != nil {
		if err := s.instanceRepo.AdvanceStep(ctx, instanceID, *next, repository.InstanceStatusPendingExec); err != nil {
			return false, err
		}
		s.auditStepAction(ctx, inst, stepOrder, "approved", actor.UserID, nil)
		if s.events != nil {
			s.events.PublishApprovalEvent(ctx, "approval_step_advanced", inst.FlowType, inst.TargetTable, inst.TargetID, actor.UserID, map[string]any{
				"instance_id": instanceID,
				"next_step":   *next,
			})
		}
		return false, nil
	}

	// All orders resolved: complete the instance and flip the document.
	now := time.Now()
	if err := s.instanceRepo.UpdateStatus(ctx, instanceID, repository.InstanceStatusApproved, &now); err != nil {
		return false, err
	}
	if flow, flowErr := s.FlowFor(inst.FlowType); flowErr == nil && flow.ApprovedStatus != "" {
		if _, derr := s.documentRepo.TransitionStatus(ctx, s.db, flow.Table, flow.StatusColumn, inst.TargetID, flow.PendingStatus, flow.ApprovedStatus); derr != nil {
			return false, derr
		}
	}

	statusAfter := repository.InstanceStatusApproved
	s.auditStepAction(ctx, inst, stepOrder, "approved", actor.UserID, &statusAfter)
	if s.events != nil {
		s.events.PublishApprovalEvent(ctx, "approval_completed", inst.FlowType, inst.TargetTable, inst.TargetID, actor.UserID, map[string]any{
			"instance_id": instanceID,
		})
	}
	return true, nil
}

// ── Reject ───────────────────────────────────────────────────────────────────

// RejectInstance rejects the workflow at the current step and returns the
// document to its draft status. A rejection reason is required.
func (s *ApprovalService) RejectInstance(ctx context.Context, instanceID string, stepOrder int, actor Actor, reason string) error {
	if reason == "" {
		return errors.InvalidInput("reason", "rejection reason is required")
	}

	inst, err := s.instanceRepo.GetByID(ctx, instanceID)
	if err != nil {
		return err
	}
	if !repository.InstanceIsOpen(inst.Status) {
		return errors.Conflict("approval instance is not open (status: " + inst.Status + ")")
	}
	if stepOrder != inst.CurrentStep {
		return errors.Conflict("only the current step can be acted on")
	}

	step, err := s.stepForActor(ctx, instanceID, stepOrder, actor)
	if err != nil {
		return err
	}
	if err := s.stepRepo.UpdateStepAction(ctx, step.ID, repository.StepStatusRejected, actor.UserID, &reason); err != nil {
		return err
	}

	now := time.Now()
	if err := s.instanceRepo.UpdateStatus(ctx, instanceID, repository.InstanceStatusRejected, &now); err != nil {
		return err
	}
	if flow, flowErr := s.FlowFor(inst.FlowType); flowErr == nil {
		if _, derr := s.documentRepo.TransitionStatus(ctx, s.db, flow.Table, flow.StatusColumn, inst.TargetID, flow.PendingStatus, flow.DraftStatus); derr != nil {
			return derr
		}
	}

	statusAfter := repository.InstanceStatusRejected
	s.auditStepAction(ctx, inst, stepOrder, "rejected", actor.UserID, &statusAfter)
	if s.events != nil {
		s.events.PublishApprovalEvent(ctx, "approval_rejected", inst.FlowType, inst.TargetTable, inst.TargetID, actor.UserID, map[string]any{
			"instance_id": instanceID,
			"reason":      reason,
		})
	}
	return nil
}

// ── Recall ───────────────────────────────────────────────────────────────────

// RecallInstance lets the original submitter cancel an open workflow.
func (s *ApprovalService) RecallInstance(ctx context.Context, instanceID string, actor Actor) error {
	inst, err := s.instanceRepo.GetByID(ctx, instanceID)
	if err != nil {
		return err
	}
	if inst.CreatedBy != actor.UserID {
		return errors.Unauthorized("only the submitter can recall the workflow")
	}
	if !repository.InstanceIsOpen(inst.Status) {
		return errors.Conflict("approval instance cannot be recalled from status '" + inst.Status + "'")
	}

	if err := s.stepRepo.RecallSteps(ctx, instanceID); err != nil {
		return err
	}
	now := time.Now()
	if err := s.instanceRepo.UpdateStatus(ctx, instanceID, repository.InstanceStatusRecalled, &now); err != nil {
		return err
	}
	if flow, flowErr := s.FlowFor(inst.FlowType); flowErr == nil {
		if _, derr := s.documentRepo.TransitionStatus(ctx, s.db, flow.Table, flow.StatusColumn, inst.TargetID, flow.PendingStatus, flow.DraftStatus); derr != nil {
			return derr
		}
	}

	statusAfter := repository.InstanceStatusRecalled
	s.auditStepAction(ctx, inst, inst.CurrentStep, "recalled", actor.UserID, &statusAfter)
	return nil
}

// ── Queries ──────────────────────────────────────────────────────────────────

// GetPendingForApprover returns the steps currently awaiting the actor.
func (s *ApprovalService) GetPendingForApprover(ctx context.Context, actor Actor) ([]*repository.ApprovalStep, error) {
	groups := append(append([]string{}, actor.GroupIDs...), actor.AccountGroupIDs...)
	return s.stepRepo.GetPendingForApprover(ctx, actor.UserID, groups)
}

// GetInstanceSteps returns all steps of an instance.
func (s *ApprovalService) GetInstanceSteps(ctx context.Context, instanceID string) ([]*repository.ApprovalStep, error) {
	if _, err := s.instanceRepo.GetByID(ctx, instanceID); err != nil {
		return nil, err
	}
	return s.stepRepo.GetByInstanceID(ctx, instanceID)
}

// GetAuditTrail returns the audit log for a document.
func (s *ApprovalService) GetAuditTrail(ctx context.Context, targetTable, targetID string) ([]*repository.AuditEntry, error) {
	return s.auditRepo.ListByTarget(ctx, targetTable, targetID)
}

// ── Internal helpers ─────────────────────────────────────────────────────────

// stepForActor finds the pending step at a given order that the actor may
// act on, either as the named approver or through group membership.
func (s *ApprovalService) stepForActor(ctx context.Context, instanceID string, stepOrder int, actor Actor) (*repository.ApprovalStep, error) {
	pending, err := s.stepRepo.GetPendingAtOrder(ctx, instanceID, stepOrder)
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, errors.Conflict("no pending step at the current order")
	}
	for _, step := range pending {
		if step.ApproverUserID != nil && *step.ApproverUserID == actor.UserID {
			return step, nil
		}
		if step.ApproverGroupID != nil &&
			(containsString(actor.GroupIDs, *step.ApproverGroupID) || containsString(actor.AccountGroupIDs, *step.ApproverGroupID)) {
			return step, nil
		}
	}
	return nil, errors.Unauthorized("user is not an approver for the current step")
}

// appendAudit writes an audit entry, logging a warning on failure.
func (s *ApprovalService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.auditRepo.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("target_id", entry.TargetID).
			Str("action", entry.Action).
			Msg("Failed to write audit log entry")
	}
}

func (s *ApprovalService) auditStepAction(ctx context.Context, inst *repository.ApprovalInstance, stepOrder int, action, actedBy string, statusAfter *string) {
	s.appendAudit(ctx, &repository.AuditEntry{
		FlowType:    inst.FlowType,
		TargetTable: inst.TargetTable,
		TargetID:    inst.TargetID,
		InstanceID:  &inst.ID,
		StepOrder:   &stepOrder,
		Action:      action,
		PerformedBy: actedBy,
		StatusAfter: statusAfter,
	})
}

func lowestOrder(steps []PlannedStep) int {
	lowest := steps[0].StepOrder
	for _, s := range steps[1:] {
		if s.StepOrder < lowest {
			lowest = s.StepOrder
		}
	}
	return lowest
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
