package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approvals/internal/database"
	"github.com/pesio-ai/be-approvals/internal/errors"
)

// ApprovalStepRepository handles reads and updates on individual approval
// steps. Step creation is handled by ApprovalInstanceRepository.CreateTx.
type ApprovalStepRepository struct {
	db *database.DB
}

// NewApprovalStepRepository creates a new ApprovalStepRepository.
func NewApprovalStepRepository(db *database.DB) *ApprovalStepRepository {
	return &ApprovalStepRepository{db: db}
}

// GetByInstanceID returns all steps for an instance ordered by step order.
func (r *ApprovalStepRepository) GetByInstanceID(ctx context.Context, instanceID string) ([]*ApprovalStep, error) {
	query := stepSelect + `
		WHERE instance_id = $1
		ORDER BY step_order ASC, created_at ASC
	`

	rows, err := r.db.Query(ctx, query, instanceID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval steps")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// GetPendingAtOrder returns the pending steps at a specific step order.
func (r *ApprovalStepRepository) GetPendingAtOrder(ctx context.Context, instanceID string, stepOrder int) ([]*ApprovalStep, error) {
	query := stepSelect + `
		WHERE instance_id = $1
		  AND step_order = $2
		  AND status = 'pending'
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, instanceID, stepOrder)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get pending steps")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// NextPendingOrder returns the lowest step order above the given one that
// still has pending steps, or nil when the instance has none left.
func (r *ApprovalStepRepository) NextPendingOrder(ctx context.Context, instanceID string, after int) (*int, error) {
	query := `
		SELECT MIN(step_order)
		FROM approval_steps
		WHERE instance_id = $1
		  AND step_order > $2
		  AND status = 'pending'
	`

	var next *int
	if err := r.db.QueryRow(ctx, query, instanceID, after).Scan(&next); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to find next pending step order")
	}
	return next, nil
}

// GetPendingForApprover returns all pending steps awaiting a user, either
// assigned directly or through one of the user's approver groups, limited to
// steps at their instance's current step.
func (r *ApprovalStepRepository) GetPendingForApprover(ctx context.Context, userID string, groupIDs []string) ([]*ApprovalStep, error) {
	query := `
		SELECT s.id, s.instance_id, s.step_order,
		       s.approver_group_id, s.approver_user_id,
		       s.status, s.acted_by, s.acted_at, s.action_notes,
		       s.created_at, s.updated_at
		FROM approval_steps s
		JOIN approval_instances i ON i.id = s.instance_id
		WHERE s.status = 'pending'
		  AND i.status IN ('pending_qa', 'pending_exec')
		  AND s.step_order = i.current_step
		  AND (s.approver_user_id = $1 OR s.approver_group_id = ANY($2))
		ORDER BY s.created_at ASC
	`

	rows, err := r.db.Query(ctx, query, userID, groupIDs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get pending approvals")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListPendingWithInstance returns every pending step of every open instance,
// joined with the instance's current step, optionally scoped to a project.
// The escalation scanner discards rows not at the current step itself.
func (r *ApprovalStepRepository) ListPendingWithInstance(ctx context.Context, scopeProjectID *string) ([]*PendingStepRow, error) {
	query, args := pendingWithInstanceQuery(scopeProjectID)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending steps")
	}
	defer rows.Close()

	var result []*PendingStepRow
	for rows.Next() {
		row := &PendingStepRow{}
		if err := rows.Scan(&row.InstanceID, &row.StepOrder, &row.CurrentStep, &row.ProjectID, &row.CreatedAt); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan pending step")
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// pendingWithInstanceQuery builds the scanner's listing statement. The
// project filter is appended only when a scope is set: project_id is a uuid
// column, so the parameter's type must be left for Postgres to infer from
// the comparison. A single statement with an explicit cast on the parameter
// would pin it to that type for every occurrence and fail to parse against
// the uuid column.
func pendingWithInstanceQuery(scopeProjectID *string) (string, []any) {
	query := `
		SELECT s.instance_id, s.step_order, i.current_step, i.project_id, s.created_at
		FROM approval_steps s
		JOIN approval_instances i ON i.id = s.instance_id
		WHERE s.status = 'pending'
		  AND i.status IN ('pending_qa', 'pending_exec')`

	var args []any
	if scopeProjectID != nil {
		query += `
		  AND i.project_id = $1`
		args = append(args, *scopeProjectID)
	}
	query += `
		ORDER BY s.created_at ASC`
	return query, args
}

// UpdateStepAction records the outcome of an approval action on a step.
func (r *ApprovalStepRepository) UpdateStepAction(ctx context.Context, id, status, actedBy string, notes *string) error {
	query := `
		UPDATE approval_steps
		SET status       = $2,
		    acted_by     = $3,
		    acted_at     = NOW(),
		    action_notes = $4,
		    updated_at   = NOW()
		WHERE id = $1
		  AND status = 'pending'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status, actedBy, notes).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.Conflict("step not found or not in pending status")
	}
	return err
}

// RecallSteps marks all pending steps in an instance as recalled.
func (r *ApprovalStepRepository) RecallSteps(ctx context.Context, instanceID string) error {
	query := `
		UPDATE approval_steps
		SET status     = 'recalled',
		    updated_at = NOW()
		WHERE instance_id = $1
		  AND status = 'pending'
	`

	_, err := r.db.Exec(ctx, query, instanceID)
	return err
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const stepSelect = `
	SELECT id, instance_id, step_order,
	       approver_group_id, approver_user_id,
	       status, acted_by, acted_at, action_notes,
	       created_at, updated_at
	FROM approval_steps`

func (r *ApprovalStepRepository) scanRows(rows pgx.Rows) ([]*ApprovalStep, error) {
	var steps []*ApprovalStep
	for rows.Next() {
		s := &ApprovalStep{}
		err := rows.Scan(
			&s.ID,
			&s.InstanceID,
			&s.StepOrder,
			&s.ApproverGroupID,
			&s.ApproverUserID,
			&s.Status,
			&s.ActedBy,
			&s.ActedAt,
			&s.ActionNotes,
			&s.CreatedAt,
			&s.UpdatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval step")
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}
