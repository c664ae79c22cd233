package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approvals/internal/database"
	"github.com/pesio-ai/be-approvals/internal/errors"
)

// ApprovalInstanceRepository manages workflow instances. Instance and step
// creation always happens inside a caller-owned transaction so the document
// status flip commits atomically with the workflow (see ApprovalService).
type ApprovalInstanceRepository struct {
	db *database.DB
}

// NewApprovalInstanceRepository creates a new ApprovalInstanceRepository.
func NewApprovalInstanceRepository(db *database.DB) *ApprovalInstanceRepository {
	return &ApprovalInstanceRepository{db: db}
}

// CreateTx inserts an instance and its steps within the caller's transaction.
// A second open instance for the same target violates the partial unique
// index and surfaces to the caller as a unique violation.
func (r *ApprovalInstanceRepository) CreateTx(ctx context.Context, tx pgx.Tx, inst *ApprovalInstance, steps []*ApprovalStep) error {
	instQuery := `
		INSERT INTO approval_instances
		    (flow_type, target_table, target_id, project_id,
		     status, current_step, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`

	err := tx.QueryRow(ctx, instQuery,
		inst.FlowType,
		inst.TargetTable,
		inst.TargetID,
		inst.ProjectID,
		inst.Status,
		inst.CurrentStep,
		inst.CreatedBy,
	).Scan(&inst.ID, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			// Propagated untouched so the service maps it to a conflict.
			return err
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval instance")
	}

	stepQuery := `
		INSERT INTO approval_steps
		    (instance_id, step_order, approver_group_id, approver_user_id, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`

	for _, step := range steps {
		step.InstanceID = inst.ID
		err := tx.QueryRow(ctx, stepQuery,
			step.InstanceID,
			step.StepOrder,
			step.ApproverGroupID,
			step.ApproverUserID,
			step.Status,
		).Scan(&step.ID, &step.CreatedAt, &step.UpdatedAt)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval step")
		}
	}

	return nil
}

// GetByID retrieves an instance by primary key.
func (r *ApprovalInstanceRepository) GetByID(ctx context.Context, id string) (*ApprovalInstance, error) {
	query := instanceSelect + ` WHERE id = $1`

	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_instance", id)
	}
	return inst, err
}

// GetOpenByTarget returns the open instance for a target, or nil when the
// target has no open workflow. Used by the approval_open guard.
func (r *ApprovalInstanceRepository) GetOpenByTarget(ctx context.Context, targetTable, targetID string) (*ApprovalInstance, error) {
	query := instanceSelect + `
		WHERE target_table = $1
		  AND target_id = $2
		  AND status IN ('pending_qa', 'pending_exec')
		LIMIT 1
	`

	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, targetTable, targetID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return inst, err
}

// UpdateStatus sets the instance status and optionally stamps completed_at.
func (r *ApprovalInstanceRepository) UpdateStatus(ctx context.Context, id, status string, completedAt *time.Time) error {
	query := `
		UPDATE approval_instances
		SET status       = $2,
		    completed_at = $3,
		    updated_at   = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, status, completedAt).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_instance", id)
	}
	return err
}

// AdvanceStep moves current_step to the next step order and updates status.
func (r *ApprovalInstanceRepository) AdvanceStep(ctx context.Context, id string, nextStep int, status string) error {
	query := `
		UPDATE approval_instances
		SET current_step = $2,
		    status       = $3,
		    updated_at   = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, nextStep, status).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_instance", id)
	}
	return err
}

// ── scan helper ──────────────────────────────────────────────────────────────

const instanceSelect = `
	SELECT id, flow_type, target_table, target_id, project_id,
	       status, current_step, created_by, completed_at,
	       created_at, updated_at
	FROM approval_instances`

type instanceScanner interface {
	Scan(dest ...any) error
}

func (r *ApprovalInstanceRepository) scanInstance(row instanceScanner) (*ApprovalInstance, error) {
	inst := &ApprovalInstance{}
	err := row.Scan(
		&inst.ID,
		&inst.FlowType,
		&inst.TargetTable,
		&inst.TargetID,
		&inst.ProjectID,
		&inst.Status,
		&inst.CurrentStep,
		&inst.CreatedBy,
		&inst.CompletedAt,
		&inst.CreatedAt,
		&inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return inst, nil
}
