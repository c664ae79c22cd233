package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-approvals/internal/database"
	"github.com/pesio-ai/be-approvals/internal/errors"
)

// ActionPolicyRepository handles CRUD for action_policies.
type ActionPolicyRepository struct {
	db *database.DB
}

// NewActionPolicyRepository creates a new ActionPolicyRepository.
func NewActionPolicyRepository(db *database.DB) *ActionPolicyRepository {
	return &ActionPolicyRepository{db: db}
}

// Create inserts a new action policy.
func (r *ActionPolicyRepository) Create(ctx context.Context, p *ActionPolicy) error {
	subjectsJSON, constraintsJSON, guardsJSON, err := marshalPolicyJSON(p)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO action_policies
		    (flow_type, action_key, policy_name, priority, is_enabled,
		     subjects, state_constraints, guards, require_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		p.FlowType,
		p.ActionKey,
		p.PolicyName,
		p.Priority,
		p.IsEnabled,
		subjectsJSON,
		constraintsJSON,
		guardsJSON,
		p.RequireReason,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
}

// GetByID retrieves a policy by primary key.
func (r *ActionPolicyRepository) GetByID(ctx context.Context, id string) (*ActionPolicy, error) {
	query := policySelect + ` WHERE id = $1`

	p, err := r.scanPolicy(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("action_policy", id)
	}
	return p, err
}

// ListForAction returns the enabled candidate policies for an action in the
// authoritative evaluation order: priority descending, then id ascending.
// The matcher depends on this order being total and deterministic.
func (r *ActionPolicyRepository) ListForAction(ctx context.Context, flowType, actionKey string) ([]*ActionPolicy, error) {
	query := policySelect + `
		WHERE flow_type = $1
		  AND action_key = $2
		  AND is_enabled = TRUE
		ORDER BY priority DESC, id ASC
	`

	rows, err := r.db.Query(ctx, query, flowType, actionKey)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list action policies")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// List returns all policies, optionally filtered by flow type.
func (r *ActionPolicyRepository) List(ctx context.Context, flowType string) ([]*ActionPolicy, error) {
	query := policySelect
	args := []any{}
	if flowType != "" {
		query += ` WHERE flow_type = $1`
		args = append(args, flowType)
	}
	query += ` ORDER BY flow_type ASC, action_key ASC, priority DESC, id ASC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list action policies")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// Update persists changes to an existing policy.
func (r *ActionPolicyRepository) Update(ctx context.Context, p *ActionPolicy) error {
	subjectsJSON, constraintsJSON, guardsJSON, err := marshalPolicyJSON(p)
	if err != nil {
		return err
	}

	query := `
		UPDATE action_policies
		SET flow_type         = $2,
		    action_key        = $3,
		    policy_name       = $4,
		    priority          = $5,
		    is_enabled        = $6,
		    subjects          = $7,
		    state_constraints = $8,
		    guards            = $9,
		    require_reason    = $10,
		    updated_at        = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		p.ID,
		p.FlowType,
		p.ActionKey,
		p.PolicyName,
		p.Priority,
		p.IsEnabled,
		subjectsJSON,
		constraintsJSON,
		guardsJSON,
		p.RequireReason,
	).Scan(&p.UpdatedAt)

	if err == pgx.ErrNoRows {
		return errors.NotFound("action_policy", p.ID)
	}
	return err
}

// Delete removes a policy.
func (r *ActionPolicyRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM action_policies WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to delete action policy")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("action_policy", id)
	}
	return nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

const policySelect = `
	SELECT id, flow_type, action_key, policy_name, priority, is_enabled,
	       subjects, state_constraints, guards, require_reason,
	       created_at, updated_at
	FROM action_policies`

func marshalPolicyJSON(p *ActionPolicy) (subjects, constraints, guards []byte, err error) {
	if p.Subjects != nil {
		subjects, err = json.Marshal(p.Subjects)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal policy subjects")
		}
	}
	if p.StateConstraints != nil {
		constraints, err = json.Marshal(p.StateConstraints)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal policy state constraints")
		}
	}
	guards, err = json.Marshal(p.Guards)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal policy guards")
	}
	return subjects, constraints, guards, nil
}

type policyScanner interface {
	Scan(dest ...any) error
}

func (r *ActionPolicyRepository) scanPolicy(row policyScanner) (*ActionPolicy, error) {
	p := &ActionPolicy{}
	var subjectsJSON, constraintsJSON, guardsJSON []byte

	err := row.Scan(
		&p.ID,
		&p.FlowType,
		&p.ActionKey,
		&p.PolicyName,
		&p.Priority,
		&p.IsEnabled,
		&subjectsJSON,
		&constraintsJSON,
		&guardsJSON,
		&p.RequireReason,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(subjectsJSON) > 0 {
		p.Subjects = &SubjectFilter{}
		if err := json.Unmarshal(subjectsJSON, p.Subjects); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal policy subjects")
		}
	}
	if len(constraintsJSON) > 0 {
		if err := json.Unmarshal(constraintsJSON, &p.StateConstraints); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal policy state constraints")
		}
	}
	if len(guardsJSON) > 0 {
		if err := json.Unmarshal(guardsJSON, &p.Guards); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal policy guards")
		}
	}
	return p, nil
}

func (r *ActionPolicyRepository) scanRows(rows pgx.Rows) ([]*ActionPolicy, error) {
	var policies []*ActionPolicy
	for rows.Next() {
		p, err := r.scanPolicy(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan action policy")
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}
