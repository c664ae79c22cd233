package service

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-approvals/internal/repository"
)

// OpenInstanceStore answers whether a target already has an open approval.
type OpenInstanceStore interface {
	GetOpenByTarget(ctx context.Context, targetTable, targetID string) (*repository.ApprovalInstance, error)
}

// guardFunc evaluates one guard against a request. Returns false when the
// precondition does not hold (the policy is skipped) and an error when the
// predicate itself could not be evaluated (the policy denies terminally).
type guardFunc func(ctx context.Context, guard repository.Guard, req *EvaluateRequest) (bool, error)

// GuardRegistry is the closed set of named guard predicates. Guard types are
// a tagged-variant dispatch: lookup by type with an explicit unknown branch;
// no reflection, no open-ended registration at runtime.
type GuardRegistry struct {
	instances OpenInstanceStore
	funcs     map[string]guardFunc
}

// NewGuardRegistry builds the registry with all implemented guard types.
func NewGuardRegistry(instances OpenInstanceStore) *GuardRegistry {
	r := &GuardRegistry{instances: instances}
	r.funcs = map[string]guardFunc{
		// approval_open guards an action against an already-open approval:
		// it passes only when no open instance exists for the target.
		"approval_open": r.noOpenApproval,
		// amount_within passes while the document amount is at or under
		// params.max.
		"amount_within": amountWithin,
		// is_creator passes when the acting user created the document
		// (state.createdBy).
		"is_creator": isCreator,
	}
	return r
}

// Evaluate runs one guard. known=false means the guard type is not
// implemented by this engine.
func (r *GuardRegistry) Evaluate(ctx context.Context, guard repository.Guard, req *EvaluateRequest) (ok bool, known bool, err error) {
	fn, found := r.funcs[guard.Type]
	if !found {
		return false, false, nil
	}
	ok, err = fn(ctx, guard, req)
	return ok, true, err
}

func (r *GuardRegistry) noOpenApproval(ctx context.Context, _ repository.Guard, req *EvaluateRequest) (bool, error) {
	if req.TargetTable == "" || req.TargetID == "" {
		return false, fmt.Errorf("approval_open guard requires a target")
	}
	inst, err := r.instances.GetOpenByTarget(ctx, req.TargetTable, req.TargetID)
	if err != nil {
		return false, err
	}
	return inst == nil, nil
}

func amountWithin(_ context.Context, guard repository.Guard, req *EvaluateRequest) (bool, error) {
	max, ok := toFloat(guard.Params["max"])
	if !ok {
		return false, fmt.Errorf("amount_within guard requires a numeric max param")
	}
	amount, ok := toFloat(req.State["totalAmount"])
	if !ok {
		return false, fmt.Errorf("amount_within guard requires state.totalAmount")
	}
	return amount <= max, nil
}

func isCreator(_ context.Context, _ repository.Guard, req *EvaluateRequest) (bool, error) {
	createdBy, _ := req.State["createdBy"].(string)
	if createdBy == "" {
		return false, fmt.Errorf("is_creator guard requires state.createdBy")
	}
	return createdBy == req.Actor.UserID, nil
}
