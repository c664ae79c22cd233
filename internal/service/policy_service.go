package service

import (
	"context"
	"sort"
	"strings"

	"github.com/pesio-ai/be-approvals/internal/logger"
	"github.com/pesio-ai/be-approvals/internal/metrics"
	"github.com/pesio-ai/be-approvals/internal/repository"
)

// Denial reason codes. Denial is an expected business outcome, so it travels
// as a reason on the result rather than as an error.
const (
	ReasonNoMatchingPolicy = "no_matching_policy"
	ReasonReasonRequired   = "reason_required"
	ReasonGuardFailed      = "guard_failed"
	ReasonPolicyDenied     = "action_policy_denied"

	GuardReasonUnknownType = "unknown_guard_type"
)

// PolicyStore supplies the candidate policies for an action. The repository
// returns them in the authoritative order; the matcher re-sorts defensively
// so "first match wins" stays well-defined regardless of the source.
type PolicyStore interface {
	ListForAction(ctx context.Context, flowType, actionKey string) ([]*repository.ActionPolicy, error)
}

// Actor is the caller-supplied identity context. Read-only; never persisted.
type Actor struct {
	UserID          string   `json:"user_id"`
	Roles           []string `json:"roles"`
	GroupIDs        []string `json:"group_ids"`
	AccountGroupIDs []string `json:"account_group_ids,omitempty"`
}

// EvaluateRequest carries everything the matcher needs for one decision.
// State must be the current persisted state of the target, not a client copy.
type EvaluateRequest struct {
	FlowType    string
	ActionKey   string
	Actor       Actor
	State       map[string]any
	TargetTable string
	TargetID    string
	ReasonText  string
}

// GuardFailure describes why a guard could not clear a policy.
type GuardFailure struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// PolicyResult is the outcome of one policy evaluation.
type PolicyResult struct {
	Allowed         bool           `json:"allowed"`
	Reason          string         `json:"reason,omitempty"`
	MatchedPolicyID string         `json:"matched_policy_id,omitempty"`
	GuardFailures   []GuardFailure `json:"guard_failures,omitempty"`
}

// FallbackResult adds PolicyApplied so callers can distinguish "no policy
// configured at all" (proceed with their own default authorization) from an
// explicit denial (must block).
type FallbackResult struct {
	PolicyResult
	PolicyApplied bool `json:"policy_applied"`
}

// PolicyService is the action-policy matcher. Pure over its inputs plus a
// read of policy and guard data; safe for concurrent use.
type PolicyService struct {
	policies PolicyStore
	guards   *GuardRegistry
	log      *logger.Logger
}

// NewPolicyService creates a new PolicyService.
func NewPolicyService(policies PolicyStore, guards *GuardRegistry, log *logger.Logger) *PolicyService {
	return &PolicyService{policies: policies, guards: guards, log: log}
}

// Evaluate walks the ordered candidate list and returns the decision of the
// first fully matching policy. Fail-closed: an empty or unsatisfiable list
// denies with no_matching_policy.
func (s *PolicyService) Evaluate(ctx context.Context, req *EvaluateRequest) (*PolicyResult, error) {
	candidates, err := s.policies.ListForAction(ctx, req.FlowType, req.ActionKey)
	if err != nil {
		return nil, err
	}
	sortPolicies(candidates)

	for _, policy := range candidates {
		if !policy.IsEnabled {
			continue
		}
		if !subjectsMatch(policy.Subjects, req.Actor) {
			continue
		}
		if !stateMatches(policy.StateConstraints, req.State) {
			continue
		}

		matched, result := s.evaluateGuards(ctx, policy, req)
		if result != nil {
			// Terminal guard outcome: unknown guard type or a guard that
			// could not be evaluated. Never falls through to a more
			// permissive candidate.
			return s.record(result), nil
		}
		if !matched {
			// A known guard evaluated false: this policy does not match.
			// Lower-priority candidates may still allow the action.
			continue
		}

		if policy.RequireReason && strings.TrimSpace(req.ReasonText) == "" {
			// Terminal: the matched policy demands a reason; no fallback to
			// later candidates even if one would not require it.
			return s.record(&PolicyResult{
				Allowed:         false,
				Reason:          ReasonReasonRequired,
				MatchedPolicyID: policy.ID,
			}), nil
		}

		return s.record(&PolicyResult{
			Allowed:         true,
			MatchedPolicyID: policy.ID,
		}), nil
	}

	return s.record(&PolicyResult{
		Allowed: false,
		Reason:  ReasonNoMatchingPolicy,
	}), nil
}

// EvaluateWithFallback wraps Evaluate for callers that must not be blocked by
// the absence of administrative configuration.
func (s *PolicyService) EvaluateWithFallback(ctx context.Context, req *EvaluateRequest) (*FallbackResult, error) {
	result, err := s.Evaluate(ctx, req)
	if err != nil {
		return nil, err
	}
	applied := result.Allowed || result.Reason != ReasonNoMatchingPolicy
	return &FallbackResult{PolicyResult: *result, PolicyApplied: applied}, nil
}

// evaluateGuards runs a policy's guards in order. Returns matched=true when
// all guards pass; matched=false when a known guard evaluated false (skip to
// the next candidate); a non-nil result for terminal failures.
func (s *PolicyService) evaluateGuards(ctx context.Context, policy *repository.ActionPolicy, req *EvaluateRequest) (matched bool, terminal *PolicyResult) {
	for _, guard := range policy.Guards {
		ok, known, err := s.guards.Evaluate(ctx, guard, req)
		if !known {
			// A policy referencing a guard this engine does not implement is
			// a configuration defect. Deny fail-safe instead of silently
			// treating it as "didn't match", which could fall through to a
			// more permissive policy.
			s.log.Error().
				Str("policy_id", policy.ID).
				Str("guard_type", guard.Type).
				Msg("policy references unknown guard type")
			return false, &PolicyResult{
				Allowed:         false,
				Reason:          ReasonGuardFailed,
				MatchedPolicyID: policy.ID,
				GuardFailures:   []GuardFailure{{Type: guard.Type, Reason: GuardReasonUnknownType}},
			}
		}
		if err != nil {
			// The guard is known but its predicate could not be evaluated
			// (bad params, storage read failure). Deny on this policy rather
			// than guessing.
			s.log.Warn().Err(err).
				Str("policy_id", policy.ID).
				Str("guard_type", guard.Type).
				Msg("guard evaluation failed")
			return false, &PolicyResult{
				Allowed:         false,
				Reason:          ReasonPolicyDenied,
				MatchedPolicyID: policy.ID,
				GuardFailures:   []GuardFailure{{Type: guard.Type, Reason: err.Error()}},
			}
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// record emits the decision metric and returns the result unchanged.
func (s *PolicyService) record(result *PolicyResult) *PolicyResult {
	decision := "denied"
	if result.Allowed {
		decision = "allowed"
	}
	metrics.PolicyDecisions.WithLabelValues(decision, result.Reason).Inc()
	return result
}

// sortPolicies enforces the total evaluation order: priority descending,
// id ascending as the stable tiebreak.
func sortPolicies(policies []*repository.ActionPolicy) {
	sort.SliceStable(policies, func(i, j int) bool {
		if policies[i].Priority != policies[j].Priority {
			return policies[i].Priority > policies[j].Priority
		}
		return policies[i].ID < policies[j].ID
	})
}

// subjectsMatch reports whether the actor satisfies a policy's subject
// filter. A nil or empty filter matches any actor; otherwise matching any
// listed role, group (primary or account group), or user id is sufficient.
func subjectsMatch(filter *repository.SubjectFilter, actor Actor) bool {
	if filter == nil {
		return true
	}
	if len(filter.Roles) == 0 && len(filter.GroupIDs) == 0 && len(filter.UserIDs) == 0 {
		return true
	}
	for _, id := range filter.UserIDs {
		if id == actor.UserID {
			return true
		}
	}
	for _, role := range filter.Roles {
		if containsString(actor.Roles, role) {
			return true
		}
	}
	for _, group := range filter.GroupIDs {
		if containsString(actor.GroupIDs, group) || containsString(actor.AccountGroupIDs, group) {
			return true
		}
	}
	return false
}

// stateMatches reports whether the document state satisfies a policy's state
// constraints. Each constraint key must be present in the state; a list
// value means membership, a scalar means equality.
func stateMatches(constraints map[string]any, state map[string]any) bool {
	if len(constraints) == 0 {
		return true
	}
	for key, want := range constraints {
		got, ok := state[key]
		if !ok {
			return false
		}
		if list, isList := want.([]any); isList {
			found := false
			for _, candidate := range list {
				if valueEq(candidate, got) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
			continue
		}
		if !valueEq(want, got) {
			return false
		}
	}
	return true
}

// valueEq compares constraint values with numeric normalization, since JSON
// decoding yields float64 while callers may pass ints.
func valueEq(a, b any) bool {
	if fa, aOK := toFloat(a); aOK {
		fb, bOK := toFloat(b)
		return bOK && fa == fb
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func containsString(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
