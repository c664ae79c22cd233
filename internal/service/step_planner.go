package service

import (
	"github.com/pesio-ai/be-approvals/internal/config"
)

// Default approver groups for the built-in ladder.
const (
	defaultManagementGroup = "mgmt"
	defaultExecutiveGroup  = "exec"
)

// PlannedStep is one resolved approver slot with its concrete step order.
type PlannedStep struct {
	ApproverGroupID string `json:"approver_group_id,omitempty"`
	ApproverUserID  string `json:"approver_user_id,omitempty"`
	StepOrder       int    `json:"step_order"`
}

// StepPlanner computes the approval ladder for a flow type given the
// document state. Pure over its inputs and configuration; callable
// concurrently and usable for dry-run previews.
type StepPlanner struct {
	cfg config.ApprovalConfig
}

// NewStepPlanner creates a planner over the configured rule set.
func NewStepPlanner(cfg config.ApprovalConfig) *StepPlanner {
	return &StepPlanner{cfg: cfg}
}

// MatchApprovalSteps applies the configured rules to (flowType, state) and
// returns the normalized ladder. When no configured rule matches, the
// built-in default ladder applies: a management step always, plus an
// executive step once the amount reaches the configured threshold.
func (p *StepPlanner) MatchApprovalSteps(flowType string, state map[string]any) []PlannedStep {
	var raw []config.RuleStep
	for _, rule := range p.cfg.Rules {
		if p.MatchesRuleCondition(flowType, state, rule.Condition) {
			raw = append(raw, rule.Steps...)
		}
	}
	if len(raw) == 0 {
		raw = p.defaultLadder(state)
	}
	return NormalizeRuleSteps(raw)
}

// MatchesRuleCondition reports whether a rule condition applies to the flow
// type and state. Amount bounds are inclusive. Flow flags must explicitly
// mark the flow type true; an absent entry means the rule does not apply to
// that flow type. A nil flags map leaves the rule unrestricted by flow.
func (p *StepPlanner) MatchesRuleCondition(flowType string, state map[string]any, cond config.RuleCondition) bool {
	if cond.FlowFlags != nil && !cond.FlowFlags[flowType] {
		return false
	}
	if cond.AmountMin != nil || cond.AmountMax != nil {
		amount, _ := toFloat(state["totalAmount"])
		if cond.AmountMin != nil && amount < float64(*cond.AmountMin) {
			return false
		}
		if cond.AmountMax != nil && amount > float64(*cond.AmountMax) {
			return false
		}
	}
	return true
}

// defaultLadder is the built-in rule set: management approval always, and
// executive approval at or above the threshold. Recurring documents use
// their own configured threshold (same value by default; kept as
// configuration so the business can tune it independently).
func (p *StepPlanner) defaultLadder(state map[string]any) []config.RuleStep {
	steps := []config.RuleStep{
		{ApproverGroupID: defaultManagementGroup},
	}

	threshold := p.cfg.ExecThreshold
	if recurring, _ := state["recurring"].(bool); recurring {
		threshold = p.cfg.RecurringExecThreshold
	}

	amount, _ := toFloat(state["totalAmount"])
	if amount >= float64(threshold) {
		steps = append(steps, config.RuleStep{ApproverGroupID: defaultExecutiveGroup})
	}
	return steps
}

// NormalizeRuleSteps resolves raw step declarations into concrete step
// orders:
//   - an explicit step_order is preserved as-is;
//   - steps sharing a parallel_key all take the order assigned at the key's
//     first occurrence;
//   - steps with neither take their 1-based position in the list.
//
// This lets a flow declare "step 1 = management alone; step 2 = two finance
// approvers in parallel" without hand-numbering every entry.
func NormalizeRuleSteps(raw []config.RuleStep) []PlannedStep {
	steps := make([]PlannedStep, 0, len(raw))
	keyOrders := make(map[string]int)

	for i, def := range raw {
		order := def.StepOrder
		switch {
		case order > 0:
			// explicit wins
		case def.ParallelKey != "":
			assigned, seen := keyOrders[def.ParallelKey]
			if !seen {
				assigned = i + 1
				keyOrders[def.ParallelKey] = assigned
			}
			order = assigned
		default:
			order = i + 1
		}

		steps = append(steps, PlannedStep{
			ApproverGroupID: def.ApproverGroupID,
			ApproverUserID:  def.ApproverUserID,
			StepOrder:       order,
		})
	}
	return steps
}
