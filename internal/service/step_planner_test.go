package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approvals/internal/config"
)

func plannerConfig() config.ApprovalConfig {
	return config.ApprovalConfig{
		ExecThreshold:          100000,
		RecurringExecThreshold: 100000,
	}
}

func TestMatchApprovalSteps_DefaultLadder(t *testing.T) {
	planner := NewStepPlanner(plannerConfig())

	t.Run("below threshold yields management only", func(t *testing.T) {
		steps := planner.MatchApprovalSteps("estimate", map[string]any{"totalAmount": 49999})
		require.Len(t, steps, 1)
		assert.Equal(t, "mgmt", steps[0].ApproverGroupID)
		assert.Equal(t, 1, steps[0].StepOrder)
	})

	t.Run("at threshold adds executive step", func(t *testing.T) {
		steps := planner.MatchApprovalSteps("estimate", map[string]any{"totalAmount": 100000})
		require.Len(t, steps, 2)
		assert.Equal(t, "mgmt", steps[0].ApproverGroupID)
		assert.Equal(t, 1, steps[0].StepOrder)
		assert.Equal(t, "exec", steps[1].ApproverGroupID)
		assert.Equal(t, 2, steps[1].StepOrder)
	})

	t.Run("recurring documents use their own threshold", func(t *testing.T) {
		cfg := plannerConfig()
		cfg.RecurringExecThreshold = 50000
		planner := NewStepPlanner(cfg)

		steps := planner.MatchApprovalSteps("estimate", map[string]any{
			"totalAmount": 60000,
			"recurring":   true,
		})
		require.Len(t, steps, 2)
		assert.Equal(t, "exec", steps[1].ApproverGroupID)

		steps = planner.MatchApprovalSteps("estimate", map[string]any{"totalAmount": 60000})
		assert.Len(t, steps, 1)
	})

	t.Run("missing amount treated as zero", func(t *testing.T) {
		steps := planner.MatchApprovalSteps("estimate", map[string]any{})
		require.Len(t, steps, 1)
		assert.Equal(t, "mgmt", steps[0].ApproverGroupID)
	})
}

func TestMatchApprovalSteps_ConfiguredRules(t *testing.T) {
	min := int64(10000)
	cfg := plannerConfig()
	cfg.Rules = []config.StepRule{
		{
			Name: "large purchase orders need finance",
			Condition: config.RuleCondition{
				AmountMin: &min,
				FlowFlags: map[string]bool{"purchase_order": true},
			},
			Steps: []config.RuleStep{
				{ApproverGroupID: "finance"},
				{ApproverGroupID: "exec"},
			},
		},
	}
	planner := NewStepPlanner(cfg)

	t.Run("matching rule replaces the default ladder", func(t *testing.T) {
		steps := planner.MatchApprovalSteps("purchase_order", map[string]any{"totalAmount": 20000})
		require.Len(t, steps, 2)
		assert.Equal(t, "finance", steps[0].ApproverGroupID)
		assert.Equal(t, 1, steps[0].StepOrder)
		assert.Equal(t, "exec", steps[1].ApproverGroupID)
		assert.Equal(t, 2, steps[1].StepOrder)
	})

	t.Run("flow not flagged falls back to the default ladder", func(t *testing.T) {
		steps := planner.MatchApprovalSteps("estimate", map[string]any{"totalAmount": 20000})
		require.Len(t, steps, 1)
		assert.Equal(t, "mgmt", steps[0].ApproverGroupID)
	})

	t.Run("amount below minimum falls back to the default ladder", func(t *testing.T) {
		steps := planner.MatchApprovalSteps("purchase_order", map[string]any{"totalAmount": 5000})
		require.Len(t, steps, 1)
		assert.Equal(t, "mgmt", steps[0].ApproverGroupID)
	})
}

func TestMatchesRuleCondition(t *testing.T) {
	planner := NewStepPlanner(plannerConfig())
	min, max := int64(100), int64(200)

	tests := []struct {
		name     string
		flowType string
		state    map[string]any
		cond     config.RuleCondition
		want     bool
	}{
		{"empty condition matches anything", "estimate", nil, config.RuleCondition{}, true},
		{"amount at inclusive min", "estimate", map[string]any{"totalAmount": 100}, config.RuleCondition{AmountMin: &min}, true},
		{"amount below min", "estimate", map[string]any{"totalAmount": 99}, config.RuleCondition{AmountMin: &min}, false},
		{"amount at inclusive max", "estimate", map[string]any{"totalAmount": 200}, config.RuleCondition{AmountMax: &max}, true},
		{"amount above max", "estimate", map[string]any{"totalAmount": 201}, config.RuleCondition{AmountMax: &max}, false},
		{"flow flag explicitly true", "leave", nil, config.RuleCondition{FlowFlags: map[string]bool{"leave": true}}, true},
		{"flow flag absent means no match", "leave", nil, config.RuleCondition{FlowFlags: map[string]bool{"expense": true}}, false},
		{"flow flag explicitly false", "leave", nil, config.RuleCondition{FlowFlags: map[string]bool{"leave": false}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, planner.MatchesRuleCondition(tt.flowType, tt.state, tt.cond))
		})
	}
}

func TestNormalizeRuleSteps(t *testing.T) {
	t.Run("explicit order is preserved", func(t *testing.T) {
		steps := NormalizeRuleSteps([]config.RuleStep{
			{ApproverGroupID: "mgmt", StepOrder: 3},
			{ApproverGroupID: "exec"},
		})
		require.Len(t, steps, 2)
		assert.Equal(t, 3, steps[0].StepOrder)
		assert.Equal(t, 2, steps[1].StepOrder)
	})

	t.Run("parallel key groups steps at one order", func(t *testing.T) {
		steps := NormalizeRuleSteps([]config.RuleStep{
			{ApproverGroupID: "mgmt"},
			{ApproverUserID: "finance-1", ParallelKey: "finance"},
			{ApproverUserID: "finance-2", ParallelKey: "finance"},
		})
		require.Len(t, steps, 3)
		assert.Equal(t, 1, steps[0].StepOrder)
		assert.Equal(t, 2, steps[1].StepOrder)
		assert.Equal(t, 2, steps[2].StepOrder)
	})

	t.Run("later keys keep their positional order, gaps allowed", func(t *testing.T) {
		// Orders need not be contiguous: advancement walks to the lowest
		// pending order above the current one, so 1,1,3 behaves as two
		// sequential stages.
		steps := NormalizeRuleSteps([]config.RuleStep{
			{ApproverUserID: "qa-1", ParallelKey: "qa"},
			{ApproverUserID: "qa-2", ParallelKey: "qa"},
			{ApproverGroupID: "exec", ParallelKey: "exec"},
		})
		require.Len(t, steps, 3)
		assert.Equal(t, 1, steps[0].StepOrder)
		assert.Equal(t, 1, steps[1].StepOrder)
		assert.Equal(t, 3, steps[2].StepOrder)
	})

	t.Run("positional numbering without order or key", func(t *testing.T) {
		steps := NormalizeRuleSteps([]config.RuleStep{
			{ApproverGroupID: "a"},
			{ApproverGroupID: "b"},
			{ApproverGroupID: "c"},
		})
		require.Len(t, steps, 3)
		for i, s := range steps {
			assert.Equal(t, i+1, s.StepOrder)
		}
	})

	t.Run("empty input yields empty plan", func(t *testing.T) {
		assert.Empty(t, NormalizeRuleSteps(nil))
	})
}
