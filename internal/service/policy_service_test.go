package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approvals/internal/logger"
	"github.com/pesio-ai/be-approvals/internal/repository"
)

type fakePolicyStore struct {
	policies []*repository.ActionPolicy
	err      error
}

func (f *fakePolicyStore) ListForAction(ctx context.Context, flowType, actionKey string) ([]*repository.ActionPolicy, error) {
	return f.policies, f.err
}

type fakeInstanceStore struct {
	open *repository.ApprovalInstance
	err  error
}

func (f *fakeInstanceStore) GetOpenByTarget(ctx context.Context, targetTable, targetID string) (*repository.ApprovalInstance, error) {
	return f.open, f.err
}

func testLogger() *logger.Logger {
	return logger.New(logger.Config{Level: "error", Environment: "test", ServiceName: "be-approvals-test"})
}

func newTestPolicyService(policies []*repository.ActionPolicy, instances *fakeInstanceStore) *PolicyService {
	if instances == nil {
		instances = &fakeInstanceStore{}
	}
	return NewPolicyService(
		&fakePolicyStore{policies: policies},
		NewGuardRegistry(instances),
		testLogger(),
	)
}

func evalRequest() *EvaluateRequest {
	return &EvaluateRequest{
		FlowType:    "estimate",
		ActionKey:   "submit",
		Actor:       Actor{UserID: "u-1", Roles: []string{"member"}},
		State:       map[string]any{"status": "draft", "totalAmount": 5000, "createdBy": "u-1"},
		TargetTable: "estimates",
		TargetID:    "doc-1",
	}
}

func TestEvaluate_NoPolicies(t *testing.T) {
	svc := newTestPolicyService(nil, nil)

	result, err := svc.Evaluate(context.Background(), evalRequest())
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, ReasonNoMatchingPolicy, result.Reason)
	assert.Empty(t, result.MatchedPolicyID)
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	svc := newTestPolicyService([]*repository.ActionPolicy{
		{ID: "p-low", Priority: 1, IsEnabled: true},
		{ID: "p-high", Priority: 10, IsEnabled: true},
	}, nil)

	result, err := svc.Evaluate(context.Background(), evalRequest())
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, "p-high", result.MatchedPolicyID)
}

func TestEvaluate_EqualPriorityBreaksOnID(t *testing.T) {
	svc := newTestPolicyService([]*repository.ActionPolicy{
		{ID: "p-b", Priority: 5, IsEnabled: true},
		{ID: "p-a", Priority: 5, IsEnabled: true},
	}, nil)

	result, err := svc.Evaluate(context.Background(), evalRequest())
	require.NoError(t, err)
	assert.Equal(t, "p-a", result.MatchedPolicyID)
}

func TestEvaluate_SubjectAndStateFilters(t *testing.T) {
	svc := newTestPolicyService([]*repository.ActionPolicy{
		{
			ID: "p-admins", Priority: 10, IsEnabled: true,
			Subjects: &repository.SubjectFilter{Roles: []string{"admin"}},
		},
		{
			ID: "p-pending", Priority: 5, IsEnabled: true,
			StateConstraints: map[string]any{"status": "pending_approval"},
		},
		{ID: "p-any", Priority: 1, IsEnabled: true},
	}, nil)

	// The actor is not an admin and the document is draft, so both filtered
	// policies are skipped and the catch-all matches.
	result, err := svc.Evaluate(context.Background(), evalRequest())
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, "p-any", result.MatchedPolicyID)
}

func TestEvaluate_StateListConstraint(t *testing.T) {
	svc := newTestPolicyService([]*repository.ActionPolicy{
		{
			ID: "p-editable", Priority: 1, IsEnabled: true,
			StateConstraints: map[string]any{"status": []any{"draft", "rejected"}},
		},
	}, nil)

	result, err := svc.Evaluate(context.Background(), evalRequest())
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, "p-editable", result.MatchedPolicyID)
}

func TestEvaluate_DisabledPolicySkipped(t *testing.T) {
	svc := newTestPolicyService([]*repository.ActionPolicy{
		{ID: "p-off", Priority: 10, IsEnabled: false},
	}, nil)

	result, err := svc.Evaluate(context.Background(), evalRequest())
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, ReasonNoMatchingPolicy, result.Reason)
}

func TestEvaluate_ReasonRequiredIsTerminal(t *testing.T) {
	svc := newTestPolicyService([]*repository.ActionPolicy{
		{ID: "p-strict", Priority: 10, IsEnabled: true, RequireReason: true},
		// A lower-priority policy without the requirement must NOT rescue
		// the action.
		{ID: "p-lenient", Priority: 1, IsEnabled: true},
	}, nil)

	result, err := svc.Evaluate(context.Background(), evalRequest())
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, ReasonReasonRequired, result.Reason)
	assert.Equal(t, "p-strict", result.MatchedPolicyID)

	req := evalRequest()
	req.ReasonText = "late vendor change"
	result, err = svc.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, "p-strict", result.MatchedPolicyID)
}

func TestEvaluate_GuardFalseSkipsToNextCandidate(t *testing.T) {
	// approval_open fails while an open instance exists, so the guarded
	// policy is skipped and evaluation falls through to the next candidate.
	instances := &fakeInstanceStore{open: &repository.ApprovalInstance{ID: "inst-1"}}
	svc := newTestPolicyService([]*repository.ActionPolicy{
		{
			ID: "p-guarded", Priority: 10, IsEnabled: true,
			Guards: []repository.Guard{{Type: "approval_open"}},
		},
		{ID: "p-fallback", Priority: 1, IsEnabled: true},
	}, instances)

	result, err := svc.Evaluate(context.Background(), evalRequest())
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, "p-fallback", result.MatchedPolicyID)

	instances.open = nil
	result, err = svc.Evaluate(context.Background(), evalRequest())
	require.NoError(t, err)
	assert.Equal(t, "p-guarded", result.MatchedPolicyID)
}

func TestEvaluate_UnknownGuardDeniesTerminally(t *testing.T) {
	svc := newTestPolicyService([]*repository.ActionPolicy{
		{
			ID: "p-bad", Priority: 10, IsEnabled: true,
			Guards: []repository.Guard{{Type: "time_window"}},
		},
		{ID: "p-fallback", Priority: 1, IsEnabled: true},
	}, nil)

	result, err := svc.Evaluate(context.Background(), evalRequest())
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, ReasonGuardFailed, result.Reason)
	assert.Equal(t, "p-bad", result.MatchedPolicyID)
	require.Len(t, result.GuardFailures, 1)
	assert.Equal(t, "time_window", result.GuardFailures[0].Type)
	assert.Equal(t, GuardReasonUnknownType, result.GuardFailures[0].Reason)
}

func TestEvaluate_GuardErrorDeniesTerminally(t *testing.T) {
	instances := &fakeInstanceStore{err: errors.New("connection reset")}
	svc := newTestPolicyService([]*repository.ActionPolicy{
		{
			ID: "p-guarded", Priority: 10, IsEnabled: true,
			Guards: []repository.Guard{{Type: "approval_open"}},
		},
		{ID: "p-fallback", Priority: 1, IsEnabled: true},
	}, instances)

	result, err := svc.Evaluate(context.Background(), evalRequest())
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, ReasonPolicyDenied, result.Reason)
	assert.Equal(t, "p-guarded", result.MatchedPolicyID)
}

func TestEvaluate_AmountAndCreatorGuards(t *testing.T) {
	svc := newTestPolicyService([]*repository.ActionPolicy{
		{
			ID: "p-self-small", Priority: 10, IsEnabled: true,
			Guards: []repository.Guard{
				{Type: "is_creator"},
				{Type: "amount_within", Params: map[string]any{"max": 10000}},
			},
		},
	}, nil)

	result, err := svc.Evaluate(context.Background(), evalRequest())
	require.NoError(t, err)
	assert.True(t, result.Allowed)

	req := evalRequest()
	req.State["totalAmount"] = 10001
	result, err = svc.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, ReasonNoMatchingPolicy, result.Reason)

	req = evalRequest()
	req.Actor.UserID = "u-2"
	result, err = svc.Evaluate(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}

func TestEvaluateWithFallback(t *testing.T) {
	t.Run("no policy configured leaves policy_applied false", func(t *testing.T) {
		svc := newTestPolicyService(nil, nil)
		result, err := svc.EvaluateWithFallback(context.Background(), evalRequest())
		require.NoError(t, err)
		assert.False(t, result.Allowed)
		assert.False(t, result.PolicyApplied)
	})

	t.Run("explicit denial is policy_applied", func(t *testing.T) {
		svc := newTestPolicyService([]*repository.ActionPolicy{
			{ID: "p-strict", Priority: 1, IsEnabled: true, RequireReason: true},
		}, nil)
		result, err := svc.EvaluateWithFallback(context.Background(), evalRequest())
		require.NoError(t, err)
		assert.False(t, result.Allowed)
		assert.True(t, result.PolicyApplied)
	})

	t.Run("allow is policy_applied", func(t *testing.T) {
		svc := newTestPolicyService([]*repository.ActionPolicy{
			{ID: "p-any", Priority: 1, IsEnabled: true},
		}, nil)
		result, err := svc.EvaluateWithFallback(context.Background(), evalRequest())
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.True(t, result.PolicyApplied)
	})
}

func TestSubjectsMatch(t *testing.T) {
	actor := Actor{
		UserID:          "u-1",
		Roles:           []string{"member"},
		GroupIDs:        []string{"g-1"},
		AccountGroupIDs: []string{"ag-1"},
	}

	tests := []struct {
		name   string
		filter *repository.SubjectFilter
		want   bool
	}{
		{"nil filter matches anyone", nil, true},
		{"empty filter matches anyone", &repository.SubjectFilter{}, true},
		{"user id match", &repository.SubjectFilter{UserIDs: []string{"u-1"}}, true},
		{"role match", &repository.SubjectFilter{Roles: []string{"member"}}, true},
		{"group match", &repository.SubjectFilter{GroupIDs: []string{"g-1"}}, true},
		{"account group match", &repository.SubjectFilter{GroupIDs: []string{"ag-1"}}, true},
		{"any-of across fields", &repository.SubjectFilter{Roles: []string{"admin"}, UserIDs: []string{"u-1"}}, true},
		{"no overlap", &repository.SubjectFilter{Roles: []string{"admin"}, GroupIDs: []string{"g-9"}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, subjectsMatch(tt.filter, actor))
		})
	}
}

func TestStateMatches(t *testing.T) {
	state := map[string]any{"status": "draft", "totalAmount": float64(5000)}

	assert.True(t, stateMatches(nil, state))
	assert.True(t, stateMatches(map[string]any{"status": "draft"}, state))
	assert.False(t, stateMatches(map[string]any{"status": "approved"}, state))
	assert.False(t, stateMatches(map[string]any{"missing": "x"}, state))
	// Numeric normalization: int constraint against float64 state.
	assert.True(t, stateMatches(map[string]any{"totalAmount": 5000}, state))
}
