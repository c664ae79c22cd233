package handler

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approvals/internal/errors"
)

func TestActorFromRequest(t *testing.T) {
	const (
		userID  = "5f3c8a9e-1db1-4f10-9f59-0a1c3b7d2e01"
		groupID = "6a4d9b0f-2ec2-4a21-8a60-1b2d4c8e3f12"
	)

	t.Run("valid identity headers", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/v1/approvals/pending", nil)
		r.Header.Set("X-User-ID", userID)
		r.Header.Set("X-User-Roles", "member, admin")
		r.Header.Set("X-User-Groups", groupID)
		r.Header.Set("X-Account-Groups", groupID)

		actor, err := actorFromRequest(r)
		require.NoError(t, err)
		assert.Equal(t, userID, actor.UserID)
		assert.Equal(t, []string{"member", "admin"}, actor.Roles)
		assert.Equal(t, []string{groupID}, actor.GroupIDs)
		assert.Equal(t, []string{groupID}, actor.AccountGroupIDs)
	})

	t.Run("absent headers yield an anonymous actor", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/v1/approvals/pending", nil)

		actor, err := actorFromRequest(r)
		require.NoError(t, err)
		assert.Empty(t, actor.UserID)
		assert.Empty(t, actor.GroupIDs)
	})

	t.Run("non-UUID user id is a client error", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/v1/approvals/pending", nil)
		r.Header.Set("X-User-ID", "alice")

		_, err := actorFromRequest(r)
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
	})

	t.Run("non-UUID group entry is a client error", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/v1/approvals/pending", nil)
		r.Header.Set("X-User-ID", userID)
		r.Header.Set("X-User-Groups", groupID+", finance")

		_, err := actorFromRequest(r)
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
	})

	t.Run("non-UUID account group entry is a client error", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/v1/approvals/pending", nil)
		r.Header.Set("X-Account-Groups", "not-a-uuid")

		_, err := actorFromRequest(r)
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeInvalidInput, errors.CodeOf(err))
	})

	t.Run("roles are opaque and pass through unvalidated", func(t *testing.T) {
		r := httptest.NewRequest("GET", "/api/v1/approvals/pending", nil)
		r.Header.Set("X-User-Roles", "finance-lead")

		actor, err := actorFromRequest(r)
		require.NoError(t, err)
		assert.Equal(t, []string{"finance-lead"}, actor.Roles)
	})
}
