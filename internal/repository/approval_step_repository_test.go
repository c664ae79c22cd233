package repository

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingWithInstanceQuery(t *testing.T) {
	t.Run("unscoped statement carries no parameters", func(t *testing.T) {
		query, args := pendingWithInstanceQuery(nil)

		assert.Empty(t, args)
		assert.NotContains(t, query, "$1")
		assert.NotContains(t, query, "project_id =")
	})

	t.Run("scoped statement filters on project_id", func(t *testing.T) {
		scope := "7c1f8a9e-0000-0000-0000-000000000001"
		query, args := pendingWithInstanceQuery(&scope)

		require.Equal(t, []any{scope}, args)
		assert.Contains(t, query, "i.project_id = $1")
	})

	t.Run("parameter type is left to inference", func(t *testing.T) {
		// project_id is a uuid column: an explicit cast on the parameter
		// would pin its type and break the comparison at parse time.
		scope := "7c1f8a9e-0000-0000-0000-000000000001"
		for _, q := range []string{first(pendingWithInstanceQuery(nil)), first(pendingWithInstanceQuery(&scope))} {
			assert.NotContains(t, q, "::")
		}
	})

	t.Run("both statements keep the scanner's filters", func(t *testing.T) {
		scope := "7c1f8a9e-0000-0000-0000-000000000001"
		for _, q := range []string{first(pendingWithInstanceQuery(nil)), first(pendingWithInstanceQuery(&scope))} {
			assert.Contains(t, q, "s.status = 'pending'")
			assert.Contains(t, q, "i.status IN ('pending_qa', 'pending_exec')")
			assert.True(t, strings.HasSuffix(strings.TrimSpace(q), "ORDER BY s.created_at ASC"))
		}
	})
}

func first(query string, _ []any) string { return query }
