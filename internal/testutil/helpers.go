package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"grimm.is/paramstrip/internal/state"
)

// NewMemStore opens an in-memory state store that is closed when the test
// ends. The change log is never pruned.
func NewMemStore(t testing.TB) *state.SQLiteStore {
	t.Helper()
	opts := state.DefaultOptions(":memory:")
	opts.CleanupInterval = 0
	st, err := state.NewSQLiteStore(opts)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}
