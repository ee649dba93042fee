// Package testutil provides store setup and data builders for tests.
package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/aio/internal/store"
)

// NewTestStore opens an in-memory store closed when the test completes.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenMemory()
	require.NoError(t, err, "OpenMemory should succeed")
	t.Cleanup(func() { _ = s.Close() })
	return s
}
