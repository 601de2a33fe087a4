package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConnectorLimits_Throttles(t *testing.T) {
	limits := newConnectorLimits(map[string]int64{"llm": 1})

	release, err := limits.acquire(context.Background(), "llm")
	require.NoError(t, err)

	// The single slot is taken; a second acquire times out
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = limits.acquire(ctx, "llm")
	require.Error(t, err)

	release()
	release2, err := limits.acquire(context.Background(), "llm")
	require.NoError(t, err)
	release2()
}

func TestConnectorLimits_UnlimitedWhenUndeclared(t *testing.T) {
	limits := newConnectorLimits(map[string]int64{"llm": 1})

	for i := 0; i < 10; i++ {
		release, err := limits.acquire(context.Background(), "core")
		require.NoError(t, err)
		release()
	}
}

func TestConnectorLimits_IgnoresNonPositiveWeights(t *testing.T) {
	limits := newConnectorLimits(map[string]int64{"broken": 0})

	release, err := limits.acquire(context.Background(), "broken")
	require.NoError(t, err)
	release()
}

func TestArtifactStore_ViewCopies(t *testing.T) {
	store := newArtifactStore()
	store.put("a", map[string]any{"x": 1})
	store.put("b", nil)

	view := store.view([]string{"a", "b", "missing"})
	require.Len(t, view, 2)
	require.Equal(t, map[string]any{"x": 1}, view["a"])
	require.Equal(t, map[string]any{}, view["b"])

	// Mutating the view map does not touch the store
	delete(view, "a")
	kept, ok := store.get("a")
	require.True(t, ok)
	require.Equal(t, 1, kept["x"])
}
