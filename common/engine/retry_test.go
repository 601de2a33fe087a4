package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryDelay_Bounds(t *testing.T) {
	for i := 0; i < 50; i++ {
		first := retryDelay(1)
		require.GreaterOrEqual(t, first, 400*time.Millisecond)
		require.LessOrEqual(t, first, 600*time.Millisecond)

		second := retryDelay(2)
		require.GreaterOrEqual(t, second, 800*time.Millisecond)
		require.LessOrEqual(t, second, 1200*time.Millisecond)
	}
}

func TestRetryDelay_Cap(t *testing.T) {
	for i := 0; i < 50; i++ {
		capped := retryDelay(20)
		require.LessOrEqual(t, capped, backoffCap)
		require.GreaterOrEqual(t, capped, 24*time.Second)
	}
}

func TestRetryDelay_ClampsInvalidAttempts(t *testing.T) {
	d := retryDelay(0)
	require.GreaterOrEqual(t, d, 400*time.Millisecond)
	require.LessOrEqual(t, d, 600*time.Millisecond)
}
