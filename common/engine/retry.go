package engine

import (
	"math/rand"
	"time"
)

const (
	backoffBase   = 500 * time.Millisecond
	backoffFactor = 2
	backoffCap    = 30 * time.Second
	backoffJitter = 0.2
)

// retryDelay returns the wait before the given attempt (1-based):
// exponential from 500ms, capped at 30s, with 20 percent jitter
func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := backoffBase
	for i := 1; i < attempt; i++ {
		delay *= backoffFactor
		if delay >= backoffCap {
			delay = backoffCap
			break
		}
	}

	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	jittered := time.Duration(float64(delay) * jitter)
	if jittered > backoffCap {
		jittered = backoffCap
	}
	return jittered
}
