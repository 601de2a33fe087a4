package queue

import (
	"context"
	"time"

	"github.com/flowstack/engine/common/redisx"
)

const cancelKeyPrefix = "runs:cancel:"

// cancelMarkerTTL bounds how long a cancel marker outlives its run
const cancelMarkerTTL = time.Hour

// RequestCancel sets the cancel marker the executing worker polls
func RequestCancel(ctx context.Context, redis *redisx.Client, runID string) error {
	return redis.Set(ctx, cancelKeyPrefix+runID, "1", cancelMarkerTTL)
}

// CancelRequested reports whether a cancel marker exists for the run
func CancelRequested(ctx context.Context, redis *redisx.Client, runID string) bool {
	_, found, err := redis.Get(ctx, cancelKeyPrefix+runID)
	return err == nil && found
}
