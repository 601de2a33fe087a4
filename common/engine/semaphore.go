package engine

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// connectorLimits holds one weighted semaphore per connector so nodes
// sharing a provider respect its declared concurrency ceiling
type connectorLimits struct {
	sems map[string]*semaphore.Weighted
}

func newConnectorLimits(limits map[string]int64) *connectorLimits {
	sems := make(map[string]*semaphore.Weighted, len(limits))
	for app, weight := range limits {
		if weight > 0 {
			sems[app] = semaphore.NewWeighted(weight)
		}
	}
	return &connectorLimits{sems: sems}
}

// acquire blocks until a slot for the connector is free. Connectors
// with no declared limit are unthrottled.
func (c *connectorLimits) acquire(ctx context.Context, app string) (release func(), err error) {
	sem, ok := c.sems[app]
	if !ok {
		return func() {}, nil
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}
