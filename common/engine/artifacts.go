package engine

// artifactStore holds node outputs for one run. Only the dispatcher
// goroutine touches it, so no locking is needed.
type artifactStore struct {
	outputs map[string]map[string]any
}

func newArtifactStore() *artifactStore {
	return &artifactStore{outputs: map[string]map[string]any{}}
}

func (a *artifactStore) put(nodeID string, output map[string]any) {
	if output == nil {
		output = map[string]any{}
	}
	a.outputs[nodeID] = output
}

func (a *artifactStore) get(nodeID string) (map[string]any, bool) {
	out, ok := a.outputs[nodeID]
	return out, ok
}

// view returns the artifacts for the requested node ids. The map is a
// fresh copy so worker goroutines can read it without racing the
// dispatcher.
func (a *artifactStore) view(nodeIDs []string) map[string]any {
	out := make(map[string]any, len(nodeIDs))
	for _, id := range nodeIDs {
		if artifact, ok := a.outputs[id]; ok {
			out[id] = artifact
		}
	}
	return out
}
