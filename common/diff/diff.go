package diff

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/flowstack/engine/common/graph"
	"github.com/flowstack/engine/common/registry"
)

// Breaking change classifications
const (
	BreakingOutputRemoved      = "output-removed"
	BreakingOutputTypeChanged  = "output-type-changed"
	BreakingRequiredInputAdded = "required-input-added"
	BreakingHandleRemoved      = "handle-removed"
	BreakingOperationChanged   = "operation-changed"
)

// ErrMigrationPlanRequired gates production publishes that carry
// breaking changes without a complete migration plan
var ErrMigrationPlanRequired = errors.New("MIGRATION_PLAN_REQUIRED")

// BreakingChange describes one incompatibility introduced by promotion
type BreakingChange struct {
	NodeID      string `json:"nodeId"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// WorkflowDiff is the structural difference between two canonical graphs
type WorkflowDiff struct {
	AddedNodes      []string         `json:"addedNodes"`
	RemovedNodes    []string         `json:"removedNodes"`
	ModifiedNodes   []string         `json:"modifiedNodes"`
	AddedEdges      []string         `json:"addedEdges"`
	RemovedEdges    []string         `json:"removedEdges"`
	MetadataChanged bool             `json:"metadataChanged"`
	BreakingChanges []BreakingChange `json:"breakingChanges"`

	// MergePatch is a JSON merge patch from the published graph to the
	// draft, kept for audit trails
	MergePatch json.RawMessage `json:"mergePatch,omitempty"`
}

// HasBreaking reports whether promotion needs a migration plan
func (d *WorkflowDiff) HasBreaking() bool {
	return len(d.BreakingChanges) > 0
}

// Compute diffs the published graph (from) against the draft (to) using
// node-id and edge-id set arithmetic plus per-node structural compares
func Compute(from, to *graph.Graph, index *registry.Index, fromMeta, toMeta map[string]any) (*WorkflowDiff, error) {
	d := &WorkflowDiff{
		AddedNodes:      []string{},
		RemovedNodes:    []string{},
		ModifiedNodes:   []string{},
		AddedEdges:      []string{},
		RemovedEdges:    []string{},
		BreakingChanges: []BreakingChange{},
	}

	fromNodes := nodeMap(from)
	toNodes := nodeMap(to)

	for id := range toNodes {
		if _, ok := fromNodes[id]; !ok {
			d.AddedNodes = append(d.AddedNodes, id)
		}
	}
	for id, fromNode := range fromNodes {
		toNode, ok := toNodes[id]
		if !ok {
			d.RemovedNodes = append(d.RemovedNodes, id)
			continue
		}
		if nodeChanged(fromNode, toNode) {
			d.ModifiedNodes = append(d.ModifiedNodes, id)
		}
	}

	fromEdges := edgeMap(from)
	toEdges := edgeMap(to)
	for id := range toEdges {
		if _, ok := fromEdges[id]; !ok {
			d.AddedEdges = append(d.AddedEdges, id)
		}
	}
	for id := range fromEdges {
		if _, ok := toEdges[id]; !ok {
			d.RemovedEdges = append(d.RemovedEdges, id)
		}
	}

	sort.Strings(d.AddedNodes)
	sort.Strings(d.RemovedNodes)
	sort.Strings(d.ModifiedNodes)
	sort.Strings(d.AddedEdges)
	sort.Strings(d.RemovedEdges)

	d.MetadataChanged = metadataChanged(fromMeta, toMeta)
	d.BreakingChanges = classifyBreaking(from, to, fromNodes, toNodes, index)

	patch, err := mergePatch(from, to)
	if err != nil {
		return nil, fmt.Errorf("compute merge patch: %w", err)
	}
	d.MergePatch = patch

	return d, nil
}

// CheckPromotion enforces the promotion policy: publishing to
// production with breaking changes requires a complete migration plan
// in the workflow metadata
func CheckPromotion(d *WorkflowDiff, env graph.Environment, metadata map[string]any) error {
	if env != graph.EnvProduction || !d.HasBreaking() {
		return nil
	}
	if graph.MigrationPlanFrom(metadata) == nil {
		return fmt.Errorf("%w: %d breaking changes need a migration plan", ErrMigrationPlanRequired, len(d.BreakingChanges))
	}
	return nil
}

func nodeMap(g *graph.Graph) map[string]*graph.Node {
	out := make(map[string]*graph.Node, len(g.Nodes))
	for i := range g.Nodes {
		out[g.Nodes[i].ID] = &g.Nodes[i]
	}
	return out
}

func edgeMap(g *graph.Graph) map[string]*graph.Edge {
	out := make(map[string]*graph.Edge, len(g.Edges))
	for i := range g.Edges {
		out[g.Edges[i].ID] = &g.Edges[i]
	}
	return out
}

func nodeChanged(from, to *graph.Node) bool {
	if from.App != to.App || from.Operation != to.Operation || from.Role != to.Role {
		return true
	}
	return !equalStringSets(paramKeys(from), paramKeys(to))
}

func paramKeys(n *graph.Node) []string {
	keys := make([]string, 0, len(n.Params))
	for k := range n.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func equalStringSets(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func metadataChanged(from, to map[string]any) bool {
	return !equalJSON(stripVolatileMeta(from), stripVolatileMeta(to))
}

func stripVolatileMeta(meta map[string]any) map[string]any {
	if meta == nil {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if k == graph.MetaCreatedAt || k == graph.MetaUpdatedAt {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func equalJSON(a, b any) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}

func classifyBreaking(from, to *graph.Graph, fromNodes, toNodes map[string]*graph.Node, index *registry.Index) []BreakingChange {
	var changes []BreakingChange

	// Which output fields and handles does the published graph consume?
	consumedFields := consumedOutputFields(from)
	consumedHandles := consumedHandles(from)
	hasConsumers := downstreamConsumers(from)

	for id, fromNode := range fromNodes {
		toNode, exists := toNodes[id]

		if !exists {
			if hasConsumers[id] {
				changes = append(changes, BreakingChange{
					NodeID:      id,
					Type:        BreakingOutputRemoved,
					Description: fmt.Sprintf("node %q was removed but the published graph consumes its output", id),
				})
			}
			continue
		}

		if fromNode.App != toNode.App || fromNode.Operation != toNode.Operation {
			changes = append(changes, BreakingChange{
				NodeID:      id,
				Type:        BreakingOperationChanged,
				Description: fmt.Sprintf("node %q changed from %s.%s to %s.%s", id, fromNode.App, fromNode.Operation, toNode.App, toNode.Operation),
			})
		}

		fromCap, fromErr := index.Resolve(fromNode.App, fromNode.Operation, fromNode.Role)
		toCap, toErr := index.Resolve(toNode.App, toNode.Operation, toNode.Role)

		// New required parameters are breaking
		if fromErr == nil && toErr == nil {
			fromRequired := requiredKeys(fromCap)
			for key := range requiredKeys(toCap) {
				if !fromRequired[key] {
					changes = append(changes, BreakingChange{
						NodeID:      id,
						Type:        BreakingRequiredInputAdded,
						Description: fmt.Sprintf("node %q gained required parameter %q", id, key),
					})
				}
			}

			// Output fields read by downstream refs must keep their type
			for field, fromType := range fromCap.Operation.OutputFields {
				if !consumedFields[id][field] {
					continue
				}
				toType, stillThere := toCap.Operation.OutputFields[field]
				if !stillThere {
					changes = append(changes, BreakingChange{
						NodeID:      id,
						Type:        BreakingOutputRemoved,
						Description: fmt.Sprintf("output field %q of node %q was removed", field, id),
					})
					continue
				}
				if toType != fromType {
					changes = append(changes, BreakingChange{
						NodeID:      id,
						Type:        BreakingOutputTypeChanged,
						Description: fmt.Sprintf("output field %q of node %q changed type %s -> %s", field, id, fromType, toType),
					})
				}
			}

			// Source handles in use must survive (condition true/false)
			toHandles := handleSet(toCap)
			for handle := range consumedHandles[id] {
				if len(toHandles) > 0 && !toHandles[handle] {
					changes = append(changes, BreakingChange{
						NodeID:      id,
						Type:        BreakingHandleRemoved,
						Description: fmt.Sprintf("handle %q of node %q is consumed downstream but no longer exists", handle, id),
					})
				}
			}
		}
	}

	sort.Slice(changes, func(i, j int) bool {
		if changes[i].NodeID != changes[j].NodeID {
			return changes[i].NodeID < changes[j].NodeID
		}
		return changes[i].Type < changes[j].Type
	})
	return changes
}

// consumedOutputFields maps node id -> output field names read by
// downstream refs (first path segment)
func consumedOutputFields(g *graph.Graph) map[string]map[string]bool {
	out := map[string]map[string]bool{}
	for i := range g.Nodes {
		for _, val := range g.Nodes[i].Params {
			if val.Kind != graph.ValueRef || val.Ref == nil || val.Ref.Path == "" {
				continue
			}
			field := firstPathSegment(val.Ref.Path)
			if out[val.Ref.NodeID] == nil {
				out[val.Ref.NodeID] = map[string]bool{}
			}
			out[val.Ref.NodeID][field] = true
		}
	}
	return out
}

func consumedHandles(g *graph.Graph) map[string]map[string]bool {
	out := map[string]map[string]bool{}
	for _, e := range g.Edges {
		if e.SourceHandle == "" {
			continue
		}
		if out[e.Source] == nil {
			out[e.Source] = map[string]bool{}
		}
		out[e.Source][e.SourceHandle] = true
	}
	return out
}

func downstreamConsumers(g *graph.Graph) map[string]bool {
	out := map[string]bool{}
	for _, e := range g.Edges {
		out[e.Source] = true
	}
	for i := range g.Nodes {
		for _, val := range g.Nodes[i].Params {
			if val.Kind == graph.ValueRef && val.Ref != nil {
				out[val.Ref.NodeID] = true
			}
		}
	}
	return out
}

func requiredKeys(capability *registry.Capability) map[string]bool {
	out := map[string]bool{}
	if capability == nil || len(capability.Operation.ParamSchema) == 0 {
		return out
	}
	var shape struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(capability.Operation.ParamSchema, &shape); err != nil {
		return out
	}
	for _, key := range shape.Required {
		out[key] = true
	}
	return out
}

func handleSet(capability *registry.Capability) map[string]bool {
	out := map[string]bool{}
	if capability == nil {
		return out
	}
	for _, h := range capability.Operation.Handles {
		out[h] = true
	}
	return out
}

func firstPathSegment(path string) string {
	path = strings.ReplaceAll(path, "[", ".")
	if idx := strings.IndexByte(path, '.'); idx >= 0 {
		return path[:idx]
	}
	return strings.TrimSuffix(path, "]")
}

func mergePatch(from, to *graph.Graph) (json.RawMessage, error) {
	fromJSON, err := json.Marshal(from)
	if err != nil {
		return nil, err
	}
	toJSON, err := json.Marshal(to)
	if err != nil {
		return nil, err
	}
	patch, err := jsonpatch.CreateMergePatch(fromJSON, toJSON)
	if err != nil {
		return nil, err
	}
	return patch, nil
}
