package graph

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Role classifies what a node does within a workflow
type Role string

const (
	RoleTrigger   Role = "trigger"
	RoleAction    Role = "action"
	RoleTransform Role = "transform"
	RoleCondition Role = "condition"
)

// Environment identifies where a published revision runs
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// Condition nodes expose exactly these two source handles
const (
	HandleTrue  = "true"
	HandleFalse = "false"
)

// Reserved workflow metadata keys
const (
	MetaCreatedAt = "createdAt"
	MetaUpdatedAt = "updatedAt"
	MetaMigration = "migration"
)

// Node is a single operation in the canonical graph.
// NodeType is always the dotted form role.app.operation and agrees with
// the three discrete fields.
type Node struct {
	ID             string           `json:"id"`
	Role           Role             `json:"role"`
	App            string           `json:"app"`
	Operation      string           `json:"operation"`
	NodeType       string           `json:"nodeType"`
	Params         map[string]Value `json:"params,omitempty"`
	AuthRef        *AuthRef         `json:"authRef,omitempty"`
	Position       *Position        `json:"position,omitempty"`
	Metadata       *NodeMetadata    `json:"metadata,omitempty"`
	OutputMetadata *NodeMetadata    `json:"outputMetadata,omitempty"`
}

// AuthRef carries either a saved-connection id or inline credentials.
// Inline credentials are never persisted beyond the run; when both are
// present, inline wins.
type AuthRef struct {
	ConnectionID string            `json:"connectionId,omitempty"`
	Inline       map[string]string `json:"inline,omitempty"`
}

// Empty reports whether the ref carries neither form of credentials
func (a *AuthRef) Empty() bool {
	return a == nil || (a.ConnectionID == "" && len(a.Inline) == 0)
}

// Position is UI-only placement. The engine preserves but ignores it.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeMetadata holds resolver-populated schema hints. Advisory only;
// never trusted as execution input.
type NodeMetadata struct {
	Columns    []string        `json:"columns,omitempty"`
	Tabs       []string        `json:"tabs,omitempty"`
	SampleRow  map[string]any  `json:"sampleRow,omitempty"`
	JSONSchema json.RawMessage `json:"jsonSchema,omitempty"`
}

// Clone returns a deep-ish copy safe for advisory mutation
func (m *NodeMetadata) Clone() *NodeMetadata {
	if m == nil {
		return nil
	}
	out := &NodeMetadata{
		Columns:    append([]string(nil), m.Columns...),
		Tabs:       append([]string(nil), m.Tabs...),
		JSONSchema: append(json.RawMessage(nil), m.JSONSchema...),
	}
	if m.SampleRow != nil {
		out.SampleRow = make(map[string]any, len(m.SampleRow))
		for k, v := range m.SampleRow {
			out.SampleRow[k] = v
		}
	}
	return out
}

// Edge is a directed connection between two nodes
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	TargetHandle string `json:"targetHandle,omitempty"`
	Label        string `json:"label,omitempty"`
	DataType     string `json:"dataType,omitempty"`
}

// Graph is the canonical node/edge set. It is the only form accepted by
// the validator and the dispatcher.
type Graph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// NodeByID returns a pointer into the graph's node slice, or nil
func (g *Graph) NodeByID(id string) *Node {
	for i := range g.Nodes {
		if g.Nodes[i].ID == id {
			return &g.Nodes[i]
		}
	}
	return nil
}

// Predecessors returns the source ids of edges targeting the node
func (g *Graph) Predecessors(nodeID string) []string {
	var preds []string
	for _, e := range g.Edges {
		if e.Target == nodeID {
			preds = append(preds, e.Source)
		}
	}
	return preds
}

// Successors returns edges whose source is the node
func (g *Graph) Successors(nodeID string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.Source == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// Workflow is a draft or published revision owning its graph
type Workflow struct {
	ID        uuid.UUID      `json:"id"`
	Name      string         `json:"name"`
	Version   int            `json:"version"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Graph     Graph          `json:"graph"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Revision is an immutable published snapshot of a workflow
type Revision struct {
	ID          uuid.UUID      `json:"id"`
	WorkflowID  uuid.UUID      `json:"workflowId"`
	Environment Environment    `json:"environment"`
	Version     int            `json:"version"`
	Graph       Graph          `json:"graph"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	PublishedAt time.Time      `json:"publishedAt"`
}

// MigrationPlan gates promotion of breaking revisions to production
type MigrationPlan struct {
	FreezeActiveRuns    bool   `json:"freezeActiveRuns"`
	ScheduleRollForward bool   `json:"scheduleRollForward"`
	ScheduleBackfill    bool   `json:"scheduleBackfill"`
	Notes               string `json:"notes,omitempty"`
}

// MigrationPlanFrom extracts a complete migration plan from workflow
// metadata. Returns nil when absent or incomplete.
func MigrationPlanFrom(metadata map[string]any) *MigrationPlan {
	raw, ok := metadata[MetaMigration]
	if !ok {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var plan struct {
		FreezeActiveRuns    *bool  `json:"freezeActiveRuns"`
		ScheduleRollForward *bool  `json:"scheduleRollForward"`
		ScheduleBackfill    *bool  `json:"scheduleBackfill"`
		Notes               string `json:"notes"`
	}
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil
	}
	// All three flags must be present for the plan to count as complete
	if plan.FreezeActiveRuns == nil || plan.ScheduleRollForward == nil || plan.ScheduleBackfill == nil {
		return nil
	}
	return &MigrationPlan{
		FreezeActiveRuns:    *plan.FreezeActiveRuns,
		ScheduleRollForward: *plan.ScheduleRollForward,
		ScheduleBackfill:    *plan.ScheduleBackfill,
		Notes:               plan.Notes,
	}
}
