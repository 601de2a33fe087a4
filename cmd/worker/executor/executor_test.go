package executor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowstack/engine/common/graph"
	"github.com/flowstack/engine/common/registry"
	"github.com/flowstack/engine/common/validate"
)

func testIndex(t *testing.T) *registry.Index {
	t.Helper()
	index, err := registry.New(registry.BuiltinCatalog(), registry.BuiltinRuntime())
	require.NoError(t, err)
	return index
}

func TestPreflight_ClearsValidRevision(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{
			{ID: "t", Role: graph.RoleTrigger, App: "core", Operation: "manual"},
			{ID: "fetch", Role: graph.RoleAction, App: "http", Operation: "request",
				Params: map[string]graph.Value{"url": graph.StaticValue("https://example.com")}},
		},
		Edges: []graph.Edge{{ID: "e1", Source: "t", Target: "fetch"}},
	}

	require.Nil(t, preflight(g, testIndex(t)))
}

func TestPreflight_RejectsUnresolvableRevision(t *testing.T) {
	// A connector that was retired after publish makes the revision
	// unrunnable; the run is rejected up front instead of node by node
	g := &graph.Graph{
		Nodes: []graph.Node{
			{ID: "t", Role: graph.RoleTrigger, App: "core", Operation: "manual"},
			{ID: "gone", Role: graph.RoleAction, App: "retired-app", Operation: "do"},
		},
		Edges: []graph.Edge{{ID: "e1", Source: "t", Target: "gone"}},
	}

	detail := preflight(g, testIndex(t))
	require.NotNil(t, detail)
	require.Contains(t, detail["message"], "validation")

	issues, ok := detail["errors"].([]validate.Issue)
	require.True(t, ok)
	require.NotEmpty(t, issues)

	found := false
	for _, issue := range issues {
		if issue.NodeID == "gone" && issue.Code == validate.CodeUnknownConnector {
			found = true
		}
	}
	require.True(t, found)
}
