package validate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowstack/engine/common/graph"
	"github.com/flowstack/engine/common/registry"
)

func testIndex(t *testing.T) *registry.Index {
	t.Helper()
	idx, err := registry.New(registry.BuiltinCatalog(), registry.BuiltinRuntime())
	require.NoError(t, err)
	return idx
}

func triggerNode(id string) graph.Node {
	return graph.Node{
		ID: id, Role: graph.RoleTrigger, App: "core", Operation: "manual",
		NodeType: "trigger.core.manual",
	}
}

func httpNode(id, url string) graph.Node {
	return graph.Node{
		ID: id, Role: graph.RoleAction, App: "http", Operation: "request",
		NodeType: "action.http.request",
		Params:   map[string]graph.Value{"url": graph.StaticValue(url)},
	}
}

func edge(id, source, target string) graph.Edge {
	return graph.Edge{ID: id, Source: source, Target: target}
}

func issueCodes(issues []Issue) []string {
	out := make([]string, len(issues))
	for i, issue := range issues {
		out[i] = issue.Code
	}
	return out
}

func TestValidate_CleanGraph(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{triggerNode("t"), httpNode("a", "https://example.com")},
		Edges: []graph.Edge{edge("e1", "t", "a")},
	}

	result := Validate(g, testIndex(t), Options{})
	require.True(t, result.Valid)
	require.Empty(t, result.Errors)
}

func TestValidate_DuplicateNodeAndEdge(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{triggerNode("t"), httpNode("a", "https://x"), httpNode("a", "https://y")},
		Edges: []graph.Edge{edge("e1", "t", "a"), edge("e2", "t", "a")},
	}

	result := Validate(g, testIndex(t), Options{})
	require.False(t, result.Valid)
	require.Contains(t, issueCodes(result.Errors), CodeDuplicateNodeID)
	require.Contains(t, issueCodes(result.Errors), CodeDuplicateEdge)
}

func TestValidate_CycleReportsMembers(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{triggerNode("t"), httpNode("a", "https://x"), httpNode("b", "https://y")},
		Edges: []graph.Edge{
			edge("e1", "t", "a"),
			edge("e2", "a", "b"),
			edge("e3", "b", "a"),
		},
	}

	result := Validate(g, testIndex(t), Options{})
	require.False(t, result.Valid)

	var cycle *Issue
	for i := range result.Errors {
		if result.Errors[i].Code == CodeCycleDetected {
			cycle = &result.Errors[i]
		}
	}
	require.NotNil(t, cycle)
	require.Contains(t, cycle.Message, "a, b")
}

func TestValidate_OrphanAction(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{triggerNode("t"), httpNode("a", "https://x"), httpNode("stray", "https://y")},
		Edges: []graph.Edge{edge("e1", "t", "a")},
	}

	result := Validate(g, testIndex(t), Options{})
	require.False(t, result.Valid)

	codes := issueCodes(result.Errors)
	require.Contains(t, codes, CodeOrphanAction)
	for _, issue := range result.Errors {
		if issue.Code == CodeOrphanAction {
			require.Equal(t, "stray", issue.NodeID)
		}
	}
}

func TestValidate_TriggerWithInput(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{triggerNode("t"), httpNode("a", "https://x"), triggerNode("t2")},
		Edges: []graph.Edge{edge("e1", "t", "a"), edge("e2", "a", "t2")},
	}

	result := Validate(g, testIndex(t), Options{})
	require.Contains(t, issueCodes(result.Errors), CodeTriggerHasInput)
}

func TestValidate_FanInRules(t *testing.T) {
	join := graph.Node{
		ID: "join", Role: graph.RoleCondition, App: "condition", Operation: "join",
		NodeType: "condition.condition.join",
	}
	g := &graph.Graph{
		Nodes: []graph.Node{
			triggerNode("t"),
			httpNode("a", "https://x"),
			httpNode("b", "https://y"),
			join,
			httpNode("narrow", "https://z"),
		},
		Edges: []graph.Edge{
			edge("e1", "t", "a"),
			edge("e2", "t", "b"),
			edge("e3", "a", "join"),
			edge("e4", "b", "join"),
			edge("e5", "a", "narrow"),
			edge("e6", "b", "narrow"),
		},
	}

	result := Validate(g, testIndex(t), Options{})
	codes := issueCodes(result.Errors)
	require.Contains(t, codes, CodeUnsupportedFanIn)
	for _, issue := range result.Errors {
		if issue.Code == CodeUnsupportedFanIn {
			require.Equal(t, "narrow", issue.NodeID)
		}
	}
}

func TestValidate_UnknownConnectorAndOperation(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{
			triggerNode("t"),
			{ID: "u1", Role: graph.RoleAction, App: "nonexistent", Operation: "run"},
			{ID: "u2", Role: graph.RoleAction, App: "http", Operation: "teleport"},
		},
		Edges: []graph.Edge{edge("e1", "t", "u1"), edge("e2", "t", "u2")},
	}

	result := Validate(g, testIndex(t), Options{})
	codes := issueCodes(result.Errors)
	require.Contains(t, codes, CodeUnknownConnector)
	require.Contains(t, codes, CodeUnknownOperation)
}

func TestValidate_MissingRequiredParam(t *testing.T) {
	bad := httpNode("a", "")
	g := &graph.Graph{
		Nodes: []graph.Node{triggerNode("t"), bad},
		Edges: []graph.Edge{edge("e1", "t", "a")},
	}

	result := Validate(g, testIndex(t), Options{})
	require.False(t, result.Valid)

	found := false
	for _, issue := range result.Errors {
		if issue.Code == CodeMissingRequiredParam {
			found = true
			require.Equal(t, "/nodes/a/params/url", issue.Path)
		}
	}
	require.True(t, found)
}

func TestValidate_UndeclaredParam(t *testing.T) {
	n := httpNode("a", "https://x")
	n.Params["bogus"] = graph.StaticValue("y")
	g := &graph.Graph{
		Nodes: []graph.Node{triggerNode("t"), n},
		Edges: []graph.Edge{edge("e1", "t", "a")},
	}

	result := Validate(g, testIndex(t), Options{})
	require.Contains(t, issueCodes(result.Errors), CodeParamTypeMismatch)
}

func TestValidate_EnumViolation(t *testing.T) {
	n := httpNode("a", "https://x")
	n.Params["method"] = graph.StaticValue("FETCH")
	g := &graph.Graph{
		Nodes: []graph.Node{triggerNode("t"), n},
		Edges: []graph.Edge{edge("e1", "t", "a")},
	}

	result := Validate(g, testIndex(t), Options{})
	require.False(t, result.Valid)
	require.Contains(t, issueCodes(result.Errors), CodeParamTypeMismatch)
}

func TestValidate_RefChecks(t *testing.T) {
	consumer := httpNode("c", "https://x")
	consumer.Params["body"] = graph.RefParam("missing", "data")
	consumer.Params["note"] = graph.RefParam("sibling", "data")

	sibling := httpNode("sibling", "https://y")

	g := &graph.Graph{
		Nodes: []graph.Node{triggerNode("t"), consumer, sibling},
		Edges: []graph.Edge{edge("e1", "t", "c"), edge("e2", "t", "sibling")},
	}

	result := Validate(g, testIndex(t), Options{})
	require.False(t, result.Valid)

	paths := map[string]string{}
	for _, issue := range result.Errors {
		if issue.Code == CodeUnresolvedRef {
			paths[issue.Path] = issue.Message
		}
	}
	// Nonexistent target and non-ancestor target both fail
	require.Contains(t, paths, "/nodes/c/params/body")
	require.Contains(t, paths, "/nodes/c/params/note")
}

func TestValidate_RefToAncestorPasses(t *testing.T) {
	up := httpNode("up", "https://x")
	down := httpNode("down", "https://y")
	down.Params["body"] = graph.RefParam("up", "body")

	g := &graph.Graph{
		Nodes: []graph.Node{triggerNode("t"), up, down},
		Edges: []graph.Edge{edge("e1", "t", "up"), edge("e2", "up", "down")},
	}

	result := Validate(g, testIndex(t), Options{})
	require.True(t, result.Valid)
	// Missing output metadata on the target is advisory
	require.Contains(t, issueCodes(result.Warnings), CodeMissingMetadataHint)
}

func TestValidate_MissingConnection(t *testing.T) {
	sheets := graph.Node{
		ID: "s", Role: graph.RoleAction, App: "google-sheets", Operation: "append-row",
		Params: map[string]graph.Value{
			"spreadsheetId": graph.StaticValue("abc"),
			"values":        graph.StaticValue([]any{"x"}),
		},
	}
	g := &graph.Graph{
		Nodes: []graph.Node{triggerNode("t"), sheets},
		Edges: []graph.Edge{edge("e1", "t", "s")},
	}

	// Hosted sheets op resolves once a fleet advertises it
	idx, err := registry.New(registry.BuiltinCatalog(), registry.MergeRuntime(
		registry.BuiltinRuntime(),
		registry.RuntimeSupport{"google-sheets": {"append-row": true}},
	))
	require.NoError(t, err)

	result := Validate(g, idx, Options{})
	require.Contains(t, issueCodes(result.Errors), CodeMissingConnection)

	// The same node with a connection passes
	g.Nodes[1].AuthRef = &graph.AuthRef{ConnectionID: "conn-1"}
	result = Validate(g, idx, Options{})
	require.NotContains(t, issueCodes(result.Errors), CodeMissingConnection)
}

func TestValidate_Warnings(t *testing.T) {
	llmNode := graph.Node{
		ID: "l", Role: graph.RoleAction, App: "llm", Operation: "complete",
		Params: map[string]graph.Value{"prompt": graph.StaticValue("hi")},
	}
	deadTransform := graph.Node{
		ID: "dead", Role: graph.RoleTransform, App: "transform", Operation: "map",
		Params: map[string]graph.Value{"expression": graph.StaticValue("input")},
	}
	g := &graph.Graph{
		Nodes: []graph.Node{triggerNode("t"), llmNode, deadTransform},
		Edges: []graph.Edge{edge("e1", "t", "l"), edge("e2", "t", "dead")},
	}

	result := Validate(g, testIndex(t), Options{})
	require.True(t, result.Valid)

	codes := issueCodes(result.Warnings)
	require.Contains(t, codes, CodeLifecycleBeta)
	require.Contains(t, codes, CodeUnusedOutput)

	// SkipWarnings suppresses all of them
	quiet := Validate(g, testIndex(t), Options{SkipWarnings: true})
	require.Empty(t, quiet.Warnings)
}

func TestValidate_LargeFanOut(t *testing.T) {
	g := &graph.Graph{Nodes: []graph.Node{triggerNode("t")}}
	for i := 0; i < 3; i++ {
		id := string(rune('a' + i))
		g.Nodes = append(g.Nodes, httpNode(id, "https://x"))
		g.Edges = append(g.Edges, edge("e"+id, "t", id))
	}

	result := Validate(g, testIndex(t), Options{LargeFanOutThreshold: 2})
	require.Contains(t, issueCodes(result.Warnings), CodeLargeFanOut)

	relaxed := Validate(g, testIndex(t), Options{LargeFanOutThreshold: 5})
	require.NotContains(t, issueCodes(relaxed.Warnings), CodeLargeFanOut)
}

func TestValidate_DeterministicOrdering(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{
			triggerNode("t"),
			httpNode("z", ""),
			httpNode("a", ""),
		},
		Edges: []graph.Edge{edge("e1", "t", "z"), edge("e2", "t", "a")},
	}

	first := Validate(g, testIndex(t), Options{})
	second := Validate(g, testIndex(t), Options{})
	require.Equal(t, first.Errors, second.Errors)

	// Sorted by node id: a's issues precede z's
	require.Equal(t, "a", first.Errors[0].NodeID)
}
