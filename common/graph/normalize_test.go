package graph

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize_DottedTypeInference(t *testing.T) {
	draft := &Draft{
		Nodes: []map[string]any{
			{"id": "a", "type": "trigger.core.manual"},
			{"id": "b", "type": "action.slack.send-message"},
			{"id": "c", "type": "condition.branch"},
		},
	}

	g := Normalize(draft)
	require.Len(t, g.Nodes, 3)

	a := g.NodeByID("a")
	require.Equal(t, RoleTrigger, a.Role)
	require.Equal(t, "core", a.App)
	require.Equal(t, "manual", a.Operation)
	require.Equal(t, "trigger.core.manual", a.NodeType)

	b := g.NodeByID("b")
	require.Equal(t, RoleAction, b.Role)
	require.Equal(t, "slack", b.App)
	require.Equal(t, "send-message", b.Operation)

	// Two-segment form with a role prefix: app falls back to core
	c := g.NodeByID("c")
	require.Equal(t, RoleCondition, c.Role)
	require.Equal(t, "core", c.App)
	require.Equal(t, "branch", c.Operation)
}

func TestNormalize_TwoSegmentAppForm(t *testing.T) {
	draft := &Draft{
		Nodes: []map[string]any{
			{"id": "h", "type": "http.request"},
		},
	}

	g := Normalize(draft)
	h := g.NodeByID("h")
	require.Equal(t, "http", h.App)
	require.Equal(t, "request", h.Operation)
	require.Equal(t, RoleAction, h.Role)
}

func TestNormalize_MissingIDsAssigned(t *testing.T) {
	draft := &Draft{
		Nodes: []map[string]any{
			{"type": "action.http.request"},
			{"id": 42, "type": "action.http.request"},
			{"id": float64(7), "type": "action.http.request"},
			{"id": int64(8), "type": "action.http.request"},
			{"id": json.Number("9"), "type": "action.http.request"},
		},
	}

	g := Normalize(draft)
	require.Equal(t, "node_0", g.Nodes[0].ID)
	// Numeric ids are coerced to strings regardless of how the number
	// arrived (decoded JSON or in-process Go values)
	require.Equal(t, "42", g.Nodes[1].ID)
	require.Equal(t, "7", g.Nodes[2].ID)
	require.Equal(t, "8", g.Nodes[3].ID)
	require.Equal(t, "9", g.Nodes[4].ID)
}

func TestNormalize_AppCanonicalization(t *testing.T) {
	cases := map[string]string{
		"Google Sheets": "google-sheets",
		"HTTP_Client":   "http-client",
		"  slack  ":     "slack",
		"a--b":          "a-b",
	}
	for in, want := range cases {
		require.Equal(t, want, CanonicalApp(in), "input %q", in)
	}

	draft := &Draft{
		Nodes: []map[string]any{
			{"id": "n", "app": "Google Sheets", "operation": "append-row"},
		},
	}
	g := Normalize(draft)
	require.Equal(t, "google-sheets", g.NodeByID("n").App)
}

func TestNormalize_ParamPrecedence(t *testing.T) {
	draft := &Draft{
		Nodes: []map[string]any{
			{
				"id":   "n",
				"type": "action.http.request",
				"data": map[string]any{
					"config": map[string]any{"url": "https://from-data-config"},
					"params": map[string]any{"url": "https://from-data-params", "method": "POST"},
				},
				"params": map[string]any{"url": "https://from-params", "timeout": float64(5)},
			},
		},
	}

	g := Normalize(draft)
	params := g.NodeByID("n").Params

	// data.config wins over later carriers
	require.Equal(t, "https://from-data-config", params["url"].Static)
	require.Equal(t, "POST", params["method"].Static)
	require.Equal(t, float64(5), params["timeout"].Static)
}

func TestNormalize_ExecutionStateStripped(t *testing.T) {
	draft := &Draft{
		Nodes: []map[string]any{
			{
				"id":   "n",
				"type": "action.http.request",
				"params": map[string]any{
					"url":             "https://example.com",
					"executionStatus": "running",
					"isCompleted":     true,
					"lastExecution":   "2024-01-01",
				},
			},
		},
	}

	g := Normalize(draft)
	params := g.NodeByID("n").Params
	require.Contains(t, params, "url")
	require.NotContains(t, params, "executionStatus")
	require.NotContains(t, params, "isCompleted")
	require.NotContains(t, params, "lastExecution")
}

func TestNormalize_ConnectionIDPropagation(t *testing.T) {
	draft := &Draft{
		Nodes: []map[string]any{
			{
				"id":   "n",
				"type": "action.slack.send-message",
				"data": map[string]any{"connectionId": "conn-123"},
			},
		},
	}

	g := Normalize(draft)
	n := g.NodeByID("n")
	require.NotNil(t, n.AuthRef)
	require.Equal(t, "conn-123", n.AuthRef.ConnectionID)
	require.Equal(t, "conn-123", n.Params["connectionId"].Static)
}

func TestNormalize_TaggedValues(t *testing.T) {
	draft := &Draft{
		Nodes: []map[string]any{
			{
				"id":   "n",
				"type": "action.http.request",
				"params": map[string]any{
					"url":  map[string]any{"kind": "ref", "nodeId": "up", "path": "data.url"},
					"body": map[string]any{"kind": "llm", "prompt": "derive the body"},
					"note": "plain string",
				},
			},
		},
	}

	g := Normalize(draft)
	params := g.NodeByID("n").Params

	require.Equal(t, ValueRef, params["url"].Kind)
	require.Equal(t, "up", params["url"].Ref.NodeID)
	require.Equal(t, "data.url", params["url"].Ref.Path)

	require.Equal(t, ValueLLM, params["body"].Kind)
	require.Equal(t, "derive the body", params["body"].LLM.Prompt)

	require.Equal(t, ValueStatic, params["note"].Kind)
}

func TestNormalize_DropsDanglingEdgeEndpoints(t *testing.T) {
	draft := &Draft{
		Nodes: []map[string]any{
			{"id": "a", "type": "trigger.core.manual"},
			{"id": "b", "type": "action.http.request"},
		},
		Edges: []map[string]any{
			{"source": "a", "target": "b"},
			{"source": "", "target": "b"},
			{"target": "b"},
		},
	}

	g := Normalize(draft)
	require.Len(t, g.Edges, 1)
	require.Equal(t, "a", g.Edges[0].Source)
	require.NotEmpty(t, g.Edges[0].ID)
}

func TestNormalize_Idempotent(t *testing.T) {
	draft := &Draft{
		Nodes: []map[string]any{
			{"id": "t", "type": "trigger.core.webhook"},
			{
				"id":   "n",
				"type": "action.Google Sheets.append-row",
				"data": map[string]any{
					"connectionId": "c1",
					"config":       map[string]any{"sheet": "Sheet1"},
				},
				"position": map[string]any{"x": float64(10), "y": float64(20)},
			},
		},
		Edges: []map[string]any{
			{"id": "e1", "source": "t", "target": "n"},
		},
	}

	once := Normalize(draft)
	twice := Renormalize(once)

	onceJSON, err := json.Marshal(once)
	require.NoError(t, err)
	twiceJSON, err := json.Marshal(twice)
	require.NoError(t, err)
	require.JSONEq(t, string(onceJSON), string(twiceJSON))
}

func TestValue_RoundTrip(t *testing.T) {
	values := map[string]Value{
		"static": StaticValue("hello"),
		"number": StaticValue(float64(3)),
		"ref":    RefParam("up", "rows[0].name"),
		"llm":    {Kind: ValueLLM, LLM: &LLMValue{Prompt: "summarize", MaxTokens: 100}},
		// A static object with a kind key must survive unambiguously
		"tricky": StaticValue(map[string]any{"kind": "ref", "note": "not a real ref"}),
	}

	data, err := json.Marshal(values)
	require.NoError(t, err)

	var decoded map[string]Value
	require.NoError(t, json.Unmarshal(data, &decoded))

	require.Equal(t, "hello", decoded["static"].Static)
	require.Equal(t, float64(3), decoded["number"].Static)
	require.Equal(t, "up", decoded["ref"].Ref.NodeID)
	require.Equal(t, "rows[0].name", decoded["ref"].Ref.Path)
	require.Equal(t, "summarize", decoded["llm"].LLM.Prompt)
	require.Equal(t, 100, decoded["llm"].LLM.MaxTokens)

	require.Equal(t, ValueStatic, decoded["tricky"].Kind)
	tricky, ok := decoded["tricky"].Static.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "not a real ref", tricky["note"])
}

func TestMigrationPlanFrom(t *testing.T) {
	complete := map[string]any{
		MetaMigration: map[string]any{
			"freezeActiveRuns":    true,
			"scheduleRollForward": false,
			"scheduleBackfill":    true,
			"notes":               "backfill overnight",
		},
	}
	plan := MigrationPlanFrom(complete)
	require.NotNil(t, plan)
	require.True(t, plan.FreezeActiveRuns)
	require.False(t, plan.ScheduleRollForward)
	require.Equal(t, "backfill overnight", plan.Notes)

	// A plan missing any flag does not count
	partial := map[string]any{
		MetaMigration: map[string]any{"freezeActiveRuns": true},
	}
	require.Nil(t, MigrationPlanFrom(partial))
	require.Nil(t, MigrationPlanFrom(nil))
	require.Nil(t, MigrationPlanFrom(map[string]any{}))
}
