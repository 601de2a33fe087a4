package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowstack/engine/common/connector"
	"github.com/flowstack/engine/common/graph"
)

type mapperFunc func(ctx context.Context, spec *graph.LLMValue, upstream map[string]any) (any, error)

func (f mapperFunc) MapValue(ctx context.Context, spec *graph.LLMValue, upstream map[string]any) (any, error) {
	return f(ctx, spec, upstream)
}

func TestResolve_StaticsAndDefaults(t *testing.T) {
	r := &resolver{}
	node := &graph.Node{ID: "n", Params: map[string]graph.Value{
		"url":    graph.StaticValue("https://example.com"),
		"method": graph.StaticValue("POST"),
	}}

	params, err := r.resolve(context.Background(), node, map[string]any{
		"method":  "GET",
		"timeout": float64(30),
	}, nil)
	require.NoError(t, err)

	require.Equal(t, "https://example.com", params["url"])
	// Node params override operation defaults
	require.Equal(t, "POST", params["method"])
	// Defaults fill keys the node leaves unset
	require.Equal(t, float64(30), params["timeout"])
}

func TestResolve_Refs(t *testing.T) {
	r := &resolver{}
	artifacts := map[string]any{
		"fetch": map[string]any{
			"status": 200,
			"body": map[string]any{
				"rows": []any{
					map[string]any{"name": "ada"},
					map[string]any{"name": "grace"},
				},
			},
		},
	}

	node := &graph.Node{ID: "n", Params: map[string]graph.Value{
		"first":  graph.RefParam("fetch", "body.rows[0].name"),
		"status": graph.RefParam("fetch", "status"),
		"whole":  graph.RefParam("fetch", ""),
	}}

	params, err := r.resolve(context.Background(), node, nil, artifacts)
	require.NoError(t, err)
	require.Equal(t, "ada", params["first"])
	require.Equal(t, float64(200), params["status"])

	whole, ok := params["whole"].(map[string]any)
	require.True(t, ok)
	require.Contains(t, whole, "body")
}

func TestResolve_RefErrors(t *testing.T) {
	r := &resolver{}
	artifacts := map[string]any{"fetch": map[string]any{"status": 200}}

	// Ref to a node that produced nothing
	node := &graph.Node{ID: "n", Params: map[string]graph.Value{
		"v": graph.RefParam("missing", "status"),
	}}
	_, err := r.resolve(context.Background(), node, nil, artifacts)
	require.Equal(t, connector.KindRefUnresolved, connector.KindOf(err))

	// Ref to a path absent from the artifact
	node = &graph.Node{ID: "n", Params: map[string]graph.Value{
		"v": graph.RefParam("fetch", "body.title"),
	}}
	_, err = r.resolve(context.Background(), node, nil, artifacts)
	require.Equal(t, connector.KindRefUnresolved, connector.KindOf(err))

	// Ref with no target node at all
	node = &graph.Node{ID: "n", Params: map[string]graph.Value{
		"v": {Kind: graph.ValueRef, Ref: &graph.RefValue{}},
	}}
	_, err = r.resolve(context.Background(), node, nil, artifacts)
	require.Equal(t, connector.KindRefUnresolved, connector.KindOf(err))
}

func TestResolve_LLMValues(t *testing.T) {
	node := &graph.Node{ID: "n", Params: map[string]graph.Value{
		"summary": {Kind: graph.ValueLLM, LLM: &graph.LLMValue{Prompt: "summarize the payload"}},
	}}

	// No mapper configured fails validation
	r := &resolver{}
	_, err := r.resolve(context.Background(), node, nil, nil)
	require.Equal(t, connector.KindValidation, connector.KindOf(err))

	var gotPrompt string
	r = &resolver{mapper: mapperFunc(func(_ context.Context, spec *graph.LLMValue, _ map[string]any) (any, error) {
		gotPrompt = spec.Prompt
		return "a summary", nil
	})}

	params, err := r.resolve(context.Background(), node, nil, nil)
	require.NoError(t, err)
	require.Equal(t, "a summary", params["summary"])
	require.Equal(t, "summarize the payload", gotPrompt)
}

func TestGJSONPath(t *testing.T) {
	require.Equal(t, "items.0.name", gjsonPath("items[0].name"))
	require.Equal(t, "a.b", gjsonPath("a.b"))
	require.Equal(t, "rows.2", gjsonPath("rows[2]"))
}
