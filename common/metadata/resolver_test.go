package metadata

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowstack/engine/common/graph"
	"github.com/flowstack/engine/common/logger"
	"github.com/flowstack/engine/common/registry"
)

func testResolver(t *testing.T, creds CredentialLookup) *Resolver {
	t.Helper()
	idx, err := registry.New(registry.BuiltinCatalog(), registry.BuiltinRuntime())
	require.NoError(t, err)
	return NewResolver(idx, creds, logger.New("error", "json"))
}

func httpNode(id string) *graph.Node {
	return &graph.Node{ID: id, Role: graph.RoleAction, App: "http", Operation: "request"}
}

func TestResolve_FallsBackToDeclaredOutputFields(t *testing.T) {
	r := testResolver(t, nil)

	meta := r.Resolve(context.Background(), httpNode("fetch"))
	require.Equal(t, []string{"body", "headers", "status"}, meta.Columns)
}

func TestResolve_UnknownOperationYieldsEmptyHints(t *testing.T) {
	r := testResolver(t, nil)

	meta := r.Resolve(context.Background(), &graph.Node{
		ID: "n", Role: graph.RoleAction, App: "nonexistent", Operation: "run",
	})
	require.NotNil(t, meta)
	require.Empty(t, meta.Columns)
}

func TestResolve_UsesRegisteredDescriber(t *testing.T) {
	r := testResolver(t, nil)
	r.Register("http", DescriberFunc(func(context.Context, *graph.Node, map[string]string) (*graph.NodeMetadata, error) {
		return &graph.NodeMetadata{Columns: []string{"live"}}, nil
	}))

	meta := r.Resolve(context.Background(), httpNode("fetch"))
	require.Equal(t, []string{"live"}, meta.Columns)
}

func TestResolve_DescriberFailureDegradesToFallback(t *testing.T) {
	r := testResolver(t, nil)
	r.Register("http", DescriberFunc(func(context.Context, *graph.Node, map[string]string) (*graph.NodeMetadata, error) {
		return nil, errors.New("provider down")
	}))

	meta := r.Resolve(context.Background(), httpNode("fetch"))
	require.Equal(t, []string{"body", "headers", "status"}, meta.Columns)
}

func TestResolve_CredentialLookupFailureDegradesToFallback(t *testing.T) {
	describeCalls := 0
	r := testResolver(t, func(context.Context, *graph.AuthRef) (map[string]string, error) {
		return nil, errors.New("connection revoked")
	})
	r.Register("http", DescriberFunc(func(context.Context, *graph.Node, map[string]string) (*graph.NodeMetadata, error) {
		describeCalls++
		return &graph.NodeMetadata{Columns: []string{"live"}}, nil
	}))

	node := httpNode("fetch")
	node.AuthRef = &graph.AuthRef{ConnectionID: "conn-1"}

	meta := r.Resolve(context.Background(), node)
	require.Equal(t, []string{"body", "headers", "status"}, meta.Columns)
	require.Zero(t, describeCalls)
}

func TestResolve_PassesCredentialsToDescriber(t *testing.T) {
	var got map[string]string
	r := testResolver(t, func(context.Context, *graph.AuthRef) (map[string]string, error) {
		return map[string]string{"token": "abc"}, nil
	})
	r.Register("http", DescriberFunc(func(_ context.Context, _ *graph.Node, credentials map[string]string) (*graph.NodeMetadata, error) {
		got = credentials
		return &graph.NodeMetadata{Columns: []string{"live"}}, nil
	}))

	node := httpNode("fetch")
	node.AuthRef = &graph.AuthRef{ConnectionID: "conn-1"}

	r.Resolve(context.Background(), node)
	require.Equal(t, "abc", got["token"])
}

func TestResolve_CachesWithinTTL(t *testing.T) {
	var calls atomic.Int32
	r := testResolver(t, nil)
	r.Register("http", DescriberFunc(func(context.Context, *graph.Node, map[string]string) (*graph.NodeMetadata, error) {
		calls.Add(1)
		return &graph.NodeMetadata{Columns: []string{"live"}}, nil
	}))

	node := httpNode("fetch")
	first := r.Resolve(context.Background(), node)
	second := r.Resolve(context.Background(), node)
	require.Equal(t, int32(1), calls.Load())

	// Results are clones; mutating one does not poison the cache
	first.Columns[0] = "mutated"
	require.Equal(t, []string{"live"}, second.Columns)
	require.Equal(t, []string{"live"}, r.Resolve(context.Background(), node).Columns)

	// A different node id is a separate cache entry
	r.Resolve(context.Background(), httpNode("other"))
	require.Equal(t, int32(2), calls.Load())
}

func TestResolve_CoalescesConcurrentDescribes(t *testing.T) {
	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})

	r := testResolver(t, nil)
	r.Register("http", DescriberFunc(func(context.Context, *graph.Node, map[string]string) (*graph.NodeMetadata, error) {
		calls.Add(1)
		close(entered)
		<-release
		return &graph.NodeMetadata{Columns: []string{"live"}}, nil
	}))

	node := httpNode("fetch")
	results := make([]*graph.NodeMetadata, 2)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = r.Resolve(context.Background(), node)
	}()

	// Wait until the first describe is in flight, then pile on
	<-entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1] = r.Resolve(context.Background(), node)
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, []string{"live"}, results[0].Columns)
	require.Equal(t, []string{"live"}, results[1].Columns)
}
