package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowstack/engine/common/graph"
)

func testIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := New(BuiltinCatalog(), BuiltinRuntime())
	require.NoError(t, err)
	return idx
}

func TestResolve_Hit(t *testing.T) {
	idx := testIndex(t)

	capability, err := idx.Resolve("http", "request", graph.RoleAction)
	require.NoError(t, err)
	require.True(t, capability.Implemented)
	require.Equal(t, "http", capability.Connector.App)
	require.Equal(t, "request", capability.Operation.ID)
	require.NotNil(t, capability.Schema())
	require.Equal(t, "GET", capability.Operation.Defaults["method"])
}

func TestResolve_CaseAndCanonicalApp(t *testing.T) {
	idx := testIndex(t)

	capability, err := idx.Resolve("HTTP", "Request", graph.RoleAction)
	require.NoError(t, err)
	require.Equal(t, "request", capability.Operation.ID)

	// App names canonicalize before lookup
	capability, err = idx.Resolve("Google Sheets", "append-row", graph.RoleAction)
	require.Error(t, err) // hosted op, no runtime support
	var resolveErr *ResolveError
	require.True(t, errors.As(err, &resolveErr))
	require.Equal(t, MissNotImplemented, resolveErr.Reason)
	_ = capability
}

func TestResolve_MissReasons(t *testing.T) {
	idx := testIndex(t)

	cases := []struct {
		app, op string
		role    graph.Role
		want    MissReason
	}{
		{"nonexistent", "run", graph.RoleAction, MissUnknownApp},
		{"http", "nonexistent", graph.RoleAction, MissUnknownOperation},
		{"http", "request", graph.RoleTrigger, MissRoleMismatch},
		{"slack", "post-message", graph.RoleAction, MissNotImplemented},
	}

	for _, tc := range cases {
		_, err := idx.Resolve(tc.app, tc.op, tc.role)
		var resolveErr *ResolveError
		require.True(t, errors.As(err, &resolveErr), "%s.%s", tc.app, tc.op)
		require.Equal(t, tc.want, resolveErr.Reason, "%s.%s", tc.app, tc.op)
	}
}

func TestResolve_RoleAuto(t *testing.T) {
	idx := testIndex(t)

	_, err := idx.Resolve("core", "manual", RoleAuto)
	require.NoError(t, err)
	_, err = idx.Resolve("http", "request", RoleAuto)
	require.NoError(t, err)
}

func TestConnectors_ImplementedFilter(t *testing.T) {
	idx := testIndex(t)

	all := idx.Connectors(false)
	implemented := idx.Connectors(true)
	require.Greater(t, len(all), len(implemented))

	for _, conn := range implemented {
		require.NotEmpty(t, conn.Operations, "connector %s", conn.App)
	}

	apps := map[string]bool{}
	for _, conn := range implemented {
		apps[conn.App] = true
	}
	require.True(t, apps["core"])
	require.True(t, apps["http"])
	// Hosted-only connectors are dropped entirely
	require.False(t, apps["slack"])
	require.False(t, apps["google-sheets"])
}

func TestRefresh_SwapsSnapshot(t *testing.T) {
	idx := testIndex(t)

	_, err := idx.Resolve("slack", "post-message", graph.RoleAction)
	require.Error(t, err)

	// A fleet advertising slack makes it resolvable
	support := MergeRuntime(BuiltinRuntime(), RuntimeSupport{"slack": {"post-message": true}})
	require.NoError(t, idx.Refresh(BuiltinCatalog(), support))

	capability, err := idx.Resolve("slack", "post-message", graph.RoleAction)
	require.NoError(t, err)
	require.True(t, capability.Operation.RequiresAuth)
}

func TestConcurrencyLimits(t *testing.T) {
	idx := testIndex(t)

	limits := idx.ConcurrencyLimits()
	require.Equal(t, int64(8), limits["llm"])
	require.Equal(t, int64(32), limits["http"])
	// Connectors without a declared limit are absent
	require.NotContains(t, limits, "legacy-mail")
}

func TestCapability_Fallbacks(t *testing.T) {
	idx := testIndex(t)

	llmCap, err := idx.Resolve("llm", "complete", graph.RoleAction)
	require.NoError(t, err)
	require.Equal(t, 2, llmCap.MaxAttempts(3))

	httpCap, err := idx.Resolve("http", "request", graph.RoleAction)
	require.NoError(t, err)
	require.Equal(t, 3, httpCap.MaxAttempts(3))
}

func TestNew_RejectsDuplicateApps(t *testing.T) {
	_, err := New([]Connector{
		{App: "dup", Operations: []Operation{{ID: "a", Role: graph.RoleAction}}},
		{App: "Dup", Operations: []Operation{{ID: "b", Role: graph.RoleAction}}},
	}, nil)
	require.Error(t, err)
}

func TestMergeRuntime(t *testing.T) {
	merged := MergeRuntime(
		RuntimeSupport{"http": {"request": true}},
		RuntimeSupport{"HTTP": {"probe": true}, "slack": {"post-message": true}},
	)
	require.True(t, merged.Supports("http", "request"))
	require.True(t, merged.Supports("http", "probe"))
	require.True(t, merged.Supports("slack", "post-message"))
	require.False(t, merged.Supports("http", "missing"))
}
