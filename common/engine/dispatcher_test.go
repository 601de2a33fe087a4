package engine

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowstack/engine/common/config"
	"github.com/flowstack/engine/common/connector"
	"github.com/flowstack/engine/common/graph"
	"github.com/flowstack/engine/common/logger"
	"github.com/flowstack/engine/common/registry"
)

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		MaxInFlightNodes: 4,
		DefaultAttempts:  3,
		NodeTimeout:      5 * time.Second,
		RunDeadline:      30 * time.Second,
		EventBufferSize:  64,
	}
}

func testLogger() *logger.Logger {
	return logger.New("error", "json")
}

func testDispatcher(t *testing.T, cfg config.EngineConfig, completer connector.Completer) *Dispatcher {
	t.Helper()
	idx, err := registry.New(registry.BuiltinCatalog(), registry.BuiltinRuntime())
	require.NoError(t, err)
	return NewDispatcher(DispatcherOpts{
		Config:  cfg,
		Index:   idx,
		Runtime: connector.NewRuntime(connector.Opts{Completer: completer}),
		Logger:  testLogger(),
	})
}

type completerFunc func(ctx context.Context, req connector.CompletionRequest) (string, error)

func (f completerFunc) Complete(ctx context.Context, req connector.CompletionRequest) (string, error) {
	return f(ctx, req)
}

// eventLog records everything the sink persists. Writer calls happen
// outside the sink's mutex, so ordering is only guaranteed per Seq.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) AppendEvent(_ context.Context, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return nil
}

func (l *eventLog) sorted() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := append([]Event(nil), l.events...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (l *eventLog) ofType(t EventType) []Event {
	var out []Event
	for _, ev := range l.sorted() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func execute(t *testing.T, d *Dispatcher, g *graph.Graph, trigger map[string]any) (*RunResult, *eventLog) {
	t.Helper()
	log := &eventLog{}
	sink := NewSink("run-test", log, testLogger())
	defer sink.Close()

	result, err := d.Execute(context.Background(), "run-test", g, trigger, sink)
	require.NoError(t, err)
	return result, log
}

func TestExecute_LinearRun(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{
			{ID: "t", Role: graph.RoleTrigger, App: "core", Operation: "manual"},
			{ID: "double", Role: graph.RoleTransform, App: "transform", Operation: "map",
				Params: map[string]graph.Value{"expression": graph.StaticValue("input.value * 2")}},
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "t", Target: "double"},
		},
	}

	d := testDispatcher(t, testEngineConfig(), nil)
	result, events := execute(t, d, g, map[string]any{"value": 21})

	require.Equal(t, RunSucceeded, result.Status)
	require.Empty(t, result.Code)
	require.Nil(t, result.Error)

	require.Equal(t, NodeSucceeded, result.Nodes["t"].Status)
	require.Equal(t, NodeSucceeded, result.Nodes["double"].Status)
	require.Equal(t, 1, result.Nodes["double"].Attempts)
	require.Equal(t, int64(42), result.Nodes["double"].Output["value"])
	require.NotNil(t, result.Nodes["double"].StartedAt)
	require.NotNil(t, result.Nodes["double"].FinishedAt)

	all := events.sorted()
	require.Equal(t, EventRunStart, all[0].Type)
	require.Equal(t, 1, all[0].Seq)
	require.Equal(t, EventRunEnd, all[len(all)-1].Type)

	summary := all[len(all)-2]
	require.Equal(t, EventSummary, summary.Type)
	require.Equal(t, true, summary.Data["success"])

	// Seq numbers are dense and strictly increasing
	for i, ev := range all {
		require.Equal(t, i+1, ev.Seq)
		require.Equal(t, "run-test", ev.RunID)
		require.False(t, ev.Timestamp.IsZero())
	}
}

func TestExecute_BranchSkipCascade(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{
			{ID: "t", Role: graph.RoleTrigger, App: "core", Operation: "manual"},
			{ID: "gate", Role: graph.RoleCondition, App: "condition", Operation: "branch",
				Params: map[string]graph.Value{"expression": graph.StaticValue("input.ok")}},
			{ID: "yes", Role: graph.RoleAction, App: "core", Operation: "noop"},
			{ID: "no", Role: graph.RoleAction, App: "core", Operation: "noop"},
			{ID: "after-no", Role: graph.RoleAction, App: "core", Operation: "noop"},
			{ID: "join", Role: graph.RoleCondition, App: "condition", Operation: "join"},
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "t", Target: "gate"},
			{ID: "e2", Source: "gate", Target: "yes", SourceHandle: graph.HandleTrue},
			{ID: "e3", Source: "gate", Target: "no", SourceHandle: graph.HandleFalse},
			{ID: "e4", Source: "no", Target: "after-no"},
			{ID: "e5", Source: "yes", Target: "join"},
			{ID: "e6", Source: "after-no", Target: "join"},
		},
	}

	d := testDispatcher(t, testEngineConfig(), nil)
	result, events := execute(t, d, g, map[string]any{"ok": true})

	require.Equal(t, RunSucceeded, result.Status)
	require.Equal(t, graph.HandleTrue, result.Nodes["gate"].Branch)
	require.Equal(t, NodeSucceeded, result.Nodes["yes"].Status)
	require.Equal(t, NodeSkipped, result.Nodes["no"].Status)
	require.Equal(t, NodeSkipped, result.Nodes["after-no"].Status)
	// The join runs on the surviving branch alone
	require.Equal(t, NodeSucceeded, result.Nodes["join"].Status)

	skipped := map[string]bool{}
	for _, ev := range events.ofType(EventNodeSkip) {
		skipped[ev.NodeID] = true
	}
	require.True(t, skipped["no"])
	require.True(t, skipped["after-no"])
}

func TestExecute_RetriesTransientFailures(t *testing.T) {
	calls := 0
	completer := completerFunc(func(context.Context, connector.CompletionRequest) (string, error) {
		calls++
		if calls == 1 {
			return "", connector.Errorf(connector.KindRateLimited, "slow down")
		}
		return "done", nil
	})

	g := &graph.Graph{
		Nodes: []graph.Node{
			{ID: "t", Role: graph.RoleTrigger, App: "core", Operation: "manual"},
			{ID: "ask", Role: graph.RoleAction, App: "llm", Operation: "complete",
				Params: map[string]graph.Value{"prompt": graph.StaticValue("hi")}},
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "t", Target: "ask"},
		},
	}

	d := testDispatcher(t, testEngineConfig(), completer)
	result, events := execute(t, d, g, nil)

	require.Equal(t, RunSucceeded, result.Status)
	require.Equal(t, 2, result.Nodes["ask"].Attempts)
	require.Equal(t, "done", result.Nodes["ask"].Output["text"])

	var attempts []Event
	for _, ev := range events.ofType(EventNodeAttempt) {
		if ev.NodeID == "ask" {
			attempts = append(attempts, ev)
		}
	}
	require.Len(t, attempts, 2)
	require.Equal(t, 1, attempts[0].Attempt)
	require.Equal(t, 2, attempts[1].Attempt)
	// The retry attempt carries its cause
	require.Equal(t, "rate_limited", attempts[1].Data["reason"])
}

func TestExecute_TerminalFailureSkipsDownstream(t *testing.T) {
	completer := completerFunc(func(context.Context, connector.CompletionRequest) (string, error) {
		return "", connector.Errorf(connector.KindProviderRequest, "bad prompt")
	})

	g := &graph.Graph{
		Nodes: []graph.Node{
			{ID: "t", Role: graph.RoleTrigger, App: "core", Operation: "manual"},
			{ID: "ask", Role: graph.RoleAction, App: "llm", Operation: "complete",
				Params: map[string]graph.Value{"prompt": graph.StaticValue("hi")}},
			{ID: "after", Role: graph.RoleAction, App: "core", Operation: "noop"},
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "t", Target: "ask"},
			{ID: "e2", Source: "ask", Target: "after"},
		},
	}

	d := testDispatcher(t, testEngineConfig(), completer)
	result, events := execute(t, d, g, nil)

	require.Equal(t, RunFailed, result.Status)
	require.Equal(t, CodeNodeFailed, result.Code)
	require.NotNil(t, result.Error)
	require.Contains(t, result.Error.Message, "node ask")

	// Terminal kinds fail on the first attempt
	require.Equal(t, 1, result.Nodes["ask"].Attempts)
	require.Equal(t, NodeFailed, result.Nodes["ask"].Status)
	require.Equal(t, NodeSkipped, result.Nodes["after"].Status)

	require.Len(t, events.ofType(EventNodeError), 1)
	summaries := events.ofType(EventSummary)
	require.Len(t, summaries, 1)
	require.Equal(t, false, summaries[0].Data["success"])
	require.Equal(t, CodeNodeFailed, summaries[0].Data["code"])
	require.Len(t, events.ofType(EventRunEnd), 1)
}

func TestExecute_UserCancellation(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{
			{ID: "t", Role: graph.RoleTrigger, App: "core", Operation: "manual"},
			{ID: "wait", Role: graph.RoleAction, App: "core", Operation: "delay",
				Params: map[string]graph.Value{"ms": graph.StaticValue(float64(60000))}},
			{ID: "after", Role: graph.RoleAction, App: "core", Operation: "noop"},
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "t", Target: "wait"},
			{ID: "e2", Source: "wait", Target: "after"},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	d := testDispatcher(t, testEngineConfig(), nil)
	log := &eventLog{}
	sink := NewSink("run-cancel", log, testLogger())
	defer sink.Close()

	result, err := d.Execute(ctx, "run-cancel", g, nil, sink)
	require.NoError(t, err)

	require.Equal(t, RunCancelled, result.Status)
	require.Equal(t, CodeCancelledByUser, result.Code)
	require.Equal(t, NodeSkipped, result.Nodes["after"].Status)

	summaries := log.ofType(EventSummary)
	require.Len(t, summaries, 1)
	require.Equal(t, "cancelled", summaries[0].Data["status"])
	require.Equal(t, CodeCancelledByUser, summaries[0].Error.Code)
}

func TestExecute_RunDeadline(t *testing.T) {
	cfg := testEngineConfig()
	cfg.RunDeadline = 100 * time.Millisecond

	g := &graph.Graph{
		Nodes: []graph.Node{
			{ID: "t", Role: graph.RoleTrigger, App: "core", Operation: "manual"},
			{ID: "wait", Role: graph.RoleAction, App: "core", Operation: "delay",
				Params: map[string]graph.Value{"ms": graph.StaticValue(float64(60000))}},
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "t", Target: "wait"},
		},
	}

	d := testDispatcher(t, cfg, nil)
	result, events := execute(t, d, g, nil)

	require.Equal(t, RunFailed, result.Status)
	require.Equal(t, CodeRunDeadlineExceeded, result.Code)

	summaries := events.ofType(EventSummary)
	require.Len(t, summaries, 1)
	require.Equal(t, CodeRunDeadlineExceeded, summaries[0].Data["code"])
}

func TestExecute_UnresolvableCapabilityFailsNode(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{
			{ID: "t", Role: graph.RoleTrigger, App: "core", Operation: "manual"},
			{ID: "bad", Role: graph.RoleAction, App: "nonexistent", Operation: "run"},
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "t", Target: "bad"},
		},
	}

	d := testDispatcher(t, testEngineConfig(), nil)
	result, _ := execute(t, d, g, nil)

	require.Equal(t, RunFailed, result.Status)
	require.Equal(t, NodeFailed, result.Nodes["bad"].Status)
	require.Contains(t, result.Nodes["bad"].Error.Message, "resolve capability")
}

func TestExecute_FanInMergesSurvivingBranches(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{
			{ID: "t", Role: graph.RoleTrigger, App: "core", Operation: "manual"},
			{ID: "left", Role: graph.RoleTransform, App: "transform", Operation: "map",
				Params: map[string]graph.Value{"expression": graph.StaticValue(`{"left": 1}`)}},
			{ID: "right", Role: graph.RoleTransform, App: "transform", Operation: "map",
				Params: map[string]graph.Value{"expression": graph.StaticValue(`{"right": 2}`)}},
			{ID: "merge", Role: graph.RoleTransform, App: "transform", Operation: "merge"},
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "t", Target: "left"},
			{ID: "e2", Source: "t", Target: "right"},
			{ID: "e3", Source: "left", Target: "merge"},
			{ID: "e4", Source: "right", Target: "merge"},
		},
	}

	d := testDispatcher(t, testEngineConfig(), nil)
	result, _ := execute(t, d, g, map[string]any{"seed": true})

	require.Equal(t, RunSucceeded, result.Status)
	merged := result.Nodes["merge"].Output
	require.Equal(t, int64(1), merged["left"])
	require.Equal(t, int64(2), merged["right"])
}

func TestExecute_CycleIsProgrammingError(t *testing.T) {
	g := &graph.Graph{
		Nodes: []graph.Node{
			{ID: "a", Role: graph.RoleAction, App: "core", Operation: "noop"},
			{ID: "b", Role: graph.RoleAction, App: "core", Operation: "noop"},
		},
		Edges: []graph.Edge{
			{ID: "e1", Source: "a", Target: "b"},
			{ID: "e2", Source: "b", Target: "a"},
		},
	}

	d := testDispatcher(t, testEngineConfig(), nil)
	sink := NewSink("run-cycle", nil, testLogger())
	defer sink.Close()

	_, err := d.Execute(context.Background(), "run-cycle", g, nil, sink)
	require.Error(t, err)
}

func TestInlineCredentials(t *testing.T) {
	creds := inlineCredentials{}

	resolved, err := creds.Resolve(context.Background(), &graph.AuthRef{
		Inline: map[string]string{"token": "abc"},
	})
	require.NoError(t, err)
	require.Equal(t, "abc", resolved["token"])

	_, err = creds.Resolve(context.Background(), nil)
	require.Equal(t, connector.KindMissingConnection, connector.KindOf(err))

	_, err = creds.Resolve(context.Background(), &graph.AuthRef{ConnectionID: "conn-1"})
	require.Equal(t, connector.KindMissingConnection, connector.KindOf(err))
}
