package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flowstack/engine/common/config"
	"github.com/flowstack/engine/common/connector"
	"github.com/flowstack/engine/common/graph"
	"github.com/flowstack/engine/common/logger"
	"github.com/flowstack/engine/common/registry"
)

// NodeStatus is the per-node execution state
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeRunning   NodeStatus = "running"
	NodeSucceeded NodeStatus = "succeeded"
	NodeFailed    NodeStatus = "failed"
	NodeSkipped   NodeStatus = "skipped"
)

// RunStatus is the terminal state of a dispatched run
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// CredentialSource resolves a node's auth ref into provider
// credentials. Refresh is called at most once per node when a provider
// rejects the current credentials.
type CredentialSource interface {
	Resolve(ctx context.Context, ref *graph.AuthRef) (map[string]string, error)
	Refresh(ctx context.Context, ref *graph.AuthRef) (map[string]string, error)
}

// inlineCredentials serves inline auth refs only; used when no
// connection store is wired
type inlineCredentials struct{}

func (inlineCredentials) Resolve(_ context.Context, ref *graph.AuthRef) (map[string]string, error) {
	if ref != nil && len(ref.Inline) > 0 {
		return ref.Inline, nil
	}
	return nil, connector.Errorf(connector.KindMissingConnection, "no saved connections available")
}

func (c inlineCredentials) Refresh(ctx context.Context, ref *graph.AuthRef) (map[string]string, error) {
	return c.Resolve(ctx, ref)
}

// NodeRecord is the per-node outcome retained on the run result
type NodeRecord struct {
	NodeID     string         `json:"nodeId"`
	Status     NodeStatus     `json:"status"`
	Attempts   int            `json:"attempts"`
	Output     map[string]any `json:"output,omitempty"`
	Branch     string         `json:"branch,omitempty"`
	Error      *ErrorInfo     `json:"error,omitempty"`
	StartedAt  *time.Time     `json:"startedAt,omitempty"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
}

// RunResult summarizes a finished run
type RunResult struct {
	Status RunStatus              `json:"status"`
	Code   string                 `json:"code,omitempty"`
	Error  *ErrorInfo             `json:"error,omitempty"`
	Nodes  map[string]*NodeRecord `json:"nodes"`
}

// DispatcherOpts wires the dispatcher's collaborators
type DispatcherOpts struct {
	Config      config.EngineConfig
	Index       *registry.Index
	Runtime     *connector.Runtime
	Credentials CredentialSource
	Mapper      ValueMapper
	Logger      *logger.Logger
}

// Dispatcher executes validated canonical graphs. A single dispatcher
// goroutine owns all run state; worker goroutines only invoke
// connectors and report outcomes back.
type Dispatcher struct {
	cfg     config.EngineConfig
	index   *registry.Index
	runtime *connector.Runtime
	creds   CredentialSource
	mapper  ValueMapper
	log     *logger.Logger
}

// NewDispatcher builds a dispatcher
func NewDispatcher(opts DispatcherOpts) *Dispatcher {
	creds := opts.Credentials
	if creds == nil {
		creds = inlineCredentials{}
	}
	return &Dispatcher{
		cfg:     opts.Config,
		index:   opts.Index,
		runtime: opts.Runtime,
		creds:   creds,
		mapper:  opts.Mapper,
		log:     opts.Logger,
	}
}

type nodeTask struct {
	node       *graph.Node
	capability *registry.Capability
	artifacts  map[string]any
	trigger    map[string]any
}

type nodeOutcome struct {
	nodeID   string
	output   map[string]any
	branch   string
	attempts int
	err      error
}

// Execute runs the graph to completion and returns the run result.
// The graph must be canonical and must have passed validation; a cycle
// here is a programming error and fails the call outright.
func (d *Dispatcher) Execute(ctx context.Context, runID string, g *graph.Graph, trigger map[string]any, sink *Sink) (*RunResult, error) {
	order, err := graph.TopologicalOrder(g)
	if err != nil {
		return nil, fmt.Errorf("dispatch run %s: %w", runID, err)
	}

	log := d.log.WithRunID(runID)

	runCtx, cancelRun := context.WithTimeout(ctx, d.cfg.RunDeadline)
	defer cancelRun()

	st := d.newRunState(g, order)
	store := newArtifactStore()

	sink.Emit(runCtx, Event{Type: EventRunStart, Data: map[string]any{
		"nodeCount": len(g.Nodes),
	}})

	tasks := make(chan *nodeTask)
	results := make(chan *nodeOutcome)

	limits := newConnectorLimits(d.index.ConcurrencyLimits())

	var wg sync.WaitGroup
	workers := d.cfg.MaxInFlightNodes
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range tasks {
				results <- d.runNode(runCtx, runID, task, limits, sink, log)
			}
		}()
	}

	pending := st.collectReady(store, trigger, sink, runCtx)
	inFlight := 0
	interrupted := false
	done := runCtx.Done()

	for {
		if len(pending) == 0 && inFlight == 0 {
			break
		}
		if interrupted && inFlight == 0 {
			break
		}

		var sendCh chan *nodeTask
		var next *nodeTask
		if !interrupted && len(pending) > 0 {
			sendCh = tasks
			next = pending[0]
		}

		select {
		case sendCh <- next:
			pending = pending[1:]
			inFlight++

		case out := <-results:
			inFlight--
			st.apply(out, store, sink, runCtx, log)
			if !interrupted {
				pending = append(pending, st.collectReady(store, trigger, sink, runCtx)...)
			}

		case <-done:
			interrupted = true
			pending = nil
			done = nil
		}
	}

	close(tasks)
	wg.Wait()
	close(results)

	if interrupted {
		st.skipRemaining(sink, runCtx)
	}

	result := st.result()

	switch {
	case interrupted && ctx.Err() != nil:
		result.Status = RunCancelled
		result.Code = CodeCancelledByUser
		result.Error = &ErrorInfo{Kind: "cancelled", Code: CodeCancelledByUser, Message: "run cancelled by user"}

	case interrupted && errors.Is(runCtx.Err(), context.DeadlineExceeded):
		result.Status = RunFailed
		result.Code = CodeRunDeadlineExceeded
		result.Error = &ErrorInfo{Kind: "deadline", Code: CodeRunDeadlineExceeded, Message: "run exceeded its deadline"}
	}

	endCtx := context.WithoutCancel(runCtx)
	summary := map[string]any{
		"success": result.Status == RunSucceeded,
		"status":  string(result.Status),
	}
	if result.Code != "" {
		summary["code"] = result.Code
	}
	sink.Emit(endCtx, Event{Type: EventSummary, Data: summary, Error: result.Error})
	sink.Emit(endCtx, Event{Type: EventRunEnd})

	log.Info("run finished",
		"status", string(result.Status),
		"nodes", len(result.Nodes))

	return result, nil
}

// runNode executes one node through its retry budget
func (d *Dispatcher) runNode(ctx context.Context, runID string, task *nodeTask, limits *connectorLimits, sink *Sink, log *logger.Logger) *nodeOutcome {
	node := task.node
	nodeLog := log.WithNodeID(node.ID)

	maxAttempts := task.capability.MaxAttempts(d.cfg.DefaultAttempts)
	timeout := task.capability.Timeout(d.cfg.NodeTimeout)

	sink.Emit(ctx, Event{Type: EventNodeStart, NodeID: node.ID})

	var credentials map[string]string
	if task.capability.Operation.RequiresAuth {
		var err error
		credentials, err = d.creds.Resolve(ctx, node.AuthRef)
		if err != nil {
			failure := connector.NewError(connector.KindMissingConnection, "resolve credentials", err)
			sink.Emit(ctx, Event{Type: EventNodeError, NodeID: node.ID, Attempt: 1, Error: errorInfo(failure)})
			return &nodeOutcome{nodeID: node.ID, attempts: 1, err: failure}
		}
	}

	res := &resolver{mapper: d.mapper}
	refreshedAuth := false

	// retryData carries the retry cause onto the next attempt event
	var retryData map[string]any

	for attempt := 1; ; attempt++ {
		sink.Emit(ctx, Event{Type: EventNodeAttempt, NodeID: node.ID, Attempt: attempt, Data: retryData})
		retryData = nil

		var invoked *connector.Result
		params, err := res.resolve(ctx, node, task.capability.Operation.Defaults, task.artifacts)
		if err == nil {
			invoked, err = d.invoke(ctx, runID, task, params, credentials, limits, timeout, attempt)
		}
		if err == nil {
			output := invoked.Output
			if output == nil {
				output = map[string]any{}
			}
			sink.Emit(ctx, Event{Type: EventNodeComplete, NodeID: node.ID, Attempt: attempt})
			return &nodeOutcome{nodeID: node.ID, output: output, branch: invoked.Branch, attempts: attempt}
		}

		kind := connector.KindOf(err)

		// One credential refresh per node when the provider rejects auth
		if kind == connector.KindAuthExpired && !refreshedAuth {
			refreshedAuth = true
			fresh, refreshErr := d.creds.Refresh(ctx, node.AuthRef)
			if refreshErr == nil {
				credentials = fresh
				retryData = map[string]any{"reason": "auth_refreshed"}
				continue
			}
			nodeLog.Warn("credential refresh failed", "error", refreshErr)
		}

		if connector.IsRetryable(err) && attempt < maxAttempts {
			delay := retryDelay(attempt)
			retryData = map[string]any{
				"reason":  string(kind),
				"delayMs": delay.Milliseconds(),
			}
			if !sleepCtx(ctx, delay) {
				break
			}
			continue
		}

		sink.Emit(ctx, Event{Type: EventNodeError, NodeID: node.ID, Attempt: attempt, Error: errorInfo(err)})
		nodeLog.Warn("node failed",
			"kind", string(kind),
			"attempts", attempt,
			"error", err)
		return &nodeOutcome{nodeID: node.ID, attempts: attempt, err: err}
	}

	interrupted := connector.NewError(connector.KindInternal, "node interrupted", ctx.Err())
	return &nodeOutcome{nodeID: node.ID, attempts: maxAttempts, err: interrupted}
}

// invoke runs a single attempt under the connector's concurrency limit
// and per-attempt timeout
func (d *Dispatcher) invoke(ctx context.Context, runID string, task *nodeTask, params map[string]any, credentials map[string]string, limits *connectorLimits, timeout time.Duration, attempt int) (*connector.Result, error) {
	node := task.node

	invoker, ok := d.runtime.Lookup(node.App, node.Operation)
	if !ok {
		return nil, connector.Errorf(connector.KindInternal, "no invoker for %s.%s", node.App, node.Operation)
	}

	release, err := limits.acquire(ctx, node.App)
	if err != nil {
		return nil, connector.NewError(connector.KindInternal, "acquire connector slot", err)
	}
	defer release()

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return invoker.Invoke(attemptCtx, &connector.Invocation{
		RunID:       runID,
		Attempt:     attempt,
		Node:        node,
		Params:      params,
		Inputs:      task.artifacts,
		Trigger:     task.trigger,
		Credentials: credentials,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func errorInfo(err error) *ErrorInfo {
	return &ErrorInfo{
		Kind:    string(connector.KindOf(err)),
		Message: err.Error(),
	}
}
