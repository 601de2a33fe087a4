package connector

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/flowstack/engine/common/graph"
	"github.com/flowstack/engine/common/logger"
	"github.com/flowstack/engine/common/registry"
)

// Invocation carries everything an invoker needs for one node attempt.
// Params are fully resolved: refs and llm values have already been
// replaced with concrete data.
type Invocation struct {
	RunID   string
	Attempt int
	Node    *graph.Node
	Params  map[string]any

	// Inputs holds upstream artifacts keyed by node id, restricted to
	// the node's ancestors
	Inputs map[string]any

	// Trigger is the payload the run started with
	Trigger map[string]any

	// Credentials resolved from the node's auth ref, nil when the
	// operation needs none
	Credentials map[string]string
}

// Result is a successful invocation outcome
type Result struct {
	Output      map[string]any `json:"output,omitempty"`
	Logs        []string       `json:"logs,omitempty"`
	Diagnostics []string       `json:"diagnostics,omitempty"`
	Stdout      string         `json:"stdout,omitempty"`

	// Branch is the handle a condition node selected, empty otherwise
	Branch string `json:"branch,omitempty"`
}

// Invoker executes one connector operation
type Invoker interface {
	Invoke(ctx context.Context, inv *Invocation) (*Result, error)
}

// InvokerFunc adapts a function to the Invoker interface
type InvokerFunc func(ctx context.Context, inv *Invocation) (*Result, error)

func (f InvokerFunc) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	return f(ctx, inv)
}

// Completer produces an LLM completion. Implemented by the llm package;
// kept as an interface so the runtime tests can stub it.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// CompletionRequest is the provider-neutral prompt envelope
type CompletionRequest struct {
	Prompt      string
	System      string
	Model       string
	Temperature float64
	MaxTokens   int
	CacheTTL    time.Duration
}

// Opts configures the in-process connector runtime
type Opts struct {
	Logger     *logger.Logger
	HTTPClient *http.Client
	Completer  Completer
}

// Runtime hosts the in-process invokers and maps (app, operation) pairs
// to them
type Runtime struct {
	log      *logger.Logger
	invokers map[string]Invoker
}

// NewRuntime wires the builtin invokers
func NewRuntime(opts Opts) *Runtime {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	eval := newEvaluator()

	r := &Runtime{
		log:      opts.Logger,
		invokers: map[string]Invoker{},
	}

	r.register("core", "manual", InvokerFunc(invokeTrigger))
	r.register("core", "schedule", InvokerFunc(invokeTrigger))
	r.register("core", "webhook", InvokerFunc(invokeTrigger))
	r.register("core", "log", InvokerFunc(invokeLog))
	r.register("core", "delay", InvokerFunc(invokeDelay))
	r.register("core", "noop", InvokerFunc(invokeNoop))

	r.register("http", "request", &httpInvoker{client: httpClient, log: opts.Logger})

	r.register("condition", "branch", &branchInvoker{eval: eval})
	r.register("condition", "join", InvokerFunc(invokeJoin))

	r.register("transform", "map", &mapInvoker{eval: eval})
	r.register("transform", "pick", InvokerFunc(invokePick))
	r.register("transform", "merge", InvokerFunc(invokeMerge))

	if opts.Completer != nil {
		r.register("llm", "complete", &llmInvoker{completer: opts.Completer})
	}

	return r
}

func (r *Runtime) register(app, op string, inv Invoker) {
	r.invokers[runtimeKey(app, op)] = inv
}

// Lookup returns the invoker for an operation
func (r *Runtime) Lookup(app, op string) (Invoker, bool) {
	inv, ok := r.invokers[runtimeKey(app, op)]
	return inv, ok
}

// Support reports the operations this runtime implements, in the shape
// the capability index consumes
func (r *Runtime) Support() registry.RuntimeSupport {
	out := registry.RuntimeSupport{}
	for key := range r.invokers {
		app, op, _ := strings.Cut(key, "\x00")
		if out[app] == nil {
			out[app] = map[string]bool{}
		}
		out[app][op] = true
	}
	return out
}

func runtimeKey(app, op string) string {
	return strings.ToLower(app) + "\x00" + strings.ToLower(op)
}
