package registry

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowstack/engine/common/graph"
)

// Lifecycle badge of a connector release
type Lifecycle string

const (
	LifecycleAlpha      Lifecycle = "alpha"
	LifecycleBeta       Lifecycle = "beta"
	LifecycleStable     Lifecycle = "stable"
	LifecycleDeprecated Lifecycle = "deprecated"
	LifecycleSunset     Lifecycle = "sunset"
)

// RoleAuto accepts either trigger or action operations on resolve
const RoleAuto = graph.Role("auto")

// Operation is a connector-declared capability
type Operation struct {
	ID             string            `json:"id"`
	Role           graph.Role        `json:"role"`
	Description    string            `json:"description,omitempty"`
	ParamSchema    json.RawMessage   `json:"paramSchema,omitempty"`
	Defaults       map[string]any    `json:"defaults,omitempty"`
	RequiredScopes []string          `json:"requiredScopes,omitempty"`
	RequiresAuth   bool              `json:"requiresAuth,omitempty"`
	AcceptsFanIn   bool              `json:"acceptsFanIn,omitempty"`
	Handles        []string          `json:"handles,omitempty"`
	OutputFields   map[string]string `json:"outputFields,omitempty"`
	RateLimitHint  string            `json:"rateLimitHint,omitempty"`
	CostHint       string            `json:"costHint,omitempty"`
	MaxAttempts    int               `json:"maxAttempts,omitempty"`
	Timeout        time.Duration     `json:"timeout,omitempty"`
}

// Connector is a catalog entry with its operations
type Connector struct {
	App         string      `json:"app"`
	Name        string      `json:"name"`
	Category    string      `json:"category,omitempty"`
	Icon        string      `json:"icon,omitempty"`
	Color       string      `json:"color,omitempty"`
	Lifecycle   Lifecycle   `json:"lifecycle"`
	Semver      string      `json:"semver"`
	Concurrency int64       `json:"concurrency,omitempty"`
	Operations  []Operation `json:"operations"`
}

// Capability is a resolved handle for one (connector, operation) pair
type Capability struct {
	Connector   *Connector
	Operation   *Operation
	Implemented bool

	schema *jsonschema.Schema
}

// Schema returns the compiled parameter schema, or nil when the
// operation declares none
func (c *Capability) Schema() *jsonschema.Schema {
	return c.schema
}

// MaxAttempts returns the operation override or the supplied default
func (c *Capability) MaxAttempts(fallback int) int {
	if c.Operation.MaxAttempts > 0 {
		return c.Operation.MaxAttempts
	}
	return fallback
}

// Timeout returns the operation deadline or the supplied default
func (c *Capability) Timeout(fallback time.Duration) time.Duration {
	if c.Operation.Timeout > 0 {
		return c.Operation.Timeout
	}
	return fallback
}

// MissReason is the typed cause of a failed resolve
type MissReason string

const (
	MissUnknownApp       MissReason = "UnknownApp"
	MissUnknownOperation MissReason = "UnknownOperation"
	MissRoleMismatch     MissReason = "RoleMismatch"
	MissNotImplemented   MissReason = "NotImplemented"
)

// ResolveError reports why a lookup missed
type ResolveError struct {
	Reason    MissReason
	App       string
	Operation string
	Role      graph.Role
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s.%s (role %s): %s", e.App, e.Operation, e.Role, e.Reason)
}

// RuntimeSupport is the set of operations the current worker fleet
// actually implements, keyed app → operation id → true
type RuntimeSupport map[string]map[string]bool

// Supports reports whether (app, op) is implemented
func (r RuntimeSupport) Supports(app, op string) bool {
	if r == nil {
		return false
	}
	ops, ok := r[strings.ToLower(app)]
	if !ok {
		return false
	}
	return ops[strings.ToLower(op)]
}

type snapshot struct {
	connectors map[string]*Connector // keyed by lower-kebab app
	ordered    []*Connector
	schemas    map[string]*jsonschema.Schema // keyed app + "\x00" + op
	runtime    RuntimeSupport
	builtAt    time.Time
}

// Index is the process-wide connector capability registry. Reads hit an
// immutable snapshot; Refresh swaps the snapshot atomically so readers
// never see torn state.
type Index struct {
	current atomic.Pointer[snapshot]
}

// New builds an index from catalog definitions and the fleet's runtime
// capability set
func New(connectors []Connector, runtime RuntimeSupport) (*Index, error) {
	snap, err := buildSnapshot(connectors, runtime)
	if err != nil {
		return nil, err
	}
	idx := &Index{}
	idx.current.Store(snap)
	return idx, nil
}

// Refresh replaces the snapshot. Consumers caching handles should
// re-resolve afterwards.
func (i *Index) Refresh(connectors []Connector, runtime RuntimeSupport) error {
	snap, err := buildSnapshot(connectors, runtime)
	if err != nil {
		return fmt.Errorf("refresh capability index: %w", err)
	}
	i.current.Store(snap)
	return nil
}

// Resolve returns a capability handle or a typed miss reason.
// App and operation match case-insensitively; role must match exactly
// except RoleAuto, which accepts trigger and action alike.
func (i *Index) Resolve(app, operation string, role graph.Role) (*Capability, error) {
	snap := i.current.Load()

	appKey := graph.CanonicalApp(app)
	conn, ok := snap.connectors[appKey]
	if !ok {
		return nil, &ResolveError{Reason: MissUnknownApp, App: app, Operation: operation, Role: role}
	}

	opKey := strings.ToLower(operation)
	var op *Operation
	for idx := range conn.Operations {
		if strings.ToLower(conn.Operations[idx].ID) == opKey {
			op = &conn.Operations[idx]
			break
		}
	}
	if op == nil {
		return nil, &ResolveError{Reason: MissUnknownOperation, App: app, Operation: operation, Role: role}
	}

	if role != RoleAuto && role != op.Role {
		return nil, &ResolveError{Reason: MissRoleMismatch, App: app, Operation: operation, Role: role}
	}

	implemented := snap.runtime.Supports(appKey, op.ID)
	if !implemented {
		return nil, &ResolveError{Reason: MissNotImplemented, App: app, Operation: operation, Role: role}
	}

	return &Capability{
		Connector:   conn,
		Operation:   op,
		Implemented: implemented,
		schema:      snap.schemas[appKey+"\x00"+strings.ToLower(op.ID)],
	}, nil
}

// Connectors returns the catalog snapshot. When implementedOnly is set,
// connectors are filtered to operations the fleet supports and
// connectors left with no operations are dropped.
func (i *Index) Connectors(implementedOnly bool) []Connector {
	snap := i.current.Load()
	out := make([]Connector, 0, len(snap.ordered))
	for _, conn := range snap.ordered {
		if !implementedOnly {
			out = append(out, *conn)
			continue
		}
		filtered := *conn
		filtered.Operations = nil
		for _, op := range conn.Operations {
			if snap.runtime.Supports(conn.App, op.ID) {
				filtered.Operations = append(filtered.Operations, op)
			}
		}
		if len(filtered.Operations) > 0 {
			out = append(out, filtered)
		}
	}
	return out
}

// ConcurrencyLimits returns the per-connector semaphore weights,
// keyed by canonical app
func (i *Index) ConcurrencyLimits() map[string]int64 {
	snap := i.current.Load()
	limits := make(map[string]int64, len(snap.connectors))
	for app, conn := range snap.connectors {
		if conn.Concurrency > 0 {
			limits[app] = conn.Concurrency
		}
	}
	return limits
}

func buildSnapshot(connectors []Connector, runtime RuntimeSupport) (*snapshot, error) {
	snap := &snapshot{
		connectors: make(map[string]*Connector, len(connectors)),
		schemas:    make(map[string]*jsonschema.Schema),
		runtime:    runtime,
		builtAt:    time.Now(),
	}

	for idx := range connectors {
		conn := connectors[idx]
		appKey := graph.CanonicalApp(conn.App)
		if appKey == "" {
			return nil, fmt.Errorf("connector %q has no usable app id", conn.App)
		}
		if _, dup := snap.connectors[appKey]; dup {
			return nil, fmt.Errorf("duplicate connector %q in catalog", appKey)
		}
		conn.App = appKey
		snap.connectors[appKey] = &conn
		snap.ordered = append(snap.ordered, &conn)

		for _, op := range conn.Operations {
			if len(op.ParamSchema) == 0 {
				continue
			}
			sch, err := compileSchema(op.ParamSchema)
			if err != nil {
				return nil, fmt.Errorf("connector %s operation %s: %w", appKey, op.ID, err)
			}
			snap.schemas[appKey+"\x00"+strings.ToLower(op.ID)] = sch
		}
	}

	return snap, nil
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}
