package metadata

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flowstack/engine/common/graph"
	"github.com/flowstack/engine/common/logger"
	"github.com/flowstack/engine/common/registry"
)

const cacheTTL = 5 * time.Second

// Describer fetches live schema hints for one connector app
type Describer interface {
	Describe(ctx context.Context, node *graph.Node, credentials map[string]string) (*graph.NodeMetadata, error)
}

// DescriberFunc adapts a function to Describer
type DescriberFunc func(ctx context.Context, node *graph.Node, credentials map[string]string) (*graph.NodeMetadata, error)

func (f DescriberFunc) Describe(ctx context.Context, node *graph.Node, credentials map[string]string) (*graph.NodeMetadata, error) {
	return f(ctx, node, credentials)
}

// CredentialLookup resolves the node's auth ref for describe calls
type CredentialLookup func(ctx context.Context, ref *graph.AuthRef) (map[string]string, error)

type cacheEntry struct {
	result  *graph.NodeMetadata
	expires time.Time

	// pending is non-nil while a describe call is in flight; later
	// callers for the same node wait on it instead of issuing their own
	pending chan struct{}
}

// Resolver serves advisory schema hints for editor nodes. Results are
// cached briefly and concurrent requests for the same node coalesce
// into one upstream describe call. Failures degrade to capability
// output fields; they never surface as errors.
type Resolver struct {
	index      *registry.Index
	describers map[string]Describer
	creds      CredentialLookup
	log        *logger.Logger

	mu    sync.Mutex
	cache map[string]*cacheEntry
}

// NewResolver builds a resolver over the capability index
func NewResolver(index *registry.Index, creds CredentialLookup, log *logger.Logger) *Resolver {
	return &Resolver{
		index:      index,
		describers: map[string]Describer{},
		creds:      creds,
		log:        log,
		cache:      map[string]*cacheEntry{},
	}
}

// Register installs a live describer for an app
func (r *Resolver) Register(app string, d Describer) {
	r.describers[graph.CanonicalApp(app)] = d
}

// Resolve returns schema hints for the node. The result is advisory:
// the caller gets the best available hints, possibly stale or empty,
// and never an error.
func (r *Resolver) Resolve(ctx context.Context, node *graph.Node) *graph.NodeMetadata {
	key := node.App + "\x00" + node.Operation + "\x00" + node.ID

	r.mu.Lock()
	entry, ok := r.cache[key]
	if ok && entry.pending == nil && time.Now().Before(entry.expires) {
		r.mu.Unlock()
		return entry.result.Clone()
	}
	if ok && entry.pending != nil {
		// A describe for this node is already running; wait for it
		pending := entry.pending
		r.mu.Unlock()
		select {
		case <-pending:
		case <-ctx.Done():
			return r.fallback(node)
		}
		r.mu.Lock()
		entry = r.cache[key]
		r.mu.Unlock()
		if entry != nil && entry.pending == nil {
			return entry.result.Clone()
		}
		return r.fallback(node)
	}

	pending := make(chan struct{})
	r.cache[key] = &cacheEntry{pending: pending}
	r.mu.Unlock()

	result := r.describe(ctx, node)

	r.mu.Lock()
	r.cache[key] = &cacheEntry{result: result, expires: time.Now().Add(cacheTTL)}
	r.mu.Unlock()
	close(pending)

	return result.Clone()
}

func (r *Resolver) describe(ctx context.Context, node *graph.Node) *graph.NodeMetadata {
	describer, ok := r.describers[graph.CanonicalApp(node.App)]
	if !ok {
		return r.fallback(node)
	}

	var credentials map[string]string
	if r.creds != nil && !node.AuthRef.Empty() {
		var err error
		credentials, err = r.creds(ctx, node.AuthRef)
		if err != nil {
			r.log.Debug("describe credential lookup failed",
				"node_id", node.ID,
				"app", node.App,
				"error", err)
			return r.fallback(node)
		}
	}

	meta, err := describer.Describe(ctx, node, credentials)
	if err != nil || meta == nil {
		if err != nil {
			r.log.Debug("describe call failed",
				"node_id", node.ID,
				"app", node.App,
				"error", err)
		}
		return r.fallback(node)
	}
	return meta
}

// fallback derives hints from the operation's declared output fields
func (r *Resolver) fallback(node *graph.Node) *graph.NodeMetadata {
	capability, err := r.index.Resolve(node.App, node.Operation, node.Role)
	if err != nil || len(capability.Operation.OutputFields) == 0 {
		return &graph.NodeMetadata{}
	}

	columns := make([]string, 0, len(capability.Operation.OutputFields))
	for field := range capability.Operation.OutputFields {
		columns = append(columns, field)
	}
	sort.Strings(columns)
	return &graph.NodeMetadata{Columns: columns}
}
