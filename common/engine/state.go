package engine

import (
	"context"
	"sort"
	"time"

	"github.com/flowstack/engine/common/connector"
	"github.com/flowstack/engine/common/graph"
	"github.com/flowstack/engine/common/logger"
	"github.com/flowstack/engine/common/registry"
)

// runState tracks per-node progress for one run. It is owned by the
// dispatcher goroutine exclusively.
type runState struct {
	g     *graph.Graph
	order []string

	status    map[string]NodeStatus
	records   map[string]*NodeRecord
	branches  map[string]string
	incoming  map[string][]graph.Edge
	ancestors map[string][]string
	caps      map[string]*registry.Capability
	capErrs   map[string]error
}

func (d *Dispatcher) newRunState(g *graph.Graph, order []string) *runState {
	st := &runState{
		g:         g,
		order:     order,
		status:    make(map[string]NodeStatus, len(g.Nodes)),
		records:   make(map[string]*NodeRecord, len(g.Nodes)),
		branches:  map[string]string{},
		incoming:  make(map[string][]graph.Edge, len(g.Nodes)),
		ancestors: make(map[string][]string, len(g.Nodes)),
		caps:      make(map[string]*registry.Capability, len(g.Nodes)),
		capErrs:   map[string]error{},
	}

	for i := range g.Nodes {
		node := &g.Nodes[i]
		st.status[node.ID] = NodePending
		st.records[node.ID] = &NodeRecord{NodeID: node.ID, Status: NodePending}

		capability, err := d.index.Resolve(node.App, node.Operation, node.Role)
		if err != nil {
			st.capErrs[node.ID] = err
			continue
		}
		st.caps[node.ID] = capability
	}

	for _, e := range g.Edges {
		st.incoming[e.Target] = append(st.incoming[e.Target], e)
	}

	for _, id := range order {
		ancestorSet := graph.Ancestors(g, id)
		ids := make([]string, 0, len(ancestorSet))
		for ancestor := range ancestorSet {
			ids = append(ids, ancestor)
		}
		sort.Strings(ids)
		st.ancestors[id] = ids
	}

	return st
}

type decision int

const (
	decideWait decision = iota
	decideRun
	decideSkip
)

// decide determines whether a pending node can start. A node with
// fan-in support runs once every predecessor is terminal and at least
// one live edge reaches it; every other node needs all its incoming
// edges live. An edge is live when its source succeeded and, for
// condition sources, the edge handle matches the chosen branch.
func (st *runState) decide(nodeID string) decision {
	edges := st.incoming[nodeID]
	if len(edges) == 0 {
		return decideRun
	}

	live := 0
	for _, e := range edges {
		switch st.status[e.Source] {
		case NodeSucceeded:
			if st.edgeSelected(e) {
				live++
			}
		case NodeFailed, NodeSkipped:
			// terminal but not live
		default:
			return decideWait
		}
	}

	fanIn := st.caps[nodeID] != nil && st.caps[nodeID].Operation.AcceptsFanIn
	if fanIn {
		if live > 0 {
			return decideRun
		}
		return decideSkip
	}
	if live == len(edges) {
		return decideRun
	}
	return decideSkip
}

func (st *runState) edgeSelected(e graph.Edge) bool {
	branch, chosen := st.branches[e.Source]
	if !chosen || e.SourceHandle == "" {
		return true
	}
	return e.SourceHandle == branch
}

// collectReady moves every startable node to running and returns its
// task. Skips cascade until the frontier is stable.
func (st *runState) collectReady(store *artifactStore, trigger map[string]any, sink *Sink, ctx context.Context) []*nodeTask {
	var tasks []*nodeTask

	for {
		progressed := false

		for _, id := range st.order {
			if st.status[id] != NodePending {
				continue
			}

			switch st.decide(id) {
			case decideWait:
				continue

			case decideSkip:
				st.markSkipped(id, sink, ctx)
				progressed = true

			case decideRun:
				if err := st.capErrs[id]; err != nil {
					failure := connector.NewError(connector.KindInternal, "resolve capability", err)
					now := time.Now().UTC()
					record := st.records[id]
					record.Status = NodeFailed
					record.Error = errorInfo(failure)
					record.FinishedAt = &now
					st.status[id] = NodeFailed
					sink.Emit(ctx, Event{Type: EventNodeError, NodeID: id, Attempt: 1, Error: record.Error})
					progressed = true
					continue
				}

				now := time.Now().UTC()
				record := st.records[id]
				record.Status = NodeRunning
				record.StartedAt = &now
				st.status[id] = NodeRunning

				tasks = append(tasks, &nodeTask{
					node:       st.g.NodeByID(id),
					capability: st.caps[id],
					artifacts:  store.view(st.ancestors[id]),
					trigger:    trigger,
				})
				progressed = true
			}
		}

		if !progressed {
			return tasks
		}
	}
}

// apply records a worker outcome
func (st *runState) apply(out *nodeOutcome, store *artifactStore, sink *Sink, _ context.Context, log *logger.Logger) {
	record := st.records[out.nodeID]
	now := time.Now().UTC()
	record.FinishedAt = &now
	record.Attempts = out.attempts

	if out.err != nil {
		st.status[out.nodeID] = NodeFailed
		record.Status = NodeFailed
		record.Error = errorInfo(out.err)
		return
	}

	st.status[out.nodeID] = NodeSucceeded
	record.Status = NodeSucceeded
	record.Output = out.output
	store.put(out.nodeID, out.output)

	if out.branch != "" {
		st.branches[out.nodeID] = out.branch
		record.Branch = out.branch
		log.Debug("branch selected", "node_id", out.nodeID, "branch", out.branch)
	}
}

func (st *runState) markSkipped(nodeID string, sink *Sink, ctx context.Context) {
	now := time.Now().UTC()
	record := st.records[nodeID]
	record.Status = NodeSkipped
	record.FinishedAt = &now
	st.status[nodeID] = NodeSkipped
	sink.Emit(ctx, Event{Type: EventNodeSkip, NodeID: nodeID})
}

// skipRemaining marks everything not yet terminal as skipped after an
// interruption
func (st *runState) skipRemaining(sink *Sink, ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	for _, id := range st.order {
		switch st.status[id] {
		case NodePending, NodeRunning:
			st.markSkipped(id, sink, ctx)
		}
	}
}

// result folds node records into the run outcome
func (st *runState) result() *RunResult {
	result := &RunResult{
		Status: RunSucceeded,
		Nodes:  st.records,
	}

	for _, id := range st.order {
		if st.status[id] != NodeFailed {
			continue
		}
		result.Status = RunFailed
		result.Code = CodeNodeFailed
		record := st.records[id]
		result.Error = &ErrorInfo{
			Kind:    "node_failure",
			Code:    CodeNodeFailed,
			Message: "node " + id + " failed",
		}
		if record.Error != nil {
			result.Error.Kind = record.Error.Kind
			result.Error.Message = "node " + id + ": " + record.Error.Message
		}
		break
	}

	return result
}
