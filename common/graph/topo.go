package graph

import (
	"fmt"
	"sort"
)

// TopologicalOrder derives execution order with Kahn's algorithm.
// Ties break deterministically by node id ascending. Returns an error
// when the graph has a cycle; use StronglyConnectedComponents to report
// which nodes participate.
func TopologicalOrder(g *Graph) ([]string, error) {
	indegree := make(map[string]int, len(g.Nodes))
	adjacent := make(map[string][]string, len(g.Nodes))

	for _, n := range g.Nodes {
		indegree[n.ID] = 0
	}
	for _, e := range g.Edges {
		if _, ok := indegree[e.Source]; !ok {
			continue
		}
		if _, ok := indegree[e.Target]; !ok {
			continue
		}
		adjacent[e.Source] = append(adjacent[e.Source], e.Target)
		indegree[e.Target]++
	}

	var ready []string
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		var unlocked []string
		for _, next := range adjacent[id] {
			indegree[next]--
			if indegree[next] == 0 {
				unlocked = append(unlocked, next)
			}
		}
		if len(unlocked) > 0 {
			ready = append(ready, unlocked...)
			sort.Strings(ready)
		}
	}

	if len(order) != len(g.Nodes) {
		return nil, fmt.Errorf("graph contains a cycle: %d of %d nodes ordered", len(order), len(g.Nodes))
	}
	return order, nil
}

// StronglyConnectedComponents runs an iterative Tarjan over the graph
// and returns every component with more than one member, each sorted by
// node id. Self-loops count as a component. O(V+E).
func StronglyConnectedComponents(g *Graph) [][]string {
	adjacent := make(map[string][]string, len(g.Nodes))
	selfLoop := make(map[string]bool)
	ids := make([]string, 0, len(g.Nodes))
	known := make(map[string]bool, len(g.Nodes))

	for _, n := range g.Nodes {
		ids = append(ids, n.ID)
		known[n.ID] = true
	}
	sort.Strings(ids)
	for _, e := range g.Edges {
		if !known[e.Source] || !known[e.Target] {
			continue
		}
		if e.Source == e.Target {
			selfLoop[e.Source] = true
		}
		adjacent[e.Source] = append(adjacent[e.Source], e.Target)
	}

	const unvisited = -1
	index := make(map[string]int, len(ids))
	lowlink := make(map[string]int, len(ids))
	onStack := make(map[string]bool, len(ids))
	for _, id := range ids {
		index[id] = unvisited
	}

	var (
		counter    int
		stack      []string
		components [][]string
	)

	type frame struct {
		node string
		next int
	}

	for _, start := range ids {
		if index[start] != unvisited {
			continue
		}

		callStack := []frame{{node: start}}
		index[start] = counter
		lowlink[start] = counter
		counter++
		stack = append(stack, start)
		onStack[start] = true

		for len(callStack) > 0 {
			top := &callStack[len(callStack)-1]
			node := top.node
			neighbors := adjacent[node]

			if top.next < len(neighbors) {
				next := neighbors[top.next]
				top.next++

				if index[next] == unvisited {
					index[next] = counter
					lowlink[next] = counter
					counter++
					stack = append(stack, next)
					onStack[next] = true
					callStack = append(callStack, frame{node: next})
				} else if onStack[next] {
					if index[next] < lowlink[node] {
						lowlink[node] = index[next]
					}
				}
				continue
			}

			// All neighbors explored: pop and propagate lowlink
			callStack = callStack[:len(callStack)-1]
			if len(callStack) > 0 {
				parent := callStack[len(callStack)-1].node
				if lowlink[node] < lowlink[parent] {
					lowlink[parent] = lowlink[node]
				}
			}

			if lowlink[node] == index[node] {
				var component []string
				for {
					popped := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[popped] = false
					component = append(component, popped)
					if popped == node {
						break
					}
				}
				if len(component) > 1 || selfLoop[node] {
					sort.Strings(component)
					components = append(components, component)
				}
			}
		}
	}

	return components
}

// TriggerAncestry returns, for every node, whether some trigger node is
// an ancestor (triggers themselves included)
func TriggerAncestry(g *Graph) map[string]bool {
	order, err := TopologicalOrder(g)
	if err != nil {
		// Cyclic graphs get no ancestry; the validator reports the cycle
		return map[string]bool{}
	}

	roles := make(map[string]Role, len(g.Nodes))
	for _, n := range g.Nodes {
		roles[n.ID] = n.Role
	}

	reached := make(map[string]bool, len(g.Nodes))
	for _, id := range order {
		if roles[id] == RoleTrigger {
			reached[id] = true
			continue
		}
		for _, pred := range g.Predecessors(id) {
			if reached[pred] {
				reached[id] = true
				break
			}
		}
	}
	return reached
}

// Ancestors returns the transitive predecessor set of a node
func Ancestors(g *Graph, nodeID string) map[string]bool {
	preds := make(map[string][]string, len(g.Nodes))
	for _, e := range g.Edges {
		preds[e.Target] = append(preds[e.Target], e.Source)
	}

	seen := make(map[string]bool)
	queue := append([]string(nil), preds[nodeID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		queue = append(queue, preds[id]...)
	}
	return seen
}
