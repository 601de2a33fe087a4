package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/flowstack/engine/common/graph"
	"github.com/flowstack/engine/common/registry"
)

// Options tune the validator's advisory thresholds
type Options struct {
	// LargeFanOutThreshold is the successor count above which a
	// LARGE_FAN_OUT warning is emitted. Zero means the default (10).
	LargeFanOutThreshold int
	// SkipWarnings suppresses all warning-severity issues
	SkipWarnings bool
}

const defaultFanOutThreshold = 10

// Validate is a pure function from a canonical graph to errors and
// warnings. Deterministic, no I/O; called on every edit and again,
// authoritatively, at run submission.
func Validate(g *graph.Graph, index *registry.Index, opts Options) *Result {
	v := &validator{graph: g, index: index, opts: opts}
	v.run()

	sortIssues(v.errors)
	sortIssues(v.warnings)

	return &Result{
		Valid:    len(v.errors) == 0,
		Errors:   v.errors,
		Warnings: v.warnings,
	}
}

type validator struct {
	graph *graph.Graph
	index *registry.Index
	opts  Options

	errors   []Issue
	warnings []Issue

	// populated during structural checks
	acyclic   bool
	ancestors map[string]map[string]bool
}

func (v *validator) run() {
	v.checkDuplicates()
	v.checkCycles()
	v.checkEdgesShape()

	if v.acyclic {
		v.checkTriggerReachability()
	}

	for i := range v.graph.Nodes {
		v.checkNode(&v.graph.Nodes[i])
	}
}

func (v *validator) errorf(nodeID, path, code, format string, args ...any) {
	v.errors = append(v.errors, Issue{
		NodeID:   nodeID,
		Path:     path,
		Message:  fmt.Sprintf(format, args...),
		Severity: SeverityError,
		Code:     code,
	})
}

func (v *validator) warnf(nodeID, path, code, format string, args ...any) {
	if v.opts.SkipWarnings {
		return
	}
	v.warnings = append(v.warnings, Issue{
		NodeID:   nodeID,
		Path:     path,
		Message:  fmt.Sprintf(format, args...),
		Severity: SeverityWarning,
		Code:     code,
	})
}

func (v *validator) checkDuplicates() {
	seenNodes := make(map[string]bool, len(v.graph.Nodes))
	for _, n := range v.graph.Nodes {
		if seenNodes[n.ID] {
			v.errorf(n.ID, "/nodes/"+n.ID, CodeDuplicateNodeID, "duplicate node id %q", n.ID)
			continue
		}
		seenNodes[n.ID] = true
	}

	type edgeKey struct {
		source, target, sourceHandle, targetHandle string
	}
	seenEdges := make(map[edgeKey]bool, len(v.graph.Edges))
	for _, e := range v.graph.Edges {
		key := edgeKey{e.Source, e.Target, e.SourceHandle, e.TargetHandle}
		if seenEdges[key] {
			v.errorf("", "/edges/"+e.ID, CodeDuplicateEdge,
				"duplicate edge %s -> %s (handle %q)", e.Source, e.Target, e.SourceHandle)
			continue
		}
		seenEdges[key] = true
	}
}

func (v *validator) checkCycles() {
	components := graph.StronglyConnectedComponents(v.graph)
	v.acyclic = len(components) == 0
	for _, component := range components {
		v.errorf("", "/graph", CodeCycleDetected,
			"cycle through nodes: %s", strings.Join(component, ", "))
	}
}

func (v *validator) checkEdgesShape() {
	// Predecessor counts for fan-in and trigger input checks
	predCount := make(map[string]int, len(v.graph.Nodes))
	for _, e := range v.graph.Edges {
		predCount[e.Target]++
	}

	for i := range v.graph.Nodes {
		n := &v.graph.Nodes[i]
		count := predCount[n.ID]

		if n.Role == graph.RoleTrigger && count > 0 {
			v.errorf(n.ID, "/nodes/"+n.ID, CodeTriggerHasInput,
				"trigger %q must have no predecessors, found %d", n.ID, count)
			continue
		}

		if count > 1 && !v.acceptsFanIn(n) {
			v.errorf(n.ID, "/nodes/"+n.ID, CodeUnsupportedFanIn,
				"node %q has %d predecessors but does not accept fan-in", n.ID, count)
		}
	}
}

func (v *validator) acceptsFanIn(n *graph.Node) bool {
	capability, err := v.index.Resolve(n.App, n.Operation, n.Role)
	if err != nil {
		// Resolution failures are reported separately in checkNode
		return true
	}
	return capability.Operation.AcceptsFanIn
}

func (v *validator) checkTriggerReachability() {
	reached := graph.TriggerAncestry(v.graph)
	for _, n := range v.graph.Nodes {
		if n.Role == graph.RoleTrigger {
			continue
		}
		if !reached[n.ID] {
			v.errorf(n.ID, "/nodes/"+n.ID, CodeOrphanAction,
				"node %q has no trigger ancestor", n.ID)
		}
	}
}

func (v *validator) checkNode(n *graph.Node) {
	base := "/nodes/" + n.ID

	capability, err := v.index.Resolve(n.App, n.Operation, n.Role)
	if err != nil {
		var resolveErr *registry.ResolveError
		if errors.As(err, &resolveErr) {
			switch resolveErr.Reason {
			case registry.MissUnknownApp, registry.MissNotImplemented:
				v.errorf(n.ID, base, CodeUnknownConnector,
					"connector %q is not available (%s)", n.App, resolveErr.Reason)
			case registry.MissUnknownOperation, registry.MissRoleMismatch:
				v.errorf(n.ID, base, CodeUnknownOperation,
					"operation %q not found on connector %q (%s)", n.Operation, n.App, resolveErr.Reason)
			}
		} else {
			v.errorf(n.ID, base, CodeUnknownConnector, "connector lookup failed: %v", err)
		}
		return
	}

	v.checkLifecycle(n, capability, base)
	v.checkConnection(n, capability, base)
	v.checkParams(n, capability, base)
	v.checkRefs(n, base)
	v.checkFanOut(n, base)
	v.checkConsumers(n)
}

func (v *validator) checkLifecycle(n *graph.Node, capability *registry.Capability, base string) {
	switch capability.Connector.Lifecycle {
	case registry.LifecycleBeta:
		v.warnf(n.ID, base, CodeLifecycleBeta, "connector %q is in beta", n.App)
	case registry.LifecycleAlpha:
		v.warnf(n.ID, base, CodeLifecycleAlpha, "connector %q is in alpha", n.App)
	case registry.LifecycleDeprecated, registry.LifecycleSunset:
		v.warnf(n.ID, base, CodeLifecycleDeprecated, "connector %q is deprecated", n.App)
	}
}

func (v *validator) checkConnection(n *graph.Node, capability *registry.Capability, base string) {
	if !capability.Operation.RequiresAuth {
		return
	}
	if n.AuthRef.Empty() {
		v.errorf(n.ID, base, CodeMissingConnection,
			"operation %s.%s requires a connection or inline credentials", n.App, n.Operation)
	}
}

// schemaShape is the subset of a parameter schema the validator reads
// directly for per-key checks
type schemaShape struct {
	Required   []string                   `json:"required"`
	Properties map[string]json.RawMessage `json:"properties"`
}

type propertyShape struct {
	Type string `json:"type"`
	Enum []any  `json:"enum"`
}

func (v *validator) checkParams(n *graph.Node, capability *registry.Capability, base string) {
	var shape schemaShape
	if len(capability.Operation.ParamSchema) > 0 {
		if err := json.Unmarshal(capability.Operation.ParamSchema, &shape); err != nil {
			shape = schemaShape{}
		}
	}

	// Required keys: absent or statically empty, one error per key
	missingRequired := false
	for _, key := range shape.Required {
		val, present := n.Params[key]
		if !present || val.IsEmpty() {
			missingRequired = true
			v.errorf(n.ID, fmt.Sprintf("%s/params/%s", base, key), CodeMissingRequiredParam,
				"required parameter %q is missing or empty", key)
		}
	}

	// Unknown keys: params must be a subset of declared parameters
	if shape.Properties != nil {
		for key := range n.Params {
			if _, declared := shape.Properties[key]; !declared && key != "connectionId" {
				v.errorf(n.ID, fmt.Sprintf("%s/params/%s", base, key), CodeParamTypeMismatch,
					"parameter %q is not declared by %s.%s", key, n.App, n.Operation)
			}
		}
	}

	// Per-key type/enum checks on static values
	allStatic := true
	staticParams := make(map[string]any, len(n.Params))
	for key, val := range n.Params {
		if val.Kind != graph.ValueStatic {
			allStatic = false
			continue
		}
		staticParams[key] = val.Static

		raw, ok := shape.Properties[key]
		if !ok {
			continue
		}
		var prop propertyShape
		if err := json.Unmarshal(raw, &prop); err != nil {
			continue
		}
		if issue := checkStaticType(val.Static, prop); issue != "" {
			v.errorf(n.ID, fmt.Sprintf("%s/params/%s", base, key), CodeParamTypeMismatch,
				"parameter %q %s", key, issue)
		}
	}

	// Full-schema check (format and cross-key constraints) only when the
	// object is statically complete; refs and llm values resolve at run
	// time and are re-checked by the dispatcher preflight
	if allStatic && !missingRequired && capability.Schema() != nil {
		normalized, err := normalizeForSchema(staticParams)
		if err == nil {
			if err := capability.Schema().Validate(normalized); err != nil {
				v.errorf(n.ID, base+"/params", CodeParamTypeMismatch,
					"parameters fail schema validation: %v", err)
			}
		}
	}
}

func checkStaticType(value any, prop propertyShape) string {
	if value == nil {
		return ""
	}
	if prop.Type != "" && !matchesJSONType(value, prop.Type) {
		return fmt.Sprintf("expected %s, got %T", prop.Type, value)
	}
	if len(prop.Enum) > 0 {
		for _, allowed := range prop.Enum {
			if fmt.Sprintf("%v", allowed) == fmt.Sprintf("%v", value) {
				return ""
			}
		}
		return fmt.Sprintf("value %v is not one of the allowed values", value)
	}
	return ""
}

func matchesJSONType(value any, typ string) bool {
	switch typ {
	case "string":
		_, ok := value.(string)
		return ok
	case "number", "integer":
		switch value.(type) {
		case float64, int, int64, json.Number:
			return true
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	default:
		return true
	}
}

// normalizeForSchema round-trips through JSON so typed Go values match
// what the schema library expects
func normalizeForSchema(params map[string]any) (any, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (v *validator) checkRefs(n *graph.Node, base string) {
	var ancestors map[string]bool
	for key, val := range n.Params {
		if val.Kind != graph.ValueRef || val.Ref == nil {
			continue
		}
		path := fmt.Sprintf("%s/params/%s", base, key)

		target := v.graph.NodeByID(val.Ref.NodeID)
		if target == nil {
			v.errorf(n.ID, path, CodeUnresolvedRef,
				"ref targets nonexistent node %q", val.Ref.NodeID)
			continue
		}

		if !v.acyclic {
			// Ancestry is undefined on cyclic graphs; the cycle error
			// already blocks execution
			continue
		}
		if ancestors == nil {
			ancestors = graph.Ancestors(v.graph, n.ID)
		}
		if !ancestors[val.Ref.NodeID] {
			v.errorf(n.ID, path, CodeUnresolvedRef,
				"ref targets %q, which is not an upstream node", val.Ref.NodeID)
			continue
		}

		if target.OutputMetadata == nil && target.Metadata == nil {
			v.warnf(n.ID, path, CodeMissingMetadataHint,
				"ref target %q has no output metadata; path %q cannot be checked", val.Ref.NodeID, val.Ref.Path)
		}
	}
}

func (v *validator) checkFanOut(n *graph.Node, base string) {
	threshold := v.opts.LargeFanOutThreshold
	if threshold <= 0 {
		threshold = defaultFanOutThreshold
	}
	successors := v.graph.Successors(n.ID)
	if len(successors) > threshold {
		v.warnf(n.ID, base, CodeLargeFanOut,
			"node %q fans out to %d successors (threshold %d)", n.ID, len(successors), threshold)
	}
}

func (v *validator) checkConsumers(n *graph.Node) {
	// Transforms exist to feed downstream consumers; an unconsumed one
	// is suspicious but not fatal
	if n.Role != graph.RoleTransform {
		return
	}
	if len(v.graph.Successors(n.ID)) > 0 {
		return
	}
	for i := range v.graph.Nodes {
		for _, val := range v.graph.Nodes[i].Params {
			if val.Kind == graph.ValueRef && val.Ref != nil && val.Ref.NodeID == n.ID {
				return
			}
		}
	}
	v.warnf(n.ID, "/nodes/"+n.ID, CodeUnusedOutput,
		"transform %q has no downstream consumers", n.ID)
}
