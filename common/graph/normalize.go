package graph

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Draft is a user-authored node/edge list in whatever shape the editor,
// an import, or an API payload produced. Normalize accepts any of them.
type Draft struct {
	Nodes []map[string]any `json:"nodes"`
	Edges []map[string]any `json:"edges"`
}

// Execution-state fields are never persisted on the canonical graph
var executionStateFields = []string{
	"executionStatus",
	"executionError",
	"lastExecution",
	"isRunning",
	"isCompleted",
}

// Normalize turns a user draft into the canonical graph. It never fails;
// the validator is responsible for flagging problems.
func Normalize(draft *Draft) *Graph {
	g := &Graph{}
	if draft == nil {
		return g
	}

	for i, raw := range draft.Nodes {
		g.Nodes = append(g.Nodes, normalizeNode(raw, i))
	}

	for i, raw := range draft.Edges {
		edge, ok := normalizeEdge(raw, i)
		if !ok {
			continue
		}
		g.Edges = append(g.Edges, edge)
	}

	return g
}

// Renormalize runs a canonical graph back through normalization.
// Normalization is idempotent, so this is safe to call on any graph.
func Renormalize(g *Graph) *Graph {
	data, err := json.Marshal(g)
	if err != nil {
		return g
	}
	var draft Draft
	if err := json.Unmarshal(data, &draft); err != nil {
		return g
	}
	return Normalize(&draft)
}

func normalizeNode(raw map[string]any, index int) Node {
	// 1. Coerce id to string; assign node_{index} when missing
	id := coerceString(raw["id"])
	if id == "" {
		id = fmt.Sprintf("node_%d", index)
	}

	typeStr := firstString(raw, "nodeType", "type")
	opStr := coerceString(raw["op"])

	// 2. Infer role
	role := inferRole(raw, typeStr, opStr)

	// 3. Infer app, canonicalized to lower-kebab
	app := firstString(raw, "app", "connectorId", "provider")
	if app == "" {
		app = inferApp(typeStr)
	}
	if app == "" {
		app = inferApp(opStr)
	}
	app = CanonicalApp(app)
	if app == "" {
		app = "core"
	}

	// 4. Infer operation
	operation := firstString(raw, "operation", "function", "actionId", "triggerId")
	if operation == "" {
		operation = lastSegment(typeStr)
	}
	if operation == "" {
		operation = lastSegment(opStr)
	}
	if operation == "" {
		operation = "run"
	}

	node := Node{
		ID:        id,
		Role:      role,
		App:       app,
		Operation: operation,
		// 5. Rebuild canonical nodeType
		NodeType: fmt.Sprintf("%s.%s.%s", role, app, operation),
	}

	data, _ := raw["data"].(map[string]any)

	// 6. Merge params sources with left-to-right precedence
	node.Params = mergeParams(
		subMap(data, "config"),
		subMap(raw, "config"),
		subMap(raw, "params"),
		subMap(raw, "parameters"),
		subMap(data, "params"),
		subMap(data, "parameters"),
	)

	// 8. Strip execution-state fields that leak in through param maps
	for _, field := range executionStateFields {
		delete(node.Params, field)
	}

	// 7. Propagate connectionId so all carriers agree
	node.AuthRef = normalizeAuth(raw, data, node.Params)
	if node.AuthRef != nil && node.AuthRef.ConnectionID != "" {
		node.Params["connectionId"] = StaticValue(node.AuthRef.ConnectionID)
	}

	if len(node.Params) == 0 {
		node.Params = nil
	}

	node.Position = normalizePosition(raw)
	node.Metadata = normalizeMetadata(raw, "metadata")
	node.OutputMetadata = normalizeMetadata(raw, "outputMetadata")

	// Metadata derivation: seed columns from param keys, mirror into
	// outputMetadata when absent. Advisory only.
	if len(node.Params) > 0 && (node.Metadata == nil || len(node.Metadata.Columns) == 0) {
		if node.Metadata == nil {
			node.Metadata = &NodeMetadata{}
		}
		node.Metadata.Columns = sortedKeys(node.Params)
	}
	if node.OutputMetadata == nil && node.Metadata != nil {
		node.OutputMetadata = node.Metadata.Clone()
	}

	return node
}

func inferRole(raw map[string]any, typeStr, opStr string) Role {
	if explicit := coerceString(raw["role"]); explicit != "" {
		if r, ok := validRole(explicit); ok {
			return r
		}
	}
	if prefix := dottedSegment(typeStr, 0); prefix != "" {
		if r, ok := validRole(prefix); ok {
			return r
		}
	}
	if prefix := dottedSegment(opStr, 0); prefix != "" {
		if r, ok := validRole(prefix); ok {
			return r
		}
	}
	return RoleAction
}

func validRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleTrigger:
		return RoleTrigger, true
	case RoleAction:
		return RoleAction, true
	case RoleTransform:
		return RoleTransform, true
	case RoleCondition:
		return RoleCondition, true
	}
	return "", false
}

// CanonicalApp lower-cases, maps runs of non-alphanumerics to '-', and
// trims leading/trailing dashes
func CanonicalApp(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	lastDash := false
	for _, r := range s {
		isAlnum := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if isAlnum {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash && b.Len() > 0 {
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

func mergeParams(sources ...map[string]any) map[string]Value {
	out := make(map[string]Value)
	for _, src := range sources {
		for k, v := range src {
			if _, exists := out[k]; exists {
				continue
			}
			out[k] = valueFromRaw(v)
		}
	}
	return out
}

func valueFromRaw(raw any) Value {
	data, err := json.Marshal(raw)
	if err != nil {
		return StaticValue(nil)
	}
	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		return StaticValue(nil)
	}
	return v
}

func normalizeAuth(raw, data map[string]any, params map[string]Value) *AuthRef {
	auth := &AuthRef{}

	if authRaw, ok := raw["authRef"].(map[string]any); ok {
		auth.ConnectionID = coerceString(authRaw["connectionId"])
		if inline, ok := authRaw["inline"].(map[string]any); ok {
			auth.Inline = coerceStringMap(inline)
		}
	}
	if inline, ok := raw["credentials"].(map[string]any); ok && len(auth.Inline) == 0 {
		auth.Inline = coerceStringMap(inline)
	}

	// The server uses the first non-empty carrier; the UI may use any
	if auth.ConnectionID == "" {
		auth.ConnectionID = coerceString(data["connectionId"])
	}
	if auth.ConnectionID == "" {
		if dataAuth, ok := data["auth"].(map[string]any); ok {
			auth.ConnectionID = coerceString(dataAuth["connectionId"])
		}
	}
	if auth.ConnectionID == "" {
		if v, ok := params["connectionId"]; ok && v.Kind == ValueStatic {
			auth.ConnectionID = coerceString(v.Static)
		}
	}

	if auth.Empty() {
		return nil
	}
	return auth
}

func normalizePosition(raw map[string]any) *Position {
	pos, ok := raw["position"].(map[string]any)
	if !ok {
		return nil
	}
	x, okX := coerceFloat(pos["x"])
	y, okY := coerceFloat(pos["y"])
	if !okX && !okY {
		return nil
	}
	return &Position{X: x, Y: y}
}

func normalizeMetadata(raw map[string]any, key string) *NodeMetadata {
	metaRaw, ok := raw[key].(map[string]any)
	if !ok {
		return nil
	}
	data, err := json.Marshal(metaRaw)
	if err != nil {
		return nil
	}
	meta := &NodeMetadata{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil
	}
	if len(meta.Columns) == 0 && len(meta.Tabs) == 0 && meta.SampleRow == nil && len(meta.JSONSchema) == 0 {
		return nil
	}
	return meta
}

func normalizeEdge(raw map[string]any, index int) (Edge, bool) {
	source := coerceString(raw["source"])
	target := coerceString(raw["target"])
	if source == "" || target == "" {
		return Edge{}, false
	}

	id := coerceString(raw["id"])
	if id == "" {
		id = fmt.Sprintf("edge-%d-%s-%s", index, source, target)
	}

	return Edge{
		ID:           id,
		Source:       source,
		Target:       target,
		SourceHandle: coerceString(raw["sourceHandle"]),
		TargetHandle: coerceString(raw["targetHandle"]),
		Label:        coerceString(raw["label"]),
		DataType:     coerceString(raw["dataType"]),
	}, true
}

// Coercion helpers

func coerceString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		// JSON numbers used as ids
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%v", s)
	case int:
		return fmt.Sprintf("%d", s)
	case int64:
		return fmt.Sprintf("%d", s)
	case json.Number:
		return s.String()
	case bool:
		return fmt.Sprintf("%t", s)
	default:
		return ""
	}
}

func coerceFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func coerceStringMap(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = coerceString(v)
	}
	return out
}

func firstString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if s := coerceString(raw[key]); s != "" {
			return s
		}
	}
	return ""
}

func subMap(raw map[string]any, key string) map[string]any {
	if raw == nil {
		return nil
	}
	m, _ := raw[key].(map[string]any)
	return m
}

// dottedSegment splits on '.' and ':' and returns segment i, or ""
func dottedSegment(s string, i int) string {
	if s == "" {
		return ""
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == ':' })
	if i >= len(parts) {
		return ""
	}
	// A bare "request" has no role prefix; only multi-segment forms carry one
	if len(parts) < 2 {
		return ""
	}
	return parts[i]
}

// inferApp extracts the connector segment from a dotted node type.
// role.app.operation forms yield the middle segment; two-segment forms
// like "http.request" carry no role prefix, so the first segment is the
// app unless it names a role.
func inferApp(s string) string {
	if s == "" {
		return ""
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == ':' })
	switch {
	case len(parts) >= 3:
		return parts[1]
	case len(parts) == 2:
		if _, isRole := validRole(parts[0]); isRole {
			return ""
		}
		return parts[0]
	default:
		return ""
	}
}

func lastSegment(s string) string {
	if s == "" {
		return ""
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '.' || r == ':' })
	if len(parts) == 0 {
		return ""
	}
	return parts[len(parts)-1]
}

func sortedKeys(params map[string]Value) []string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
