package registry

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/flowstack/engine/common/graph"
)

// BuiltinCatalog returns the connector definitions shipped with the
// engine. Hosted deployments append their own entries before building
// the index.
func BuiltinCatalog() []Connector {
	return []Connector{
		{
			App:         "core",
			Name:        "Core",
			Category:    "utility",
			Lifecycle:   LifecycleStable,
			Semver:      "1.4.0",
			Concurrency: 64,
			Operations: []Operation{
				{
					ID:          "manual",
					Role:        graph.RoleTrigger,
					Description: "Starts a run when triggered by hand",
					ParamSchema: objectSchema(nil, nil),
				},
				{
					ID:          "schedule",
					Role:        graph.RoleTrigger,
					Description: "Starts a run on a cron schedule",
					ParamSchema: objectSchema(map[string]string{"cron": "string"}, []string{"cron"}),
				},
				{
					ID:          "webhook",
					Role:        graph.RoleTrigger,
					Description: "Starts a run on an inbound webhook",
					ParamSchema: objectSchema(map[string]string{"path": "string"}, nil),
				},
				{
					ID:          "log",
					Role:        graph.RoleAction,
					Description: "Writes a message to the run log",
					ParamSchema: objectSchema(map[string]string{"message": "string"}, []string{"message"}),
				},
				{
					ID:          "delay",
					Role:        graph.RoleAction,
					Description: "Pauses the branch for a duration",
					ParamSchema: objectSchema(map[string]string{"ms": "number"}, []string{"ms"}),
					Timeout:     5 * time.Minute,
				},
				{
					ID:          "noop",
					Role:        graph.RoleAction,
					ParamSchema: objectSchema(nil, nil),
				},
			},
		},
		{
			App:         "http",
			Name:        "HTTP",
			Category:    "network",
			Lifecycle:   LifecycleStable,
			Semver:      "2.1.3",
			Concurrency: 32,
			Operations: []Operation{
				{
					ID:          "request",
					Role:        graph.RoleAction,
					Description: "Performs an HTTP request",
					ParamSchema: json.RawMessage(`{
						"type": "object",
						"properties": {
							"url": {"type": "string", "minLength": 1},
							"method": {"type": "string", "enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"]},
							"headers": {"type": "object"},
							"body": {}
						},
						"required": ["url"]
					}`),
					Defaults:      map[string]any{"method": "GET"},
					OutputFields:  map[string]string{"status": "number", "body": "any", "headers": "object"},
					RateLimitHint: "per-host",
				},
			},
		},
		{
			App:         "condition",
			Name:        "Condition",
			Category:    "control",
			Lifecycle:   LifecycleStable,
			Semver:      "1.2.0",
			Concurrency: 64,
			Operations: []Operation{
				{
					ID:          "branch",
					Role:        graph.RoleCondition,
					Description: "Evaluates an expression and selects the true or false handle",
					ParamSchema: objectSchema(map[string]string{"expression": "string"}, []string{"expression"}),
					Handles:     []string{graph.HandleTrue, graph.HandleFalse},
					OutputFields: map[string]string{
						"branch": "string",
					},
				},
				{
					ID:           "join",
					Role:         graph.RoleCondition,
					Description:  "Rejoins condition branches; runs when any incoming branch completes",
					ParamSchema:  objectSchema(nil, nil),
					AcceptsFanIn: true,
				},
			},
		},
		{
			App:         "transform",
			Name:        "Transform",
			Category:    "data",
			Lifecycle:   LifecycleStable,
			Semver:      "1.7.1",
			Concurrency: 64,
			Operations: []Operation{
				{
					ID:          "map",
					Role:        graph.RoleTransform,
					Description: "Evaluates an expression over the input payload",
					ParamSchema: objectSchema(map[string]string{"expression": "string"}, []string{"expression"}),
				},
				{
					ID:          "pick",
					Role:        graph.RoleTransform,
					Description: "Projects a subset of fields from the input",
					ParamSchema: json.RawMessage(`{
						"type": "object",
						"properties": {
							"fields": {"type": "array", "items": {"type": "string"}, "minItems": 1}
						},
						"required": ["fields"]
					}`),
				},
				{
					ID:           "merge",
					Role:         graph.RoleTransform,
					Description:  "Merges upstream payloads into one object",
					ParamSchema:  objectSchema(nil, nil),
					AcceptsFanIn: true,
				},
			},
		},
		{
			App:         "llm",
			Name:        "LLM",
			Category:    "ai",
			Lifecycle:   LifecycleBeta,
			Semver:      "0.9.2",
			Concurrency: 8,
			Operations: []Operation{
				{
					ID:          "complete",
					Role:        graph.RoleAction,
					Description: "Runs a prompt against the configured model",
					ParamSchema: json.RawMessage(`{
						"type": "object",
						"properties": {
							"prompt": {"type": "string", "minLength": 1},
							"model": {"type": "string"},
							"temperature": {"type": "number", "minimum": 0, "maximum": 2},
							"maxTokens": {"type": "number"}
						},
						"required": ["prompt"]
					}`),
					CostHint:    "tokens",
					Timeout:     120 * time.Second,
					MaxAttempts: 2,
				},
			},
		},
		{
			App:         "google-sheets",
			Name:        "Google Sheets",
			Category:    "productivity",
			Lifecycle:   LifecycleBeta,
			Semver:      "0.6.4",
			Concurrency: 10,
			Operations: []Operation{
				{
					ID:          "append-row",
					Role:        graph.RoleAction,
					Description: "Appends a row to a sheet",
					ParamSchema: json.RawMessage(`{
						"type": "object",
						"properties": {
							"spreadsheetId": {"type": "string", "minLength": 1},
							"sheet": {"type": "string"},
							"values": {"type": "array"}
						},
						"required": ["spreadsheetId", "values"]
					}`),
					RequiresAuth:   true,
					RequiredScopes: []string{"https://www.googleapis.com/auth/spreadsheets"},
					RateLimitHint:  "60/min/user",
				},
				{
					ID:          "read-rows",
					Role:        graph.RoleAction,
					Description: "Reads rows from a sheet range",
					ParamSchema: json.RawMessage(`{
						"type": "object",
						"properties": {
							"spreadsheetId": {"type": "string", "minLength": 1},
							"range": {"type": "string"}
						},
						"required": ["spreadsheetId"]
					}`),
					RequiresAuth:   true,
					RequiredScopes: []string{"https://www.googleapis.com/auth/spreadsheets.readonly"},
					OutputFields:   map[string]string{"rows": "array", "columns": "array"},
				},
				{
					ID:          "new-row",
					Role:        graph.RoleTrigger,
					Description: "Fires when a row is added",
					ParamSchema: objectSchema(map[string]string{"spreadsheetId": "string"}, []string{"spreadsheetId"}),
					RequiresAuth: true,
					RequiredScopes: []string{
						"https://www.googleapis.com/auth/spreadsheets.readonly",
					},
				},
			},
		},
		{
			App:         "slack",
			Name:        "Slack",
			Category:    "messaging",
			Lifecycle:   LifecycleStable,
			Semver:      "1.3.0",
			Concurrency: 16,
			Operations: []Operation{
				{
					ID:          "post-message",
					Role:        graph.RoleAction,
					Description: "Posts a message to a channel",
					ParamSchema: json.RawMessage(`{
						"type": "object",
						"properties": {
							"channel": {"type": "string", "minLength": 1},
							"text": {"type": "string", "minLength": 1}
						},
						"required": ["channel", "text"]
					}`),
					RequiresAuth:   true,
					RequiredScopes: []string{"chat:write"},
					RateLimitHint:  "1/sec/channel",
				},
			},
		},
		{
			App:       "legacy-mail",
			Name:      "Legacy Mail",
			Category:  "messaging",
			Lifecycle: LifecycleDeprecated,
			Semver:    "0.3.9",
			Operations: []Operation{
				{
					ID:          "send",
					Role:        graph.RoleAction,
					Description: "Sends mail through the retired relay",
					ParamSchema: objectSchema(map[string]string{"to": "string", "subject": "string", "body": "string"}, []string{"to"}),
					RequiresAuth: true,
				},
			},
		},
	}
}

// BuiltinRuntime reports the operations implemented by the in-process
// connector runtime. Hosted connectors (sheets, slack, mail) are only
// implemented when a worker fleet advertises them via heartbeats.
func BuiltinRuntime() RuntimeSupport {
	return RuntimeSupport{
		"core":      {"manual": true, "schedule": true, "webhook": true, "log": true, "delay": true, "noop": true},
		"http":      {"request": true},
		"condition": {"branch": true, "join": true},
		"transform": {"map": true, "pick": true, "merge": true},
		"llm":       {"complete": true},
	}
}

// MergeRuntime unions runtime capability sets
func MergeRuntime(sets ...RuntimeSupport) RuntimeSupport {
	out := RuntimeSupport{}
	for _, set := range sets {
		for app, ops := range set {
			appKey := strings.ToLower(app)
			if out[appKey] == nil {
				out[appKey] = map[string]bool{}
			}
			for op, ok := range ops {
				if ok {
					out[appKey][strings.ToLower(op)] = true
				}
			}
		}
	}
	return out
}

func objectSchema(props map[string]string, required []string) json.RawMessage {
	type schema struct {
		Type       string         `json:"type"`
		Properties map[string]any `json:"properties,omitempty"`
		Required   []string       `json:"required,omitempty"`
	}
	s := schema{Type: "object"}
	if len(props) > 0 {
		s.Properties = make(map[string]any, len(props))
		for name, typ := range props {
			switch typ {
			case "any":
				s.Properties[name] = map[string]any{}
			case "string":
				s.Properties[name] = map[string]any{"type": "string", "minLength": 1}
			default:
				s.Properties[name] = map[string]any{"type": typ}
			}
		}
	}
	s.Required = required
	data, _ := json.Marshal(s)
	return data
}
