package graph

import (
	"encoding/json"
	"fmt"
)

// ValueKind discriminates the parameter value variant
type ValueKind string

const (
	ValueStatic ValueKind = "static"
	ValueRef    ValueKind = "ref"
	ValueLLM    ValueKind = "llm"
)

// Value is a tagged parameter variant: a static literal, a reference to
// an upstream node's artifact, or an LLM-mapped value. Resolution sites
// must match exhaustively on Kind.
type Value struct {
	Kind   ValueKind
	Static any
	Ref    *RefValue
	LLM    *LLMValue
}

// RefValue points at an upstream node's output by dotted/bracket path
type RefValue struct {
	NodeID string `json:"nodeId"`
	Path   string `json:"path,omitempty"`
}

// LLMValue asks the mapping service to derive the value from the
// upstream payload at run time
type LLMValue struct {
	Prompt      string          `json:"prompt"`
	Model       string          `json:"model,omitempty"`
	Provider    string          `json:"provider,omitempty"`
	System      string          `json:"system,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"maxTokens,omitempty"`
	CacheTTLSec int             `json:"cacheTtlSec,omitempty"`
	JSONSchema  json.RawMessage `json:"jsonSchema,omitempty"`
}

// StaticValue wraps a literal
func StaticValue(v any) Value {
	return Value{Kind: ValueStatic, Static: v}
}

// RefParam builds a ref value
func RefParam(nodeID, path string) Value {
	return Value{Kind: ValueRef, Ref: &RefValue{NodeID: nodeID, Path: path}}
}

// IsEmpty reports whether a static value is absent or blank.
// Refs and llm values are never considered empty statically.
func (v Value) IsEmpty() bool {
	if v.Kind != ValueStatic {
		return false
	}
	switch s := v.Static.(type) {
	case nil:
		return true
	case string:
		return s == ""
	default:
		return false
	}
}

type taggedValue struct {
	Kind        ValueKind       `json:"kind"`
	Value       any             `json:"value,omitempty"`
	NodeID      string          `json:"nodeId,omitempty"`
	Path        string          `json:"path,omitempty"`
	Prompt      string          `json:"prompt,omitempty"`
	Model       string          `json:"model,omitempty"`
	Provider    string          `json:"provider,omitempty"`
	System      string          `json:"system,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"maxTokens,omitempty"`
	CacheTTLSec int             `json:"cacheTtlSec,omitempty"`
	JSONSchema  json.RawMessage `json:"jsonSchema,omitempty"`
}

// MarshalJSON emits static literals bare and ref/llm as tagged objects.
// A static literal that is itself an object carrying a "kind" key is
// wrapped so the round trip stays unambiguous.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case ValueRef:
		if v.Ref == nil {
			return nil, fmt.Errorf("ref value missing target")
		}
		return json.Marshal(taggedValue{Kind: ValueRef, NodeID: v.Ref.NodeID, Path: v.Ref.Path})
	case ValueLLM:
		if v.LLM == nil {
			return nil, fmt.Errorf("llm value missing spec")
		}
		return json.Marshal(taggedValue{
			Kind:        ValueLLM,
			Prompt:      v.LLM.Prompt,
			Model:       v.LLM.Model,
			Provider:    v.LLM.Provider,
			System:      v.LLM.System,
			Temperature: v.LLM.Temperature,
			MaxTokens:   v.LLM.MaxTokens,
			CacheTTLSec: v.LLM.CacheTTLSec,
			JSONSchema:  v.LLM.JSONSchema,
		})
	default:
		if m, ok := v.Static.(map[string]any); ok {
			if _, hasKind := m["kind"]; hasKind {
				return json.Marshal(taggedValue{Kind: ValueStatic, Value: v.Static})
			}
		}
		return json.Marshal(v.Static)
	}
}

// UnmarshalJSON accepts bare literals as static values and objects
// tagged with kind=static|ref|llm as their variant
func (v *Value) UnmarshalJSON(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		// Not an object: plain literal
		var literal any
		if err := json.Unmarshal(data, &literal); err != nil {
			return err
		}
		*v = StaticValue(literal)
		return nil
	}

	kindRaw, hasKind := probe["kind"]
	if !hasKind {
		var literal any
		if err := json.Unmarshal(data, &literal); err != nil {
			return err
		}
		*v = StaticValue(literal)
		return nil
	}

	var kind ValueKind
	if err := json.Unmarshal(kindRaw, &kind); err != nil {
		var literal any
		if err := json.Unmarshal(data, &literal); err != nil {
			return err
		}
		*v = StaticValue(literal)
		return nil
	}

	var tagged taggedValue
	switch kind {
	case ValueStatic:
		if err := json.Unmarshal(data, &tagged); err != nil {
			return err
		}
		*v = StaticValue(tagged.Value)
	case ValueRef:
		if err := json.Unmarshal(data, &tagged); err != nil {
			return err
		}
		*v = Value{Kind: ValueRef, Ref: &RefValue{NodeID: tagged.NodeID, Path: tagged.Path}}
	case ValueLLM:
		if err := json.Unmarshal(data, &tagged); err != nil {
			return err
		}
		*v = Value{Kind: ValueLLM, LLM: &LLMValue{
			Prompt:      tagged.Prompt,
			Model:       tagged.Model,
			Provider:    tagged.Provider,
			System:      tagged.System,
			Temperature: tagged.Temperature,
			MaxTokens:   tagged.MaxTokens,
			CacheTTLSec: tagged.CacheTTLSec,
			JSONSchema:  tagged.JSONSchema,
		}}
	default:
		// Unknown tag: treat the whole object as a static literal
		var literal any
		if err := json.Unmarshal(data, &literal); err != nil {
			return err
		}
		*v = StaticValue(literal)
	}
	return nil
}
