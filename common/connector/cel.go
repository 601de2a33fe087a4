package connector

import (
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// evaluator compiles and caches CEL programs used by condition and
// transform nodes
type evaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

func newEvaluator() *evaluator {
	return &evaluator{
		cache: make(map[string]cel.Program),
	}
}

// eval runs an expression against the node's resolved inputs.
// $.field is rewritten to input.field so expressions can use the
// JSONPath-style shorthand.
func (e *evaluator) eval(expr string, input, trigger, params map[string]any) (any, error) {
	normalized := strings.ReplaceAll(expr, "$.", "input.")

	e.mu.RLock()
	prg, exists := e.cache[normalized]
	e.mu.RUnlock()

	if !exists {
		var err error
		prg, err = e.compile(normalized)
		if err != nil {
			return nil, err
		}

		e.mu.Lock()
		e.cache[normalized] = prg
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]any{
		"input":   input,
		"trigger": trigger,
		"params":  params,
	})
	if err != nil {
		return nil, fmt.Errorf("CEL evaluation error: %w", err)
	}

	return nativeValue(out)
}

// nativeValue converts a CEL result into plain Go values. Map and list
// results still hold ref.Val entries after Value(), so they need an
// explicit conversion.
func nativeValue(out ref.Val) (any, error) {
	switch out.(type) {
	case traits.Mapper:
		native, err := out.ConvertToNative(reflect.TypeOf(map[string]any{}))
		if err != nil {
			return nil, fmt.Errorf("convert CEL map result: %w", err)
		}
		return native, nil
	case traits.Lister:
		native, err := out.ConvertToNative(reflect.TypeOf([]any{}))
		if err != nil {
			return nil, fmt.Errorf("convert CEL list result: %w", err)
		}
		return native, nil
	}
	return out.Value(), nil
}

// evalBool runs an expression that must produce a boolean
func (e *evaluator) evalBool(expr string, input, trigger, params map[string]any) (bool, error) {
	out, err := e.eval(expr, input, trigger, params)
	if err != nil {
		return false, err
	}
	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return boolean, got %T", out)
	}
	return result, nil
}

func (e *evaluator) compile(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.Variable("trigger", cel.DynType),
		cel.Variable("params", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return prg, nil
}

// cacheSize returns the number of cached programs
func (e *evaluator) cacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
