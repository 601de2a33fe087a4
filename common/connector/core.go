package connector

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// invokeTrigger surfaces the run's trigger payload as the node artifact
// so downstream refs can read it
func invokeTrigger(_ context.Context, inv *Invocation) (*Result, error) {
	output := inv.Trigger
	if output == nil {
		output = map[string]any{}
	}
	return &Result{Output: output}, nil
}

func invokeLog(_ context.Context, inv *Invocation) (*Result, error) {
	message, _ := inv.Params["message"].(string)
	if message == "" {
		message = fmt.Sprint(inv.Params["message"])
	}
	return &Result{
		Output: map[string]any{"message": message},
		Logs:   []string{message},
		Stdout: message,
	}, nil
}

func invokeDelay(ctx context.Context, inv *Invocation) (*Result, error) {
	ms, ok := asFloat(inv.Params["ms"])
	if !ok || ms < 0 {
		return nil, Errorf(KindValidation, "delay needs a non-negative ms parameter")
	}

	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, NewError(KindNetworkTimeout, "delay interrupted", ctx.Err())
	case <-timer.C:
	}

	return &Result{Output: map[string]any{"delayedMs": ms}}, nil
}

func invokeNoop(_ context.Context, _ *Invocation) (*Result, error) {
	return &Result{Output: map[string]any{}}, nil
}

// invokeJoin passes the merged upstream artifacts through so branches
// rejoin into one payload
func invokeJoin(_ context.Context, inv *Invocation) (*Result, error) {
	return &Result{Output: mergeInputs(inv.Inputs)}, nil
}

func invokePick(_ context.Context, inv *Invocation) (*Result, error) {
	fields, err := stringSlice(inv.Params["fields"])
	if err != nil {
		return nil, Errorf(KindValidation, "pick needs a fields array of strings")
	}

	source := mergeInputs(inv.Inputs)
	output := make(map[string]any, len(fields))
	var diagnostics []string
	for _, field := range fields {
		val, ok := source[field]
		if !ok {
			diagnostics = append(diagnostics, fmt.Sprintf("field %q not present in input", field))
			continue
		}
		output[field] = val
	}

	return &Result{Output: output, Diagnostics: diagnostics}, nil
}

func invokeMerge(_ context.Context, inv *Invocation) (*Result, error) {
	return &Result{Output: mergeInputs(inv.Inputs)}, nil
}

// mergeInputs shallow-merges upstream artifacts in ascending node-id
// order so later ids win deterministically
func mergeInputs(inputs map[string]any) map[string]any {
	ids := make([]string, 0, len(inputs))
	for id := range inputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := map[string]any{}
	for _, id := range ids {
		m, ok := inputs[id].(map[string]any)
		if !ok {
			out[id] = inputs[id]
			continue
		}
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func stringSlice(v any) ([]string, error) {
	switch s := v.(type) {
	case []string:
		return s, nil
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("non-string element %v", item)
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected array, got %T", v)
	}
}
