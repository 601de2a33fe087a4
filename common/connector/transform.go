package connector

import (
	"context"

	"github.com/flowstack/engine/common/graph"
)

// branchInvoker evaluates a condition expression and selects the true
// or false handle
type branchInvoker struct {
	eval *evaluator
}

func (b *branchInvoker) Invoke(_ context.Context, inv *Invocation) (*Result, error) {
	expr, _ := inv.Params["expression"].(string)
	if expr == "" {
		return nil, Errorf(KindValidation, "branch needs an expression")
	}

	result, err := b.eval.evalBool(expr, mergeInputs(inv.Inputs), inv.Trigger, inv.Params)
	if err != nil {
		return nil, NewError(KindValidation, "evaluate branch expression", err)
	}

	branch := graph.HandleFalse
	if result {
		branch = graph.HandleTrue
	}

	return &Result{
		Output: map[string]any{"branch": branch},
		Branch: branch,
	}, nil
}

// mapInvoker evaluates an expression over the upstream payload and
// emits the result as the node artifact
type mapInvoker struct {
	eval *evaluator
}

func (m *mapInvoker) Invoke(_ context.Context, inv *Invocation) (*Result, error) {
	expr, _ := inv.Params["expression"].(string)
	if expr == "" {
		return nil, Errorf(KindValidation, "map needs an expression")
	}

	result, err := m.eval.eval(expr, mergeInputs(inv.Inputs), inv.Trigger, inv.Params)
	if err != nil {
		return nil, NewError(KindValidation, "evaluate map expression", err)
	}

	if obj, ok := result.(map[string]any); ok {
		return &Result{Output: obj}, nil
	}
	return &Result{Output: map[string]any{"value": result}}, nil
}
