package connector

import (
	"context"
	"time"
)

// llmInvoker runs llm.complete nodes through the configured completer
type llmInvoker struct {
	completer Completer
}

func (l *llmInvoker) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	prompt, _ := inv.Params["prompt"].(string)
	if prompt == "" {
		return nil, Errorf(KindValidation, "complete needs a prompt")
	}

	req := CompletionRequest{Prompt: prompt}
	if model, ok := inv.Params["model"].(string); ok {
		req.Model = model
	}
	if system, ok := inv.Params["system"].(string); ok {
		req.System = system
	}
	if temp, ok := asFloat(inv.Params["temperature"]); ok {
		req.Temperature = temp
	}
	if maxTokens, ok := asFloat(inv.Params["maxTokens"]); ok {
		req.MaxTokens = int(maxTokens)
	}
	if ttl, ok := asFloat(inv.Params["cacheTtlSec"]); ok && ttl > 0 {
		req.CacheTTL = time.Duration(ttl) * time.Second
	}

	text, err := l.completer.Complete(ctx, req)
	if err != nil {
		// The completer returns classified errors; pass them through
		if _, ok := err.(*Error); ok {
			return nil, err
		}
		return nil, NewError(KindProviderServer, "completion failed", err)
	}

	return &Result{
		Output: map[string]any{"text": text, "model": req.Model},
	}, nil
}
