package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/flowstack/engine/common/logger"
)

const maxResponseBytes = 4 << 20

// httpInvoker performs outbound HTTP requests for http.request nodes
type httpInvoker struct {
	client *http.Client
	log    *logger.Logger
}

func (h *httpInvoker) Invoke(ctx context.Context, inv *Invocation) (*Result, error) {
	url, _ := inv.Params["url"].(string)
	if url == "" {
		return nil, Errorf(KindValidation, "http request needs a url")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, Errorf(KindValidation, "url must be http or https: %q", url)
	}

	method, _ := inv.Params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}
	method = strings.ToUpper(method)

	var body io.Reader
	if raw, ok := inv.Params["body"]; ok && raw != nil {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, NewError(KindValidation, "marshal request body", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, NewError(KindValidation, "build request", err)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if headers, ok := inv.Params["headers"].(map[string]any); ok {
		for name, val := range headers {
			req.Header.Set(name, fmt.Sprint(val))
		}
	}
	if token, ok := inv.Credentials["token"]; ok && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, NewError(KindNetworkTimeout, "read response body", err)
	}

	if h.log != nil {
		h.log.Debug("http request complete",
			"method", method,
			"url", url,
			"status", resp.StatusCode)
	}

	output := map[string]any{
		"status":  resp.StatusCode,
		"body":    decodeBody(resp.Header.Get("Content-Type"), data),
		"headers": flattenHeaders(resp.Header),
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, Errorf(KindRateLimited, "provider returned 429 for %s %s", method, url)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, Errorf(KindAuthExpired, "provider returned %d for %s %s", resp.StatusCode, method, url)
	case resp.StatusCode >= 500:
		return nil, Errorf(KindProviderServer, "provider returned %d for %s %s", resp.StatusCode, method, url)
	case resp.StatusCode >= 400:
		return nil, Errorf(KindProviderRequest, "provider returned %d for %s %s", resp.StatusCode, method, url)
	}

	return &Result{Output: output}, nil
}

func classifyTransportError(err error) *Error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(KindNetworkTimeout, "request timed out", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindNetworkTimeout, "request timed out", err)
	}
	return NewError(KindNetworkTimeout, "request failed", err)
}

// decodeBody parses JSON payloads and passes everything else through as
// a string
func decodeBody(contentType string, data []byte) any {
	if strings.Contains(contentType, "application/json") {
		var parsed any
		if err := json.Unmarshal(data, &parsed); err == nil {
			return parsed
		}
	}
	return string(data)
}

func flattenHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for name, values := range h {
		if len(values) == 1 {
			out[name] = values[0]
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}
