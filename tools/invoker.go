package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/vitwit/agentpay/types"
)

// Invoker calls a downstream verification endpoint with validated
// parameters and returns its decoded JSON result.
type Invoker interface {
	Invoke(ctx context.Context, d types.ToolDescriptor, params map[string]any) (map[string]any, error)
}

// HTTPInvoker is the production Invoker. The downstream services are
// opaque priced HTTP endpoints; only their declared method and parameter
// schema are known.
type HTTPInvoker struct {
	client *http.Client
}

// NewHTTPInvoker builds an invoker with the given per-call timeout.
func NewHTTPInvoker(timeout time.Duration) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPInvoker{
		client: &http.Client{Timeout: timeout},
	}
}

// Invoke performs the downstream call. Any transport failure or non-2xx
// status surfaces as UPSTREAM_SERVICE_ERROR with diagnostic detail; the
// caller decides what that means for an already-settled payment.
func (h *HTTPInvoker) Invoke(ctx context.Context, d types.ToolDescriptor, params map[string]any) (map[string]any, error) {
	req, err := h.buildRequest(ctx, d, params)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &types.Error{
			Code:    types.ErrUpstreamService,
			Message: fmt.Sprintf("tool %q: %v", d.ID, err),
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &types.Error{
			Code:    types.ErrUpstreamService,
			Message: fmt.Sprintf("tool %q: read response: %v", d.ID, err),
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &types.Error{
			Code:    types.ErrUpstreamService,
			Message: fmt.Sprintf("tool %q returned status %d", d.ID, resp.StatusCode),
			Data:    map[string]any{"status": resp.StatusCode, "body": string(body)},
		}
	}

	var result map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, &types.Error{
				Code:    types.ErrUpstreamService,
				Message: fmt.Sprintf("tool %q: invalid JSON response: %v", d.ID, err),
			}
		}
	}
	return result, nil
}

func (h *HTTPInvoker) buildRequest(ctx context.Context, d types.ToolDescriptor, params map[string]any) (*http.Request, error) {
	if d.HTTPMethod == http.MethodGet {
		u, err := url.Parse(d.Endpoint)
		if err != nil {
			return nil, &types.Error{
				Code:    types.ErrConfig,
				Message: fmt.Sprintf("tool %q: bad endpoint: %v", d.ID, err),
			}
		}
		q := u.Query()
		for k, v := range params {
			q.Set(k, fmt.Sprintf("%v", v))
		}
		u.RawQuery = q.Encode()
		return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return nil, &types.Error{
			Code:    types.ErrValidation,
			Message: fmt.Sprintf("tool %q: encode params: %v", d.ID, err),
		}
	}
	req, err := http.NewRequestWithContext(ctx, d.HTTPMethod, d.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &types.Error{
			Code:    types.ErrConfig,
			Message: fmt.Sprintf("tool %q: build request: %v", d.ID, err),
		}
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
