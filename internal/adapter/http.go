package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPCaller invokes external adapters over HTTP. Each target maps to a base
// URL; the idempotency key travels in the Idempotency-Key header so the
// remote side can deduplicate replays.
type HTTPCaller struct {
	targets    map[string]string // target name -> base URL
	httpClient *http.Client
}

// NewHTTPCaller creates a caller for the given target map.
func NewHTTPCaller(targets map[string]string, timeout time.Duration) *HTTPCaller {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &HTTPCaller{
		targets:    targets,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type callRequest struct {
	Params map[string]string `json:"params"`
}

type callResponse struct {
	Output string `json:"output"`
}

// Call POSTs params to the target's URL. Network errors, timeouts and 5xx
// responses are transient; 4xx responses are not (retrying an invalid request
// cannot succeed).
func (c *HTTPCaller) Call(ctx context.Context, idempotencyKey, target string, params map[string]string) (string, error) {
	baseURL, ok := c.targets[target]
	if !ok {
		return "", fmt.Errorf("adapter: unknown call target %q: %w", target, ErrUpstream)
	}

	body, err := json.Marshal(callRequest{Params: params})
	if err != nil {
		return "", fmt.Errorf("adapter: marshal call request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("adapter: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return "", fmt.Errorf("adapter: call %s timed out: %w", target, ErrTransient)
		}
		return "", fmt.Errorf("adapter: call %s: %v: %w", target, err, ErrTransient)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("adapter: call %s: status %d: %w", target, resp.StatusCode, ErrTransient)
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("adapter: call %s: status %d: %w", target, resp.StatusCode, ErrUpstream)
	}

	var result callResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&result); err != nil {
		return "", fmt.Errorf("adapter: decode call response: %w", err)
	}
	return result.Output, nil
}
