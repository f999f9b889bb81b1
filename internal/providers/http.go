package providers

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxResponseBytes = 4 << 20

// HTTPRequest is one JSON call to a provider endpoint.
type HTTPRequest struct {
	Provider string
	Method   string
	URL      string
	APIKey   string
	// Headers values may contain {{api_key}}.
	Headers map[string]string
	Body    []byte
}

// DoJSON performs req and returns the response body of a 2xx answer.
// Failures come back as *Error, already classified for retry.
func DoJSON(ctx context.Context, hc *http.Client, req HTTPRequest) ([]byte, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, InvalidResponse(req.Provider, fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", req.APIKey))
	}

	resp, err := hc.Do(httpReq)
	if err != nil {
		return nil, TransportError(req.Provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, TransportError(req.Provider, fmt.Errorf("read response body: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, StatusError(req.Provider, resp.StatusCode, body)
	}
	return body, nil
}
