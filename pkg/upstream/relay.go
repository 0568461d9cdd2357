package upstream

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"mercator-hq/ganymede/pkg/config"
)

// Relay forwards requests to the alternate API-key-backed provider. Requests
// served here never touch the account pool.
type Relay struct {
	client *http.Client
	logger *slog.Logger
}

// NewRelay creates a relay client.
func NewRelay(timeout time.Duration, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "relay"),
	}
}

// Do forwards one request using the relay snapshot the dispatcher took at
// dispatch time.
func (r *Relay) Do(ctx context.Context, cfg config.RelayConfig, req *Request) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method,
		strings.TrimRight(cfg.BaseURL, "/")+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return nil, &UpstreamError{Cause: fmt.Errorf("build relay request: %w", err)}
	}

	for key, values := range req.Header {
		if skipHeader(key) {
			continue
		}
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	httpReq.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	if httpReq.Header.Get("Content-Type") == "" && len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, &UpstreamError{Cause: err}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}
