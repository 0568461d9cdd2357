// Package upstream holds the HTTP clients Ganymede speaks to the outside
// world with: the pooled-account provider, the token refresh endpoint, and
// the API-key relay.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"mercator-hq/ganymede/pkg/accounts"
	"mercator-hq/ganymede/pkg/config"
)

// Request is one call to forward upstream.
type Request struct {
	// Method is the HTTP method, POST when empty.
	Method string

	// Path is the upstream path, joined onto the client's base URL.
	Path string

	// Header carries the inbound headers worth forwarding. Hop-by-hop and
	// authorization headers are overwritten by the client.
	Header http.Header

	// Body is the (possibly rewritten) request payload.
	Body []byte
}

// Response is an upstream response with its body still open. Callers own the
// body and must close it.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Client talks to the pooled-account provider. Transports are cached per
// outbound proxy URL so a runtime proxy change takes effect on the next
// request without tearing down in-flight ones.
type Client struct {
	baseURL string
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewClient creates a client for the provider at baseURL.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		logger:  logger.With("component", "upstream"),
		clients: make(map[string]*http.Client),
	}
}

// Do forwards one request authenticated as accessToken, routed through the
// outbound proxy snapshot. It returns the response for every status the
// upstream produced; only transport-level failures are errors.
func (c *Client) Do(ctx context.Context, accessToken string, req *Request, proxy config.UpstreamProxyConfig) (*Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		return nil, &UpstreamError{Cause: fmt.Errorf("build request: %w", err)}
	}

	for key, values := range req.Header {
		if skipHeader(key) {
			continue
		}
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	if httpReq.Header.Get("Content-Type") == "" && len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.clientFor(proxy).Do(httpReq)
	if err != nil {
		return nil, &UpstreamError{Cause: err}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// FetchQuota probes the provider's quota endpoint, used by account warm-up.
func (c *Client) FetchQuota(ctx context.Context, accessToken string, proxy config.UpstreamProxyConfig) (*accounts.QuotaData, error) {
	resp, err := c.Do(ctx, accessToken, &Request{Method: http.MethodGet, Path: "/v1/quota"}, proxy)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ErrorFromResponse(resp)
	}
	defer resp.Body.Close()

	var quota struct {
		Remaining int64 `json:"remaining"`
		Limit     int64 `json:"limit"`
		ResetAt   int64 `json:"reset_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&quota); err != nil {
		return nil, &UpstreamError{Cause: fmt.Errorf("decode quota response: %w", err)}
	}

	return &accounts.QuotaData{
		Remaining: quota.Remaining,
		Limit:     quota.Limit,
		ResetAt:   quota.ResetAt,
		FetchedAt: time.Now().Unix(),
	}, nil
}

// clientFor returns the cached http.Client for the proxy snapshot, building
// one on first use.
func (c *Client) clientFor(proxy config.UpstreamProxyConfig) *http.Client {
	key := ""
	if proxy.Enabled && proxy.URL != "" {
		key = proxy.URL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[key]; ok {
		return client
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	if key != "" {
		proxyURL, err := url.Parse(key)
		if err != nil {
			c.logger.Warn("invalid upstream proxy url, going direct", "url", key, "error", err)
		} else {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   c.timeout,
	}
	c.clients[key] = client
	return client
}

// skipHeader reports whether an inbound header must not be forwarded.
func skipHeader(key string) bool {
	switch http.CanonicalHeaderKey(key) {
	case "Authorization", "Host", "Connection", "Keep-Alive", "Proxy-Authorization",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Content-Length":
		return true
	}
	return false
}
