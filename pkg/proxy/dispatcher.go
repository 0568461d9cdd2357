// Package proxy implements the per-request dispatch pipeline: account
// selection, runtime snapshots, model remapping, the security gate, the
// upstream call with its retry policy, and activity accounting.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"mercator-hq/ganymede/pkg/accounts"
	"mercator-hq/ganymede/pkg/activity"
	"mercator-hq/ganymede/pkg/config"
	"mercator-hq/ganymede/pkg/proxy/middleware"
	"mercator-hq/ganymede/pkg/routing"
	"mercator-hq/ganymede/pkg/stats"
	"mercator-hq/ganymede/pkg/telemetry/metrics"
	"mercator-hq/ganymede/pkg/upstream"
)

// SessionHeader carries the caller's session key for sticky routing.
const SessionHeader = "X-Session-Id"

// maxRequestBody caps inbound payloads at 20 MiB.
const maxRequestBody = 20 << 20

// Dispatcher drives one proxy transaction end to end. Every code path emits
// exactly one activity record.
type Dispatcher struct {
	selector  *routing.Selector
	store     *accounts.Store
	runtime   *config.Runtime
	client    *upstream.Client
	relay     *upstream.Relay
	refresher upstream.TokenRefresher
	monitor   *activity.Monitor
	metrics   *metrics.ProxyMetrics
	usage     *stats.Store
	logger    *slog.Logger
}

// DispatcherDeps wires the dispatcher's collaborators. Metrics and usage may
// be nil; the dispatcher runs without them.
type DispatcherDeps struct {
	Selector  *routing.Selector
	Store     *accounts.Store
	Runtime   *config.Runtime
	Client    *upstream.Client
	Relay     *upstream.Relay
	Refresher upstream.TokenRefresher
	Monitor   *activity.Monitor
	Metrics   *metrics.ProxyMetrics
	Usage     *stats.Store
	Logger    *slog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(deps DispatcherDeps) *Dispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		selector:  deps.Selector,
		store:     deps.Store,
		runtime:   deps.Runtime,
		client:    deps.Client,
		relay:     deps.Relay,
		refresher: deps.Refresher,
		monitor:   deps.Monitor,
		metrics:   deps.Metrics,
		usage:     deps.Usage,
		logger:    logger.With("component", "dispatcher"),
	}
}

// transaction accumulates what the activity record needs as the pipeline
// advances.
type transaction struct {
	start     time.Time
	requestID string
	accountID string
	model     string
	outcome   activity.Outcome
	status    int
	errText   string
}

// ServeHTTP handles one proxied request.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	txn := &transaction{
		start:     time.Now(),
		requestID: middleware.GetRequestID(r.Context()),
	}
	defer d.finish(r.Context(), txn)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		txn.reject(http.StatusBadRequest, &ValidationError{Field: "body", Message: "unreadable request body"})
		writeError(w, http.StatusBadRequest, "invalid_request_error", "unreadable request body")
		return
	}

	payload := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			txn.reject(http.StatusBadRequest, &ValidationError{Field: "body", Message: "request body is not valid JSON"})
			writeError(w, http.StatusBadRequest, "invalid_request_error", "request body is not valid JSON")
			return
		}
	}
	model, _ := payload["model"].(string)
	if model == "" {
		txn.reject(http.StatusBadRequest, &ValidationError{Field: "model", Message: "model is required"})
		writeError(w, http.StatusBadRequest, "invalid_request_error", "model is required")
		return
	}
	txn.model = model

	account, err := d.selector.Select(sessionKey(r, payload))
	if err != nil {
		if errors.Is(err, routing.ErrNoAvailableAccount) {
			txn.outcome = activity.OutcomeNoAccount
			txn.status = http.StatusServiceUnavailable
			txn.errText = err.Error()
			writeError(w, http.StatusServiceUnavailable, "overloaded_error", "no upstream account is available")
			return
		}
		txn.outcome = activity.OutcomeUpstreamError
		txn.status = http.StatusInternalServerError
		txn.errText = err.Error()
		writeError(w, http.StatusInternalServerError, "server_error", "account selection failed")
		return
	}
	txn.accountID = account.ID

	// Independent snapshots; a concurrent config apply may land between
	// cells, but each cell is internally consistent.
	security := d.runtime.Security()
	relayCfg := d.runtime.Relay()
	proxyCfg := d.runtime.UpstreamProxy()
	stream := d.runtime.Experimental().StreamingPassthrough

	mapped := d.runtime.MapModel(model)
	if mapped != model {
		payload["model"] = mapped
		if body, err = json.Marshal(payload); err != nil {
			txn.reject(http.StatusBadRequest, &ValidationError{Field: "body", Message: "request body could not be rewritten"})
			writeError(w, http.StatusBadRequest, "invalid_request_error", "request body could not be rewritten")
			return
		}
		txn.model = mapped
	}

	// Hard gate: nothing goes upstream for an unauthenticated caller.
	if !security.Allows(callerKey(r)) {
		txn.reject(http.StatusUnauthorized, errors.New("invalid proxy api key"))
		writeError(w, http.StatusUnauthorized, "authentication_error", "invalid proxy API key")
		return
	}

	req := &upstream.Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header,
		Body:   body,
	}

	if relayCfg.Applies(mapped) {
		d.relayDispatch(r.Context(), w, txn, relayCfg, req, stream)
		return
	}

	d.poolDispatch(r.Context(), w, txn, account, proxyCfg, req, stream)
}

// poolDispatch issues the upstream call under the selected account, with one
// token refresh and one retry against the same account on transport or auth
// failure.
func (d *Dispatcher) poolDispatch(ctx context.Context, w http.ResponseWriter, txn *transaction,
	account *accounts.Account, proxyCfg config.UpstreamProxyConfig, req *upstream.Request, stream bool) {

	token := account.Token.AccessToken
	if account.Token.Expired(time.Now()) {
		if fresh, err := d.refreshToken(ctx, account); err == nil {
			token = fresh
		}
	}

	resp, err := d.client.Do(ctx, token, req, proxyCfg)
	retryable := err != nil || resp.StatusCode == http.StatusUnauthorized
	if retryable {
		if resp != nil {
			resp.Body.Close()
		}
		if ctx.Err() != nil {
			// Caller gave up; any committed refresh above is kept.
			txn.outcome = activity.OutcomeUpstreamError
			txn.status = http.StatusBadGateway
			txn.errText = ctx.Err().Error()
			return
		}

		fresh, refreshErr := d.refreshToken(ctx, account)
		if refreshErr != nil {
			d.logger.Warn("token refresh failed",
				"account_id", account.ID, "error", refreshErr)
		} else {
			token = fresh
		}

		resp, err = d.client.Do(ctx, token, req, proxyCfg)
		if err != nil {
			txn.outcome = activity.OutcomeUpstreamError
			txn.status = http.StatusBadGateway
			txn.errText = err.Error()
			writeError(w, http.StatusBadGateway, "upstream_error", "upstream request failed")
			return
		}
	}

	d.relayResponse(w, txn, resp, stream)
}

// relayDispatch routes the request to the alternate provider, bypassing the
// account pool. No refresh policy applies; the relay key is static.
func (d *Dispatcher) relayDispatch(ctx context.Context, w http.ResponseWriter, txn *transaction,
	relayCfg config.RelayConfig, req *upstream.Request, stream bool) {

	// The pool account takes no part in a relayed transaction.
	txn.accountID = ""

	resp, err := d.relay.Do(ctx, relayCfg, req)
	if err != nil {
		txn.outcome = activity.OutcomeUpstreamError
		txn.status = http.StatusBadGateway
		txn.errText = err.Error()
		writeError(w, http.StatusBadGateway, "upstream_error", "relay request failed")
		return
	}

	d.relayResponse(w, txn, resp, stream)
}

// relayResponse copies the upstream response to the caller and classifies
// the outcome. Non-2xx statuses pass through verbatim but count as upstream
// errors. With stream set, each chunk is flushed as it arrives instead of
// riding the server's write buffering.
func (d *Dispatcher) relayResponse(w http.ResponseWriter, txn *transaction, resp *upstream.Response, stream bool) {
	defer resp.Body.Close()

	for key, values := range resp.Header {
		switch http.CanonicalHeaderKey(key) {
		case "Connection", "Keep-Alive", "Transfer-Encoding":
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	var dst io.Writer = w
	if stream {
		if f, ok := w.(http.Flusher); ok {
			dst = flushWriter{w: w, f: f}
		}
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		d.logger.Warn("response copy interrupted",
			"request_id", txn.requestID, "error", err)
	}

	txn.status = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		txn.outcome = activity.OutcomeSuccess
	} else {
		txn.outcome = activity.OutcomeUpstreamError
		txn.errText = http.StatusText(resp.StatusCode)
	}
}

// flushWriter flushes after every write so upstream chunks reach the caller
// as they arrive.
type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	fw.f.Flush()
	return n, err
}

// refreshToken exchanges the account's refresh token and commits the result
// to the store. The committed write survives request cancellation.
func (d *Dispatcher) refreshToken(ctx context.Context, account *accounts.Account) (string, error) {
	fresh, err := d.refresher.Refresh(ctx, account.Token.RefreshToken)
	if err != nil {
		if d.metrics != nil {
			d.metrics.RecordRefresh("failure")
		}
		return "", err
	}

	if err := d.store.UpdateToken(account.ID, *fresh); err != nil {
		d.logger.Error("persisting refreshed token failed",
			"account_id", account.ID, "error", err)
	}
	if d.metrics != nil {
		d.metrics.RecordRefresh("success")
	}
	return fresh.AccessToken, nil
}

// finish emits the single activity record plus metrics and usage rows.
func (d *Dispatcher) finish(ctx context.Context, txn *transaction) {
	duration := time.Since(txn.start)

	d.monitor.Record(activity.Record{
		Timestamp:  time.Now(),
		RequestID:  txn.requestID,
		AccountID:  txn.accountID,
		Model:      txn.model,
		Outcome:    txn.outcome,
		StatusCode: txn.status,
		DurationMs: duration.Milliseconds(),
		Error:      txn.errText,
	})

	if d.metrics != nil {
		d.metrics.RecordRequest(txn.accountID, txn.model, string(txn.outcome), duration)
	}
	if d.usage != nil {
		err := d.usage.RecordUsage(context.WithoutCancel(ctx), stats.Usage{
			Timestamp:  txn.start,
			RequestID:  txn.requestID,
			AccountID:  txn.accountID,
			Model:      txn.model,
			Outcome:    string(txn.outcome),
			StatusCode: txn.status,
			DurationMs: duration.Milliseconds(),
		})
		if err != nil {
			d.logger.Warn("usage record failed", "request_id", txn.requestID, "error", err)
		}
	}
}

func (t *transaction) reject(status int, err error) {
	t.outcome = activity.OutcomeRejected
	t.status = status
	t.errText = err.Error()
}

// sessionKey derives the sticky-routing key: the session header when
// present, else the payload's user field. Empty means no stickiness.
func sessionKey(r *http.Request, payload map[string]any) string {
	if key := r.Header.Get(SessionHeader); key != "" {
		return key
	}
	if user, _ := payload["user"].(string); user != "" {
		return user
	}
	return ""
}

// callerKey extracts the inbound proxy API key from Authorization or
// x-api-key.
func callerKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.Header.Get("x-api-key")
}
