package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mercator-hq/ganymede/pkg/accounts"
	"mercator-hq/ganymede/pkg/activity"
	"mercator-hq/ganymede/pkg/config"
	"mercator-hq/ganymede/pkg/routing"
	"mercator-hq/ganymede/pkg/upstream"
)

// fakeRefresher counts refreshes and hands out sequential tokens.
type fakeRefresher struct {
	calls int
	fail  bool
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (*accounts.TokenData, error) {
	f.calls++
	if f.fail {
		return nil, &upstream.UpstreamError{StatusCode: http.StatusBadRequest, BodyPreview: "invalid_grant"}
	}
	return &accounts.TokenData{
		AccessToken:  "refreshed-token",
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
	}, nil
}

type testEnv struct {
	dispatcher *Dispatcher
	store      *accounts.Store
	monitor    *activity.Monitor
	runtime    *config.Runtime
	refresher  *fakeRefresher
}

func newTestEnv(t *testing.T, upstreamURL string, proxyCfg config.ProxyConfig) *testEnv {
	t.Helper()

	dataDir := t.TempDir()
	store, err := accounts.NewStore(dataDir)
	if err != nil {
		t.Fatal(err)
	}

	account := &accounts.Account{
		ID:    "acct-a",
		Email: "a@example.com",
		Token: accounts.TokenData{
			AccessToken:  "live-token",
			RefreshToken: "refresh-a",
			ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		},
	}
	data, _ := json.Marshal(account)
	if err := os.WriteFile(filepath.Join(dataDir, "accounts", "acct-a.json"), data, 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := store.LoadAccounts(); err != nil {
		t.Fatal(err)
	}

	sessions := routing.NewSessionTable(routing.StickyConfig{Mode: "session", TTL: time.Hour})
	selector := routing.NewSelector(store, sessions)
	runtime := config.NewRuntime(&proxyCfg)
	monitor := activity.NewMonitor(100)
	refresher := &fakeRefresher{}

	dispatcher := NewDispatcher(DispatcherDeps{
		Selector:  selector,
		Store:     store,
		Runtime:   runtime,
		Client:    upstream.NewClient(upstreamURL, 5*time.Second, nil),
		Relay:     upstream.NewRelay(5*time.Second, nil),
		Refresher: refresher,
		Monitor:   monitor,
	})

	return &testEnv{
		dispatcher: dispatcher,
		store:      store,
		monitor:    monitor,
		runtime:    runtime,
		refresher:  refresher,
	}
}

func postChat(t *testing.T, d *Dispatcher, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte(body)))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	d.ServeHTTP(rec, req)
	return rec
}

func singleRecord(t *testing.T, monitor *activity.Monitor) activity.Record {
	t.Helper()

	snap := monitor.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("monitor holds %d records, want exactly 1", len(snap))
	}
	return snap[0]
}

func TestDispatchSuccess(t *testing.T) {
	var gotAuth, gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		gotModel, _ = payload["model"].(string)
		io.WriteString(w, `{"id":"resp-1"}`)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, config.ProxyConfig{
		ModelMapping: map[string]string{"gpt-lite": "gpt-full"},
	})

	rec := postChat(t, env.dispatcher, `{"model":"gpt-lite"}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if gotAuth != "Bearer live-token" {
		t.Errorf("upstream auth = %q, want the pool token", gotAuth)
	}
	if gotModel != "gpt-full" {
		t.Errorf("upstream model = %q, want remapped gpt-full", gotModel)
	}

	record := singleRecord(t, env.monitor)
	if record.Outcome != activity.OutcomeSuccess {
		t.Errorf("outcome = %s, want success", record.Outcome)
	}
	if record.AccountID != "acct-a" || record.Model != "gpt-full" {
		t.Errorf("record = %+v", record)
	}
}

func TestDispatchRefreshRetryOn401(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if r.Header.Get("Authorization") != "Bearer refreshed-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, `{"id":"resp-2"}`)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, config.ProxyConfig{})

	rec := postChat(t, env.dispatcher, `{"model":"gpt-full"}`, nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d after refresh retry", rec.Code)
	}
	if attempts != 2 {
		t.Errorf("upstream attempts = %d, want 2", attempts)
	}
	if env.refresher.calls != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", env.refresher.calls)
	}

	// The refreshed token was committed to the store.
	account, _ := env.store.Get("acct-a")
	if account.Token.AccessToken != "refreshed-token" {
		t.Errorf("stored token = %q, want refreshed-token", account.Token.AccessToken)
	}

	if rec := singleRecord(t, env.monitor); rec.Outcome != activity.OutcomeSuccess {
		t.Errorf("outcome = %s, want success", rec.Outcome)
	}
}

func TestDispatchRetryExhausted(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error":"expired"}`)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, config.ProxyConfig{})

	rec := postChat(t, env.dispatcher, `{"model":"gpt-full"}`, nil)

	// The retried 401 passes through; no third attempt happens.
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 passthrough", rec.Code)
	}
	if attempts != 2 {
		t.Errorf("upstream attempts = %d, want 2", attempts)
	}
	if env.refresher.calls != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", env.refresher.calls)
	}

	if rec := singleRecord(t, env.monitor); rec.Outcome != activity.OutcomeUpstreamError {
		t.Errorf("outcome = %s, want upstream_error", rec.Outcome)
	}
}

func TestDispatchTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	env := newTestEnv(t, srv.URL, config.ProxyConfig{})

	rec := postChat(t, env.dispatcher, `{"model":"gpt-full"}`, nil)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if env.refresher.calls != 1 {
		t.Errorf("refresh calls = %d, want 1", env.refresher.calls)
	}

	record := singleRecord(t, env.monitor)
	if record.Outcome != activity.OutcomeUpstreamError {
		t.Errorf("outcome = %s, want upstream_error", record.Outcome)
	}
	if record.Error == "" {
		t.Error("record error text empty")
	}
}

func TestDispatchNoAvailableAccount(t *testing.T) {
	env := newTestEnv(t, "http://unused.invalid", config.ProxyConfig{})
	if err := env.store.SetEnabled("acct-a", false, "drained"); err != nil {
		t.Fatal(err)
	}

	rec := postChat(t, env.dispatcher, `{"model":"gpt-full"}`, nil)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	record := singleRecord(t, env.monitor)
	if record.Outcome != activity.OutcomeNoAccount {
		t.Errorf("outcome = %s, want no_account", record.Outcome)
	}
	if record.AccountID != "" {
		t.Errorf("account_id = %q, want empty", record.AccountID)
	}
}

func TestDispatchSecurityGate(t *testing.T) {
	upstreamCalled := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamCalled = true
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, config.ProxyConfig{
		Security: config.SecurityConfig{RequireAuth: true, APIKeys: []string{"sk-good"}},
	})

	rec := postChat(t, env.dispatcher, `{"model":"gpt-full"}`,
		map[string]string{"Authorization": "Bearer sk-bad"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if upstreamCalled {
		t.Error("request reached upstream past the security gate")
	}
	if rec := singleRecord(t, env.monitor); rec.Outcome != activity.OutcomeRejected {
		t.Errorf("outcome = %s, want rejected", rec.Outcome)
	}

	env.monitor.Clear()
	rec = postChat(t, env.dispatcher, `{"model":"gpt-full"}`,
		map[string]string{"Authorization": "Bearer sk-good"})
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d with valid key, want 200", rec.Code)
	}
}

func TestDispatchRelayBypassesPool(t *testing.T) {
	poolCalled := false
	pool := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		poolCalled = true
	}))
	defer pool.Close()

	var relayAuth string
	relaySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		relayAuth = r.Header.Get("Authorization")
		io.WriteString(w, `{"id":"relay-resp"}`)
	}))
	defer relaySrv.Close()

	env := newTestEnv(t, pool.URL, config.ProxyConfig{
		Relay: config.RelayConfig{
			Enabled:      true,
			DispatchMode: config.RelayMapped,
			BaseURL:      relaySrv.URL,
			APIKey:       "rk-live",
			Models:       []string{"relay-model"},
		},
	})

	rec := postChat(t, env.dispatcher, `{"model":"relay-model"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if poolCalled {
		t.Error("relayed request touched the pool upstream")
	}
	if relayAuth != "Bearer rk-live" {
		t.Errorf("relay auth = %q, want the relay key", relayAuth)
	}

	record := singleRecord(t, env.monitor)
	if record.AccountID != "" {
		t.Errorf("relayed record account = %q, want empty", record.AccountID)
	}

	// An unmapped model still goes through the pool.
	env.monitor.Clear()
	if rec := postChat(t, env.dispatcher, `{"model":"other"}`, nil); rec.Code != http.StatusOK {
		t.Fatalf("pool dispatch status = %d", rec.Code)
	}
	if !poolCalled {
		t.Error("unmapped model bypassed the pool")
	}
}

func TestDispatchMissingModel(t *testing.T) {
	env := newTestEnv(t, "http://unused.invalid", config.ProxyConfig{})

	rec := postChat(t, env.dispatcher, `{"messages":[]}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if rec := singleRecord(t, env.monitor); rec.Outcome != activity.OutcomeRejected {
		t.Errorf("outcome = %s, want rejected", rec.Outcome)
	}
}

func TestDispatchStreamingPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"chunked"}`)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, config.ProxyConfig{
		Experimental: config.ExperimentalConfig{StreamingPassthrough: true},
	})

	rec := postChat(t, env.dispatcher, `{"model":"gpt-full"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !rec.Flushed {
		t.Error("response not flushed with streaming passthrough on")
	}

	// With the flag off the copy rides the server's normal buffering.
	env.runtime.SetExperimental(config.ExperimentalConfig{})
	rec = postChat(t, env.dispatcher, `{"model":"gpt-full"}`, nil)
	if rec.Flushed {
		t.Error("response flushed with streaming passthrough off")
	}
}

func TestDispatchSessionStickiness(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	env := newTestEnv(t, srv.URL, config.ProxyConfig{})
	header := map[string]string{SessionHeader: "sess-1"}

	postChat(t, env.dispatcher, `{"model":"gpt-full"}`, header)
	postChat(t, env.dispatcher, `{"model":"gpt-full"}`, header)

	snap := env.monitor.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("records = %d, want 2", len(snap))
	}
	if snap[0].AccountID != snap[1].AccountID {
		t.Errorf("sticky session served by %s then %s", snap[0].AccountID, snap[1].AccountID)
	}
}
