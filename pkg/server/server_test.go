package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mercator-hq/ganymede/pkg/accounts"
	"mercator-hq/ganymede/pkg/activity"
	"mercator-hq/ganymede/pkg/command"
	"mercator-hq/ganymede/pkg/config"
	"mercator-hq/ganymede/pkg/proxy"
	"mercator-hq/ganymede/pkg/routing"
	"mercator-hq/ganymede/pkg/upstream"
)

type noopRefresher struct{}

func (noopRefresher) Refresh(ctx context.Context, refreshToken string) (*accounts.TokenData, error) {
	return &accounts.TokenData{AccessToken: "fresh"}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	store, err := accounts.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	proxyCfg := config.Default().Proxy
	sessions := routing.NewSessionTable(routing.StickyConfig{Mode: "session", TTL: time.Hour})
	dispatcher := proxy.NewDispatcher(proxy.DispatcherDeps{
		Selector:  routing.NewSelector(store, sessions),
		Store:     store,
		Runtime:   config.NewRuntime(&proxyCfg),
		Client:    upstream.NewClient("http://unused.invalid", time.Second, nil),
		Relay:     upstream.NewRelay(time.Second, nil),
		Refresher: noopRefresher{},
		Monitor:   activity.NewMonitor(10),
	})

	reg := command.NewRegistry(nil)
	reg.Register("ping", func(ctx context.Context, args json.RawMessage) (any, error) {
		return "pong", nil
	})

	return New(Deps{
		Config:     &proxyCfg,
		Dispatcher: dispatcher,
		Registry:   reg,
		Store:      store,
	})
}

func TestHandlerRoutes(t *testing.T) {
	handler := newTestServer(t).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("/health status = %d", rec.Code)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("request id header missing")
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/invoke",
		strings.NewReader(`{"cmd":"ping"}`)))
	if rec.Code != http.StatusOK {
		t.Errorf("/api/invoke status = %d", rec.Code)
	}
	var resp command.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.OK {
		t.Errorf("invoke response = %+v", resp)
	}

	// Proxy path with an empty pool fails cleanly with 503.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"gpt-full"}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/v1 with empty pool status = %d, want 503", rec.Code)
	}
}

func TestStartFailedBindClearsRunning(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	srv := newTestServer(t)
	srv.cfg.Host = "127.0.0.1"
	srv.cfg.Port = ln.Addr().(*net.TCPAddr).Port

	if err := srv.Start(context.Background()); err == nil {
		t.Fatal("Start() = nil error on an occupied port")
	}
	if srv.IsRunning() {
		t.Error("IsRunning() = true after a failed bind")
	}
}

func TestShutdownIdempotent(t *testing.T) {
	srv := newTestServer(t)

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() before start = %v", err)
	}
	if srv.IsRunning() {
		t.Error("IsRunning() = true before start")
	}
}
