// Package command implements the operator command surface: a registry of
// named handlers invoked as {cmd, args} and answered as {ok, data, error}.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Handler executes one named command. Args is the raw JSON argument object,
// which may be empty.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Invocation is the inbound envelope.
type Invocation struct {
	Cmd  string          `json:"cmd"`
	Args json.RawMessage `json:"args,omitempty"`
}

// Response is the outbound envelope. Exactly one of Data and Error is
// meaningful, selected by OK.
type Response struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// NotFoundError is an invocation of an unregistered command.
type NotFoundError struct {
	Cmd string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("unknown command %q", e.Cmd)
}

// Registry maps command names to handlers. Registration happens once at
// startup wiring; dispatch is concurrent afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger.With("component", "command"),
	}
}

// Register adds a handler. Registering the same name twice is a wiring bug
// and panics.
func (r *Registry) Register(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("command %q registered twice", name))
	}
	r.handlers[name] = handler
}

// Commands returns the registered command names.
func (r *Registry) Commands() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Dispatch runs one invocation and wraps the result in the response
// envelope. Handler errors surface as {ok:false, error}; they never escape
// as raw errors.
func (r *Registry) Dispatch(ctx context.Context, inv Invocation) Response {
	r.mu.RLock()
	handler, ok := r.handlers[inv.Cmd]
	r.mu.RUnlock()

	if !ok {
		err := &NotFoundError{Cmd: inv.Cmd}
		return Response{OK: false, Error: err.Error()}
	}

	data, err := handler(ctx, inv.Args)
	if err != nil {
		r.logger.Warn("command failed", "cmd", inv.Cmd, "error", err)
		return Response{OK: false, Error: err.Error()}
	}
	return Response{OK: true, Data: data}
}
