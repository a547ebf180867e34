// Package action dispatches named actions to the handler registered for
// them at startup.
package action

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/gzhole/guardbridge/internal/config"
	"github.com/gzhole/guardbridge/internal/policy"
	"go.uber.org/zap"
)

const ErrCodeUnsupported = "unsupported_action"

// Handler runs one named action. The exit code follows process convention:
// zero is success. The payload is returned to the worker as the result.
type Handler interface {
	Execute(ctx context.Context, name string, args json.RawMessage) (int, json.RawMessage)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, name string, args json.RawMessage) (int, json.RawMessage)

func (f HandlerFunc) Execute(ctx context.Context, name string, args json.RawMessage) (int, json.RawMessage) {
	return f(ctx, name, args)
}

// Registry maps action names to handlers. It is built once and read-only
// afterwards.
type Registry struct {
	handlers map[string]Handler
	logger   *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{handlers: map[string]Handler{}, logger: logger}
}

// Register binds name to h, replacing any earlier binding.
func (r *Registry) Register(name string, h Handler) {
	r.handlers[name] = h
}

// Names lists registered actions in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Execute runs the handler for name. An unregistered action returns exit 1
// and {"ok":false,"error":"unsupported_action"}.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (int, json.RawMessage) {
	h, ok := r.handlers[name]
	if !ok {
		r.logger.Warn("no handler for action", zap.String("action", name))
		return 1, errorPayload(ErrCodeUnsupported)
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	return h.Execute(ctx, name, args)
}

func errorPayload(code string) json.RawMessage {
	data, _ := json.Marshal(map[string]any{"ok": false, "error": code})
	return data
}

// FromConfig builds the startup registry: the built-in catalog plus one
// Script handler per configured action. A configured "catalog" entry
// overrides the built-in.
func FromConfig(actions map[string]config.ActionConfig, provider policy.Provider, policySource string, logger *zap.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(CatalogName, &Catalog{Provider: provider, Source: policySource})
	for name, ac := range actions {
		r.Register(name, &Script{Argv: ac.Command, Timeout: ac.Timeout, Logger: r.logger})
	}
	return r
}
