package spgate

import (
	"log/slog"
	"maps"
)

// WildcardRoute is the routing key of the default handler.
const WildcardRoute = ""

// RoutingTable maps routing keys to handler identifiers.
// It is immutable after construction and safe for concurrent use.
type RoutingTable struct {
	routes     map[string]string
	defaultID  string
	logger     *slog.Logger
	onFallback func(key string)
}

type RouteOption func(*RoutingTable)

// WithRouteLogger sets the logger that records default-handler fallbacks.
func WithRouteLogger(l *slog.Logger) RouteOption {
	return func(t *RoutingTable) { t.logger = l }
}

// OnFallback registers fn to observe every fallback to the default handler.
func OnFallback(fn func(key string)) RouteOption {
	return func(t *RoutingTable) { t.onFallback = fn }
}

// NewRoutingTable builds a table from defaultHandler plus overrides.
// The default handler always owns the wildcard key.
func NewRoutingTable(defaultHandler string, overrides map[string]string, opts ...RouteOption) (*RoutingTable, error) {
	if defaultHandler == "" {
		return nil, &ConfigurationError{Err: ErrNoDefaultHandler}
	}

	routes := make(map[string]string, len(overrides)+1)
	maps.Copy(routes, overrides)
	routes[WildcardRoute] = defaultHandler

	t := &RoutingTable{routes: routes, defaultID: defaultHandler}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	return t, nil
}

// Resolve returns the handler for key. Unknown keys resolve to the default
// handler and the fallback is logged.
func (t *RoutingTable) Resolve(key string) string {
	if id, ok := t.routes[key]; ok {
		return id
	}
	t.logger.Info("routing key not found, using default handler",
		slog.String("routing_key", key),
		slog.String("handler", t.defaultID))
	if t.onFallback != nil {
		t.onFallback(key)
	}
	return t.defaultID
}

func (t *RoutingTable) Default() string { return t.defaultID }

// Routes returns a copy of the table, wildcard included.
func (t *RoutingTable) Routes() map[string]string {
	return maps.Clone(t.routes)
}
