package admin

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gogogo1024/spgate"
	"github.com/gogogo1024/spgate/internal/breaker"
	"github.com/gogogo1024/spgate/internal/worker"
)

var errMethodNotAllowed = errors.New("method not allowed")

// Service exposes gateway state over HTTP.
type Service struct {
	endpoints []*spgate.Dispatcher
	metrics   http.Handler
	pools     func() []worker.PoolStats
	breakers  *breaker.Registry
	started   time.Time
}

type Option func(*Service)

// WithMetrics mounts h on /metrics.
func WithMetrics(h http.Handler) Option {
	return func(s *Service) { s.metrics = h }
}

// WithPoolStats exposes async pool statistics on /v1/pools.
func WithPoolStats(fn func() []worker.PoolStats) Option {
	return func(s *Service) { s.pools = fn }
}

func WithBreakers(r *breaker.Registry) Option {
	return func(s *Service) { s.breakers = r }
}

// NewService creates a new admin service
func NewService(endpoints []*spgate.Dispatcher, opts ...Option) *Service {
	s := &Service{endpoints: endpoints, started: time.Now()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Response wrapper
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, msg string, data interface{}) error {
	resp := Response{Code: code, Message: msg, Data: data}
	w.WriteHeader(http.StatusOK)
	return json.NewEncoder(w).Encode(resp)
}

// Handler returns the admin routes.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", withJSON(s.Health))
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}

	// Connections: GET lists, DELETE closes one by id.
	mux.HandleFunc("/v1/connections", withJSON(func(w http.ResponseWriter, r *http.Request) error {
		switch r.Method {
		case http.MethodGet:
			return s.ListConnections(w, r)
		case http.MethodDelete:
			return s.CloseConnection(w, r)
		default:
			return errMethodNotAllowed
		}
	}))
	mux.HandleFunc("/v1/routes", withJSON(s.ListRoutes))
	mux.HandleFunc("/v1/pools", withJSON(s.ListPools))
	mux.HandleFunc("/v1/breakers", withJSON(s.ListBreakers))
	return mux
}

func withJSON(handler func(http.ResponseWriter, *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := handler(w, r); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, errMethodNotAllowed) {
				status = http.StatusMethodNotAllowed
			}
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		}
	}
}

// ============================================================
// Health
// ============================================================

type HealthStatus struct {
	Status      string `json:"status"`
	Uptime      string `json:"uptime"`
	Endpoints   int    `json:"endpoints"`
	Connections int    `json:"connections"`
}

func (s *Service) Health(w http.ResponseWriter, _ *http.Request) error {
	return s.respondJSON(w, 0, "ok", HealthStatus{
		Status:      "ok",
		Uptime:      time.Since(s.started).Truncate(time.Second).String(),
		Endpoints:   len(s.endpoints),
		Connections: s.connectionCount(),
	})
}

// connectionCount counts each registry once; endpoints may share one.
func (s *Service) connectionCount() int {
	seen := make(map[*spgate.ConnRegistry]bool)
	n := 0
	for _, d := range s.endpoints {
		if reg := d.Registry(); !seen[reg] {
			seen[reg] = true
			n += reg.Len()
		}
	}
	return n
}

// ============================================================
// Connections
// ============================================================

type ConnectionInfo struct {
	ID     string `json:"id"`
	Remote string `json:"remote"`
}

type EndpointConnections struct {
	Endpoint string           `json:"endpoint"`
	Count    int              `json:"count"`
	Items    []ConnectionInfo `json:"items"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

func parsePagination(r *http.Request) (int, int) {
	page := 1
	pageSize := 50
	if p := r.URL.Query().Get("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			page = v
		}
	}
	if ps := r.URL.Query().Get("page_size"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 && v <= 1000 {
			pageSize = v
		}
	}
	return page, pageSize
}

// ListConnections reports live connections per endpoint, optionally
// filtered by ?endpoint=.
func (s *Service) ListConnections(w http.ResponseWriter, r *http.Request) error {
	filter := r.URL.Query().Get("endpoint")
	page, pageSize := parsePagination(r)

	out := make([]EndpointConnections, 0, len(s.endpoints))
	for _, d := range s.endpoints {
		if filter != "" && d.Endpoint() != filter {
			continue
		}
		var items []ConnectionInfo
		d.Registry().ForEach(func(c spgate.Conn) bool {
			items = append(items, ConnectionInfo{ID: c.ID(), Remote: addrString(c.RemoteAddr())})
			return true
		})
		sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })

		total := len(items)
		start := (page - 1) * pageSize
		end := start + pageSize
		if start > total {
			start = total
		}
		if end > total {
			end = total
		}
		out = append(out, EndpointConnections{
			Endpoint: d.Endpoint(),
			Count:    total,
			Items:    items[start:end],
			Page:     page,
			PageSize: pageSize,
		})
	}
	return s.respondJSON(w, 0, "success", out)
}

// CloseConnection closes the connection named by ?id= on whichever endpoint
// holds it.
func (s *Service) CloseConnection(w http.ResponseWriter, r *http.Request) error {
	id := r.URL.Query().Get("id")
	if id == "" {
		return s.respondJSON(w, 400, "id is required", nil)
	}
	for _, d := range s.endpoints {
		var found spgate.Conn
		d.Registry().ForEach(func(c spgate.Conn) bool {
			if c.ID() == id {
				found = c
				return false
			}
			return true
		})
		if found != nil {
			_ = found.Close()
			return s.respondJSON(w, 0, "connection closed", map[string]string{"endpoint": d.Endpoint(), "id": id})
		}
	}
	return s.respondJSON(w, 404, "connection not found", nil)
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// ============================================================
// Routes
// ============================================================

// EndpointRoutes describes one endpoint's table. Routes holds the overrides
// only; the wildcard entry is reported as DefaultHandler.
type EndpointRoutes struct {
	Endpoint       string            `json:"endpoint"`
	Mode           string            `json:"mode"`
	Protocol       string            `json:"protocol"`
	DefaultHandler string            `json:"default_handler,omitempty"`
	Routes         map[string]string `json:"routes,omitempty"`
}

func (s *Service) ListRoutes(w http.ResponseWriter, _ *http.Request) error {
	out := make([]EndpointRoutes, 0, len(s.endpoints))
	for _, d := range s.endpoints {
		er := EndpointRoutes{
			Endpoint: d.Endpoint(),
			Mode:     d.Mode().String(),
			Protocol: d.Codec().Name(),
		}
		if rt := d.Routes(); rt != nil {
			er.DefaultHandler = rt.Default()
			er.Routes = rt.Routes()
			delete(er.Routes, spgate.WildcardRoute)
		}
		out = append(out, er)
	}
	return s.respondJSON(w, 0, "success", out)
}

// ============================================================
// Async pools and breakers
// ============================================================

func (s *Service) ListPools(w http.ResponseWriter, _ *http.Request) error {
	stats := []worker.PoolStats{}
	if s.pools != nil {
		stats = s.pools()
		sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	}
	return s.respondJSON(w, 0, "success", stats)
}

func (s *Service) ListBreakers(w http.ResponseWriter, _ *http.Request) error {
	out := map[string]string{}
	if s.breakers != nil {
		for name, st := range s.breakers.Stats() {
			out[name] = st.String()
		}
	}
	return s.respondJSON(w, 0, "success", out)
}
