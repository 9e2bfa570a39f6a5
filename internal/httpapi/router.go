// Package httpapi mounts the SSE transport and the operational endpoints on a chi router.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000"
	"github.com/POWERFULMOVES/PMOVES-BoTZ-sub000/internal/gateway"
)

// Routes served by the router.
const (
	PathSSE      = "/sse"
	PathMessage  = "/message"
	PathHealth   = "/health"
	PathReady    = "/ready"
	PathSessions = "/sessions"
)

// StatusSource reports backend state for the readiness endpoint.
type StatusSource interface {
	Status() []gateway.BackendStatus
}

// SessionLister reports the live protocol sessions.
type SessionLister interface {
	Sessions() []mcp.SessionInfo
}

// Options holds what the router serves.
type Options struct {
	Service  string
	SSE      *mcp.SSEServer
	Sessions SessionLister
	Backends StatusSource
	Logger   *slog.Logger
}

type api struct {
	opts   Options
	logger *slog.Logger
}

type sessionView struct {
	ID           string    `json:"id"`
	Transport    string    `json:"transport"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	InFlight     int       `json:"in_flight"`
}

// NewRouter returns the HTTP handler of the gateway.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &api{
		opts: opts,
		logger: logger.With(
			slog.String("package", "httpapi"),
			slog.String("component", "router"),
		),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(a.logRequests)
	r.Use(opts.SSE.CORS)

	r.Method(http.MethodGet, PathSSE, opts.SSE.HandleSSE())
	r.Method(http.MethodPost, PathMessage, opts.SSE.HandleMessage())
	r.Method(http.MethodGet, PathHealth, opts.SSE.HandleHealth())
	r.Get(PathReady, a.handleReady)
	r.Get(PathSessions, a.handleSessions)

	return r
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	var backends []gateway.BackendStatus
	if a.opts.Backends != nil {
		backends = a.opts.Backends.Status()
	}
	available := 0
	for _, b := range backends {
		if b.Connected {
			available++
		}
	}

	sessions := 0
	if a.opts.Sessions != nil {
		sessions = len(a.opts.Sessions.Sessions())
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ready",
		"service":            a.opts.Service,
		"sessions":           sessions,
		"backends_available": available,
		"backends_total":     len(backends),
	})
}

func (a *api) handleSessions(w http.ResponseWriter, _ *http.Request) {
	views := []sessionView{}
	if a.opts.Sessions != nil {
		for _, s := range a.opts.Sessions.Sessions() {
			views = append(views, sessionView{
				ID:           s.ID,
				Transport:    s.Transport,
				State:        s.State.String(),
				CreatedAt:    s.CreatedAt,
				LastActivity: s.LastActivity,
				InFlight:     s.InFlight,
			})
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
