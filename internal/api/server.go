// Package api serves the consumer interface over HTTP: the merged
// capability listing, invocation, per-server status and restart, the
// bridged tool registry, invocation history, and a WebSocket stream of
// lifecycle events.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"

	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/events"
	"github.com/nugget/mcphost/internal/history"
	"github.com/nugget/mcphost/internal/mcp"
	"github.com/nugget/mcphost/internal/tools"
)

// maxInvokeBody bounds a POST /v1/invoke request body.
const maxInvokeBody = 4 << 20

// Consumer is the capability listing and invocation surface. The
// bridge satisfies it.
type Consumer interface {
	ListCapabilities() []mcp.Capability
	Invoke(ctx context.Context, name string, payload json.RawMessage, timeoutMillis int64) mcp.Outcome
}

// Supervisor reports and restarts server sessions. The manager
// satisfies it.
type Supervisor interface {
	Status() []mcp.SessionStatus
	Restart(ctx context.Context, name string) error
}

// HistorySource serves recorded transitions and invocations.
type HistorySource interface {
	Transitions(ctx context.Context, server string, limit int) ([]history.Transition, error)
	Invocations(ctx context.Context, server string, limit int) ([]history.Invocation, error)
}

// Options configures a Server. Consumer and Supervisor are required.
type Options struct {
	Address    string
	Port       int
	Consumer   Consumer
	Supervisor Supervisor
	Registry   *tools.Registry
	History    HistorySource
	Bus        *events.Bus
	Logger     *slog.Logger

	// AllowedOrigins enables CORS for browser-hosted consumers and
	// governs which origins may open the event stream. "*" allows any.
	AllowedOrigins []string
}

// Server is the consumer HTTP API.
type Server struct {
	opts   Options
	logger *slog.Logger
	server *http.Server
}

// NewServer creates a server. Call Start to listen.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{opts: opts, logger: logger}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("GET /v1/capabilities", s.handleCapabilities)
	mux.HandleFunc("POST /v1/invoke", s.handleInvoke)

	mux.HandleFunc("GET /v1/servers", s.handleServers)
	mux.HandleFunc("POST /v1/servers/{name}/restart", s.handleRestart)

	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("POST /v1/tools/{name}/execute", s.handleToolExecute)

	mux.HandleFunc("GET /v1/history/invocations", s.handleInvocations)
	mux.HandleFunc("GET /v1/history/transitions", s.handleTransitions)

	mux.HandleFunc("GET /v1/events", s.handleEvents)

	var h http.Handler = mux
	if len(s.opts.AllowedOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins: s.opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         600,
		}).Handler(h)
	}
	return s.withLogging(h)
}

// originAllowed reports whether a browser origin may use the event
// stream. Requests without an Origin header come from non-browser
// clients and are always allowed, as are same-host origins.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// Start listens and serves until Shutdown. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.opts.Address, strconv.Itoa(s.opts.Port))
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.logger.Info("starting API server", "address", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// statusRecorder captures the response code for the access log. It
// forwards Hijack so the WebSocket upgrade still works.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ready, total := 0, 0
	for _, st := range s.opts.Supervisor.Status() {
		if !st.Enabled {
			continue
		}
		total++
		if st.State == mcp.StateReady {
			ready++
		}
	}
	status := "healthy"
	if ready < total {
		status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"ready":   ready,
		"enabled": total,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, buildinfo.Current())
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	caps := s.opts.Consumer.ListCapabilities()
	if kind := r.URL.Query().Get("kind"); kind != "" {
		filtered := caps[:0:0]
		for _, c := range caps {
			if c.Kind == kind {
				filtered = append(filtered, c)
			}
		}
		caps = filtered
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"capabilities": caps})
}

// InvokeRequest is the body of POST /v1/invoke.
type InvokeRequest struct {
	Name          string          `json:"name"`
	Arguments     json.RawMessage `json:"arguments,omitempty"`
	TimeoutMillis int64           `json:"timeoutMillis,omitempty"`
}

// handleInvoke always answers 200 with an Outcome once the request is
// well formed; invocation failures are part of the Outcome, not the
// HTTP status.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req InvokeRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxInvokeBody))
	if err := dec.Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		s.errorResponse(w, http.StatusBadRequest, "name is required")
		return
	}

	out := s.opts.Consumer.Invoke(r.Context(), req.Name, req.Arguments, req.TimeoutMillis)
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleServers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"servers": s.opts.Supervisor.Status()})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.opts.Supervisor.Restart(r.Context(), name); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		} else if !s.known(name) {
			status = http.StatusNotFound
		}
		s.errorResponse(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting", "server": name})
}

func (s *Server) known(name string) bool {
	for _, st := range s.opts.Supervisor.Status() {
		if st.Name == name {
			return true
		}
	}
	return false
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if s.opts.Registry == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"tools": []any{}})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tools": s.opts.Registry.List()})
}

// handleToolExecute runs a registry tool the way the model pipeline
// would: arguments in, text out.
func (s *Server) handleToolExecute(w http.ResponseWriter, r *http.Request) {
	if s.opts.Registry == nil {
		s.errorResponse(w, http.StatusNotFound, "no tool registry")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxInvokeBody))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "unreadable body")
		return
	}

	name := r.PathValue("name")
	result, err := s.opts.Registry.Execute(r.Context(), name, string(body))
	if err != nil {
		var unavailable *tools.ErrToolUnavailable
		var outcome *mcp.OutcomeError
		switch {
		case errors.As(err, &unavailable):
			s.errorResponse(w, http.StatusNotFound, err.Error())
		case errors.As(err, &outcome):
			s.writeJSON(w, http.StatusOK, mcp.Outcome{Error: outcome})
		default:
			s.errorResponse(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"result": result})
}

func (s *Server) historyQuery(w http.ResponseWriter, r *http.Request) (server string, limit int, ok bool) {
	if s.opts.History == nil {
		s.errorResponse(w, http.StatusNotFound, "history is not enabled")
		return "", 0, false
	}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", v))
			return "", 0, false
		}
		limit = n
	}
	return q.Get("server"), limit, true
}

func (s *Server) handleInvocations(w http.ResponseWriter, r *http.Request) {
	server, limit, ok := s.historyQuery(w, r)
	if !ok {
		return
	}
	rows, err := s.opts.History.Invocations(r.Context(), server, limit)
	if err != nil {
		s.logger.Error("history query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "history query failed")
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, inv := range rows {
		row := map[string]any{
			"id":          inv.ID,
			"ts":          inv.Timestamp,
			"name":        inv.Name,
			"server":      inv.Server,
			"ok":          inv.OK,
			"duration_ms": inv.Duration.Milliseconds(),
		}
		if !inv.OK {
			row["kind"] = inv.Kind
			row["error"] = inv.Error
		}
		out = append(out, row)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"invocations": out})
}

func (s *Server) handleTransitions(w http.ResponseWriter, r *http.Request) {
	server, limit, ok := s.historyQuery(w, r)
	if !ok {
		return
	}
	rows, err := s.opts.History.Transitions(r.Context(), server, limit)
	if err != nil {
		s.logger.Error("history query failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "history query failed")
		return
	}
	out := make([]map[string]any, 0, len(rows))
	for _, tr := range rows {
		row := map[string]any{
			"id":      tr.ID,
			"ts":      tr.Timestamp,
			"server":  tr.Server,
			"from":    tr.From,
			"to":      tr.To,
			"attempt": tr.Attempt,
		}
		if tr.Error != "" {
			row["error"] = tr.Error
		}
		out = append(out, row)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"transitions": out})
}
