// Package shellapi is the loopback HTTP and websocket surface the webview
// uses to talk to the shell host.
package shellapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/naia/internal/app"
	"github.com/basket/naia/internal/audit"
	"github.com/basket/naia/internal/bus"
	"github.com/basket/naia/internal/otel"
	"github.com/basket/naia/internal/protocol"
	"github.com/basket/naia/internal/shared"
)

const (
	defaultMaxBody = 1 << 20
	wsWriteTimeout = 5 * time.Second
)

// Backend is the part of the shell host the API drives.
type Backend interface {
	Send(ctx context.Context, message string) error
	Cancel(ctx context.Context, requestID string) error
	RestartAgent(ctx context.Context) error
	ProbeGateway(ctx context.Context) bool
	Status() app.Status
}

type Config struct {
	Backend Backend
	Bus     *bus.Bus
	// Audit is optional; /api/audit answers 503 without it.
	Audit     *audit.Store
	AuthToken string
	// AllowOrigins lists Origin patterns accepted for cross-origin websocket
	// upgrades. Same-origin requests are always accepted.
	AllowOrigins []string
	MaxBodyBytes int64
	Logger       *slog.Logger
	Metrics      *otel.Metrics
	Tracer       trace.Tracer
}

type Server struct {
	cfg    Config
	logger *slog.Logger

	clientsMu sync.Mutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// frame is one websocket message toward the UI.
type frame struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBody
	}
	return &Server{
		cfg:     cfg,
		logger:  logger.With("component", "shellapi"),
		clients: map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /api/agent/send", s.handleSend)
	mux.HandleFunc("POST /api/agent/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/agent/restart", s.handleRestart)
	mux.HandleFunc("GET /api/gateway/health", s.handleGatewayHealth)
	mux.HandleFunc("GET /api/audit", s.handleAudit)
	mux.HandleFunc("GET /ws", s.handleWS)

	var h http.Handler = mux
	h = s.authMiddleware(h)
	h = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(h)
	return s.instrument(h)
}

// ClientCount is the number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Backend.Status())
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	typ, err := protocol.Validate(string(raw))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	line, err := protocol.Compact(string(raw))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var head struct {
		RequestID string `json:"requestId"`
	}
	_ = json.Unmarshal(raw, &head)

	ctx, span := otel.StartServerSpan(shared.WithRequestID(r.Context(), head.RequestID), s.cfg.Tracer, "shellapi.send",
		otel.AttrMsgType.String(typ))
	defer span.End()
	if err := s.cfg.Backend.Send(ctx, line); err != nil {
		s.logger.Warn("send to agent failed", "type", typ, "request_id", shared.RequestID(ctx), "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID string `json:"requestId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RequestID == "" {
		writeError(w, http.StatusBadRequest, "requestId is required")
		return
	}
	if err := s.cfg.Backend.Cancel(r.Context(), req.RequestID); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Backend.RestartAgent(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}

func (s *Server) handleGatewayHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"healthy": s.cfg.Backend.ProbeGateway(r.Context())})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Audit == nil {
		writeError(w, http.StatusServiceUnavailable, "audit log disabled")
		return
	}
	f := audit.Filter{
		RequestID: r.URL.Query().Get("request_id"),
		EventType: r.URL.Query().Get("event_type"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	events, err := s.cfg.Audit.Query(r.Context(), f)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	s.addClient(c)
	s.logger.Info("ws: client connected")

	sub := s.cfg.Bus.Subscribe("")
	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		s.cfg.Bus.Unsubscribe(sub)
		s.removeClient(c)
		s.logger.Info("ws: client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// The UI never sends on this stream; reading keeps control frames flowing
	// and notices the close.
	ctx = conn.CloseRead(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := c.write(ctx, frame{Event: ev.Topic, Payload: framePayload(ev.Payload)}); err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Warn("ws: write failed, closing", "topic", ev.Topic, "error", err)
				}
				return
			}
		}
	}
}

// framePayload embeds raw agent lines as JSON rather than as quoted strings.
func framePayload(p any) any {
	if line, ok := p.(string); ok && json.Valid([]byte(line)) {
		return json.RawMessage(line)
	}
	return p
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, c.conn, payload)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack passes websocket upgrades through to the underlying connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.cfg.Metrics.RecordUIRequest(r.Context(), r.URL.Path, rec.status)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
