package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/osagent/osa/internal/agent"
	"github.com/osagent/osa/internal/bus"
	"github.com/osagent/osa/internal/config"
	"github.com/osagent/osa/internal/scheduler"
	"github.com/osagent/osa/internal/sessions"
	"github.com/osagent/osa/internal/tasks"
)

// Runner executes a message inside a session. Satisfied by *agent.Loop.
type Runner interface {
	ProcessMessage(ctx context.Context, sessionID, message string, opts agent.ProcessOpts) (*agent.Reply, error)
	Sessions() *sessions.Manager
}

// Server is the HTTP and WebSocket surface of the agent.
type Server struct {
	cfg      *config.Config
	bus      *bus.Bus
	runner   Runner
	triggers *scheduler.Triggers
	tracker  *tasks.Tracker

	upgrader websocket.Upgrader
	limiter  *ipLimiter

	mu      sync.RWMutex
	clients map[string]*client

	httpServer *http.Server
	mux        *http.ServeMux
}

func NewServer(cfg *config.Config, b *bus.Bus, runner Runner, triggers *scheduler.Triggers, tracker *tasks.Tracker) *Server {
	s := &Server{
		cfg:      cfg,
		bus:      b,
		runner:   runner,
		triggers: triggers,
		tracker:  tracker,
		limiter:  newIPLimiter(cfg.Gateway.RateLimitRPM),
		clients:  make(map[string]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return s
}

// BuildMux assembles the route table. Exposed so tests and extra
// listeners can serve the same handlers.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.guard(s.handleWebSocket))
	mux.HandleFunc("POST /api/chat", s.guard(s.handleChat))
	mux.HandleFunc("POST /api/webhook/{trigger_id}", s.guard(s.handleWebhook))
	mux.HandleFunc("GET /api/sessions", s.guard(s.handleSessions))
	mux.HandleFunc("GET /api/sessions/{id}/messages", s.guard(s.handleMessages))
	mux.HandleFunc("GET /api/sessions/{id}/tasks", s.guard(s.handleTasks))

	s.mux = mux
	return mux
}

// Start serves until the context ends, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{Addr: addr, Handler: s.BuildMux()}

	slog.Info("gateway starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// guard wraps a handler with bearer auth and per-client rate limiting.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Gateway.RequireAuth {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if s.cfg.Gateway.SharedSecret == "" || token != s.cfg.Gateway.SharedSecret {
				writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
				return
			}
		}
		if !s.limiter.allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": len(s.runner.Sessions().List()),
	})
}

type chatRequest struct {
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	Channel   string `json:"channel,omitempty"`
	SkipPlan  bool   `json:"skip_plan,omitempty"`
}

type chatResponse struct {
	SessionID  string   `json:"session_id"`
	Text       string   `json:"text"`
	Plan       bool     `json:"plan,omitempty"`
	Iterations int      `json:"iterations"`
	ToolsUsed  []string `json:"tools_used,omitempty"`
}

// handleChat runs one message through the agent, creating or resuming the
// session as needed.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	channel := req.Channel
	if channel == "" {
		channel = "api"
	}

	mgr := s.runner.Sessions()
	opts := sessions.CreateOpts{
		Channel:  channel,
		Provider: req.Provider,
		Model:    req.Model,
		PlanMode: s.cfg.Agent.PlanMode,
	}
	var id string
	var err error
	if req.SessionID != "" {
		id, err = mgr.Resume(req.SessionID, opts)
	} else {
		id, err = mgr.Create(opts)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	reply, err := s.runner.ProcessMessage(r.Context(), id, req.Message, agent.ProcessOpts{
		Provider: req.Provider,
		Model:    req.Model,
		Channel:  channel,
		SkipPlan: req.SkipPlan,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		SessionID:  id,
		Text:       reply.Text,
		Plan:       reply.Plan,
		Iterations: reply.Iterations,
		ToolsUsed:  reply.ToolsUsed,
	})
}

// handleWebhook fires a trigger with the request body as payload.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.triggers == nil {
		writeError(w, http.StatusNotFound, "triggers not configured")
		return
	}
	triggerID := r.PathValue("trigger_id")

	payload := map[string]interface{}{}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&payload)
	}

	output, err := s.triggers.Fire(r.Context(), triggerID, payload)
	if err != nil {
		status := http.StatusInternalServerError
		if strings.Contains(err.Error(), "not found") {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"trigger_id": triggerID,
		"output":     output,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": s.runner.Sessions().List(),
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs, err := s.runner.Sessions().GetMessages(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session_id": id, "messages": msgs})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		writeError(w, http.StatusNotFound, "task tracking not configured")
		return
	}
	id := r.PathValue("id")
	writeJSON(w, http.StatusOK, map[string]interface{}{"session_id": id, "tasks": s.tracker.Get(id)})
}

// handleWebSocket upgrades the connection and bridges bus events to it.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(conn)
	s.registerClient(c)
	defer func() {
		s.unregisterClient(c)
		c.close()
	}()
	c.run(r.Context())
}

func (s *Server) registerClient(c *client) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.bus.Subscribe(c.id, func(ev bus.Event) {
		c.send(wsEvent{
			Kind:      string(ev.Kind),
			SessionID: ev.SessionID,
			Payload:   ev.Payload,
		})
	}, bus.KindSystemEvent, bus.KindToolCall, bus.KindLLMRequest, bus.KindLLMResponse, bus.KindAgentResponse)
	slog.Info("ws client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.bus.Unsubscribe(c.id)
	slog.Info("ws client disconnected", "id", c.id)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// StartTestServer serves on a random local port. Used by tests.
func StartTestServer(ctx context.Context, s *Server) (addr string, start func()) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}
	s.httpServer = &http.Server{Handler: s.BuildMux()}

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = s.httpServer.Shutdown(shutdownCtx)
		}()
		_ = s.httpServer.Serve(ln)
	}
	return ln.Addr().String(), start
}
