// Package gateway relays session operations over loopback HTTP so
// sandboxed processes without host access can still drive sessions. The
// server wraps the same manager a local caller uses; the client mirrors
// the manager's surface on top of the HTTP endpoints.
package gateway

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/victorarias/dev-sessions/internal/backend"
	"github.com/victorarias/dev-sessions/internal/logging"
	"github.com/victorarias/dev-sessions/internal/manager"
	"github.com/victorarias/dev-sessions/internal/registry"
	"github.com/victorarias/dev-sessions/internal/transcript"
)

const (
	defaultWaitTimeoutSeconds  = 300
	defaultWaitIntervalSeconds = 2
)

// Server exposes the manager over loopback HTTP.
type Server struct {
	mgr *manager.Manager
	log *logging.Logger
}

// NewServer wraps the manager for HTTP relay.
func NewServer(mgr *manager.Manager, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Discard()
	}
	return &Server{mgr: mgr, log: log}
}

// Router builds the endpoint table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/create", s.handleCreate)
	r.Post("/send", s.handleSend)
	r.Post("/kill", s.handleKill)
	r.Get("/list", s.handleList)
	r.Get("/status", s.handleStatus)
	r.Get("/wait", s.handleWait)
	r.Get("/last-message", s.handleLastMessage)
	r.Get("/logs", s.handleLogs)
	r.Get("/inspect", s.handleInspect)
	r.Get("/health", s.handleHealth)
	return r
}

// ListenAndServe binds the loopback port and serves until the listener
// closes.
func (s *Server) ListenAndServe(port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding gateway to %s: %w", addr, err)
	}
	s.log.Infof("gateway: listening on %s", addr)
	return http.Serve(ln, s.Router())
}

type apiResponse struct {
	OK         bool                    `json:"ok"`
	Error      string                  `json:"error,omitempty"`
	SessionID  string                  `json:"sessionId,omitempty"`
	Session    *registry.SessionRecord `json:"session,omitempty"`
	Sessions   []registry.SessionRecord `json:"sessions,omitempty"`
	Status     string                  `json:"status,omitempty"`
	WaitResult *backend.WaitResult     `json:"waitResult,omitempty"`
	Blocks     []string                `json:"blocks,omitempty"`
	Logs       []transcript.Turn       `json:"logs,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, apiResponse{Error: msg})
}

func (s *Server) operational(w http.ResponseWriter, err error) {
	s.log.Errorf("gateway: %v", err)
	writeJSON(w, http.StatusInternalServerError, apiResponse{Error: err.Error()})
}

// kindFromCLI maps the request's cli field to a session kind.
func kindFromCLI(cli string) (registry.Kind, bool) {
	switch cli {
	case "", "claude", "term":
		return registry.KindTerm, true
	case "codex", "rpc":
		return registry.KindRPC, true
	}
	return "", false
}

type createRequest struct {
	Path        string `json:"path"`
	CLI         string `json:"cli,omitempty"`
	Mode        string `json:"mode,omitempty"`
	Model       string `json:"model,omitempty"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.Path == "" {
		s.badRequest(w, "path is required")
		return
	}
	kind, ok := kindFromCLI(req.CLI)
	if !ok {
		s.badRequest(w, "unknown cli: "+req.CLI)
		return
	}
	mode := registry.Mode(req.Mode)
	switch mode {
	case "", registry.ModeDefault, registry.ModeYolo, registry.ModeContainer:
	default:
		s.badRequest(w, "unknown mode: "+req.Mode)
		return
	}

	rec, err := s.mgr.CreateSession(r.Context(), manager.CreateOptions{
		Kind:          kind,
		WorkspacePath: req.Path,
		Mode:          mode,
		Model:         req.Model,
		Description:   req.Description,
	})
	if err != nil {
		s.operational(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{OK: true, SessionID: rec.Handle, Session: &rec})
}

type sendRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message,omitempty"`
	File      string `json:"file,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.SessionID == "" {
		s.badRequest(w, "sessionId is required")
		return
	}
	if (req.Message == "") == (req.File == "") {
		s.badRequest(w, "exactly one of message or file is required")
		return
	}

	text := req.Message
	if req.File != "" {
		data, err := readMessageFile(req.File)
		if err != nil {
			s.badRequest(w, err.Error())
			return
		}
		text = data
	}

	if err := s.mgr.SendMessage(r.Context(), req.SessionID, text); err != nil {
		s.operational(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{OK: true})
}

// readMessageFile loads a message body from disk, capped so a mistyped
// path to something huge cannot wedge the relay.
func readMessageFile(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("message file: %w", err)
	}
	if info.Size() > 10<<20 {
		return "", fmt.Errorf("message file %s is too large (%d bytes)", path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("message file: %w", err)
	}
	return string(data), nil
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.SessionID == "" {
		s.badRequest(w, "sessionId is required")
		return
	}
	if err := s.mgr.KillSession(r.Context(), req.SessionID); err != nil {
		s.operational(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{OK: true})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.mgr.ListSessions(r.Context())
	if err != nil {
		s.operational(w, err)
		return
	}
	if sessions == nil {
		sessions = []registry.SessionRecord{}
	}
	writeJSON(w, http.StatusOK, apiResponse{OK: true, Sessions: sessions})
}

func (s *Server) requireID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.URL.Query().Get("id")
	if id == "" {
		s.badRequest(w, "id is required")
		return "", false
	}
	return id, true
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireID(w, r)
	if !ok {
		return
	}
	status, err := s.mgr.GetSessionStatus(r.Context(), id)
	if err != nil {
		s.operational(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{OK: true, Status: status})
}

func positiveQueryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireID(w, r)
	if !ok {
		return
	}
	timeout, err := positiveQueryInt(r, "timeout", defaultWaitTimeoutSeconds)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	interval, err := positiveQueryInt(r, "interval", defaultWaitIntervalSeconds)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}

	result, err := s.mgr.WaitForSession(r.Context(), id, backend.WaitOptions{
		Timeout:  time.Duration(timeout) * time.Second,
		Interval: time.Duration(interval) * time.Second,
	})
	if err != nil {
		s.operational(w, err)
		return
	}
	// A timed-out wait is still a successful relay; the result says so.
	writeJSON(w, http.StatusOK, apiResponse{OK: true, WaitResult: &result})
}

func (s *Server) handleLastMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireID(w, r)
	if !ok {
		return
	}
	n, err := positiveQueryInt(r, "n", 1)
	if err != nil {
		s.badRequest(w, err.Error())
		return
	}
	blocks, err := s.mgr.GetLastMessages(r.Context(), id, n)
	if err != nil {
		s.operational(w, err)
		return
	}
	if blocks == nil {
		blocks = []string{}
	}
	writeJSON(w, http.StatusOK, apiResponse{OK: true, Blocks: blocks})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireID(w, r)
	if !ok {
		return
	}
	logs, err := s.mgr.GetLogs(r.Context(), id)
	if err != nil {
		s.operational(w, err)
		return
	}
	if logs == nil {
		logs = []transcript.Turn{}
	}
	writeJSON(w, http.StatusOK, apiResponse{OK: true, Logs: logs})
}

func (s *Server) handleInspect(w http.ResponseWriter, r *http.Request) {
	id, ok := s.requireID(w, r)
	if !ok {
		return
	}
	rec, err := s.mgr.GetSession(id)
	if err != nil {
		s.operational(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResponse{OK: true, Session: &rec})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}
