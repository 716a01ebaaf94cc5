package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/voxwire/voxbridge/internal/config"
	"github.com/voxwire/voxbridge/internal/engine"
	"github.com/voxwire/voxbridge/internal/observability"
	"github.com/voxwire/voxbridge/internal/record"
	"github.com/voxwire/voxbridge/internal/reliability"
)

type Server struct {
	cfg      config.Config
	sessions *engine.Manager
	recorder *record.Recorder
	metrics  *observability.Metrics
	stages   *observability.StageWindow
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *engine.Manager, recorder *record.Recorder, metrics *observability.Metrics, stages *observability.StageWindow) *Server {
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		recorder: recorder,
		metrics:  metrics,
		stages:   stages,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only allow browser websocket connections from the same
				// origin unless explicitly opened up. Non-browser telephony
				// clients omit Origin and are allowed.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/v1/sessions", s.handleCreateSession)
	r.Get("/v1/sessions", s.handleListSessions)
	r.Get("/v1/sessions/ws", s.handleSessionWS)
	r.Get("/v1/sessions/{id}", s.handleGetSession)
	r.Post("/v1/sessions/{id}/end", s.handleEndSession)
	r.Post("/v1/sessions/{id}/interrupt", s.handleInterrupt)
	r.Get("/v1/sessions/{id}/records", s.handleSessionRecords)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"sessions": s.sessions.SessionCount(),
	})
}

type createSessionRequest struct {
	SessionID    string `json:"session_id"`
	SystemPrompt string `json:"system_prompt"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	Active    bool   `json:"active"`
	CreatedAt int64  `json:"created_at_ms"`
}

// handleCreateSession opens a session and runs the setup sequence: prompt
// start, system prompt, audio content start.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	sess, err := s.sessions.Create(r.Context(), strings.TrimSpace(req.SessionID))
	if err != nil {
		respondClassified(w, err)
		return
	}
	if s.recorder != nil {
		s.recorder.Attach(sess)
	}

	if err := sess.SetupPromptStart(); err == nil {
		_ = sess.SetupSystemPrompt(req.SystemPrompt)
		_ = sess.SetupStartAudio()
	}

	respondJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: sess.ID(),
		Active:    sess.Active(),
		CreatedAt: time.Now().UnixMilli(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"active_sessions": s.sessions.ActiveSessions(),
		"tracked":         s.sessions.SessionCount(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id":         sess.ID(),
		"active":             sess.Active(),
		"conversation_state": sess.ConversationState(),
		"last_activity":      sess.LastActivity(),
		"pending_events":     sess.PendingEvents(),
		"buffers":            sess.Stats(),
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	result := s.sessions.Remove(r.Context(), id)
	if result.Err != nil && !result.Removed {
		respondClassified(w, result.Err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": result.SessionID,
		"removed":    result.Removed,
	})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromPath(w, r)
	if !ok {
		return
	}
	sess.InterruptModel()
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id":         sess.ID(),
		"conversation_state": sess.ConversationState(),
	})
}

func (s *Server) handleSessionRecords(w http.ResponseWriter, r *http.Request) {
	if s.recorder == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "call records not configured")
		return
	}
	id := chi.URLParam(r, "id")
	records, err := s.recorder.Records(r.Context(), id, 100)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "record_store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"records":    records,
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.stages.Snapshot())
}

func (s *Server) sessionFromPath(w http.ResponseWriter, r *http.Request) (*engine.Session, bool) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return nil, false
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondClassified(w, err)
		return nil, false
	}
	return sess, true
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondClassified maps the reliability taxonomy onto HTTP statuses.
func respondClassified(w http.ResponseWriter, err error) {
	kind := reliability.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case reliability.KindSessionNotFound:
		status = http.StatusNotFound
	case reliability.KindSessionExists:
		status = http.StatusConflict
	case reliability.KindSessionInactive:
		status = http.StatusGone
	case reliability.KindValidation:
		status = http.StatusBadRequest
	case reliability.KindConfiguration:
		status = http.StatusInternalServerError
	case reliability.KindTransportService:
		status = http.StatusBadGateway
	}
	code := string(kind)
	if code == "" {
		code = "internal_error"
	}
	respondError(w, status, code, err.Error())
}
