// Package httpapi exposes the operator panel over HTTP: the question feed,
// the reply library, answer submission, the OAuth landing/callback pages,
// and a websocket event feed.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/answerdesk/answerdesk/internal/panel"
	"github.com/answerdesk/answerdesk/internal/replies"
	"github.com/answerdesk/answerdesk/internal/tenant"
)

type ServerConfig struct {
	// JWTSecret enables operator bearer auth on the panel API when set.
	// Left empty, the panel is open, matching a single-operator deploy
	// behind its own network boundary.
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
}

type Server struct {
	svc         *panel.Service
	cfg         ServerConfig
	hub         *Hub
	logger      *zap.Logger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(svc *panel.Service, hub *Hub, logger *zap.Logger) *Server {
	return NewServerWithConfig(svc, hub, logger, ServerConfig{})
}

func NewServerWithConfig(svc *panel.Service, hub *Hub, logger *zap.Logger, cfg ServerConfig) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		svc:         svc,
		cfg:         cfg,
		hub:         hub,
		logger:      logger,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/" && r.Method == http.MethodGet:
		s.handleLanding(w, r)
		return
	case r.URL.Path == "/auth/callback" && r.Method == http.MethodGet:
		s.handleAuthCallback(w, r)
		return
	}

	var requiredScope string
	var route string
	switch {
	case r.URL.Path == "/questions" && r.Method == http.MethodGet:
		requiredScope, route = "panel:read", "questions"
	case r.URL.Path == "/question-history" && r.Method == http.MethodGet:
		requiredScope, route = "panel:read", "question_history"
	case r.URL.Path == "/reply" && r.Method == http.MethodPost:
		requiredScope, route = "panel:write", "reply"
	case r.URL.Path == "/quick-replies" && r.Method == http.MethodGet:
		requiredScope, route = "panel:read", "quick_replies_list"
	case r.URL.Path == "/quick-replies" && r.Method == http.MethodPost:
		requiredScope, route = "panel:write", "quick_replies_add"
	case strings.HasPrefix(r.URL.Path, "/quick-replies/") && r.Method == http.MethodPut:
		requiredScope, route = "panel:write", "quick_replies_update"
	case strings.HasPrefix(r.URL.Path, "/quick-replies/") && r.Method == http.MethodDelete:
		requiredScope, route = "panel:write", "quick_replies_delete"
	case r.URL.Path == "/events" && r.Method == http.MethodGet:
		requiredScope, route = "panel:read", "events"
	default:
		writeError(w, http.StatusNotFound, "route not found")
		return
	}

	if s.cfg.JWTSecret != "" {
		if authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC()); authErr != nil {
			writeError(w, authErr.status, authErr.message)
			return
		}
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
	}

	switch route {
	case "questions":
		s.handleQuestions(w, r)
	case "question_history":
		s.handleQuestionHistory(w, r)
	case "reply":
		s.handleReply(w, r)
	case "quick_replies_list":
		s.handleQuickRepliesList(w, r)
	case "quick_replies_add":
		s.handleQuickRepliesAdd(w, r)
	case "quick_replies_update":
		s.handleQuickRepliesUpdate(w, r)
	case "quick_replies_delete":
		s.handleQuickRepliesDelete(w, r)
	case "events":
		s.hub.handleEvents(w, r, s.logger)
	}
}

// handleQuestions never errors: the panel renders whatever could be
// aggregated, an empty list at worst.
func (s *Server) handleQuestions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Questions(r.Context()))
}

func (s *Server) handleQuestionHistory(w http.ResponseWriter, r *http.Request) {
	storeID := strings.TrimSpace(r.URL.Query().Get("store_id"))
	itemID := strings.TrimSpace(r.URL.Query().Get("item_id"))
	if storeID == "" || itemID == "" {
		writeError(w, http.StatusBadRequest, "store_id and item_id are required")
		return
	}
	limit := 10
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	history, err := s.svc.QuestionHistory(r.Context(), storeID, itemID, limit)
	if err != nil {
		if errors.Is(err, panel.ErrStoreNotFound) {
			writeError(w, http.StatusBadRequest, "store not found")
			return
		}
		s.logger.Warn("question history failed", zap.String("store_id", storeID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch question history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "history": history})
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	var req struct {
		QuestionID int64     `json:"question_id"`
		Text       string    `json:"text"`
		StoreID    tenant.ID `json:"store_id"`
	}
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	refreshed, err := s.svc.Answer(r.Context(), string(req.StoreID), req.QuestionID, req.Text)
	if err != nil {
		if errors.Is(err, panel.ErrStoreNotFound) {
			writeError(w, http.StatusBadRequest, "store not found")
			return
		}
		message := "failed to submit answer"
		if refreshed {
			message = "failed to submit answer after refreshing token"
		}
		s.logger.Warn("answer submission failed",
			zap.String("store_id", string(req.StoreID)),
			zap.Int64("question_id", req.QuestionID),
			zap.Error(err))
		writeError(w, http.StatusBadRequest, message)
		return
	}
	resp := struct {
		Success   bool `json:"success"`
		Refreshed bool `json:"refreshed,omitempty"`
	}{Success: true, Refreshed: refreshed}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQuickRepliesList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"replies": s.svc.ListReplies(r.Context()),
	})
}

func (s *Server) handleQuickRepliesAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	list, err := s.svc.AddReply(r.Context(), req.Text)
	if err != nil {
		s.writeReplyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "replies": list})
}

func (s *Server) handleQuickRepliesUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := quickReplyID(w, r)
	if !ok {
		return
	}
	var req struct {
		Text string `json:"text"`
	}
	if !s.decodeJSONBody(w, r, &req) {
		return
	}
	list, err := s.svc.UpdateReply(r.Context(), id, req.Text)
	if err != nil {
		s.writeReplyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "replies": list})
}

func (s *Server) handleQuickRepliesDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := quickReplyID(w, r)
	if !ok {
		return
	}
	list, err := s.svc.RemoveReply(r.Context(), id)
	if err != nil {
		s.writeReplyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "replies": list})
}

func (s *Server) writeReplyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, replies.ErrEmptyText):
		writeError(w, http.StatusBadRequest, "reply text is empty")
	case errors.Is(err, replies.ErrLimitExceeded):
		writeError(w, http.StatusBadRequest, "reply library limit of 50 reached")
	case errors.Is(err, replies.ErrNotFound):
		writeError(w, http.StatusNotFound, "reply not found")
	default:
		s.logger.Error("reply library operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "reply library operation failed")
	}
}

func quickReplyID(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := strings.TrimPrefix(r.URL.Path, "/quick-replies/")
	id, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid reply id")
		return 0, false
	}
	return id, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body exceeds configured limit")
			return false
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = rateEntry{count: 1, resetAt: now.Add(l.window)}
		return true
	}
	if entry.count >= l.max {
		return false
	}
	entry.count++
	l.entries[key] = entry
	return true
}
