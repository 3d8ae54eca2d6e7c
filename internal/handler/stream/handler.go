package stream

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	sessionHandler "github.com/zhouzirui/kvtavern/internal/handler/session"
	"github.com/zhouzirui/kvtavern/pkg/utils"
)

// Handler delivers one conversational turn as Server-Sent Events.
type Handler struct {
	sessions sessionHandler.Registry
	logger   *zap.Logger
}

// New creates a new stream handler
func New(sessions sessionHandler.Registry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{sessions: sessions, logger: logger.Named("stream")}
}

// RegisterRoutes mounts GET /stream/{sessionID}?message=...
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/{sessionID}", h.handleStream)
}

// StreamResponse represents a streaming response chunk
type StreamResponse struct {
	Event     string `json:"event"`
	Content   string `json:"content,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Finished  bool   `json:"finished,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	message := r.URL.Query().Get("message")

	if strings.TrimSpace(message) == "" {
		utils.RespondError(w, http.StatusBadRequest, "message query parameter is required")
		return
	}
	if _, err := h.sessions.Info(sessionID); err != nil {
		utils.RespondError(w, http.StatusNotFound, "invalid session id")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	if err := h.send(w, flusher, StreamResponse{Event: "start", SessionID: sessionID}); err != nil {
		return
	}

	reply, err := h.sessions.Converse(r.Context(), sessionID, message)
	if err != nil {
		status, text := sessionHandler.StatusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("converse failed", zap.String("session_id", sessionID), zap.Error(err))
		}
		_ = h.send(w, flusher, StreamResponse{
			Event:     "error",
			SessionID: sessionID,
			Error:     fmt.Sprintf("%s (status %d)", text, status),
		})
		return
	}

	if err := h.send(w, flusher, StreamResponse{Event: "message", SessionID: sessionID, Content: reply}); err != nil {
		return
	}
	_ = h.send(w, flusher, StreamResponse{Event: "end", SessionID: sessionID, Finished: true})
}

func (h *Handler) send(w http.ResponseWriter, flusher http.Flusher, resp StreamResponse) error {
	if err := utils.SendSSEEvent(w, flusher, resp.Event, resp); err != nil {
		h.logger.Warn("failed to send sse event", zap.String("event", resp.Event), zap.Error(err))
		return err
	}
	return nil
}
