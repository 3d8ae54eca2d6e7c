// Package session exposes the session registry over REST.
package session

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/kvtavern/internal/engine"
	"github.com/zhouzirui/kvtavern/internal/model/chat"
	sessionService "github.com/zhouzirui/kvtavern/internal/service/session"
	"github.com/zhouzirui/kvtavern/pkg/utils"
)

// Registry is the part of the session registry the transport uses.
type Registry interface {
	Create(ctx context.Context) (string, error)
	Converse(ctx context.Context, id, message string) (string, error)
	Terminate(ctx context.Context, id string) bool
	History(id string) ([]chat.Turn, error)
	Info(id string) (chat.SessionInfo, error)
	List() []chat.SessionInfo
	Count() int
}

// Handler 会话服务的HTTP处理器
type Handler struct {
	sessions Registry
	logger   *zap.Logger
}

// New 创建会话处理器
func New(sessions Registry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{sessions: sessions, logger: logger.Named("session-handler")}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.handleCreate)
	r.Get("/sessions", h.handleList)
	r.Get("/sessions/{sessionID}", h.handleGet)
	r.Delete("/sessions/{sessionID}", h.handleTerminate)
	r.Post("/sessions/{sessionID}/chat", h.handleChat)
}

type createResponse struct {
	SessionID string `json:"session_id"`
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Response string `json:"response"`
}

type sessionResponse struct {
	Session chat.SessionInfo `json:"session"`
	History []chat.Turn      `json:"history"`
}

// handleCreate 创建会话
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	id, err := h.sessions.Create(r.Context())
	if err != nil {
		status, _ := StatusFor(err)
		h.logger.Error("session creation failed", zap.Error(err))
		utils.RespondError(w, status, "session creation failed: "+err.Error())
		return
	}
	utils.RespondJSON(w, http.StatusCreated, createResponse{SessionID: id})
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.sessions.List())
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	info, err := h.sessions.Info(id)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	history, err := h.sessions.History(id)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, sessionResponse{Session: info, History: history})
}

// handleTerminate 结束会话并释放执行状态
func (h *Handler) handleTerminate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if !h.sessions.Terminate(r.Context(), id) {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "session ended"})
}

// handleChat 发送一条消息并返回回复
func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")

	var payload chatRequest
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(payload.Message) == "" {
		utils.RespondError(w, http.StatusBadRequest, "message is required")
		return
	}

	reply, err := h.sessions.Converse(r.Context(), id, payload.Message)
	if err != nil {
		status, message := StatusFor(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("converse failed", zap.String("session_id", id), zap.Error(err))
		}
		utils.RespondError(w, status, message)
		return
	}
	utils.RespondJSON(w, http.StatusOK, chatResponse{Response: reply})
}

// StatusFor maps a registry error to an HTTP status and client-facing message.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, sessionService.ErrInvalidArgument):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, sessionService.ErrSessionNotFound):
		return http.StatusNotFound, "invalid session id"
	case errors.Is(err, sessionService.ErrRegistryClosed):
		return http.StatusServiceUnavailable, "server is shutting down"
	case errors.Is(err, sessionService.ErrCapacity), errors.Is(err, engine.ErrNoCapacity):
		return http.StatusServiceUnavailable, "no capacity for new sessions"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	case errors.Is(err, sessionService.ErrSessionBroken):
		return http.StatusInternalServerError, "session is broken and must be terminated"
	case engine.IsEngineError(err):
		return http.StatusInternalServerError, "error processing message: " + err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
