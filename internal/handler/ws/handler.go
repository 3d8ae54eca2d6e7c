// Package ws serves a conversational websocket bound to one session. Each
// text frame {"message": "..."} is answered with {"response": "..."} or
// {"error": "...", "status": N}; frames are handled strictly in order.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	sessionHandler "github.com/zhouzirui/kvtavern/internal/handler/session"
	"github.com/zhouzirui/kvtavern/pkg/utils"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 25 * time.Second
	writeTimeout = 10 * time.Second
	maxFrameSize = 64 << 10
)

// Handler upgrades requests for live sessions.
type Handler struct {
	sessions sessionHandler.Registry
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// New 创建WebSocket处理器
func New(sessions sessionHandler.Registry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		sessions: sessions,
		logger:   logger.Named("ws"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions/{sessionID}/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Message string `json:"message"`
}

type outboundMessage struct {
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
	Status   int    `json:"status,omitempty"`
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.sessions.Info(sessionID); err != nil {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	defer conn.Close()

	h.logger.Info("connection opened", zap.String("session_id", sessionID))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadLimit(maxFrameSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go h.pingLoop(ctx, conn)

	for {
		// a turn may outlast readTimeout, so the deadline starts when reading resumes
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("read error", zap.String("session_id", sessionID), zap.Error(err))
			}
			h.logger.Info("connection closed", zap.String("session_id", sessionID))
			return
		}

		var msg inboundMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			h.send(conn, outboundMessage{Error: "invalid message payload", Status: http.StatusBadRequest})
			continue
		}

		reply, err := h.sessions.Converse(ctx, sessionID, msg.Message)
		if err != nil {
			status, text := sessionHandler.StatusFor(err)
			h.send(conn, outboundMessage{Error: text, Status: status})
			if status == http.StatusNotFound {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
					time.Now().Add(writeTimeout))
				return
			}
			continue
		}
		h.send(conn, outboundMessage{Response: reply})
	}
}

func (h *Handler) send(conn *websocket.Conn, msg outboundMessage) {
	data, err := sonic.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode frame", zap.Error(err))
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Warn("write failed", zap.Error(err))
	}
}

func (h *Handler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
