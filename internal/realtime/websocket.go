package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ashureev/leasechat/internal/delivery"
	"github.com/ashureev/leasechat/internal/domain"
	"github.com/ashureev/leasechat/internal/identity"
	"github.com/ashureev/leasechat/internal/presence"
	"github.com/ashureev/leasechat/internal/store"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// maxFrameBytes bounds a single inbound frame; message bodies are capped well below it.
const maxFrameBytes = 64 * 1024

// Sender is the delivery path used by the WebSocket handler.
type Sender interface {
	Send(ctx context.Context, req delivery.SendRequest) (*domain.Message, error)
	MarkRead(ctx context.Context, messageID int64, readerID string) (*domain.Message, error)
}

// WebSocketHandler serves the live messaging connection.
type WebSocketHandler struct {
	hub           *Hub
	registry      *presence.Registry
	sender        Sender
	allowedOrigin string
	isDev         bool
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(hub *Hub, registry *presence.Registry, sender Sender, allowedOrigin string, isDev bool) *WebSocketHandler {
	return &WebSocketHandler{
		hub:           hub,
		registry:      registry,
		sender:        sender,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// session is the per-connection state owned by the read loop.
type session struct {
	connID   string
	authID   string
	joinedAs string
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	slog.Info("WebSocket connection request", "user_id", userID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	s := &session{connID: uuid.NewString(), authID: userID}
	h.hub.Register(s.connID, userID, ws)
	defer func() {
		if removedUser, ok := h.registry.Remove(s.connID); ok {
			slog.Info("Presence removed", "user_id", removedUser, "connection_id", s.connID)
		}
		h.hub.Unregister(s.connID)
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.readLoop(r.Context(), ws, s)
	slog.Info("Messaging session ended", "user_id", userID, "connection_id", s.connID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

// readLoop handles frames one at a time, so sends from a single connection are
// persisted in the order they were issued.
func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, s *session) {
	for {
		_, frame, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 || errors.Is(err, context.Canceled) {
				slog.Debug("WebSocket closed by client", "user_id", s.authID, "connection_id", s.connID)
			} else {
				slog.Warn("WebSocket read error", "error", err, "user_id", s.authID)
			}
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			h.reply(ctx, s, domain.EventError, "", domain.ErrorPayload{Reason: "malformed frame"})
			continue
		}
		h.dispatch(ctx, s, env)
	}
}

func (h *WebSocketHandler) dispatch(ctx context.Context, s *session, env domain.Envelope) {
	switch env.Type {
	case domain.EventJoin:
		h.handleJoin(ctx, s, env)
	case domain.EventSend:
		h.handleSend(ctx, s, env)
	case domain.EventMarkRead:
		h.handleMarkRead(ctx, s, env)
	case domain.EventPing:
		h.reply(ctx, s, domain.EventPong, env.CorrelationID, nil)
	default:
		h.fail(ctx, s, env.CorrelationID, "unknown event type")
	}
}

func (h *WebSocketHandler) handleJoin(ctx context.Context, s *session, env domain.Envelope) {
	var p domain.JoinPayload
	if err := env.Decode(&p); err != nil {
		h.fail(ctx, s, env.CorrelationID, presence.ErrEmptyUserID.Error())
		return
	}
	if p.UserID != "" && p.UserID != s.authID {
		slog.Warn("Join identity mismatch", "user_id", s.authID, "announced", p.UserID)
		h.fail(ctx, s, env.CorrelationID, "join identity does not match token")
		return
	}
	if err := h.registry.Announce(p.UserID, s.connID); err != nil {
		slog.Warn("Presence announcement rejected", "error", err, "connection_id", s.connID)
		h.fail(ctx, s, env.CorrelationID, err.Error())
		return
	}

	s.joinedAs = p.UserID
	slog.Info("Presence announced", "user_id", p.UserID, "connection_id", s.connID)
	h.reply(ctx, s, domain.EventJoined, env.CorrelationID, domain.JoinedPayload{
		UserID:       p.UserID,
		ConnectionID: s.connID,
	})
}

func (h *WebSocketHandler) handleSend(ctx context.Context, s *session, env domain.Envelope) {
	if s.joinedAs == "" {
		h.fail(ctx, s, env.CorrelationID, "join before sending")
		return
	}
	var p domain.SendPayload
	if err := env.Decode(&p); err != nil {
		h.fail(ctx, s, env.CorrelationID, "malformed send payload")
		return
	}
	if p.FromID != s.joinedAs {
		h.fail(ctx, s, env.CorrelationID, "sender does not match joined identity")
		return
	}

	msg, err := h.sender.Send(ctx, delivery.SendRequest{
		FromID:  p.FromID,
		ToID:    p.ToID,
		Subject: p.Subject,
		Body:    p.Body,
	})
	if err != nil {
		h.fail(ctx, s, env.CorrelationID, sendFailureReason(err))
		return
	}
	h.reply(ctx, s, domain.EventSent, env.CorrelationID, msg)
}

func (h *WebSocketHandler) handleMarkRead(ctx context.Context, s *session, env domain.Envelope) {
	if s.joinedAs == "" {
		h.fail(ctx, s, env.CorrelationID, "join before marking messages read")
		return
	}
	var p domain.MarkReadPayload
	if err := env.Decode(&p); err != nil || p.MessageID <= 0 {
		h.fail(ctx, s, env.CorrelationID, "malformed mark_read payload")
		return
	}

	msg, err := h.sender.MarkRead(ctx, p.MessageID, s.joinedAs)
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.fail(ctx, s, env.CorrelationID, "message not found")
	case errors.Is(err, store.ErrForbidden):
		h.fail(ctx, s, env.CorrelationID, "message addressed to another user")
	case err != nil:
		h.fail(ctx, s, env.CorrelationID, "could not mark message read")
	default:
		h.reply(ctx, s, domain.EventMessageRead, env.CorrelationID, msg)
	}
}

func sendFailureReason(err error) string {
	switch {
	case errors.Is(err, delivery.ErrInvalidRequest):
		return err.Error()
	case errors.Is(err, delivery.ErrPersistence):
		return delivery.ErrPersistence.Error()
	default:
		return "send failed"
	}
}

func (h *WebSocketHandler) fail(ctx context.Context, s *session, correlationID, reason string) {
	h.reply(ctx, s, domain.EventError, correlationID, domain.ErrorPayload{Reason: reason})
}

func (h *WebSocketHandler) reply(ctx context.Context, s *session, eventType, correlationID string, payload any) {
	env, err := domain.NewEnvelope(eventType, correlationID, payload)
	if err != nil {
		slog.Error("Failed to encode reply", "error", err, "type", eventType)
		return
	}
	if err := h.hub.Push(ctx, s.connID, env); err != nil {
		slog.Debug("Failed to send reply", "error", err, "type", eventType, "connection_id", s.connID)
	}
}
