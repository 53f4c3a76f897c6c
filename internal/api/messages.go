package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ashureev/leasechat/internal/domain"
	"github.com/ashureev/leasechat/internal/identity"
	"github.com/ashureev/leasechat/internal/store"
	"github.com/go-chi/chi/v5"
)

// MessageHandler serves conversation history and read receipts.
type MessageHandler struct {
	*Handler
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(base *Handler) *MessageHandler {
	return &MessageHandler{Handler: base}
}

// HistoryResponse is the body returned by the history read.
type HistoryResponse struct {
	Counterpart *domain.Participant `json:"counterpart"`
	Messages    []*domain.Message   `json:"messages"`
}

// RegisterRoutes registers message routes.
func (h *MessageHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/messages", h.ListMessages)
		r.Post("/messages/{id}/read", h.MarkRead)
		r.Get("/presence/{userID}", h.GetPresence)
	})
}

// GetMe returns the caller's participant record and unread count.
func (h *MessageHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	p, err := h.repo.GetParticipant(r.Context(), userID)
	if err != nil || p == nil {
		Error(w, http.StatusUnauthorized, "participant not found")
		return
	}

	unread, err := h.repo.UnreadCount(r.Context(), userID)
	if err != nil {
		slog.Error("Failed to count unread messages", "error", err, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to count unread messages")
		return
	}

	_, online := h.presence.Lookup(userID)
	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      p.UserID,
		"display_name": p.Name(),
		"role":         p.Role,
		"unread_count": unread,
		"online":       online,
	})
}

// ListMessages returns the conversation between the caller and the `with` counterpart,
// oldest first.
func (h *MessageHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	q := r.URL.Query()
	counterpartID := q.Get("with")
	if counterpartID == "" {
		Error(w, http.StatusBadRequest, "missing counterpart")
		return
	}
	if counterpartID == userID {
		Error(w, http.StatusBadRequest, "counterpart must be another user")
		return
	}

	query := store.ConversationQuery{
		UserID:        userID,
		CounterpartID: counterpartID,
		Limit:         h.pageSize,
	}
	var err error
	if query.Limit, err = intParam(q.Get("limit"), h.pageSize); err != nil {
		Error(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if query.AfterID, err = idParam(q.Get("after_id")); err != nil {
		Error(w, http.StatusBadRequest, "invalid after_id")
		return
	}
	if query.BeforeID, err = idParam(q.Get("before_id")); err != nil {
		Error(w, http.StatusBadRequest, "invalid before_id")
		return
	}

	messages, err := h.repo.ListConversation(r.Context(), query)
	if err != nil {
		slog.Error("Failed to load conversation", "error", err, "user_id", userID, "counterpart_id", counterpartID)
		Error(w, http.StatusInternalServerError, "failed to load messages")
		return
	}

	counterpart, err := h.repo.GetParticipant(r.Context(), counterpartID)
	if err != nil {
		slog.Warn("Failed to load counterpart", "error", err, "counterpart_id", counterpartID)
	}
	if counterpart == nil {
		counterpart = &domain.Participant{UserID: counterpartID}
	}

	JSON(w, http.StatusOK, HistoryResponse{Counterpart: counterpart, Messages: messages})
}

// MarkRead flags a message addressed to the caller as read.
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	id, err := idParam(chi.URLParam(r, "id"))
	if err != nil || id == 0 {
		Error(w, http.StatusBadRequest, "invalid message id")
		return
	}

	msg, err := h.marker.MarkRead(r.Context(), id, userID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		Error(w, http.StatusNotFound, "message not found")
	case errors.Is(err, store.ErrForbidden):
		Error(w, http.StatusForbidden, "message addressed to another user")
	case err != nil:
		slog.Error("Failed to mark message read", "error", err, "message_id", id, "user_id", userID)
		Error(w, http.StatusInternalServerError, "failed to mark message read")
	default:
		JSON(w, http.StatusOK, msg)
	}
}

// GetPresence reports whether a user is currently connected.
func (h *MessageHandler) GetPresence(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	_, online := h.presence.Lookup(userID)
	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"online":  online,
	})
}

func intParam(raw string, fallback int) (int, error) {
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}

func idParam(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New("invalid id")
	}
	return n, nil
}
