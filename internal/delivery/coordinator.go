// Package delivery implements the persist-then-push protocol for direct messages.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ashureev/leasechat/internal/domain"
	"github.com/ashureev/leasechat/internal/store"
	"github.com/go-playground/validator/v10"
)

var (
	// ErrInvalidRequest is returned when a send request fails validation. Nothing is persisted.
	ErrInvalidRequest = errors.New("invalid send request")
	// ErrPersistence is returned when the store could not durably record a message.
	ErrPersistence = errors.New("message could not be stored")
)

// Locator resolves a user to the connection currently representing them.
type Locator interface {
	Lookup(userID string) (string, bool)
}

// Pusher writes an event to a specific live connection.
type Pusher interface {
	Push(ctx context.Context, connectionID string, env domain.Envelope) error
}

// SendRequest is a request to persist and deliver one message.
type SendRequest struct {
	FromID  string `validate:"required,max=128"`
	ToID    string `validate:"required,max=128,nefield=FromID"`
	Subject string `validate:"max=200"`
	Body    string `validate:"required,max=10000"`
}

// Coordinator persists messages before pushing them to online recipients.
type Coordinator struct {
	repo     store.Repository
	presence Locator
	pusher   Pusher
	validate *validator.Validate
	logger   *slog.Logger
}

// NewCoordinator creates a delivery coordinator.
func NewCoordinator(repo store.Repository, presence Locator, pusher Pusher, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		repo:     repo,
		presence: presence,
		pusher:   pusher,
		validate: validator.New(),
		logger:   logger,
	}
}

// Send stores the message and, once it is durable, pushes it to the recipient's
// live connection if there is one. The returned message is always durable.
// A failed push is not an error: the recipient recovers it from history.
func (c *Coordinator) Send(ctx context.Context, req SendRequest) (*domain.Message, error) {
	if err := c.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	msg := &domain.Message{
		SenderID:    req.FromID,
		RecipientID: req.ToID,
		Subject:     req.Subject,
		Body:        req.Body,
	}
	if err := c.repo.CreateMessage(ctx, msg); err != nil {
		c.logger.Error("Failed to persist message",
			"error", err,
			"sender_id", req.FromID,
			"recipient_id", req.ToID)
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	delivered := c.push(ctx, msg.RecipientID, domain.EventMessage, msg)
	c.logger.Info("Message sent",
		"message_id", msg.ID,
		"sender_id", msg.SenderID,
		"recipient_id", msg.RecipientID,
		"pushed", delivered)

	return msg, nil
}

// MarkRead records that readerID has read the message. Only the reader is
// answered; the sender sees the flag on its next history read.
func (c *Coordinator) MarkRead(ctx context.Context, messageID int64, readerID string) (*domain.Message, error) {
	msg, err := c.repo.MarkRead(ctx, messageID, readerID)
	if err != nil {
		return nil, fmt.Errorf("mark message %d read: %w", messageID, err)
	}
	c.logger.Debug("Message marked read", "message_id", msg.ID, "user_id", readerID)
	return msg, nil
}

// push delivers an event to userID's live connection and reports whether it was written.
func (c *Coordinator) push(ctx context.Context, userID, eventType string, msg *domain.Message) bool {
	connID, ok := c.presence.Lookup(userID)
	if !ok {
		return false
	}

	env, err := domain.NewEnvelope(eventType, "", msg)
	if err != nil {
		c.logger.Error("Failed to encode push", "error", err, "message_id", msg.ID)
		return false
	}

	if err := c.pusher.Push(ctx, connID, env); err != nil {
		c.logger.Debug("Push failed, treating recipient as offline",
			"error", err,
			"user_id", userID,
			"connection_id", connID,
			"message_id", msg.ID)
		return false
	}
	return true
}
