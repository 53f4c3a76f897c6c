// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/ashureev/leasechat/internal/domain"
)

var (
	// ErrNotFound is returned when a referenced message does not exist.
	ErrNotFound = errors.New("message not found")
	// ErrForbidden is returned when a user acts on a message addressed to someone else.
	ErrForbidden = errors.New("message belongs to another recipient")
	// ErrInvalidMessage is returned when a message violates a table constraint.
	ErrInvalidMessage = errors.New("invalid message")
)

// Page size bounds for conversation reads.
const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

// ConversationQuery selects one page of the messages exchanged between two users.
type ConversationQuery struct {
	UserID        string
	CounterpartID string
	// Limit caps the page size; zero means DefaultPageSize.
	Limit int
	// AfterID returns the oldest page newer than this ID. Without it the
	// newest page is returned.
	AfterID int64
	// BeforeID returns the newest page older than this ID.
	BeforeID int64
}

// Repository defines the interface for persisting messages and participants.
type Repository interface {
	// CreateMessage persists m, assigning its ID and CreatedAt.
	// Creation timestamps are strictly increasing across the store.
	CreateMessage(ctx context.Context, m *domain.Message) error

	// GetMessage retrieves a message by ID. Returns nil, nil when absent.
	GetMessage(ctx context.Context, id int64) (*domain.Message, error)

	// ListConversation returns one page of messages between the two users,
	// ascending by creation time. With no AfterID the page is the newest one.
	ListConversation(ctx context.Context, q ConversationQuery) ([]*domain.Message, error)

	// MarkRead flags a message as read by its recipient. Marking twice is a no-op.
	MarkRead(ctx context.Context, id int64, readerID string) (*domain.Message, error)

	// UnreadCount returns the number of unread messages addressed to recipientID.
	UnreadCount(ctx context.Context, recipientID string) (int, error)

	// GetParticipant retrieves display attributes for a user. Returns nil, nil when absent.
	GetParticipant(ctx context.Context, userID string) (*domain.Participant, error)

	// UpsertParticipant creates or updates display attributes for a user.
	UpsertParticipant(ctx context.Context, p *domain.Participant) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

func (q ConversationQuery) pageSize() int {
	switch {
	case q.Limit <= 0:
		return DefaultPageSize
	case q.Limit > MaxPageSize:
		return MaxPageSize
	default:
		return q.Limit
	}
}
