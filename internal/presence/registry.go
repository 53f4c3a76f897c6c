// Package presence tracks which live connection currently represents each user.
package presence

import (
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/leasechat/internal/domain"
	"github.com/samber/lo"
)

var (
	// ErrEmptyUserID is returned when a connection announces without a user identity.
	ErrEmptyUserID = errors.New("user id is required")
	// ErrEmptyConnectionID is returned when an announcement carries no connection.
	ErrEmptyConnectionID = errors.New("connection id is required")
)

// Registry maps user IDs to their most recently announced connection.
// A second announcement for the same user replaces the first (last-connected-wins).
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]domain.PresenceEntry
	byConn map[string]string // connection id -> user id
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[string]domain.PresenceEntry),
		byConn: make(map[string]string),
		now:    time.Now,
	}
}

// Announce records connectionID as the live target for userID.
func (r *Registry) Announce(userID, connectionID string) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	if connectionID == "" {
		return ErrEmptyConnectionID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// A connection that re-announces as someone else stops representing its old user.
	if prevUser, ok := r.byConn[connectionID]; ok && prevUser != userID {
		if entry := r.byUser[prevUser]; entry.ConnectionID == connectionID {
			delete(r.byUser, prevUser)
		}
	}

	if prev, ok := r.byUser[userID]; ok && prev.ConnectionID != connectionID {
		delete(r.byConn, prev.ConnectionID)
		slog.Info("Presence replaced",
			"user_id", userID,
			"previous_connection_id", prev.ConnectionID,
			"connection_id", connectionID)
	}

	r.byUser[userID] = domain.PresenceEntry{
		UserID:       userID,
		ConnectionID: connectionID,
		ConnectedAt:  r.now(),
	}
	r.byConn[connectionID] = userID
	return nil
}

// Lookup returns the live connection for userID, if any.
func (r *Registry) Lookup(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byUser[userID]
	return entry.ConnectionID, ok
}

// Remove drops the presence entry owned by connectionID.
// Unknown or already removed connections are ignored.
func (r *Registry) Remove(connectionID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connectionID]
	if !ok {
		return "", false
	}
	delete(r.byConn, connectionID)

	if entry, exists := r.byUser[userID]; exists && entry.ConnectionID == connectionID {
		delete(r.byUser, userID)
	}
	return userID, true
}

// Online returns the number of users with a live connection.
func (r *Registry) Online() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// Snapshot returns the current presence entries ordered by user ID.
func (r *Registry) Snapshot() []domain.PresenceEntry {
	r.mu.RLock()
	entries := lo.Values(r.byUser)
	r.mu.RUnlock()

	slices.SortFunc(entries, func(a, b domain.PresenceEntry) int {
		return strings.Compare(a.UserID, b.UserID)
	})
	return entries
}
