// Package api provides HTTP handlers for the messaging API.
//
//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ashureev/leasechat/internal/domain"
	"github.com/ashureev/leasechat/internal/store"
)

// ReadMarker marks messages read on behalf of their recipient.
type ReadMarker interface {
	MarkRead(ctx context.Context, messageID int64, readerID string) (*domain.Message, error)
}

// PresenceLookup reports whether a user currently has a live connection.
type PresenceLookup interface {
	Lookup(userID string) (string, bool)
}

// Handler provides common handler utilities.
type Handler struct {
	repo     store.Repository
	marker   ReadMarker
	presence PresenceLookup
	pageSize int
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, marker ReadMarker, presence PresenceLookup, pageSize int) *Handler {
	if pageSize <= 0 {
		pageSize = store.DefaultPageSize
	}
	return &Handler{
		repo:     repo,
		marker:   marker,
		presence: presence,
		pageSize: pageSize,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
