// Package identity verifies bearer tokens and carries the caller's identity in request contexts.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/leasechat/internal/domain"
	"github.com/ashureev/leasechat/internal/store"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// TokenQueryParam carries the token for browser websocket upgrades, which cannot set headers.
	TokenQueryParam = "access_token"
	tokenIssuer     = "leasechat"
)

type contextKey int

const (
	userIDKey contextKey = iota
	displayNameKey
	roleKey
)

// ErrMissingToken is returned when a request carries no bearer token.
var ErrMissingToken = errors.New("missing bearer token")

// Claims are the identity claims minted by the account service.
// The subject is the user ID.
type Claims struct {
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 identity tokens.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewVerifier creates a verifier for tokens signed with secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(30*time.Second),
		),
	}
}

// Verify parses token and returns its claims if the signature and expiry are valid.
func (v *Verifier) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("verify token: %w", jwt.ErrTokenRequiredClaimMissing)
	}
	return claims, nil
}

// Sign mints a token for userID. Production tokens come from the account
// service; this is used by tooling and tests sharing the same secret.
func Sign(secret, userID, name, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Name: name,
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// SubjectFromToken reads the user id from token without checking its signature.
// Clients use it to learn who they are; the server always calls Verify.
func SubjectFromToken(token string) (string, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("parse token: %w", jwt.ErrTokenRequiredClaimMissing)
	}
	return claims.Subject, nil
}

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// DisplayNameFromContext extracts the display name from the request context.
func DisplayNameFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(displayNameKey).(string); ok {
		return v
	}
	return ""
}

// RoleFromContext extracts the role from the request context.
func RoleFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(roleKey).(string); ok {
		return v
	}
	return ""
}

// WithUser returns a context carrying the given identity.
func WithUser(ctx context.Context, userID, displayName, role string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	ctx = context.WithValue(ctx, displayNameKey, displayName)
	return context.WithValue(ctx, roleKey, role)
}

func tokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") && strings.TrimSpace(token) != "" {
			return strings.TrimSpace(token), nil
		}
	}
	if token := r.URL.Query().Get(TokenQueryParam); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}

// ensureParticipant keeps the stored display attributes in line with the token claims.
func ensureParticipant(ctx context.Context, repo store.Repository, claims *Claims) error {
	existing, err := repo.GetParticipant(ctx, claims.Subject)
	if err != nil {
		return err
	}
	if existing != nil && existing.DisplayName == claims.Name && existing.Role == claims.Role {
		return nil
	}

	p := &domain.Participant{UserID: claims.Subject, DisplayName: claims.Name, Role: claims.Role}
	if existing != nil {
		p.CreatedAt = existing.CreatedAt
	}
	return repo.UpsertParticipant(ctx, p)
}

// Middleware authenticates requests and injects the caller's identity into the context.
func Middleware(repo store.Repository, verifier *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := tokenFromRequest(r)
			if err != nil {
				writeUnauthorized(w, "missing token")
				return
			}

			claims, err := verifier.Verify(token)
			if err != nil {
				writeUnauthorized(w, "invalid token")
				return
			}

			if err := ensureParticipant(r.Context(), repo, claims); err != nil {
				http.Error(w, `{"error":"failed to initialize participant"}`, http.StatusInternalServerError)
				return
			}

			ctx := WithUser(r.Context(), claims.Subject, claims.Name, claims.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, `{"error":%q}`, reason)
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
