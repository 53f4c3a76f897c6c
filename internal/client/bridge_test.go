package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/leasechat/internal/api"
	"github.com/ashureev/leasechat/internal/delivery"
	"github.com/ashureev/leasechat/internal/domain"
	"github.com/ashureev/leasechat/internal/identity"
	"github.com/ashureev/leasechat/internal/presence"
	"github.com/ashureev/leasechat/internal/realtime"
	"github.com/ashureev/leasechat/internal/store"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "client-test-secret"

type stack struct {
	srv      *httptest.Server
	hub      *realtime.Hub
	registry *presence.Registry
}

// newStack serves the real websocket and history routes.
func newStack(t *testing.T) *stack {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)

	registry := presence.NewRegistry()
	hub := realtime.NewHub(time.Second)
	coord := delivery.NewCoordinator(repo, registry, hub, nil)
	ws := realtime.NewWebSocketHandler(hub, registry, coord, "*", true)

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, identity.NewVerifier(testSecret)))
		r.Get("/ws/messages", ws.ServeHTTP)
		api.NewMessageHandler(api.NewHandler(repo, coord, registry, 0)).RegisterRoutes(r)
	})
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		hub.CloseAll("test done")
		srv.Close()
		_ = repo.Close()
	})
	return &stack{srv: srv, hub: hub, registry: registry}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := identity.Sign(testSecret, userID, userID, "", time.Hour)
	require.NoError(t, err)
	return tok
}

// startBridge runs a bridge for userID against url and waits until it is connected.
func startBridge(t *testing.T, url, userID string, ackTimeout time.Duration) (*Bridge, <-chan error) {
	t.Helper()
	b, err := NewBridge(Options{
		URL:            url,
		Token:          token(t, userID),
		UserID:         userID,
		MaxRetries:     5,
		AckTimeout:     ackTimeout,
		InitialBackoff: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- b.Run(context.Background()) }()
	t.Cleanup(func() { _ = b.Close() })

	require.Eventually(t, func() bool { return b.State() == StateConnected }, 5*time.Second, 10*time.Millisecond)
	return b, errc
}

func nextAck(t *testing.T, b *Bridge) Ack {
	t.Helper()
	select {
	case a := <-b.Acks():
		return a
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for ack")
		return Ack{}
	}
}

func nextMessage(t *testing.T, b *Bridge) domain.Message {
	t.Helper()
	select {
	case m := <-b.Messages():
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for message")
		return domain.Message{}
	}
}

func TestBridge_SendAndReceive(t *testing.T) {
	req := require.New(t)
	s := newStack(t)
	wsURL := s.srv.URL + "/ws/messages"
	landlord, _ := startBridge(t, wsURL, "landlord", 2*time.Second)
	tenant, _ := startBridge(t, wsURL, "tenant", 2*time.Second)

	req.Eventually(func() bool { return s.registry.Online() == 2 }, 2*time.Second, 10*time.Millisecond)

	corrID, err := landlord.SendMessage("landlord", "tenant", "Rent reminder", "Due Friday")
	req.NoError(err)
	req.NotEmpty(corrID)

	ack := nextAck(t, landlord)
	req.Equal(corrID, ack.CorrelationID)
	req.Equal(AckConfirmed, ack.Status)
	req.NotNil(ack.Message)

	got := nextMessage(t, tenant)
	req.Equal(ack.Message.ID, got.ID)
	req.Equal("Due Friday", got.Body)
	req.Len(tenant.Received(), 1)
}

func TestBridge_FailedAck(t *testing.T) {
	req := require.New(t)
	s := newStack(t)
	b, _ := startBridge(t, s.srv.URL+"/ws/messages", "landlord", 2*time.Second)

	corrID, err := b.SendMessage("landlord", "landlord", "", "note to self")
	req.NoError(err)

	ack := nextAck(t, b)
	req.Equal(corrID, ack.CorrelationID)
	req.Equal(AckFailed, ack.Status)
	req.NotEmpty(ack.Reason)
}

func TestBridge_ReannouncesAfterReconnect(t *testing.T) {
	req := require.New(t)
	s := newStack(t)
	startBridge(t, s.srv.URL+"/ws/messages", "tenant", 2*time.Second)

	first, ok := s.registry.Lookup("tenant")
	req.True(ok)

	// Drop the server side of every connection.
	s.hub.CloseAll("restart")

	req.Eventually(func() bool {
		current, ok := s.registry.Lookup("tenant")
		return ok && current != first
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBridge_ReceivedWithoutDrainingMessages(t *testing.T) {
	req := require.New(t)
	s := newStack(t)
	wsURL := s.srv.URL + "/ws/messages"
	landlord, _ := startBridge(t, wsURL, "landlord", 5*time.Second)
	tenant, _ := startBridge(t, wsURL, "tenant", 5*time.Second)

	// Given a tenant that never reads Messages()
	total := eventBuffer + 10
	for i := 0; i < total; i++ {
		req.Eventually(func() bool {
			_, err := landlord.SendMessage("landlord", "tenant", "", "notice")
			return err == nil
		}, 3*time.Second, 5*time.Millisecond)
	}

	// Then every push still lands in Received
	req.Eventually(func() bool { return len(tenant.Received()) == total }, 10*time.Second, 10*time.Millisecond)

	// And the tenant's read loop still processes acks
	corrID, err := tenant.SendMessage("tenant", "landlord", "", "received them all")
	req.NoError(err)
	ack := nextAck(t, tenant)
	req.Equal(corrID, ack.CorrelationID)
	req.Equal(AckConfirmed, ack.Status)
}

func TestBridge_SignalsEveryConnection(t *testing.T) {
	s := newStack(t)
	b, _ := startBridge(t, s.srv.URL+"/ws/messages", "tenant", time.Second)

	waitConnected := func() {
		t.Helper()
		select {
		case <-b.Connected():
		case <-time.After(5 * time.Second):
			t.Fatal("no connection signal")
		}
	}

	waitConnected()
	s.hub.CloseAll("restart")
	waitConnected()
}

// silentServer accepts join and never acknowledges anything else.
func silentServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var env domain.Envelope
			if json.Unmarshal(data, &env) == nil && env.Type == domain.EventJoin {
				reply, _ := domain.NewEnvelope(domain.EventJoined, env.CorrelationID, domain.JoinedPayload{UserID: "tenant", ConnectionID: "c1"})
				out, _ := json.Marshal(reply)
				_ = conn.Write(r.Context(), websocket.MessageText, out)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBridge_UnconfirmedAfterTimeout(t *testing.T) {
	req := require.New(t)
	srv := silentServer(t)
	b, _ := startBridge(t, srv.URL, "tenant", 50*time.Millisecond)

	corrID, err := b.SendMessage("tenant", "landlord", "", "Leak in the kitchen")
	req.NoError(err)

	ack := nextAck(t, b)
	req.Equal(corrID, ack.CorrelationID)
	req.Equal(AckUnconfirmed, ack.Status)
}

func TestBridge_RetriesExhausted(t *testing.T) {
	req := require.New(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	b, err := NewBridge(Options{
		URL:            url,
		UserID:         "tenant",
		MaxRetries:     2,
		AckTimeout:     time.Second,
		InitialBackoff: time.Millisecond,
	})
	req.NoError(err)

	err = b.Run(context.Background())
	req.ErrorIs(err, ErrRetriesExhausted)
	req.Equal(StateDisconnected, b.State())
}

func TestBridge_Unauthorized(t *testing.T) {
	s := newStack(t)
	b, err := NewBridge(Options{
		URL:        s.srv.URL + "/ws/messages",
		Token:      "not-a-token",
		UserID:     "tenant",
		MaxRetries: 3,
		AckTimeout: time.Second,
	})
	require.NoError(t, err)

	err = b.Run(context.Background())
	require.True(t, errors.Is(err, ErrUnauthorized), "got %v", err)
}

func TestBridge_SendRequiresConnection(t *testing.T) {
	req := require.New(t)
	b, err := NewBridge(Options{URL: "http://127.0.0.1:1", UserID: "tenant", AckTimeout: time.Second})
	req.NoError(err)

	_, err = b.SendMessage("tenant", "landlord", "", "hi")
	req.ErrorIs(err, ErrNotConnected)

	req.NoError(b.Close())
	_, err = b.SendMessage("tenant", "landlord", "", "hi")
	req.ErrorIs(err, ErrClosed)
	req.Equal(StateClosed, b.State())
	req.ErrorIs(b.Run(context.Background()), ErrClosed)
}

func TestBridge_CloseStopsRun(t *testing.T) {
	s := newStack(t)
	b, errc := startBridge(t, s.srv.URL+"/ws/messages", "tenant", time.Second)

	require.NoError(t, b.Close())

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestNewBridge_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"missing url", Options{UserID: "u", AckTimeout: time.Second}},
		{"missing user", Options{URL: "http://x", AckTimeout: time.Second}},
		{"missing ack timeout", Options{URL: "http://x", UserID: "u"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBridge(tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}
