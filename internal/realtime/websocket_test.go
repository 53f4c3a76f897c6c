package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/leasechat/internal/delivery"
	"github.com/ashureev/leasechat/internal/domain"
	"github.com/ashureev/leasechat/internal/identity"
	"github.com/ashureev/leasechat/internal/presence"
	"github.com/ashureev/leasechat/internal/store"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

const testSecret = "ws-test-secret"

type testServer struct {
	srv      *httptest.Server
	repo     *store.SQLiteStore
	registry *presence.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)

	registry := presence.NewRegistry()
	hub := NewHub(time.Second)
	coord := delivery.NewCoordinator(repo, registry, hub, nil)
	handler := NewWebSocketHandler(hub, registry, coord, "*", true)

	r := chi.NewRouter()
	r.With(identity.Middleware(repo, identity.NewVerifier(testSecret))).Get("/ws/messages", handler.ServeHTTP)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		_ = repo.Close()
	})
	return &testServer{srv: srv, repo: repo, registry: registry}
}

func (ts *testServer) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	token, err := identity.Sign(testSecret, userID, userID, "", time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, ts.srv.URL+"/ws/messages", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func writeEvent(t *testing.T, conn *websocket.Conn, eventType, correlationID string, payload any) {
	t.Helper()
	env, err := domain.NewEnvelope(eventType, correlationID, payload)
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func readEvent(t *testing.T, conn *websocket.Conn) domain.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var env domain.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func join(t *testing.T, conn *websocket.Conn, userID string) domain.JoinedPayload {
	t.Helper()
	writeEvent(t, conn, domain.EventJoin, "join-1", domain.JoinPayload{UserID: userID})
	env := readEvent(t, conn)
	require.Equal(t, domain.EventJoined, env.Type)

	var joined domain.JoinedPayload
	require.NoError(t, env.Decode(&joined))
	return joined
}

func TestWebSocket_JoinRegistersPresence(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t)
	conn := ts.dial(t, "tenant")

	joined := join(t, conn, "tenant")

	req.Equal("tenant", joined.UserID)
	connID, ok := ts.registry.Lookup("tenant")
	req.True(ok)
	req.Equal(joined.ConnectionID, connID)
}

func TestWebSocket_JoinRejections(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "tenant")

	tests := []struct {
		name    string
		payload domain.JoinPayload
		reason  string
	}{
		{"empty user", domain.JoinPayload{}, presence.ErrEmptyUserID.Error()},
		{"other user", domain.JoinPayload{UserID: "landlord"}, "join identity does not match token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writeEvent(t, conn, domain.EventJoin, "c-"+tt.name, tt.payload)
			env := readEvent(t, conn)
			require.Equal(t, domain.EventError, env.Type)
			require.Equal(t, "c-"+tt.name, env.CorrelationID)

			var p domain.ErrorPayload
			require.NoError(t, env.Decode(&p))
			require.Equal(t, tt.reason, p.Reason)
		})
	}
	require.Equal(t, 0, ts.registry.Online())
}

func TestWebSocket_SendBeforeJoin(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "landlord")

	writeEvent(t, conn, domain.EventSend, "s1", domain.SendPayload{FromID: "landlord", ToID: "tenant", Body: "hi"})
	env := readEvent(t, conn)

	require.Equal(t, domain.EventError, env.Type)
	require.Equal(t, "s1", env.CorrelationID)
}

func TestWebSocket_OnlineScenario(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t)
	landlord := ts.dial(t, "landlord")
	tenant := ts.dial(t, "tenant")
	join(t, landlord, "landlord")
	join(t, tenant, "tenant")

	writeEvent(t, landlord, domain.EventSend, "corr-42", domain.SendPayload{
		FromID: "landlord", ToID: "tenant", Subject: "Rent reminder", Body: "Due Friday",
	})

	ack := readEvent(t, landlord)
	req.Equal(domain.EventSent, ack.Type)
	req.Equal("corr-42", ack.CorrelationID)
	var sent domain.Message
	req.NoError(ack.Decode(&sent))
	req.NotZero(sent.ID)

	push := readEvent(t, tenant)
	req.Equal(domain.EventMessage, push.Type)
	var got domain.Message
	req.NoError(push.Decode(&got))
	req.Equal(sent.ID, got.ID)
	req.Equal("Rent reminder", got.Subject)
	req.Equal("Due Friday", got.Body)

	history, err := ts.repo.ListConversation(context.Background(), store.ConversationQuery{UserID: "tenant", CounterpartID: "landlord"})
	req.NoError(err)
	req.Len(history, 1)
	req.Equal(sent.ID, history[0].ID)
}

func TestWebSocket_OfflineRecipient(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t)
	landlord := ts.dial(t, "landlord")
	join(t, landlord, "landlord")

	writeEvent(t, landlord, domain.EventSend, "c1", domain.SendPayload{FromID: "landlord", ToID: "tenant", Body: "Due Friday"})
	ack := readEvent(t, landlord)
	req.Equal(domain.EventSent, ack.Type)

	history, err := ts.repo.ListConversation(context.Background(), store.ConversationQuery{UserID: "tenant", CounterpartID: "landlord"})
	req.NoError(err)
	req.Len(history, 1)
	req.Equal("landlord", history[0].SenderID)
	req.Equal("tenant", history[0].RecipientID)
}

func TestWebSocket_SenderMustMatchJoinedIdentity(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "landlord")
	join(t, conn, "landlord")

	writeEvent(t, conn, domain.EventSend, "c1", domain.SendPayload{FromID: "someone-else", ToID: "tenant", Body: "x"})
	env := readEvent(t, conn)

	require.Equal(t, domain.EventError, env.Type)
	history, err := ts.repo.ListConversation(context.Background(), store.ConversationQuery{UserID: "tenant", CounterpartID: "someone-else"})
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestWebSocket_LastConnectionWins(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t)
	landlord := ts.dial(t, "landlord")
	oldTab := ts.dial(t, "tenant")
	newTab := ts.dial(t, "tenant")
	join(t, landlord, "landlord")
	join(t, oldTab, "tenant")
	join(t, newTab, "tenant")

	writeEvent(t, landlord, domain.EventSend, "c1", domain.SendPayload{FromID: "landlord", ToID: "tenant", Body: "hi"})
	readEvent(t, landlord)

	push := readEvent(t, newTab)
	req.Equal(domain.EventMessage, push.Type)

	// The older tab gets its pong and nothing queued before it.
	writeEvent(t, oldTab, domain.EventPing, "p1", nil)
	next := readEvent(t, oldTab)
	req.Equal(domain.EventPong, next.Type)
	req.Equal("p1", next.CorrelationID)
}

func TestWebSocket_DisconnectRemovesPresence(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t, "tenant")
	join(t, conn, "tenant")

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))

	require.Eventually(t, func() bool {
		_, ok := ts.registry.Lookup("tenant")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_MarkRead(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t)
	landlord := ts.dial(t, "landlord")
	tenant := ts.dial(t, "tenant")
	join(t, landlord, "landlord")
	join(t, tenant, "tenant")

	writeEvent(t, landlord, domain.EventSend, "c1", domain.SendPayload{FromID: "landlord", ToID: "tenant", Body: "Due Friday"})
	readEvent(t, landlord)
	var pushed domain.Message
	req.NoError(readEvent(t, tenant).Decode(&pushed))

	writeEvent(t, tenant, domain.EventMarkRead, "r1", domain.MarkReadPayload{MessageID: pushed.ID})
	ack := readEvent(t, tenant)
	req.Equal(domain.EventMessageRead, ack.Type)
	req.Equal("r1", ack.CorrelationID)
	var read domain.Message
	req.NoError(ack.Decode(&read))
	req.True(read.Read)

	// The sender has nothing queued ahead of its pong.
	writeEvent(t, landlord, domain.EventPing, "p1", nil)
	next := readEvent(t, landlord)
	req.Equal(domain.EventPong, next.Type)

	history, err := ts.repo.ListConversation(context.Background(), store.ConversationQuery{UserID: "landlord", CounterpartID: "tenant"})
	req.NoError(err)
	req.True(history[0].Read)
}

func TestWebSocket_RequiresIdentity(t *testing.T) {
	ts := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, ts.srv.URL+"/ws/messages", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
