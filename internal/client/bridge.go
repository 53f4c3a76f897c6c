// Package client implements the participant side of the messaging service:
// a websocket session bridge with reconnection and a REST history client.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ashureev/leasechat/internal/domain"
	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("bridge closed")
	// ErrNotConnected is returned by sends while no live connection exists.
	ErrNotConnected = errors.New("bridge not connected")
	// ErrRetriesExhausted is returned by Run when reconnection gives up.
	ErrRetriesExhausted = errors.New("reconnection retries exhausted")
	// ErrUnauthorized is returned when the server rejects the token.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrOutboxFull is returned when sends outpace the connection.
	ErrOutboxFull = errors.New("outbox full")
)

const (
	outboxSize     = 64
	eventBuffer    = 64
	dialTimeout    = 10 * time.Second
	writeTimeout   = 10 * time.Second
	defaultBackoff = 500 * time.Millisecond
)

// State is the bridge's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// AckStatus is the outcome of a send or mark-read request.
type AckStatus string

const (
	AckConfirmed   AckStatus = "confirmed"
	AckFailed      AckStatus = "failed"
	AckUnconfirmed AckStatus = "unconfirmed"
)

// Ack reports the server's answer to a request identified by CorrelationID.
type Ack struct {
	CorrelationID string
	Status        AckStatus
	Message       *domain.Message
	Reason        string
}

// Options configures a Bridge.
type Options struct {
	// URL is the websocket endpoint; http and https schemes are accepted.
	URL    string
	Token  string
	UserID string

	MaxRetries     uint
	AckTimeout     time.Duration
	InitialBackoff time.Duration
	Logger         *slog.Logger
}

// Bridge keeps one live connection to the server for a single participant.
// It announces the participant on every successful connection.
type Bridge struct {
	opts   Options
	logger *slog.Logger

	outbox   chan domain.Envelope
	acks     chan Ack
	messages chan domain.Message
	connects chan struct{}
	done     chan struct{}

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	pending  map[string]*time.Timer
	received []domain.Message

	closeOnce sync.Once
}

// NewBridge validates opts and returns a disconnected bridge. Call Run to connect.
func NewBridge(opts Options) (*Bridge, error) {
	if opts.URL == "" {
		return nil, errors.New("bridge url is required")
	}
	if opts.UserID == "" {
		return nil, errors.New("bridge user id is required")
	}
	if opts.AckTimeout <= 0 {
		return nil, errors.New("ack timeout must be positive")
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Bridge{
		opts:     opts,
		logger:   logger.With("user_id", opts.UserID),
		outbox:   make(chan domain.Envelope, outboxSize),
		acks:     make(chan Ack, eventBuffer),
		messages: make(chan domain.Message, eventBuffer),
		connects: make(chan struct{}, 1),
		done:     make(chan struct{}),
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Acks delivers the outcome of every request sent through the bridge.
func (b *Bridge) Acks() <-chan Ack { return b.acks }

// Messages delivers pushed messages. It is lossy when not drained; Received
// keeps the full sequence.
func (b *Bridge) Messages() <-chan domain.Message { return b.messages }

// Connected receives after every successful connection and join. Signals
// coalesce: one pending value may stand for several reconnects.
func (b *Bridge) Connected() <-chan struct{} { return b.connects }

// Done is closed when the bridge is closed.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// State returns the current connection state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Received returns a copy of every message pushed to this bridge, in arrival order.
func (b *Bridge) Received() []domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.Message, len(b.received))
	copy(out, b.received)
	return out
}

// Run connects and keeps the bridge connected until ctx ends, Close is called,
// or reconnection gives up.
func (b *Bridge) Run(ctx context.Context) error {
	for {
		if b.isClosed() {
			return ErrClosed
		}
		b.setState(StateConnecting)

		conn, err := b.connect(ctx)
		if err != nil {
			switch {
			case b.isClosed():
				return ErrClosed
			case ctx.Err() != nil:
				b.setState(StateDisconnected)
				return ctx.Err()
			default:
				b.setState(StateDisconnected)
				return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
			}
		}

		b.attach(conn)
		b.logger.Info("Connected", "url", b.opts.URL)
		err = b.serve(ctx, conn)
		b.detach(conn)

		if b.isClosed() {
			return ErrClosed
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.logger.Warn("Connection lost, reconnecting", "error", err)
	}
}

// SendMessage queues a message for delivery and returns its correlation id
// without waiting for the server. The outcome arrives on Acks.
func (b *Bridge) SendMessage(fromID, toID, subject, body string) (string, error) {
	return b.request(domain.EventSend, domain.SendPayload{
		FromID:  fromID,
		ToID:    toID,
		Subject: subject,
		Body:    body,
	})
}

// MarkRead queues a read receipt for messageID. The outcome arrives on Acks.
func (b *Bridge) MarkRead(messageID int64) (string, error) {
	return b.request(domain.EventMarkRead, domain.MarkReadPayload{MessageID: messageID})
}

// Close disconnects and stops the bridge. Pending requests are dropped.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)

		b.mu.Lock()
		b.state = StateClosed
		conn := b.conn
		b.conn = nil
		for id, t := range b.pending {
			t.Stop()
			delete(b.pending, id)
		}
		b.mu.Unlock()

		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "client closing")
		}
	})
	return nil
}

func (b *Bridge) request(eventType string, payload any) (string, error) {
	if b.isClosed() {
		return "", ErrClosed
	}
	if b.State() != StateConnected {
		return "", ErrNotConnected
	}

	correlationID := uuid.NewString()
	env, err := domain.NewEnvelope(eventType, correlationID, payload)
	if err != nil {
		return "", fmt.Errorf("build %s request: %w", eventType, err)
	}

	b.track(correlationID)
	select {
	case b.outbox <- env:
		return correlationID, nil
	default:
		b.resolve(correlationID)
		return "", ErrOutboxFull
	}
}

func (b *Bridge) connect(ctx context.Context) (*websocket.Conn, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.opts.InitialBackoff

	attempt := 0
	return backoff.Retry(ctx, func() (*websocket.Conn, error) {
		attempt++
		if b.isClosed() {
			return nil, backoff.Permanent(ErrClosed)
		}
		return b.dial(ctx)
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(b.opts.MaxRetries+1),
		backoff.WithNotify(func(err error, delay time.Duration) {
			b.logger.Warn("Connect failed, retrying",
				"attempt", attempt,
				"delay", delay,
				"error", err)
		}),
	)
}

func (b *Bridge) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	header := http.Header{}
	if b.opts.Token != "" {
		header.Set("Authorization", "Bearer "+b.opts.Token)
	}
	conn, resp, err := websocket.Dial(dialCtx, b.opts.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, backoff.Permanent(ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", b.opts.URL, err)
	}

	if err := b.announce(dialCtx, conn); err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "join failed")
		return nil, err
	}
	return conn, nil
}

// announce sends join and waits for the server to confirm it.
func (b *Bridge) announce(ctx context.Context, conn *websocket.Conn) error {
	env, err := domain.NewEnvelope(domain.EventJoin, uuid.NewString(), domain.JoinPayload{UserID: b.opts.UserID})
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build join: %w", err))
	}
	if err := writeEnvelope(ctx, conn, env); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	reply, err := readEnvelope(ctx, conn)
	if err != nil {
		return fmt.Errorf("await joined: %w", err)
	}
	switch reply.Type {
	case domain.EventJoined:
		return nil
	case domain.EventError:
		var p domain.ErrorPayload
		_ = reply.Decode(&p)
		return backoff.Permanent(fmt.Errorf("join rejected: %s", p.Reason))
	default:
		return fmt.Errorf("unexpected reply to join: %s", reply.Type)
	}
}

// serve pumps the outbox and dispatches inbound frames until the connection fails.
func (b *Bridge) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go b.writeLoop(connCtx, conn)

	for {
		env, err := readEnvelope(connCtx, conn)
		if err != nil {
			return err
		}
		b.dispatch(env)
	}
}

func (b *Bridge) writeLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-b.outbox:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := writeEnvelope(wctx, conn, env)
			cancel()
			if err != nil {
				if b.resolve(env.CorrelationID) {
					b.emitAck(Ack{CorrelationID: env.CorrelationID, Status: AckFailed, Reason: err.Error()})
				}
				_ = conn.Close(websocket.StatusGoingAway, "write failed")
				return
			}
		}
	}
}

func (b *Bridge) dispatch(env domain.Envelope) {
	switch env.Type {
	case domain.EventSent:
		var msg domain.Message
		if err := env.Decode(&msg); err != nil {
			b.logger.Warn("Malformed ack", "error", err)
			return
		}
		if b.resolve(env.CorrelationID) {
			b.emitAck(Ack{CorrelationID: env.CorrelationID, Status: AckConfirmed, Message: &msg})
		}

	case domain.EventMessage:
		var msg domain.Message
		if err := env.Decode(&msg); err != nil {
			b.logger.Warn("Malformed push", "error", err)
			return
		}
		b.mu.Lock()
		b.received = append(b.received, msg)
		b.mu.Unlock()
		b.emitMessage(msg)

	case domain.EventMessageRead:
		var msg domain.Message
		if err := env.Decode(&msg); err != nil {
			b.logger.Warn("Malformed mark_read ack", "error", err)
			return
		}
		if b.resolve(env.CorrelationID) {
			b.emitAck(Ack{CorrelationID: env.CorrelationID, Status: AckConfirmed, Message: &msg})
		}

	case domain.EventError:
		var p domain.ErrorPayload
		_ = env.Decode(&p)
		if b.resolve(env.CorrelationID) {
			b.emitAck(Ack{CorrelationID: env.CorrelationID, Status: AckFailed, Reason: p.Reason})
			return
		}
		b.logger.Warn("Server error", "reason", p.Reason)

	case domain.EventPong, domain.EventJoined:
	default:
		b.logger.Debug("Ignoring unknown event", "type", env.Type)
	}
}

// track starts the ack timer for correlationID.
func (b *Bridge) track(correlationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[correlationID] = time.AfterFunc(b.opts.AckTimeout, func() {
		if b.resolve(correlationID) {
			b.emitAck(Ack{CorrelationID: correlationID, Status: AckUnconfirmed, Reason: "no acknowledgement before timeout"})
		}
	})
}

// resolve removes correlationID from the pending set, reporting whether it was there.
func (b *Bridge) resolve(correlationID string) bool {
	if correlationID == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.pending[correlationID]
	if ok {
		t.Stop()
		delete(b.pending, correlationID)
	}
	return ok
}

// emitAck and emitMessage never block: they run on the read loop, which must
// keep answering pings and acks even when nobody drains the channels.
func (b *Bridge) emitAck(a Ack) {
	select {
	case b.acks <- a:
	default:
		b.logger.Warn("Ack channel full, dropping ack",
			"correlation_id", a.CorrelationID,
			"status", a.Status)
	}
}

func (b *Bridge) emitMessage(m domain.Message) {
	select {
	case b.messages <- m:
	default:
		b.logger.Warn("Message channel full, message kept only in Received", "message_id", m.ID)
	}
}

func (b *Bridge) attach(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
		return
	}
	b.conn = conn
	b.state = StateConnected
	select {
	case b.connects <- struct{}{}:
	default:
	}
}

func (b *Bridge) detach(conn *websocket.Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == conn {
		b.conn = nil
	}
	if b.state != StateClosed {
		b.state = StateDisconnected
	}
	_ = conn.CloseNow()
}

func (b *Bridge) setState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.state = s
	}
}

func (b *Bridge) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (domain.Envelope, error) {
	var env domain.Envelope
	_, data, err := conn.Read(ctx)
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("decode frame: %w", err)
	}
	return env, nil
}
