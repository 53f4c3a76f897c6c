package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/leasechat/internal/domain"
	"github.com/ashureev/leasechat/internal/shared"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

var _ Repository = (*SQLiteStore)(nil)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sqlx.DB

	// writeMu serializes message inserts so IDs and creation timestamps agree.
	writeMu     sync.Mutex
	lastCreated int64
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS participants (
	user_id      TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	role         TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	sender_id    TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	subject      TEXT NOT NULL DEFAULT '',
	body         TEXT NOT NULL,
	is_read      INTEGER NOT NULL DEFAULT 0,
	read_at      INTEGER,
	created_at   INTEGER NOT NULL,
	CHECK (sender_id <> recipient_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, recipient_id, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(recipient_id) WHERE is_read = 0;
`

const messageColumns = `
	m.id, m.sender_id, m.recipient_id, m.subject, m.body, m.is_read, m.read_at, m.created_at,
	COALESCE(s.display_name, '') AS sender_name, COALESCE(s.role, '') AS sender_role,
	COALESCE(r.display_name, '') AS recipient_name, COALESCE(r.role, '') AS recipient_role
FROM messages m
LEFT JOIN participants s ON s.user_id = m.sender_id
LEFT JOIN participants r ON r.user_id = m.recipient_id`

type messageRow struct {
	ID            int64         `db:"id"`
	SenderID      string        `db:"sender_id"`
	RecipientID   string        `db:"recipient_id"`
	Subject       string        `db:"subject"`
	Body          string        `db:"body"`
	IsRead        bool          `db:"is_read"`
	ReadAt        sql.NullInt64 `db:"read_at"`
	CreatedAt     int64         `db:"created_at"`
	SenderName    string        `db:"sender_name"`
	SenderRole    string        `db:"sender_role"`
	RecipientName string        `db:"recipient_name"`
	RecipientRole string        `db:"recipient_role"`
}

type participantRow struct {
	UserID      string `db:"user_id"`
	DisplayName string `db:"display_name"`
	Role        string `db:"role"`
	CreatedAt   int64  `db:"created_at"`
	UpdatedAt   int64  `db:"updated_at"`
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode lets history reads proceed while a send is being written.
	dsn := dbPath + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=synchronous(normal)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	if _, err := s.db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if err := s.db.Get(&s.lastCreated, `SELECT COALESCE(MAX(created_at), 0) FROM messages`); err != nil {
		return fmt.Errorf("load last creation time: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// nextCreatedAt returns a creation timestamp strictly after the previous one.
// Callers must hold writeMu.
func (s *SQLiteStore) nextCreatedAt() int64 {
	now := time.Now().UnixNano()
	if now <= s.lastCreated {
		now = s.lastCreated + 1
	}
	return now
}

// CreateMessage persists m, assigning its ID and CreatedAt.
func (s *SQLiteStore) CreateMessage(ctx context.Context, m *domain.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	createdAt := s.nextCreatedAt()
	query := `
	INSERT INTO messages (sender_id, recipient_id, subject, body, is_read, created_at)
	VALUES (?, ?, ?, ?, 0, ?)`

	id, err := shared.RetryOnConflict(ctx, "create_message", func() (int64, error) {
		res, err := s.db.ExecContext(ctx, query, m.SenderID, m.RecipientID, m.Subject, m.Body, createdAt)
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	})
	if shared.IsSQLiteConstraintError(err) {
		return fmt.Errorf("insert message: %w: %w", ErrInvalidMessage, err)
	}
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	s.lastCreated = createdAt
	m.ID = id
	m.CreatedAt = time.Unix(0, createdAt).UTC()
	m.Read = false
	m.ReadAt = nil

	// The row is durable at this point; the reload only adds display attributes.
	stored, err := s.GetMessage(ctx, id)
	if err != nil || stored == nil {
		slog.Warn("Stored message could not be reloaded", "error", err, "message_id", id)
		return nil
	}
	*m = *stored
	return nil
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*domain.Message, error) {
	var row messageRow
	err := s.db.GetContext(ctx, &row, `SELECT `+messageColumns+` WHERE m.id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}
	return row.toDomain(), nil
}

// ListConversation returns one page of messages between q.UserID and q.CounterpartID.
func (s *SQLiteStore) ListConversation(ctx context.Context, q ConversationQuery) ([]*domain.Message, error) {
	var b strings.Builder
	b.WriteString(`SELECT ` + messageColumns + `
	WHERE ((m.sender_id = ? AND m.recipient_id = ?) OR (m.sender_id = ? AND m.recipient_id = ?))`)
	args := []any{q.UserID, q.CounterpartID, q.CounterpartID, q.UserID}

	if q.AfterID > 0 {
		b.WriteString(` AND m.id > ?`)
		args = append(args, q.AfterID)
	}
	if q.BeforeID > 0 {
		b.WriteString(` AND m.id < ?`)
		args = append(args, q.BeforeID)
	}
	// Only a forward catch-up reads oldest first; every other read takes the
	// newest page and flips it.
	descending := q.AfterID == 0
	if descending {
		b.WriteString(` ORDER BY m.created_at DESC, m.id DESC`)
	} else {
		b.WriteString(` ORDER BY m.created_at ASC, m.id ASC`)
	}
	b.WriteString(` LIMIT ?`)
	args = append(args, q.pageSize())

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, b.String(), args...); err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	if descending {
		slices.Reverse(rows)
	}

	messages := make([]*domain.Message, 0, len(rows))
	for i := range rows {
		messages = append(messages, rows[i].toDomain())
	}
	return messages, nil
}

// MarkRead flags a message as read by its recipient.
func (s *SQLiteStore) MarkRead(ctx context.Context, id int64, readerID string) (*domain.Message, error) {
	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, ErrNotFound
	}
	if msg.RecipientID != readerID {
		return nil, ErrForbidden
	}
	if msg.Read {
		return msg, nil
	}

	query := `UPDATE messages SET is_read = 1, read_at = ? WHERE id = ? AND is_read = 0`
	_, err = shared.RetryOnConflict(ctx, "mark_read", func() (sql.Result, error) {
		return s.db.ExecContext(ctx, query, time.Now().UnixNano(), id)
	})
	if err != nil {
		return nil, fmt.Errorf("update read flag: %w", err)
	}

	return s.GetMessage(ctx, id)
}

// UnreadCount returns the number of unread messages addressed to recipientID.
func (s *SQLiteStore) UnreadCount(ctx context.Context, recipientID string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages WHERE recipient_id = ? AND is_read = 0`, recipientID); err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// GetParticipant retrieves display attributes for a user.
func (s *SQLiteStore) GetParticipant(ctx context.Context, userID string) (*domain.Participant, error) {
	var row participantRow
	err := s.db.GetContext(ctx, &row, `
		SELECT user_id, display_name, role, created_at, updated_at
		FROM participants WHERE user_id = ?`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan participant row: %w", err)
	}
	return &domain.Participant{
		UserID:      row.UserID,
		DisplayName: row.DisplayName,
		Role:        row.Role,
		CreatedAt:   time.Unix(row.CreatedAt, 0),
		UpdatedAt:   time.Unix(row.UpdatedAt, 0),
	}, nil
}

// UpsertParticipant creates or updates display attributes for a user.
func (s *SQLiteStore) UpsertParticipant(ctx context.Context, p *domain.Participant) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	query := `
	INSERT INTO participants (user_id, display_name, role, created_at, updated_at)
	VALUES (:user_id, :display_name, :role, :created_at, :updated_at)
	ON CONFLICT(user_id) DO UPDATE SET
		display_name = excluded.display_name,
		role = excluded.role,
		updated_at = excluded.updated_at`

	row := participantRow{
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		Role:        p.Role,
		CreatedAt:   p.CreatedAt.Unix(),
		UpdatedAt:   p.UpdatedAt.Unix(),
	}
	_, err := shared.RetryOnConflict(ctx, "upsert_participant", func() (sql.Result, error) {
		return s.db.NamedExecContext(ctx, query, row)
	})
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	slog.Debug("Participant upserted", "user_id", p.UserID, "role", p.Role)
	return nil
}

func (r *messageRow) toDomain() *domain.Message {
	m := &domain.Message{
		ID:          r.ID,
		SenderID:    r.SenderID,
		RecipientID: r.RecipientID,
		Subject:     r.Subject,
		Body:        r.Body,
		Read:        r.IsRead,
		CreatedAt:   time.Unix(0, r.CreatedAt).UTC(),
		Sender:      &domain.Participant{UserID: r.SenderID, DisplayName: r.SenderName, Role: r.SenderRole},
		Recipient:   &domain.Participant{UserID: r.RecipientID, DisplayName: r.RecipientName, Role: r.RecipientRole},
	}
	if r.ReadAt.Valid {
		readAt := time.Unix(0, r.ReadAt.Int64).UTC()
		m.ReadAt = &readAt
	}
	return m
}
