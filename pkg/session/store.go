package session

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/deepshell/deepshell/pkg/llmerr"
	"github.com/deepshell/deepshell/pkg/models"
)

// Store is an append-only conversation log keyed by session id.
type Store struct {
	db *sql.DB

	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

const createSessionTables = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	message_count INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS session_messages (
	session_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (session_id, seq)
);
`

// New creates a Store on db and runs auto-migration.
func New(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(createSessionTables); err != nil {
		return nil, fmt.Errorf("migrate session tables: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// ValidateID rejects ids that cannot name a session.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return llmerr.Errorf(llmerr.KindValidation, "session", "session id is empty")
	}
	if len(id) > 128 {
		return llmerr.Errorf(llmerr.KindValidation, "session", "session id longer than 128 bytes")
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return llmerr.Errorf(llmerr.KindValidation, "session", "session id contains control characters")
		}
	}
	return nil
}

func (s *Store) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t
}

// Append adds msgs to the end of the session log in one transaction, so
// either all of them become visible or none do. Timestamps never go
// backwards within a session, even across processes.
func (s *Store) Append(ctx context.Context, id string, msgs ...models.Message) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := s.append(ctx, id, msgs); err != nil {
		return llmerr.New(llmerr.KindSessionWrite, "session append", err)
	}
	return nil
}

func (s *Store) append(ctx context.Context, id string, msgs []models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq, lastAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0), COALESCE(MAX(created_at), 0) FROM session_messages WHERE session_id = ?`,
		id,
	).Scan(&seq, &lastAt)
	if err != nil {
		return fmt.Errorf("read tail: %w", err)
	}

	var at int64
	for _, m := range msgs {
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			return fmt.Errorf("invalid role %q", m.Role)
		}
		at = s.stamp().UnixNano()
		if at <= lastAt {
			at = lastAt + 1
		}
		lastAt = at
		seq++
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_messages (session_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, seq, string(m.Role), m.Content, at,
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at, updated_at, message_count) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at,
		   message_count = sessions.message_count + ?`,
		id, at, at, len(msgs), len(msgs),
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return tx.Commit()
}

// Read returns the session's messages in submission order.
func (s *Store) Read(ctx context.Context, id string) ([]models.Message, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, role, content, created_at FROM session_messages WHERE session_id = ? ORDER BY seq ASC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var role string
		var at int64
		if err := rows.Scan(&m.Seq, &role, &m.Content, &at); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = models.Role(role)
		m.Timestamp = time.Unix(0, at).UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Exists reports whether any message has been stored for id.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("session exists: %w", err)
	}
	return n > 0, nil
}

// List returns all sessions, most recently updated first.
func (s *Store) List(ctx context.Context) ([]models.SessionInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, message_count, updated_at FROM sessions ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.SessionInfo
	for rows.Next() {
		var info models.SessionInfo
		var at int64
		if err := rows.Scan(&info.ID, &info.MessageCount, &at); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.UpdatedAt = time.Unix(0, at).UTC()
		sessions = append(sessions, info)
	}
	return sessions, rows.Err()
}

// Delete clears a session. It is the only operation that removes messages.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return llmerr.Errorf(llmerr.KindNotFound, "session delete", "session %q not found", id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_messages WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	return tx.Commit()
}
