// Package sqlite implements the session store on an embedded SQLite
// database (modernc.org/sqlite, no cgo). The sessions primary key gives
// concurrent-create convergence; message append order is the insert
// rowid.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/chozzz/vargos/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_key TEXT PRIMARY KEY,
	label       TEXT NOT NULL DEFAULT '',
	agent_id    TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL DEFAULT 'main',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS session_messages (
	id          TEXT PRIMARY KEY,
	session_key TEXT NOT NULL,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	ts          INTEGER NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON session_messages(session_key, ts);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC);
`

// Store is a SQLite-backed session store.
type Store struct {
	db  *sql.DB
	now store.NowFunc
}

// Open opens (and if needed creates) the database at path.
func Open(path string, now store.NowFunc) (*Store, error) {
	if now == nil {
		now = time.Now
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY churn under concurrent drainers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, now: now}, nil
}

func (s *Store) Create(ctx context.Context, sess store.Session) (bool, store.Session, error) {
	now := s.now()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Kind == "" {
		sess.Kind = store.KindMain
	}
	meta, _ := json.Marshal(orEmpty(sess.Metadata))

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_key, label, agent_id, kind, created_at, updated_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_key) DO NOTHING`,
		sess.SessionKey, sess.Label, sess.AgentID, string(sess.Kind),
		now.UnixMicro(), now.UnixMicro(), string(meta))
	if err != nil {
		return false, store.Session{}, fmt.Errorf("create session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return true, sess, nil
	}

	existing, err := s.Get(ctx, sess.SessionKey)
	if err != nil {
		return false, store.Session{}, err
	}
	if existing == nil {
		// Lost a create/delete race; treat as not created with the input row.
		return false, sess, nil
	}
	return false, *existing, nil
}

func (s *Store) Get(ctx context.Context, key string) (*store.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_key, label, agent_id, kind, created_at, updated_at, metadata
		 FROM sessions WHERE session_key = ?`, key)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

func (s *Store) Update(ctx context.Context, key string, patch store.Patch) (*store.Session, error) {
	existing, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, store.ErrSessionNotFound
	}

	if patch.Label != nil {
		existing.Label = *patch.Label
	}
	if patch.AgentID != nil {
		existing.AgentID = *patch.AgentID
	}
	if len(patch.Metadata) > 0 {
		if existing.Metadata == nil {
			existing.Metadata = make(map[string]string, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			existing.Metadata[k] = v
		}
	}
	existing.UpdatedAt = s.now()
	meta, _ := json.Marshal(orEmpty(existing.Metadata))

	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET label = ?, agent_id = ?, updated_at = ?, metadata = ? WHERE session_key = ?`,
		existing.Label, existing.AgentID, existing.UpdatedAt.UnixMicro(), string(meta), key)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	return existing, nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_messages WHERE session_key = ?`, key); err != nil {
		return false, fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) List(ctx context.Context, f store.ListFilter) ([]store.Session, error) {
	q := `SELECT session_key, label, agent_id, kind, created_at, updated_at, metadata
	      FROM sessions`
	args := []any{}
	if f.Kind != "" {
		q += ` WHERE kind = ?`
		args = append(args, string(f.Kind))
	}
	q += ` ORDER BY updated_at DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []store.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *Store) AddMessage(ctx context.Context, msg store.SessionMessage) (store.SessionMessage, error) {
	msg.ID = uuid.NewString()
	msg.Timestamp = s.now()
	if msg.Role == "" {
		msg.Role = store.RoleUser
	}
	meta, _ := json.Marshal(orEmpty(msg.Metadata))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.SessionMessage{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE session_key = ?`,
		msg.Timestamp.UnixMicro(), msg.SessionKey)
	if err != nil {
		return store.SessionMessage{}, fmt.Errorf("bump session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.SessionMessage{}, store.ErrSessionNotFound
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO session_messages (id, session_key, role, content, ts, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionKey, msg.Role, msg.Content, msg.Timestamp.UnixMicro(), string(meta))
	if err != nil {
		return store.SessionMessage{}, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return store.SessionMessage{}, err
	}
	return msg, nil
}

func (s *Store) GetMessages(ctx context.Context, key string, f store.MessageFilter) ([]store.SessionMessage, error) {
	q := `SELECT id, session_key, role, content, ts, metadata
	      FROM session_messages WHERE session_key = ?`
	args := []any{key}
	if !f.Before.IsZero() {
		q += ` AND ts < ?`
		args = append(args, f.Before.UnixMicro())
	}
	// Most-recent window first, re-sorted ascending below.
	q += ` ORDER BY ts DESC, rowid DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var desc []store.SessionMessage
	for rows.Next() {
		var m store.SessionMessage
		var ts int64
		var meta string
		if err := rows.Scan(&m.ID, &m.SessionKey, &m.Role, &m.Content, &ts, &meta); err != nil {
			return nil, err
		}
		m.Timestamp = time.UnixMicro(ts).UTC()
		m.Metadata = decodeMeta(meta)
		desc = append(desc, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]store.SessionMessage, len(desc))
	for i, m := range desc {
		out[len(desc)-1-i] = m
	}
	return out, nil
}

func (s *Store) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*store.Session, error) {
	var sess store.Session
	var kind, meta string
	var created, updated int64
	if err := row.Scan(&sess.SessionKey, &sess.Label, &sess.AgentID, &kind, &created, &updated, &meta); err != nil {
		return nil, err
	}
	sess.Kind = store.Kind(kind)
	sess.CreatedAt = time.UnixMicro(created).UTC()
	sess.UpdatedAt = time.UnixMicro(updated).UTC()
	sess.Metadata = decodeMeta(meta)
	return &sess, nil
}

func decodeMeta(raw string) map[string]string {
	if raw == "" || raw == "{}" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil || len(m) == 0 {
		return nil
	}
	return m
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
