// Package pg implements the session store on PostgreSQL via pgx. The
// session_key primary key plus ON CONFLICT DO NOTHING gives
// concurrent-create convergence across processes.
package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chozzz/vargos/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_key TEXT PRIMARY KEY,
	label       TEXT NOT NULL DEFAULT '',
	agent_id    TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL DEFAULT 'main',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	metadata    JSONB NOT NULL DEFAULT '{}'
);
CREATE TABLE IF NOT EXISTS session_messages (
	id          UUID PRIMARY KEY,
	session_key TEXT NOT NULL REFERENCES sessions(session_key) ON DELETE CASCADE,
	seq         BIGSERIAL,
	role        TEXT NOT NULL,
	content     TEXT NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	metadata    JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON session_messages(session_key, seq);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC);
`

// Store is a Postgres-backed session store.
type Store struct {
	pool *pgxpool.Pool
	now  store.NowFunc
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string, now store.NowFunc) (*Store, error) {
	if now == nil {
		now = time.Now
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pg connect: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg schema: %w", err)
	}
	return &Store{pool: pool, now: now}, nil
}

func (s *Store) Create(ctx context.Context, sess store.Session) (bool, store.Session, error) {
	now := s.now()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Kind == "" {
		sess.Kind = store.KindMain
	}
	meta, _ := json.Marshal(orEmpty(sess.Metadata))

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (session_key, label, agent_id, kind, created_at, updated_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_key) DO NOTHING`,
		sess.SessionKey, sess.Label, sess.AgentID, string(sess.Kind), now, now, meta)
	if err != nil {
		return false, store.Session{}, fmt.Errorf("create session: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, sess, nil
	}

	existing, err := s.Get(ctx, sess.SessionKey)
	if err != nil {
		return false, store.Session{}, err
	}
	if existing == nil {
		return false, sess, nil
	}
	return false, *existing, nil
}

func (s *Store) Get(ctx context.Context, key string) (*store.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT session_key, label, agent_id, kind, created_at, updated_at, metadata
		 FROM sessions WHERE session_key = $1`, key)

	var sess store.Session
	var kind string
	var meta []byte
	err := row.Scan(&sess.SessionKey, &sess.Label, &sess.AgentID, &kind, &sess.CreatedAt, &sess.UpdatedAt, &meta)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.Kind = store.Kind(kind)
	sess.Metadata = decodeMeta(meta)
	return &sess, nil
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

	_, err = s.pool.Exec(ctx,
		`UPDATE sessions SET label = $1, agent_id = $2, updated_at = $3, metadata = $4 WHERE session_key = $5`,
		existing.Label, existing.AgentID, existing.UpdatedAt, meta, key)
	if err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	return existing, nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	// session_messages cascades on the foreign key.
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE session_key = $1`, key)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) List(ctx context.Context, f store.ListFilter) ([]store.Session, error) {
	q := `SELECT session_key, label, agent_id, kind, created_at, updated_at, metadata FROM sessions`
	args := []any{}
	if f.Kind != "" {
		q += ` WHERE kind = $1`
		args = append(args, string(f.Kind))
	}
	q += ` ORDER BY updated_at DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, f.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []store.Session
	for rows.Next() {
		var sess store.Session
		var kind string
		var meta []byte
		if err := rows.Scan(&sess.SessionKey, &sess.Label, &sess.AgentID, &kind, &sess.CreatedAt, &sess.UpdatedAt, &meta); err != nil {
			return nil, err
		}
		sess.Kind = store.Kind(kind)
		sess.Metadata = decodeMeta(meta)
		out = append(out, sess)
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.SessionMessage{}, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE sessions SET updated_at = $1 WHERE session_key = $2`,
		msg.Timestamp, msg.SessionKey)
	if err != nil {
		return store.SessionMessage{}, fmt.Errorf("bump session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.SessionMessage{}, store.ErrSessionNotFound
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO session_messages (id, session_key, role, content, ts, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.ID, msg.SessionKey, msg.Role, msg.Content, msg.Timestamp, meta)
	if err != nil {
		return store.SessionMessage{}, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return store.SessionMessage{}, err
	}
	return msg, nil
}

func (s *Store) GetMessages(ctx context.Context, key string, f store.MessageFilter) ([]store.SessionMessage, error) {
	q := `SELECT id, session_key, role, content, ts, metadata
	      FROM session_messages WHERE session_key = $1`
	args := []any{key}
	if !f.Before.IsZero() {
		q += fmt.Sprintf(` AND ts < $%d`, len(args)+1)
		args = append(args, f.Before)
	}
	q += ` ORDER BY seq DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, f.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var desc []store.SessionMessage
	for rows.Next() {
		var m store.SessionMessage
		var meta []byte
		if err := rows.Scan(&m.ID, &m.SessionKey, &m.Role, &m.Content, &m.Timestamp, &meta); err != nil {
			return nil, err
		}
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

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func decodeMeta(raw []byte) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil || len(m) == 0 {
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
