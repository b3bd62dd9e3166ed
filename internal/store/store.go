// Package store defines the session persistence contract and its shared
// types. Backends live in the file, sqlite, and pg subpackages; they all
// honor the same semantics:
//
//   - Create never truncates: a session that already has messages keeps
//     them, and concurrent creates of one key converge to one survivor.
//   - Messages are append-only and totally ordered per session.
//   - Any mutation, including a new message, refreshes UpdatedAt;
//     CreatedAt is set once and never changes.
package store

import (
	"context"
	"errors"
	"time"
)

// Kind classifies a session by the surface that spawned it.
type Kind string

const (
	KindMain     Kind = "main"
	KindSubagent Kind = "subagent"
	KindCron     Kind = "cron"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// ErrSessionNotFound is returned by AddMessage when the target session
// does not exist (for example, deleted between lookup and append).
var ErrSessionNotFound = errors.New("session not found")

// Session is one persisted conversation.
type Session struct {
	SessionKey string            `json:"sessionKey"`
	Label      string            `json:"label,omitempty"`
	AgentID    string            `json:"agentId,omitempty"`
	Kind       Kind              `json:"kind"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SessionMessage is one immutable transcript entry.
type SessionMessage struct {
	ID         string            `json:"id"`
	SessionKey string            `json:"sessionKey"`
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Patch is a partial session update; nil fields are left untouched and
// Metadata entries are merged key-by-key.
type Patch struct {
	Label    *string           `json:"label,omitempty"`
	AgentID  *string           `json:"agentId,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ListFilter narrows List results. Zero values mean "no filter".
type ListFilter struct {
	Kind  Kind `json:"kind,omitempty"`
	Limit int  `json:"limit,omitempty"`
}

// MessageFilter narrows GetMessages results. Zero values mean "all".
type MessageFilter struct {
	Limit  int       `json:"limit,omitempty"`
	Before time.Time `json:"before,omitempty"`
}

// Store is the session persistence contract (§ semantic notes above).
type Store interface {
	// Create ensures the session exists. When the key is new it persists
	// the session (CreatedAt/UpdatedAt stamped) and reports created=true.
	// When the key exists it returns the existing row untouched;
	// existing messages are never wiped.
	Create(ctx context.Context, s Session) (created bool, out Session, err error)

	// Get returns the session or nil when absent.
	Get(ctx context.Context, key string) (*Session, error)

	// Update merges patch into the session and refreshes UpdatedAt.
	Update(ctx context.Context, key string, patch Patch) (*Session, error)

	// Delete removes the session and all its messages atomically;
	// returns true iff something was removed.
	Delete(ctx context.Context, key string) (bool, error)

	// List returns sessions newest-first by UpdatedAt.
	List(ctx context.Context, f ListFilter) ([]Session, error)

	// AddMessage assigns id and timestamp, appends in order, and bumps
	// the session's UpdatedAt. Returns ErrSessionNotFound when the
	// session is missing.
	AddMessage(ctx context.Context, msg SessionMessage) (SessionMessage, error)

	// GetMessages returns messages oldest-first. Empty when the session
	// is missing. Limit keeps the most recent N after the Before cut.
	GetMessages(ctx context.Context, key string, f MessageFilter) ([]SessionMessage, error)

	Close() error
}

// NowFunc supplies timestamps; injectable for tests.
type NowFunc func() time.Time
