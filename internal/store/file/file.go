// Package file implements the session store on a directory of JSON
// documents, one per session, written atomically (temp file → rename).
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chozzz/vargos/internal/store"
)

// document is the on-disk shape: session metadata plus its transcript.
type document struct {
	Session  store.Session          `json:"session"`
	Messages []store.SessionMessage `json:"messages"`
}

// Store keeps every session document in memory and mirrors mutations to
// disk. A single mutex serializes writers; the per-process instance
// lock guarantees no other process mutates the directory.
type Store struct {
	dir string
	now store.NowFunc

	mu   sync.RWMutex
	docs map[string]*document
}

// Open loads all session documents under dir, creating it if needed.
func Open(dir string, now store.NowFunc) (*Store, error) {
	if now == nil {
		now = time.Now
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	s := &Store{dir: dir, now: now, docs: make(map[string]*document)}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read session dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			continue
		}
		var doc document
		if err := json.Unmarshal(data, &doc); err != nil {
			// Corrupt documents are skipped, not fatal; the transcript
			// file stays on disk for manual recovery.
			continue
		}
		if doc.Session.SessionKey == "" {
			continue
		}
		s.docs[doc.Session.SessionKey] = &doc
	}
	return nil
}

func (s *Store) Create(_ context.Context, sess store.Session) (bool, store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.docs[sess.SessionKey]; ok {
		return false, existing.Session, nil
	}

	now := s.now()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	if sess.Kind == "" {
		sess.Kind = store.KindMain
	}
	doc := &document{Session: sess, Messages: []store.SessionMessage{}}
	if err := s.save(doc); err != nil {
		return false, store.Session{}, err
	}
	s.docs[sess.SessionKey] = doc
	return true, sess, nil
}

func (s *Store) Get(_ context.Context, key string) (*store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[key]
	if !ok {
		return nil, nil
	}
	out := doc.Session
	return &out, nil
}

func (s *Store) Update(_ context.Context, key string, patch store.Patch) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[key]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	if patch.Label != nil {
		doc.Session.Label = *patch.Label
	}
	if patch.AgentID != nil {
		doc.Session.AgentID = *patch.AgentID
	}
	if len(patch.Metadata) > 0 {
		if doc.Session.Metadata == nil {
			doc.Session.Metadata = make(map[string]string, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			doc.Session.Metadata[k] = v
		}
	}
	doc.Session.UpdatedAt = s.now()
	if err := s.save(doc); err != nil {
		return nil, err
	}
	out := doc.Session
	return &out, nil
}

func (s *Store) Delete(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[key]; !ok {
		return false, nil
	}
	delete(s.docs, key)
	path := s.pathFor(key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("remove session file: %w", err)
	}
	return true, nil
}

func (s *Store) List(_ context.Context, f store.ListFilter) ([]store.Session, error) {
	s.mu.RLock()
	out := make([]store.Session, 0, len(s.docs))
	for _, doc := range s.docs {
		if f.Kind != "" && doc.Session.Kind != f.Kind {
			continue
		}
		out = append(out, doc.Session)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) AddMessage(_ context.Context, msg store.SessionMessage) (store.SessionMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[msg.SessionKey]
	if !ok {
		return store.SessionMessage{}, store.ErrSessionNotFound
	}

	msg.ID = uuid.NewString()
	msg.Timestamp = s.now()
	if msg.Role == "" {
		msg.Role = store.RoleUser
	}
	doc.Messages = append(doc.Messages, msg)
	doc.Session.UpdatedAt = msg.Timestamp
	if err := s.save(doc); err != nil {
		// Keep memory and disk consistent: roll the append back.
		doc.Messages = doc.Messages[:len(doc.Messages)-1]
		return store.SessionMessage{}, err
	}
	return msg, nil
}

func (s *Store) GetMessages(_ context.Context, key string, f store.MessageFilter) ([]store.SessionMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[key]
	if !ok {
		return []store.SessionMessage{}, nil
	}
	msgs := doc.Messages
	if !f.Before.IsZero() {
		cut := sort.Search(len(msgs), func(i int) bool {
			return !msgs[i].Timestamp.Before(f.Before)
		})
		msgs = msgs[:cut]
	}
	if f.Limit > 0 && len(msgs) > f.Limit {
		msgs = msgs[len(msgs)-f.Limit:]
	}
	out := make([]store.SessionMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) pathFor(key string) string {
	return filepath.Join(s.dir, sanitizeFilename(key)+".json")
}

// save writes one document atomically: temp file → fsync → rename.
func (s *Store) save(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, s.pathFor(doc.Session.SessionKey)); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func sanitizeFilename(key string) string {
	out := strings.ReplaceAll(key, ":", "_")
	out = strings.ReplaceAll(out, "/", "_")
	out = strings.ReplaceAll(out, "\\", "_")
	return out
}
