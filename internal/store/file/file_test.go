package file

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chozzz/vargos/internal/store"
)

func testClock() store.NowFunc {
	var mu sync.Mutex
	t := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), testClock())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestCreate_Idempotent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	created, first, err := s.Create(ctx, store.Session{SessionKey: "cli:local", Kind: store.KindMain})
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	if first.CreatedAt.IsZero() || !first.CreatedAt.Equal(first.UpdatedAt) {
		t.Errorf("timestamps not stamped: %+v", first)
	}

	// A second create must not wipe anything and must report created=false.
	if _, err := s.AddMessage(ctx, store.SessionMessage{SessionKey: "cli:local", Role: store.RoleUser, Content: "hello"}); err != nil {
		t.Fatalf("add message: %v", err)
	}
	created, again, err := s.Create(ctx, store.Session{SessionKey: "cli:local", Kind: store.KindMain})
	if err != nil || created {
		t.Fatalf("re-create: created=%v err=%v", created, err)
	}
	if !again.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed on re-create")
	}
	msgs, _ := s.GetMessages(ctx, "cli:local", store.MessageFilter{})
	if len(msgs) != 1 {
		t.Errorf("re-create wiped messages: %d left", len(msgs))
	}
}

func TestCreate_ConcurrentConverges(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	createdCount := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, _, err := s.Create(ctx, store.Session{SessionKey: "whatsapp:614", Kind: store.KindMain})
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if createdCount != 1 {
		t.Errorf("created %d times, want exactly 1", createdCount)
	}
}

func TestAddMessage_OrderAndUpdatedAt(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	s.Create(ctx, store.Session{SessionKey: "telegram:42", Kind: store.KindMain})

	for _, content := range []string{"one", "two", "three"} {
		if _, err := s.AddMessage(ctx, store.SessionMessage{SessionKey: "telegram:42", Role: store.RoleUser, Content: content}); err != nil {
			t.Fatalf("add %q: %v", content, err)
		}
	}

	msgs, err := s.GetMessages(ctx, "telegram:42", store.MessageFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages", len(msgs))
	}
	for i, want := range []string{"one", "two", "three"} {
		if msgs[i].Content != want {
			t.Errorf("msgs[%d] = %q, want %q", i, msgs[i].Content, want)
		}
		if msgs[i].ID == "" || msgs[i].Timestamp.IsZero() {
			t.Errorf("msgs[%d] missing id or timestamp", i)
		}
	}

	sess, _ := s.Get(ctx, "telegram:42")
	if !sess.UpdatedAt.Equal(msgs[2].Timestamp) {
		t.Errorf("UpdatedAt not bumped by AddMessage")
	}
}

func TestAddMessage_MissingSession(t *testing.T) {
	s := openStore(t)
	_, err := s.AddMessage(context.Background(), store.SessionMessage{SessionKey: "nope", Content: "x"})
	if !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestDelete_RemovesMessages(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	s.Create(ctx, store.Session{SessionKey: "cli:x", Kind: store.KindMain})
	s.AddMessage(ctx, store.SessionMessage{SessionKey: "cli:x", Content: "hi"})

	removed, err := s.Delete(ctx, "cli:x")
	if err != nil || !removed {
		t.Fatalf("delete: removed=%v err=%v", removed, err)
	}
	if removed, _ := s.Delete(ctx, "cli:x"); removed {
		t.Error("second delete reported removal")
	}
	if sess, _ := s.Get(ctx, "cli:x"); sess != nil {
		t.Error("session still present after delete")
	}
	msgs, _ := s.GetMessages(ctx, "cli:x", store.MessageFilter{})
	if len(msgs) != 0 {
		t.Errorf("messages survived delete: %d", len(msgs))
	}
}

func TestList_NewestFirstWithFilter(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	s.Create(ctx, store.Session{SessionKey: "a", Kind: store.KindMain})
	s.Create(ctx, store.Session{SessionKey: "b", Kind: store.KindCron})
	s.Create(ctx, store.Session{SessionKey: "c", Kind: store.KindMain})
	s.AddMessage(ctx, store.SessionMessage{SessionKey: "a", Content: "bump"})

	all, _ := s.List(ctx, store.ListFilter{})
	if len(all) != 3 {
		t.Fatalf("len = %d", len(all))
	}
	if all[0].SessionKey != "a" {
		t.Errorf("newest first = %q, want a (just bumped)", all[0].SessionKey)
	}

	crons, _ := s.List(ctx, store.ListFilter{Kind: store.KindCron})
	if len(crons) != 1 || crons[0].SessionKey != "b" {
		t.Errorf("kind filter wrong: %+v", crons)
	}

	limited, _ := s.List(ctx, store.ListFilter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("limit ignored: %d", len(limited))
	}
}

func TestGetMessages_LimitAndBefore(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	s.Create(ctx, store.Session{SessionKey: "k", Kind: store.KindMain})

	var stamps []time.Time
	for i := 0; i < 5; i++ {
		m, _ := s.AddMessage(ctx, store.SessionMessage{SessionKey: "k", Content: string(rune('a' + i))})
		stamps = append(stamps, m.Timestamp)
	}

	last2, _ := s.GetMessages(ctx, "k", store.MessageFilter{Limit: 2})
	if len(last2) != 2 || last2[0].Content != "d" || last2[1].Content != "e" {
		t.Errorf("limit window wrong: %+v", last2)
	}

	before, _ := s.GetMessages(ctx, "k", store.MessageFilter{Before: stamps[2]})
	if len(before) != 2 {
		t.Errorf("before filter returned %d, want 2", len(before))
	}
}

func TestUpdate_MergesPatch(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	s.Create(ctx, store.Session{SessionKey: "k", Kind: store.KindMain, Metadata: map[string]string{"a": "1"}})

	label := "renamed"
	sess, err := s.Update(ctx, "k", store.Patch{Label: &label, Metadata: map[string]string{"b": "2"}})
	if err != nil {
		t.Fatal(err)
	}
	if sess.Label != "renamed" || sess.Metadata["a"] != "1" || sess.Metadata["b"] != "2" {
		t.Errorf("patch not merged: %+v", sess)
	}
	if _, err := s.Update(ctx, "missing", store.Patch{}); !errors.Is(err, store.ErrSessionNotFound) {
		t.Errorf("update missing: %v", err)
	}
}

func TestPersistence_Reload(t *testing.T) {
	dir := t.TempDir()
	clock := testClock()

	s, err := Open(dir, clock)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	s.Create(ctx, store.Session{SessionKey: "whatsapp:614", Kind: store.KindMain, Label: "Dan"})
	s.AddMessage(ctx, store.SessionMessage{SessionKey: "whatsapp:614", Role: store.RoleUser, Content: "g'day"})
	s.Close()

	reopened, err := Open(dir, clock)
	if err != nil {
		t.Fatal(err)
	}
	sess, _ := reopened.Get(ctx, "whatsapp:614")
	if sess == nil || sess.Label != "Dan" {
		t.Fatalf("session lost on reload: %+v", sess)
	}
	msgs, _ := reopened.GetMessages(ctx, "whatsapp:614", store.MessageFilter{})
	if len(msgs) != 1 || msgs[0].Content != "g'day" {
		t.Errorf("messages lost on reload: %+v", msgs)
	}
}
