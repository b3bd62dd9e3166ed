package sessionsvc

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/chozzz/vargos/internal/store"
	"github.com/chozzz/vargos/internal/store/file"
	"github.com/chozzz/vargos/pkg/protocol"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) emit(event string, _ any) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

func newService(t *testing.T) (*Service, *eventRecorder) {
	t.Helper()
	st, err := file.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	svc := New(st)
	rec := &eventRecorder{}
	svc.emit = rec.emit
	return svc, rec
}

func call(t *testing.T, svc *Service, method string, params any) any {
	t.Helper()
	raw, _ := json.Marshal(params)
	out, err := svc.HandleMethod(context.Background(), method, raw)
	if err != nil {
		t.Fatalf("%s: %v", method, err)
	}
	return out
}

func TestCreate_EmitsOnlyOnActualCreation(t *testing.T) {
	svc, rec := newService(t)

	call(t, svc, protocol.MethodSessionCreate, CreateParams{SessionKey: "cli:local", Kind: store.KindMain})
	call(t, svc, protocol.MethodSessionCreate, CreateParams{SessionKey: "cli:local", Kind: store.KindMain})

	events := rec.names()
	created := 0
	for _, e := range events {
		if e == protocol.EventSessionCreated {
			created++
		}
	}
	if created != 1 {
		t.Errorf("session.created emitted %d times, want 1 (events: %v)", created, events)
	}
}

func TestAddMessage_EmitsAndPersists(t *testing.T) {
	svc, rec := newService(t)
	call(t, svc, protocol.MethodSessionCreate, CreateParams{SessionKey: "telegram:42"})
	call(t, svc, protocol.MethodSessionAddMessage, AddMessageParams{SessionKey: "telegram:42", Role: store.RoleUser, Content: "hi"})

	out := call(t, svc, protocol.MethodSessionGetMessages, GetMessagesParams{SessionKey: "telegram:42"})
	msgs := out.(map[string]any)["messages"].([]store.SessionMessage)
	if len(msgs) != 1 || msgs[0].Content != "hi" {
		t.Fatalf("messages = %+v", msgs)
	}

	found := false
	for _, e := range rec.names() {
		if e == protocol.EventSessionMessage {
			found = true
		}
	}
	if !found {
		t.Error("session.message not emitted")
	}
}

func TestAddMessage_MissingSessionIsValidationError(t *testing.T) {
	svc, _ := newService(t)
	raw, _ := json.Marshal(AddMessageParams{SessionKey: "ghost", Content: "x"})
	_, err := svc.HandleMethod(context.Background(), protocol.MethodSessionAddMessage, raw)
	if !protocol.IsCode(err, protocol.ErrValidation) {
		t.Errorf("err = %v, want VALIDATION", err)
	}
}

func TestDelete_EmitsOnlyWhenRemoved(t *testing.T) {
	svc, rec := newService(t)
	call(t, svc, protocol.MethodSessionCreate, CreateParams{SessionKey: "k"})
	call(t, svc, protocol.MethodSessionDelete, KeyParams{SessionKey: "k"})
	call(t, svc, protocol.MethodSessionDelete, KeyParams{SessionKey: "k"})

	deleted := 0
	for _, e := range rec.names() {
		if e == protocol.EventSessionDeleted {
			deleted++
		}
	}
	if deleted != 1 {
		t.Errorf("session.deleted emitted %d times, want 1", deleted)
	}
}

func TestUnknownMethod(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.HandleMethod(context.Background(), "session.bogus", nil)
	if !protocol.IsCode(err, protocol.ErrNoHandler) {
		t.Errorf("err = %v, want NO_HANDLER", err)
	}
}
