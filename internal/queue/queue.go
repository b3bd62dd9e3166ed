// Package queue serializes inbound work per conversation: messages for
// one session key are executed strictly in enqueue order by a single
// drainer, while different sessions drain concurrently.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrQueueCleared rejects futures when ClearQueue discards a FIFO.
var ErrQueueCleared = errors.New("session queue cleared")

// Message is one queued unit of inbound work.
type Message struct {
	ID         string
	SessionKey string
	Role       string
	Content    string
	Metadata   map[string]string
}

// ExecuteFunc processes one message; registered once at boot. Its
// outcome resolves the message's future. An error fails only that
// message; later messages in the same FIFO still run.
type ExecuteFunc func(ctx context.Context, msg Message) (any, error)

type outcome struct {
	value any
	err   error
}

// Future resolves with the run result of one enqueued message.
type Future struct {
	ch chan outcome
}

// Wait blocks until the message has been executed or ctx ends.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case out := <-f.ch:
		return out.value, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type item struct {
	msg    Message
	future *Future
}

type sessionFIFO struct {
	items   []*item
	running bool
}

// Queue is the per-session FIFO set.
type Queue struct {
	ctx     context.Context
	execute ExecuteFunc

	mu       sync.Mutex
	sessions map[string]*sessionFIFO
}

// New creates a queue. execute runs on drainer goroutines under ctx.
func New(ctx context.Context, execute ExecuteFunc) *Queue {
	return &Queue{
		ctx:      ctx,
		execute:  execute,
		sessions: make(map[string]*sessionFIFO),
	}
}

// Enqueue appends a message to its session's FIFO and starts a drainer
// if none is active. The returned future resolves with the execute
// outcome for exactly this message.
func (q *Queue) Enqueue(sessionKey, content, role string, metadata map[string]string) *Future {
	if role == "" {
		role = "user"
	}
	it := &item{
		msg: Message{
			ID:         uuid.NewString(),
			SessionKey: sessionKey,
			Role:       role,
			Content:    content,
			Metadata:   metadata,
		},
		future: &Future{ch: make(chan outcome, 1)},
	}

	q.mu.Lock()
	fifo, ok := q.sessions[sessionKey]
	if !ok {
		fifo = &sessionFIFO{}
		q.sessions[sessionKey] = fifo
	}
	fifo.items = append(fifo.items, it)
	startDrainer := !fifo.running
	if startDrainer {
		fifo.running = true
	}
	q.mu.Unlock()

	if startDrainer {
		go q.drain(sessionKey)
	}
	return it.future
}

// drain pops and executes messages until the FIFO empties, then removes
// the entry. Exactly one drainer runs per session key at a time.
func (q *Queue) drain(sessionKey string) {
	for {
		q.mu.Lock()
		fifo, ok := q.sessions[sessionKey]
		if !ok || len(fifo.items) == 0 {
			if ok {
				delete(q.sessions, sessionKey)
			}
			q.mu.Unlock()
			return
		}
		next := fifo.items[0]
		fifo.items = fifo.items[1:]
		q.mu.Unlock()

		value, err := q.execute(q.ctx, next.msg)
		next.future.ch <- outcome{value: value, err: err}
	}
}

// HasQueuedMessages reports whether messages are waiting (not counting
// the one currently executing).
func (q *Queue) HasQueuedMessages(sessionKey string) bool {
	return q.QueueLength(sessionKey) > 0
}

// QueueLength returns the number of waiting messages for a session.
func (q *Queue) QueueLength(sessionKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if fifo, ok := q.sessions[sessionKey]; ok {
		return len(fifo.items)
	}
	return 0
}

// IsRunning reports whether a drainer is active for the session.
func (q *Queue) IsRunning(sessionKey string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if fifo, ok := q.sessions[sessionKey]; ok {
		return fifo.running
	}
	return false
}

// ClearQueue rejects every waiting future with ErrQueueCleared and
// discards the FIFO. A message already executing is unaffected; its
// drainer exits once it finds the FIFO empty.
func (q *Queue) ClearQueue(sessionKey string) int {
	q.mu.Lock()
	fifo, ok := q.sessions[sessionKey]
	if !ok {
		q.mu.Unlock()
		return 0
	}
	cleared := fifo.items
	fifo.items = nil
	if !fifo.running {
		delete(q.sessions, sessionKey)
	}
	q.mu.Unlock()

	for _, it := range cleared {
		it.future.ch <- outcome{err: ErrQueueCleared}
	}
	return len(cleared)
}

// ActiveSessions returns the keys with an active drainer or waiting work.
func (q *Queue) ActiveSessions() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]string, 0, len(q.sessions))
	for k := range q.sessions {
		keys = append(keys, k)
	}
	return keys
}
