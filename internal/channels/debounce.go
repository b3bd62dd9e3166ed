package channels

import (
	"strings"
	"sync"
	"time"
)

const (
	// DefaultDebounceDelay is the quiet period after which a user's
	// pending keystrokes flush as one logical message.
	DefaultDebounceDelay = 1500 * time.Millisecond

	// DefaultMaxBatch hard-flushes a batch regardless of the timer.
	DefaultMaxBatch = 8
)

// FlushFunc receives one coalesced batch for a user.
type FlushFunc func(userID, text string)

type pendingBatch struct {
	parts []string
	timer *time.Timer
}

// Debouncer coalesces rapid-fire inbound messages per user: each push
// resets a rolling timer, and the batch flushes either when the timer
// fires or when it reaches maxBatch items.
type Debouncer struct {
	delay    time.Duration
	maxBatch int
	flush    FlushFunc

	mu      sync.Mutex
	pending map[string]*pendingBatch
	stopped bool
}

// NewDebouncer creates a debouncer. Zero delay/maxBatch use defaults.
func NewDebouncer(delay time.Duration, maxBatch int, flush FlushFunc) *Debouncer {
	if delay <= 0 {
		delay = DefaultDebounceDelay
	}
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	return &Debouncer{
		delay:    delay,
		maxBatch: maxBatch,
		flush:    flush,
		pending:  make(map[string]*pendingBatch),
	}
}

// Push adds one message to the user's batch.
func (d *Debouncer) Push(userID, text string) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}

	batch, ok := d.pending[userID]
	if !ok {
		batch = &pendingBatch{}
		d.pending[userID] = batch
	}
	batch.parts = append(batch.parts, text)

	if len(batch.parts) >= d.maxBatch {
		if batch.timer != nil {
			batch.timer.Stop()
		}
		delete(d.pending, userID)
		parts := batch.parts
		d.mu.Unlock()
		d.flush(userID, strings.Join(parts, "\n"))
		return
	}

	// Rolling timer: each arrival restarts the quiet period.
	if batch.timer != nil {
		batch.timer.Stop()
	}
	batch.timer = time.AfterFunc(d.delay, func() { d.fire(userID) })
	d.mu.Unlock()
}

func (d *Debouncer) fire(userID string) {
	d.mu.Lock()
	batch, ok := d.pending[userID]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, userID)
	parts := batch.parts
	d.mu.Unlock()

	if len(parts) > 0 {
		d.flush(userID, strings.Join(parts, "\n"))
	}
}

// Stop cancels all pending timers; queued batches are discarded.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	for user, batch := range d.pending {
		if batch.timer != nil {
			batch.timer.Stop()
		}
		delete(d.pending, user)
	}
}
