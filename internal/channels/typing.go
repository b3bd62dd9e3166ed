package channels

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// typingRefreshInterval re-sends the indicator before platforms expire
// it (most clear typing state after ~5s).
const typingRefreshInterval = 4 * time.Second

// TypingFunc sends one typing indicator to a user.
type TypingFunc func(ctx context.Context, userID string) error

// TypingManager keeps per-user typing indicators alive: StartTyping
// sends one immediately and refreshes every 4s until StopTyping. Both
// calls are idempotent.
type TypingManager struct {
	send TypingFunc

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func NewTypingManager(send TypingFunc) *TypingManager {
	return &TypingManager{send: send, active: make(map[string]context.CancelFunc)}
}

// StartTyping begins the refresh loop for a user. A second call while
// active is a no-op.
func (t *TypingManager) StartTyping(userID string) {
	t.mu.Lock()
	if _, running := t.active[userID]; running {
		t.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.active[userID] = cancel
	t.mu.Unlock()

	go func() {
		if err := t.send(ctx, userID); err != nil {
			slog.Debug("typing indicator failed", "user", userID, "error", err)
		}
		ticker := time.NewTicker(typingRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := t.send(ctx, userID); err != nil {
					slog.Debug("typing refresh failed", "user", userID, "error", err)
				}
			}
		}
	}()
}

// StopTyping ends the refresh loop. Stopping an inactive user is a
// no-op.
func (t *TypingManager) StopTyping(userID string) {
	t.mu.Lock()
	cancel, ok := t.active[userID]
	if ok {
		delete(t.active, userID)
	}
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

// StopAll ends every active refresh loop.
func (t *TypingManager) StopAll() {
	t.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(t.active))
	for user, cancel := range t.active {
		cancels = append(cancels, cancel)
		delete(t.active, user)
	}
	t.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}
