package delivery

import (
	"context"
	"fmt"
	"time"
)

// SendFunc delivers one chunk to the platform.
type SendFunc func(ctx context.Context, text string) error

// Options tune chunked delivery. Zero values use the defaults.
type Options struct {
	MaxChunkSize int           // default 4000
	ChunkDelay   time.Duration // pause between chunks; default 500ms
	MaxRetries   int           // per chunk; default 3
	RetryBase    time.Duration // backoff base; default 1s
}

func (o Options) withDefaults() Options {
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = DefaultMaxChunkSize
	}
	if o.ChunkDelay <= 0 {
		o.ChunkDelay = 500 * time.Millisecond
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = time.Second
	}
	return o
}

// DeliverReply chunks text and sends the pieces sequentially. Each
// chunk is retried with exponential backoff; the first chunk that
// exhausts its retries fails the reply and the remaining chunks are
// not sent.
func DeliverReply(ctx context.Context, send SendFunc, text string, opts Options) error {
	opts = opts.withDefaults()
	chunks := ChunkText(text, opts.MaxChunkSize)

	for i, chunk := range chunks {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.ChunkDelay):
			}
		}
		if err := sendWithRetry(ctx, send, chunk, opts); err != nil {
			return fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
	}
	return nil
}

func sendWithRetry(ctx context.Context, send SendFunc, chunk string, opts Options) error {
	var lastErr error
	for attempt := 0; attempt < opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := opts.RetryBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if lastErr = send(ctx, chunk); lastErr == nil {
			return nil
		}
	}
	return lastErr
}
