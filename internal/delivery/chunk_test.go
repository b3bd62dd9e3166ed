package delivery

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestChunkText_ShortTextPassesThrough(t *testing.T) {
	chunks := ChunkText("hello", 4000)
	if len(chunks) != 1 || chunks[0] != "hello" {
		t.Errorf("chunks = %v", chunks)
	}
	if got := ChunkText("", 4000); got != nil {
		t.Errorf("empty text yielded %v", got)
	}
}

func TestChunkText_PrefersParagraphBreaks(t *testing.T) {
	a := strings.Repeat("a", 60)
	b := strings.Repeat("b", 60)
	text := a + "\n\n" + b

	chunks := ChunkText(text, 100)
	if len(chunks) != 2 || chunks[0] != a || chunks[1] != b {
		t.Errorf("chunks = %v", shorten(chunks))
	}
}

func TestChunkText_FallsBackToNewline(t *testing.T) {
	a := strings.Repeat("a", 60)
	b := strings.Repeat("b", 60)
	chunks := ChunkText(a+"\n"+b, 100)
	if len(chunks) != 2 || chunks[0] != a || chunks[1] != b {
		t.Errorf("chunks = %v", shorten(chunks))
	}
}

func TestChunkText_SentenceBoundary(t *testing.T) {
	// Paragraph-free text of 200-char sentences, 10k chars total.
	sentence := strings.Repeat("x", 198) + ". "
	text := strings.TrimSuffix(strings.Repeat(sentence, 50), " ")

	chunks := ChunkText(text, 4000)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 4000 {
			t.Errorf("chunk %d exceeds limit: %d chars", i, len(c))
		}
	}

	// Joined content preserves the text modulo split whitespace.
	joined := strings.Join(chunks, " ")
	if normalize(joined) != normalize(text) {
		t.Error("content not preserved across chunks")
	}
}

func TestChunkText_HardCutWithoutBoundaries(t *testing.T) {
	text := strings.Repeat("z", 250)
	chunks := ChunkText(text, 100)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	if strings.Join(chunks, "") != text {
		t.Error("hard cut lost characters")
	}
}

func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func shorten(chunks []string) []string {
	out := make([]string, len(chunks))
	for i, c := range chunks {
		if len(c) > 20 {
			c = c[:20] + "..."
		}
		out[i] = c
	}
	return out
}

func TestDeliverReply_SequentialWithRetry(t *testing.T) {
	var sent []string
	failures := 1
	send := func(_ context.Context, text string) error {
		if failures > 0 {
			failures--
			return errors.New("transient")
		}
		sent = append(sent, text)
		return nil
	}

	err := DeliverReply(context.Background(), send, "hello world", Options{
		ChunkDelay: time.Millisecond,
		RetryBase:  time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(sent) != 1 || sent[0] != "hello world" {
		t.Errorf("sent = %v", sent)
	}
}

func TestDeliverReply_AbortsAfterDefinitiveFailure(t *testing.T) {
	var attempts int
	send := func(_ context.Context, _ string) error {
		attempts++
		return errors.New("hard down")
	}

	a := strings.Repeat("a", 60)
	b := strings.Repeat("b", 60)
	err := DeliverReply(context.Background(), send, a+"\n\n"+b, Options{
		MaxChunkSize: 100,
		ChunkDelay:   time.Millisecond,
		MaxRetries:   2,
		RetryBase:    time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected failure to surface")
	}
	// First chunk: 2 attempts, then abort; second chunk never tried.
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2 (no second chunk)", attempts)
	}
}
