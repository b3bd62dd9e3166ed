package client

import (
	"testing"
	"time"
)

func TestReconnector_BackoffSequence(t *testing.T) {
	r := NewReconnector(ReconnectPolicy{
		Base:        time.Second,
		Max:         8 * time.Second,
		MaxAttempts: 6,
	})

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second, // capped
		8 * time.Second,
	}
	for i, w := range want {
		got, ok := r.Next()
		if !ok {
			t.Fatalf("attempt %d: exhausted early", i)
		}
		if got != w {
			t.Errorf("attempt %d: delay = %v, want %v", i, got, w)
		}
	}

	if _, ok := r.Next(); ok {
		t.Error("expected exhaustion after MaxAttempts")
	}
}

func TestReconnector_Reset(t *testing.T) {
	r := NewReconnector(ReconnectPolicy{Base: time.Second, Max: time.Minute, MaxAttempts: 3})
	r.Next()
	r.Next()
	if r.Attempts() != 2 {
		t.Fatalf("attempts = %d, want 2", r.Attempts())
	}
	r.Reset()
	if r.Attempts() != 0 {
		t.Fatalf("attempts after reset = %d, want 0", r.Attempts())
	}
	d, ok := r.Next()
	if !ok || d != time.Second {
		t.Errorf("first delay after reset = %v ok=%v, want 1s true", d, ok)
	}
}

func TestReconnector_UnlimitedAttempts(t *testing.T) {
	r := NewReconnector(ReconnectPolicy{Base: time.Millisecond, Max: 4 * time.Millisecond})
	for i := 0; i < 100; i++ {
		d, ok := r.Next()
		if !ok {
			t.Fatalf("attempt %d: unexpectedly exhausted", i)
		}
		if d > 4*time.Millisecond {
			t.Fatalf("attempt %d: delay %v exceeds cap", i, d)
		}
	}
}

func TestReconnector_Defaults(t *testing.T) {
	r := NewReconnector(ReconnectPolicy{})
	d, ok := r.Next()
	if !ok || d != 500*time.Millisecond {
		t.Errorf("default first delay = %v, want 500ms", d)
	}
}
