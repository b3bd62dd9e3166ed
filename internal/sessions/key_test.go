package sessions

import (
	"strings"
	"testing"
	"time"
)

func TestMainKey_PhoneNormalization(t *testing.T) {
	tests := []struct {
		channel, userID, want string
	}{
		{"whatsapp", "+61400000000", "whatsapp:61400000000"},
		{"whatsapp", "61400000000", "whatsapp:61400000000"},
		{"telegram", "386246614", "telegram:386246614"},
		{"telegram", " 386246614 ", "telegram:386246614"},
	}
	for _, tt := range tests {
		if got := MainKey(tt.channel, tt.userID); got != tt.want {
			t.Errorf("MainKey(%q, %q) = %q, want %q", tt.channel, tt.userID, got, tt.want)
		}
	}
}

func TestParse_RoundTrip(t *testing.T) {
	at := time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		key  string
		want KeyInfo
	}{
		{"channel", MainKey("whatsapp", "+61400000000"), KeyInfo{Type: TypeChannel, Channel: "whatsapp", ID: "61400000000"}},
		{"cron", CronKey("heartbeat", CronRunToken(at)), KeyInfo{Type: TypeCron, ID: "heartbeat"}},
		{"webhook", WebhookKey("gh-push"), KeyInfo{Type: TypeWebhook, ID: "gh-push"}},
		{"cli default", CLIKey(""), KeyInfo{Type: TypeCLI, ID: "local"}},
		{"cli named", CLIKey("repl"), KeyInfo{Type: TypeCLI, ID: "repl"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Parse(tt.key); got != tt.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tt.key, got, tt.want)
			}
			// Subagent suffixes must not change the parse result.
			sub := SubagentKey(tt.key)
			if got := Parse(sub); got != tt.want {
				t.Errorf("Parse(subagent %q) = %+v, want %+v", sub, got, tt.want)
			}
		})
	}
}

func TestParse_Total(t *testing.T) {
	// Invalid or odd input must yield a value, never panic.
	for _, key := range []string{"", ":", "justone", "cron", "webhook", "a:b:c:d:e"} {
		_ = Parse(key)
	}
}

func TestSubagentDepth(t *testing.T) {
	root := MainKey("telegram", "42")
	if IsSubagent(root) {
		t.Error("root key reported as subagent")
	}
	if Depth(root) != 0 {
		t.Errorf("root depth = %d", Depth(root))
	}

	key := root
	for depth := 1; depth <= MaxSpawnDepth; depth++ {
		key = SubagentKey(key)
		if !IsSubagent(key) {
			t.Fatalf("depth %d key not detected as subagent: %q", depth, key)
		}
		if got := Depth(key); got != depth {
			t.Errorf("Depth(%q) = %d, want %d", key, got, depth)
		}
		if got := RootKey(key); got != root {
			t.Errorf("RootKey(%q) = %q, want %q", key, got, root)
		}
	}

	// Depth 3 may not spawn further sub-runs.
	if CanSpawn(key) {
		t.Errorf("CanSpawn at depth %d should be false", Depth(key))
	}
	if !CanSpawn(root) {
		t.Error("CanSpawn at depth 0 should be true")
	}
}

func TestSubagentKey_Unique(t *testing.T) {
	parent := CLIKey("")
	seen := make(map[string]bool)
	for i := 0; i < 64; i++ {
		k := SubagentKey(parent)
		if !strings.HasPrefix(k, parent+":subagent:") {
			t.Fatalf("unexpected shape: %q", k)
		}
		seen[k] = true
	}
	// Collisions are possible in principle (same second + same rand) but
	// should be vanishingly rare across 64 draws.
	if len(seen) < 60 {
		t.Errorf("too many duplicate subagent tokens: %d unique of 64", len(seen))
	}
}
