// Package sessions — session key builders and parser.
//
// Session keys are colon-delimited identifiers encoding the surface a
// conversation arrived on and who it belongs to:
//
//	Channel DM:  {channel}:{userId}        e.g. whatsapp:61400000000
//	Cron run:    cron:{taskId}:{token}     e.g. cron:heartbeat:20260801T093000
//	Webhook:     webhook:{hookId}
//	CLI:         cli:{label}               (label defaults to "local")
//
// A subagent spawned from any session appends one
// ":subagent:{ts-rand}" segment per nesting level:
//
//	whatsapp:61400000000:subagent:1722500000-4f2a
//
// Builders and the parser are the only supported way to create or
// interpret keys. All functions are total: invalid input yields a
// best-effort result, never a panic.
package sessions

import (
	"fmt"
	"math/rand"
	"strings"
	"time"
)

// MaxSpawnDepth is the nesting depth at which further sub-runs are
// refused. The root session has depth 0.
const MaxSpawnDepth = 3

// SessionType classifies the surface a key belongs to.
type SessionType string

const (
	TypeChannel SessionType = "channel"
	TypeCron    SessionType = "cron"
	TypeWebhook SessionType = "webhook"
	TypeCLI     SessionType = "cli"
)

// KeyInfo is the parsed view of a session key, after stripping any
// subagent suffixes.
type KeyInfo struct {
	Type    SessionType
	Channel string // channel name for TypeChannel, else ""
	ID      string // user id, task id, hook id, or CLI label
}

// NormalizeUserID prepares a platform user id for key construction.
// Phone-number style ids lose one leading "+" so that "+6140..." and
// "6140..." map to the same conversation.
func NormalizeUserID(userID string) string {
	return strings.TrimPrefix(strings.TrimSpace(userID), "+")
}

// MainKey builds the key for a channel conversation.
func MainKey(channel, userID string) string {
	return channel + ":" + NormalizeUserID(userID)
}

// CronKey builds the key for one cron task firing. token distinguishes
// individual runs of the same task.
func CronKey(taskID, token string) string {
	return "cron:" + taskID + ":" + token
}

// CronRunToken derives a per-firing token from the fire time.
func CronRunToken(at time.Time) string {
	return at.UTC().Format("20060102T150405")
}

// WebhookKey builds the key for a webhook receiver.
func WebhookKey(hookID string) string {
	return "webhook:" + hookID
}

// CLIKey builds the key for an interactive CLI conversation.
func CLIKey(label string) string {
	if label == "" {
		label = "local"
	}
	return "cli:" + label
}

// SubagentKey appends one subagent segment to a parent key. The token
// is timestamp-random so concurrent spawns from one parent never
// collide.
func SubagentKey(parent string) string {
	return fmt.Sprintf("%s:subagent:%d-%04x", parent, time.Now().Unix(), rand.Intn(0x10000))
}

// RootKey strips every trailing ":subagent:{token}" segment, returning
// the originating conversation key.
func RootKey(key string) string {
	idx := strings.Index(key, ":subagent:")
	if idx < 0 {
		return key
	}
	return key[:idx]
}

// IsSubagent reports whether key contains at least one subagent segment.
func IsSubagent(key string) bool {
	return strings.Contains(key, ":subagent:")
}

// Depth counts the subagent nesting level; a root session is 0.
func Depth(key string) int {
	return strings.Count(key, ":subagent:")
}

// CanSpawn reports whether a session at this key may spawn another
// sub-run. Depth MaxSpawnDepth and beyond is refused.
func CanSpawn(key string) bool {
	return Depth(key) < MaxSpawnDepth
}

// Parse classifies a key and extracts its identity component. Subagent
// suffixes are stripped first, so a subagent key parses as its root.
// Unrecognized input yields {TypeChannel, "", ""}-shaped best-effort
// values rather than an error.
func Parse(key string) KeyInfo {
	root := RootKey(strings.TrimSpace(key))
	parts := strings.SplitN(root, ":", 2)

	switch parts[0] {
	case "cron":
		info := KeyInfo{Type: TypeCron}
		if len(parts) == 2 {
			// cron:{taskId}:{token} — the id is everything up to the
			// final token segment.
			if idx := strings.LastIndex(parts[1], ":"); idx > 0 {
				info.ID = parts[1][:idx]
			} else {
				info.ID = parts[1]
			}
		}
		return info
	case "webhook":
		info := KeyInfo{Type: TypeWebhook}
		if len(parts) == 2 {
			info.ID = parts[1]
		}
		return info
	case "cli":
		info := KeyInfo{Type: TypeCLI}
		if len(parts) == 2 {
			info.ID = parts[1]
		}
		return info
	default:
		info := KeyInfo{Type: TypeChannel, Channel: parts[0]}
		if len(parts) == 2 {
			info.ID = parts[1]
		} else {
			info.Channel = ""
			info.ID = parts[0]
		}
		return info
	}
}
