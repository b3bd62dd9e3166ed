// Package heartbeat supplies the skip rules for the built-in heartbeat
// cron task: outside active hours, agent busy, or an empty
// HEARTBEAT.md all cancel the tick.
package heartbeat

import (
	"log/slog"
	"time"

	"github.com/chozzz/vargos/internal/bootstrap"
	"github.com/chozzz/vargos/internal/cron"
)

// TaskID names the built-in heartbeat cron task.
const TaskID = "heartbeat"

// Options configure the skip rules.
type Options struct {
	WorkspaceDir string
	ActiveStart  string // "HH:MM"; empty disables the window check
	ActiveEnd    string // "HH:MM"
	AgentBusy    func() bool
	Now          func() time.Time
}

// Hook returns the before-fire gate for the heartbeat task.
func Hook(opts Options) cron.BeforeFireHook {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return func(task cron.Task) bool {
		if !withinActiveHours(opts.Now(), opts.ActiveStart, opts.ActiveEnd) {
			slog.Debug("heartbeat skipped: outside active hours")
			return false
		}
		if opts.AgentBusy != nil && opts.AgentBusy() {
			slog.Debug("heartbeat skipped: agent busy")
			return false
		}
		if !bootstrap.HeartbeatHasContent(opts.WorkspaceDir) {
			slog.Debug("heartbeat skipped: HEARTBEAT.md empty")
			return false
		}
		return true
	}
}

// withinActiveHours checks HH:MM window bounds, handling windows that
// wrap past midnight (e.g. 22:00–06:00).
func withinActiveHours(now time.Time, start, end string) bool {
	if start == "" || end == "" {
		return true
	}
	startMin, ok1 := parseHHMM(start)
	endMin, ok2 := parseHHMM(end)
	if !ok1 || !ok2 {
		return true
	}
	cur := now.Hour()*60 + now.Minute()
	if startMin <= endMin {
		return cur >= startMin && cur < endMin
	}
	return cur >= startMin || cur < endMin
}

func parseHHMM(s string) (int, bool) {
	if len(s) != 5 || s[2] != ':' {
		return 0, false
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}
