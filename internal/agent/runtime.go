package agent

import (
	"context"

	"github.com/chozzz/vargos/internal/store"
)

// RunInput is everything a runtime needs to execute one turn on one
// session. PriorMessages is the sanitized transcript, oldest first.
type RunInput struct {
	SessionKey   string
	WorkspaceDir string
	Provider     string
	Model        string
	APIKey       string
	BaseURL      string
	SystemPrompt string
	PriorMessages []store.SessionMessage
	Message      string
}

// RunCallbacks stream progress out of a running turn. Any callback may
// be nil.
type RunCallbacks struct {
	OnAssistantDelta func(text string, isComplete bool)
	OnToolCall       func(name, phase string, args map[string]any)
	OnCompaction     func(tokensBefore int, summary string)
}

// RunResult is the terminal outcome of one runtime invocation.
type RunResult struct {
	Success  bool
	Response string
	Error    string
	Tokens   int
}

// Runtime executes agent turns. Implementations must observe ctx at
// every suspension point (network I/O, tool dispatch) and return
// promptly once it is cancelled.
type Runtime interface {
	Run(ctx context.Context, in RunInput, cb RunCallbacks) (RunResult, error)
}
