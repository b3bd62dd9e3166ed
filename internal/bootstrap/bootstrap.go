// Package bootstrap seeds and loads the workspace markdown context
// files. The files are human-edited; the core reads them when building
// the system prompt and never modifies them after seeding.
package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WorkspaceFiles are the recognized context documents, in prompt order.
var WorkspaceFiles = []string{
	"AGENTS.md",
	"SOUL.md",
	"USER.md",
	"TOOLS.md",
	"MEMORY.md",
	"HEARTBEAT.md",
	"BOOTSTRAP.md",
}

// perFileMaxChars caps one file's contribution to the system prompt.
const perFileMaxChars = 20000

var templates = map[string]string{
	"AGENTS.md": `# Agent instructions

You are a personal assistant running on this machine. Keep replies
concise. Ask before destructive actions.
`,
	"SOUL.md": `# Personality

Helpful, direct, a little dry. No corporate filler.
`,
	"USER.md": `# About the user

(Fill in who you are, your timezone, and how you like to be addressed.)
`,
	"TOOLS.md": `# Tool notes

Notes the agent should know about locally available tools.
`,
	"MEMORY.md": `# Long-term memory

Durable facts the agent should retain between conversations.
`,
	"HEARTBEAT.md": ``,
	"BOOTSTRAP.md": `# First run

Introduce yourself and ask the user to fill in USER.md.
`,
}

// ContextFile is one loaded workspace document.
type ContextFile struct {
	Name    string
	Content string
}

// EnsureWorkspaceFiles seeds missing templates into dir; existing files
// are never touched. Returns the names it created.
func EnsureWorkspaceFiles(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	var seeded []string
	for _, name := range WorkspaceFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(templates[name]), 0o644); err != nil {
			return seeded, fmt.Errorf("seed %s: %w", name, err)
		}
		seeded = append(seeded, name)
	}
	return seeded, nil
}

// LoadWorkspaceFiles reads every recognized file that exists and has
// content.
func LoadWorkspaceFiles(dir string) []ContextFile {
	var out []ContextFile
	for _, name := range WorkspaceFiles {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		content := strings.TrimSpace(string(data))
		if content == "" {
			continue
		}
		if len(content) > perFileMaxChars {
			content = content[:perFileMaxChars] + "\n\n[truncated]"
		}
		out = append(out, ContextFile{Name: name, Content: content})
	}
	return out
}

// BuildSystemPrompt concatenates the loaded files into one prompt.
func BuildSystemPrompt(files []ContextFile) string {
	if len(files) == 0 {
		return ""
	}
	var b strings.Builder
	for i, f := range files {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "<context name=%q>\n%s\n</context>", f.Name, f.Content)
	}
	return b.String()
}

// HeartbeatHasContent reports whether HEARTBEAT.md exists and contains
// more than whitespace; the heartbeat skip rules consult it.
func HeartbeatHasContent(dir string) bool {
	data, err := os.ReadFile(filepath.Join(dir, "HEARTBEAT.md"))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) != ""
}
