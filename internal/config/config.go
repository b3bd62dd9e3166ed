// Package config loads and watches the vargos configuration document:
// JSON5 on disk, env-var overrides on top, defaults underneath.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the root configuration document.
type Config struct {
	Agent    AgentConfig              `json:"agent"`
	Models   map[string]ModelProfile  `json:"models,omitempty"`
	Channels map[string]ChannelConfig `json:"channels,omitempty"`
	Gateway  GatewayConfig            `json:"gateway"`
	MCP      MCPConfig                `json:"mcp,omitempty"`
	Webhook  WebhookConfig            `json:"webhook,omitempty"`
	Paths    PathsConfig              `json:"paths"`
	Cron     CronConfig               `json:"cron,omitempty"`
	Sessions SessionsConfig           `json:"sessions,omitempty"`
	Tracing  TracingConfig            `json:"tracing,omitempty"`
}

// AgentConfig selects which model profile drives runs.
type AgentConfig struct {
	Primary  string `json:"primary"`
	Fallback string `json:"fallback,omitempty"`

	RunTimeoutSeconds int `json:"runTimeoutSeconds,omitempty"` // default 300
	HistoryLimit      int `json:"historyLimit,omitempty"`      // default 200

	Heartbeat HeartbeatConfig `json:"heartbeat,omitempty"`
}

// HeartbeatConfig tunes the built-in heartbeat cron task.
type HeartbeatConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Schedule    string `json:"schedule,omitempty"`    // default */30 * * * *
	ActiveStart string `json:"activeStart,omitempty"` // "HH:MM", default 08:00
	ActiveEnd   string `json:"activeEnd,omitempty"`   // "HH:MM", default 22:00
}

// ModelProfile is one named provider/model pair.
type ModelProfile struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
	APIKey   string `json:"apiKey,omitempty"`
	BaseURL  string `json:"baseUrl,omitempty"`
}

// ChannelConfig configures one chat channel adapter.
type ChannelConfig struct {
	Enabled   bool     `json:"enabled,omitempty"`
	AllowFrom []string `json:"allowFrom,omitempty"`
	BotToken  string   `json:"botToken,omitempty"`
	BridgeURL string   `json:"bridgeUrl,omitempty"` // whatsapp bridge websocket
}

// GatewayConfig is the fabric listen address.
type GatewayConfig struct {
	Host           string  `json:"host,omitempty"` // default 127.0.0.1
	Port           int     `json:"port,omitempty"` // default 9000
	TimeoutSeconds int     `json:"timeoutSeconds,omitempty"`
	RateLimitRPS   float64 `json:"rateLimitRps,omitempty"`
}

// URL returns the websocket endpoint services dial.
func (g GatewayConfig) URL() string {
	return fmt.Sprintf("ws://%s:%d/ws", g.Host, g.Port)
}

// Timeout returns the per-request forward timeout.
func (g GatewayConfig) Timeout() time.Duration {
	if g.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(g.TimeoutSeconds) * time.Second
}

// MCPConfig configures the MCP tool bridge listener.
type MCPConfig struct {
	Transport string `json:"transport,omitempty"` // "stdio" (default) or "sse"
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
}

// WebhookConfig configures the HTTP webhook receiver.
type WebhookConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Host    string `json:"host,omitempty"` // default: gateway host
	Port    int    `json:"port,omitempty"` // default 9001
	Token   string `json:"token,omitempty"`
}

// PathsConfig locates on-disk state.
type PathsConfig struct {
	DataDir   string `json:"dataDir,omitempty"`   // default ~/.vargos/data
	Workspace string `json:"workspace,omitempty"` // default ~/.vargos/workspace
}

// CronConfig is scheduler-wide configuration.
type CronConfig struct {
	Timezone string `json:"timezone,omitempty"` // default UTC
}

// Location resolves the configured timezone.
func (c CronConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SessionsConfig selects the store backend.
type SessionsConfig struct {
	Backend     string `json:"backend,omitempty"` // "file" (default), "sqlite", "postgres"
	PostgresDSN string `json:"-"`                 // env VARGOS_POSTGRES_DSN only
}

// TracingConfig enables OTLP span export.
type TracingConfig struct {
	Endpoint string `json:"endpoint,omitempty"` // host:port; empty disables
	Insecure bool   `json:"insecure,omitempty"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Primary:           "main",
			RunTimeoutSeconds: 300,
			HistoryLimit:      200,
			Heartbeat: HeartbeatConfig{
				Schedule:    "*/30 * * * *",
				ActiveStart: "08:00",
				ActiveEnd:   "22:00",
			},
		},
		Models: map[string]ModelProfile{
			"main": {
				Provider: "anthropic",
				Model:    "claude-sonnet-4-5-20250929",
			},
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 9000,
		},
		Paths: PathsConfig{
			DataDir:   "~/.vargos/data",
			Workspace: "~/.vargos/workspace",
		},
	}
}

// Profile resolves a model profile by name, falling back through
// agent.fallback. Returns the zero profile when nothing matches.
func (c *Config) Profile(name string) ModelProfile {
	if p, ok := c.Models[name]; ok {
		return p
	}
	if c.Agent.Fallback != "" {
		if p, ok := c.Models[c.Agent.Fallback]; ok {
			return p
		}
	}
	return ModelProfile{}
}

// PrimaryProfile resolves the agent.primary profile.
func (c *Config) PrimaryProfile() ModelProfile {
	return c.Profile(c.Agent.Primary)
}

// DataDir returns the expanded data directory.
func (c *Config) DataDir() string { return ExpandHome(c.Paths.DataDir) }

// WorkspaceDir returns the expanded workspace directory.
func (c *Config) WorkspaceDir() string { return ExpandHome(c.Paths.Workspace) }

// RunTimeout returns the per-run ceiling.
func (c *Config) RunTimeout() time.Duration {
	if c.Agent.RunTimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Agent.RunTimeoutSeconds) * time.Second
}

// ExpandHome resolves a leading "~" against the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
