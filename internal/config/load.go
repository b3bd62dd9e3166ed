package config

import (
	"fmt"
	"os"

	"github.com/titanous/json5"
)

// DefaultPath returns the config file location: $VARGOS_CONFIG or
// ~/.vargos/config.json.
func DefaultPath() string {
	if v := os.Getenv("VARGOS_CONFIG"); v != "" {
		return v
	}
	return ExpandHome("~/.vargos/config.json")
}

// Load reads the config file (JSON5), then overlays env vars. A missing
// file yields the defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars; they take precedence over file
// values. Secrets are expected here rather than in the file.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	for name, profile := range c.Models {
		// VARGOS_MODEL_<NAME>_API_KEY, plus provider-wide fallbacks.
		envStr("VARGOS_MODEL_"+envKey(name)+"_API_KEY", &profile.APIKey)
		if profile.APIKey == "" {
			switch profile.Provider {
			case "anthropic":
				envStr("VARGOS_ANTHROPIC_API_KEY", &profile.APIKey)
			case "openai":
				envStr("VARGOS_OPENAI_API_KEY", &profile.APIKey)
			}
		}
		c.Models[name] = profile
	}

	for name, ch := range c.Channels {
		envStr("VARGOS_"+envKey(name)+"_TOKEN", &ch.BotToken)
		c.Channels[name] = ch
	}

	envStr("VARGOS_GATEWAY_HOST", &c.Gateway.Host)
	envStr("VARGOS_DATA_DIR", &c.Paths.DataDir)
	envStr("VARGOS_WORKSPACE", &c.Paths.Workspace)
	envStr("VARGOS_POSTGRES_DSN", &c.Sessions.PostgresDSN)
}

func envKey(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, r-'a'+'A')
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
