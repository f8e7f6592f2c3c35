package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults, matching the webhook
// defaults and pool/WAL/coordinator limits named in the specification.
func Default() *Config {
	return &Config{
		Workspace: "~/.brewva/workspace",
		Telegram: TelegramConfig{
			AclModeWhenEmpty:    "open",
			MaxTextLength:       4096,
			PollingTimeoutSec:   30,
			PollingLimit:        100,
			PollingRetryDelayMs: 2000,
		},
		Ingress: IngressConfig{
			Host:          "0.0.0.0",
			Port:          8787,
			Path:          "/ingest/telegram",
			MaxBodyBytes:  1 << 20,
			AuthMode:      "hmac",
			HMACMaxSkewMs: 5 * 60 * 1000,
			NonceTTLMs:    10 * 60 * 1000,
		},
		Scope: ScopeConfig{Strategy: "chat"},
		Runtime: RuntimeConfig{
			MaxLiveRuntimes:  32,
			IdleRuntimeTTLMs: 30 * 60 * 1000,
		},
		WAL: WALConfig{
			Dir:            ExpandHome("~/.brewva/workspace/.brewva/channel/turn-wal"),
			CompactAfterMs: 30_000,
		},
		Approval: ApprovalConfig{MaxEntriesPerConversation: 2048},
		Agent:    AgentConfig{Provider: "anthropic"},
		Command: CommandConfig{
			FanoutMaxAgents:     8,
			MaxDiscussionRounds: 6,
			A2AMaxDepth:         4,
			A2AMaxHops:          8,
			ForbidSelfA2A:       true,
			GracefulTimeoutMs:   15_000,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
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

// applyEnvOverrides overlays BREWVA_* env vars onto the config. Env vars
// take precedence over file values, and secrets are sourced from env only.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("BREWVA_WORKSPACE", &c.Workspace)

	envStr("BREWVA_TELEGRAM_TOKEN", &c.Telegram.Token)
	envStr("BREWVA_TELEGRAM_PROXY", &c.Telegram.Proxy)
	envStr("BREWVA_TELEGRAM_CALLBACK_SECRET", &c.Telegram.CallbackSecret)
	if v := os.Getenv("BREWVA_TELEGRAM_OWNER_IDS"); v != "" {
		c.Telegram.OwnerIDs = strings.Split(v, ",")
	}

	envStr("BREWVA_TELEGRAM_INGRESS_HOST", &c.Ingress.Host)
	envStr("BREWVA_TELEGRAM_INGRESS_PATH", &c.Ingress.Path)
	envStr("BREWVA_TELEGRAM_INGRESS_AUTH_MODE", &c.Ingress.AuthMode)
	envStr("BREWVA_TELEGRAM_WEBHOOK_BEARER_TOKEN", &c.Ingress.BearerToken)
	envStr("BREWVA_TELEGRAM_WEBHOOK_HMAC_SECRET", &c.Ingress.HMACSecret)
	if v := os.Getenv("BREWVA_TELEGRAM_INGRESS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Ingress.Port = port
		}
	}
	if v := os.Getenv("BREWVA_TELEGRAM_INGRESS_MAX_BODY_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Ingress.MaxBodyBytes = n
		}
	}
	if v := os.Getenv("BREWVA_TELEGRAM_WEBHOOK_HMAC_MAX_SKEW_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Ingress.HMACMaxSkewMs = n
		}
	}
	if v := os.Getenv("BREWVA_TELEGRAM_WEBHOOK_NONCE_TTL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.Ingress.NonceTTLMs = n
		}
	}
	if v := os.Getenv("BREWVA_TELEGRAM_INGRESS_ENABLED"); v != "" {
		c.Ingress.Enabled = v == "true" || v == "1"
	}

	envStr("BREWVA_AUDIT_POSTGRES_DSN", &c.Database.PostgresDSN)

	envStr("BREWVA_AGENT_PROVIDER", &c.Agent.Provider)
	envStr("BREWVA_AGENT_MODEL", &c.Agent.Model)
	envStr("BREWVA_AGENT_API_KEY", &c.Agent.APIKey)
	envStr("BREWVA_AGENT_API_BASE", &c.Agent.APIBase)

	envStr("BREWVA_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("BREWVA_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("BREWVA_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("BREWVA_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("BREWVA_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}

// Save writes the config to a JSON file.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

// Validate checks the configuration for fatal boot errors (spec §7:
// "configuration validation errors at boot").
func (c *Config) Validate() error {
	if c.Ingress.Enabled {
		switch c.Ingress.AuthMode {
		case "bearer":
			if c.Ingress.BearerToken == "" {
				return fmt.Errorf("ingress auth_mode=bearer requires BREWVA_TELEGRAM_WEBHOOK_BEARER_TOKEN")
			}
		case "hmac":
			if c.Ingress.HMACSecret == "" {
				return fmt.Errorf("ingress auth_mode=hmac requires BREWVA_TELEGRAM_WEBHOOK_HMAC_SECRET")
			}
		case "both":
			if c.Ingress.BearerToken == "" || c.Ingress.HMACSecret == "" {
				return fmt.Errorf("ingress auth_mode=both requires both bearer token and hmac secret")
			}
		default:
			return fmt.Errorf("unknown ingress auth_mode %q", c.Ingress.AuthMode)
		}
	}
	if c.Scope.Strategy != "chat" && c.Scope.Strategy != "thread" {
		return fmt.Errorf("unknown scope strategy %q", c.Scope.Strategy)
	}
	if c.Telegram.Token == "" {
		return fmt.Errorf("BREWVA_TELEGRAM_TOKEN is required")
	}
	return nil
}
