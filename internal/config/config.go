// Package config loads and holds the effective brewva configuration.
package config

import (
	"encoding/json"
	"fmt"
	"sync"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON5 source.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the brewva orchestrator.
type Config struct {
	Workspace string          `json:"workspace"`
	Telegram  TelegramConfig  `json:"telegram"`
	Ingress   IngressConfig   `json:"ingress"`
	Scope     ScopeConfig     `json:"scope"`
	Runtime   RuntimeConfig   `json:"runtime"`
	WAL       WALConfig       `json:"wal"`
	Approval  ApprovalConfig  `json:"approval"`
	Command   CommandConfig   `json:"command"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Agent     AgentConfig     `json:"agent,omitempty"`

	mu sync.RWMutex
}

// AgentConfig selects the LLM provider backing the runtime's sessions.
// Provider HTTP details are a thin adapter over the black-box Session
// abstraction (out of scope per spec.md §1) — this only selects which
// concrete client to dial.
type AgentConfig struct {
	Provider string `json:"provider,omitempty"` // "anthropic" (default) or "openai"
	Model    string `json:"model,omitempty"`
	APIKey   string `json:"-"` // env BREWVA_AGENT_API_KEY only
	APIBase  string `json:"api_base,omitempty"`
}

// TelegramConfig configures the Telegram transport (bot token, proxy,
// callback signing secret).
type TelegramConfig struct {
	Token               string              `json:"-"` // env BREWVA_TELEGRAM_TOKEN only
	Proxy               string              `json:"proxy,omitempty"`
	OwnerIDs            FlexibleStringSlice `json:"owner_ids,omitempty"`
	AclModeWhenEmpty    string              `json:"acl_mode_when_owners_empty,omitempty"` // "open" (default) or "closed"
	CallbackSecret      string              `json:"-"`                                    // env BREWVA_TELEGRAM_CALLBACK_SECRET only
	InlineApprovals     bool                `json:"inline_approvals,omitempty"`           // enable rendering approval turns as inline keyboards
	MaxTextLength       int                 `json:"max_text_length,omitempty"`            // default 4096
	PollingEnabled      bool                `json:"polling_enabled,omitempty"`            // fallback when webhook ingress is disabled
	PollingTimeoutSec   int                 `json:"polling_timeout_sec,omitempty"`        // default 30
	PollingLimit        int                 `json:"polling_limit,omitempty"`              // default 100
	PollingRetryDelayMs int                 `json:"polling_retry_delay_ms,omitempty"`     // default 2000
}

// IngressConfig configures the webhook HTTP endpoint.
type IngressConfig struct {
	Enabled       bool   `json:"enabled"`
	Host          string `json:"host,omitempty"` // default "0.0.0.0"
	Port          int    `json:"port,omitempty"` // default 8787
	Path          string `json:"path,omitempty"` // default "/ingest/telegram"
	MaxBodyBytes  int64  `json:"max_body_bytes,omitempty"`
	AuthMode      string `json:"auth_mode,omitempty"` // "hmac", "bearer", "both"
	BearerToken   string `json:"-"`                   // env BREWVA_TELEGRAM_WEBHOOK_BEARER_TOKEN only
	HMACSecret    string `json:"-"`                   // env BREWVA_TELEGRAM_WEBHOOK_HMAC_SECRET only
	HMACMaxSkewMs int64  `json:"hmac_max_skew_ms,omitempty"`
	NonceTTLMs    int64  `json:"nonce_ttl_ms,omitempty"`
}

// ScopeConfig controls how scope keys are derived from provider updates.
type ScopeConfig struct {
	Strategy string `json:"strategy,omitempty"` // "chat" (default) or "thread"
}

// RuntimeConfig bounds the agent runtime pool.
type RuntimeConfig struct {
	MaxLiveRuntimes  int   `json:"max_live_runtimes,omitempty"`   // default 32
	IdleRuntimeTTLMs int64 `json:"idle_runtime_ttl_ms,omitempty"` // default 30m
}

// WALConfig controls the turn write-ahead log.
type WALConfig struct {
	Dir            string `json:"dir,omitempty"`
	CompactAfterMs int64  `json:"compact_after_ms,omitempty"` // default 30s floor
}

// ApprovalConfig bounds the approval state/routing stores.
type ApprovalConfig struct {
	MaxEntriesPerConversation int `json:"max_entries_per_conversation,omitempty"` // default 2048
}

// CommandConfig bounds coordinator fan-out/discuss/A2A behavior.
type CommandConfig struct {
	FanoutMaxAgents     int   `json:"fanout_max_agents,omitempty"`     // default 8
	MaxDiscussionRounds int   `json:"max_discussion_rounds,omitempty"` // default 6
	A2AMaxDepth         int   `json:"a2a_max_depth,omitempty"`         // default 4
	A2AMaxHops          int   `json:"a2a_max_hops,omitempty"`          // default 8
	ForbidSelfA2A       bool  `json:"forbid_self_a2a,omitempty"`       // default true
	GracefulTimeoutMs   int64 `json:"graceful_timeout_ms,omitempty"`   // default 15s
}

// DatabaseConfig configures the optional Postgres audit mirror.
// PostgresDSN is NEVER read from the config file — env only.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"` // from env BREWVA_AUDIT_POSTGRES_DSN only
}

// IsAuditEnabled returns true if the optional Postgres audit mirror should run.
func (c *Config) IsAuditEnabled() bool {
	return c.Database.PostgresDSN != ""
}

// TelemetryConfig configures OpenTelemetry span export for turn processing.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // not consulted: spans are always exported over OTLP/HTTP
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"` // default "brewva"
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Workspace = src.Workspace
	c.Telegram = src.Telegram
	c.Ingress = src.Ingress
	c.Scope = src.Scope
	c.Runtime = src.Runtime
	c.WAL = src.WAL
	c.Approval = src.Approval
	c.Command = src.Command
	c.Database = src.Database
	c.Telemetry = src.Telemetry
	c.Agent = src.Agent
}

// Snapshot returns a deep-enough copy for read-only use outside the mutex.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	cp.mu = sync.RWMutex{}
	return cp
}
