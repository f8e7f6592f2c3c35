// Package agentregistry implements the named-agent directory of spec.md
// §4.3: creation, soft delete, per-scope focus, and the scaffold files each
// agent carries on disk. Grounded on internal/sessions.Manager's
// persisted-map-plus-mutex-plus-atomic-save idiom.
package agentregistry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

const schema = "brewva.agent-registry/v1"

// DefaultAgentID is the always-present, never-deletable agent.
const DefaultAgentID = "default"

var reservedIDs = map[string]bool{"default": true, "all": true, "system": true}

var idPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Status is an agent record's lifecycle state.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

var (
	ErrReserved     = fmt.Errorf("reserved_agent_id")
	ErrExists       = fmt.Errorf("agent_exists")
	ErrNotFound     = fmt.Errorf("agent_not_found")
	ErrCannotDelete = fmt.Errorf("cannot_delete_default")
	ErrNotActive    = fmt.Errorf("agent_not_active")
)

// Record is one agent's registry entry.
type Record struct {
	AgentID      string `json:"agentId"`
	Status       Status `json:"status"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
	DeletedAt    *int64 `json:"deletedAt,omitempty"`
	LastActiveAt *int64 `json:"lastActiveAt,omitempty"`
	Model        string `json:"model,omitempty"`
}

type fileFormat struct {
	Schema         string            `json:"schema"`
	UpdatedAt      int64             `json:"updatedAt"`
	DefaultAgentID string            `json:"defaultAgentId"`
	FocusByScope   map[string]string `json:"focusByScope"`
	Agents         map[string]Record `json:"agents"`
}

// Registry is the durable agent directory.
type Registry struct {
	path        string // .brewva/channel/agent-registry.json
	scaffoldDir string // .brewva/agents

	mu   sync.Mutex
	data fileFormat
}

// Open loads (or initializes) a Registry rooted at channelDir (holding the
// index file) with agent scaffold files under agentsDir.
func Open(channelDir, agentsDir string) (*Registry, error) {
	if err := os.MkdirAll(channelDir, 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(agentsDir, 0755); err != nil {
		return nil, err
	}
	r := &Registry{
		path:        filepath.Join(channelDir, "agent-registry.json"),
		scaffoldDir: agentsDir,
		data: fileFormat{
			Schema:         schema,
			DefaultAgentID: DefaultAgentID,
			FocusByScope:   make(map[string]string),
			Agents:         make(map[string]Record),
		},
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	if err := r.ensureDefault(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var f fileFormat
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse agent registry: %w", err)
	}
	if f.FocusByScope == nil {
		f.FocusByScope = make(map[string]string)
	}
	if f.Agents == nil {
		f.Agents = make(map[string]Record)
	}
	if f.DefaultAgentID == "" {
		f.DefaultAgentID = DefaultAgentID
	}
	f.Schema = schema
	r.data = f
	return nil
}

// ensureDefault guarantees the default agent exists and is active — spec.md
// §4.3 "the default agent is always re-activated if found deleted".
func (r *Registry) ensureDefault() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UnixMilli()
	rec, ok := r.data.Agents[DefaultAgentID]
	if !ok {
		r.data.Agents[DefaultAgentID] = Record{
			AgentID:   DefaultAgentID,
			Status:    StatusActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
	} else if rec.Status != StatusActive {
		rec.Status = StatusActive
		rec.DeletedAt = nil
		rec.UpdatedAt = now
		r.data.Agents[DefaultAgentID] = rec
	}
	if err := r.ensureScaffold(DefaultAgentID); err != nil {
		return err
	}
	return r.flushLocked()
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

func (r *Registry) ensureScaffold(agentID string) error {
	dir := filepath.Join(r.scaffoldDir, agentID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	identityPath := filepath.Join(dir, "identity.md")
	if _, err := os.Stat(identityPath); os.IsNotExist(err) {
		if err := os.WriteFile(identityPath, []byte("# "+agentID+"\n"), 0644); err != nil {
			return err
		}
	}
	configPath := filepath.Join(dir, "config.json")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := os.WriteFile(configPath, []byte("{}\n"), 0644); err != nil {
			return err
		}
	}
	return nil
}

// CreateAgent creates (or reactivates) agentID. model, if non-empty,
// overlays the agent's scaffold config on reactivation.
func (r *Registry) CreateAgent(requestedAgentID, model string) (Record, error) {
	id := normalizeID(requestedAgentID)
	if !idPattern.MatchString(id) {
		return Record{}, fmt.Errorf("invalid agent id %q", id)
	}
	if reservedIDs[id] {
		return Record{}, ErrReserved
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UnixMilli()
	if existing, ok := r.data.Agents[id]; ok {
		if existing.Status == StatusActive {
			return Record{}, ErrExists
		}
		existing.Status = StatusActive
		existing.DeletedAt = nil
		existing.UpdatedAt = now
		if model != "" {
			existing.Model = model
		}
		r.data.Agents[id] = existing
		if err := r.ensureScaffold(id); err != nil {
			return Record{}, err
		}
		if err := r.flushLocked(); err != nil {
			return Record{}, err
		}
		return existing, nil
	}

	rec := Record{AgentID: id, Status: StatusActive, CreatedAt: now, UpdatedAt: now, Model: model}
	r.data.Agents[id] = rec
	if err := r.ensureScaffold(id); err != nil {
		return Record{}, err
	}
	if err := r.flushLocked(); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// SoftDelete flips agentID to deleted and clears any focus entries
// referencing it. The default agent can never be deleted.
func (r *Registry) SoftDelete(agentID string) error {
	if agentID == DefaultAgentID {
		return ErrCannotDelete
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.data.Agents[agentID]
	if !ok || rec.Status != StatusActive {
		return ErrNotFound
	}
	now := time.Now().UnixMilli()
	rec.Status = StatusDeleted
	rec.DeletedAt = &now
	rec.UpdatedAt = now
	r.data.Agents[agentID] = rec

	for scope, focused := range r.data.FocusByScope {
		if focused == agentID {
			delete(r.data.FocusByScope, scope)
		}
	}

	return r.flushLocked()
}

// SetFocus sets the focused agent for scope; agentID must be active.
func (r *Registry) SetFocus(scopeKey, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.data.Agents[agentID]
	if !ok || rec.Status != StatusActive {
		return ErrNotActive
	}
	r.data.FocusByScope[scopeKey] = agentID
	return r.flushLocked()
}

// ResolveFocus returns the focused agent for scope if still active,
// otherwise the default agent (clearing any stale entry).
func (r *Registry) ResolveFocus(scopeKey string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.data.FocusByScope[scopeKey]
	if !ok {
		return DefaultAgentID
	}
	rec, active := r.data.Agents[id]
	if !active || rec.Status != StatusActive {
		delete(r.data.FocusByScope, scopeKey)
		_ = r.flushLocked()
		return DefaultAgentID
	}
	return id
}

// AgentSnapshot is one row of Snapshot's result.
type AgentSnapshot struct {
	Record
	IsFocused bool `json:"isFocused"`
}

// Snapshot returns the focused agent, the default agent id, and every
// agent record sorted by id, flagged isFocused.
func (r *Registry) Snapshot(scopeKey string) (focused string, defaultID string, agents []AgentSnapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	focusedID, ok := r.data.FocusByScope[scopeKey]
	if !ok {
		focusedID = r.data.DefaultAgentID
	}

	ids := make([]string, 0, len(r.data.Agents))
	for id := range r.data.Agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]AgentSnapshot, 0, len(ids))
	for _, id := range ids {
		rec := r.data.Agents[id]
		out = append(out, AgentSnapshot{Record: rec, IsFocused: id == focusedID})
	}
	return focusedID, r.data.DefaultAgentID, out
}

// TouchAgent updates lastActiveAt in memory only; callers may call Flush to
// persist it explicitly (spec.md §4.3: "persists on request only").
func (r *Registry) TouchAgent(agentID string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.data.Agents[agentID]
	if !ok {
		return
	}
	ms := t.UnixMilli()
	rec.LastActiveAt = &ms
	r.data.Agents[agentID] = rec
}

// Flush persists the current in-memory state.
func (r *Registry) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked()
}

func (r *Registry) flushLocked() error {
	r.data.UpdatedAt = time.Now().UnixMilli()
	data, err := json.MarshalIndent(r.data, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Dir(r.path), r.path, data)
}

func atomicWrite(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "tmp-*.json")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
