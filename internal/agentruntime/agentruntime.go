// Package agentruntime implements runtime.Factory/runtime.Session against a
// real providers.Provider — the concrete backing for the black-box runtime
// spec.md §1 explicitly places out of scope (SPEC_FULL.md §3 asks only for
// "a minimal concrete shape so the repo compiles end to end", not the
// teacher's full tool-execution/bootstrap/compaction Loop in
// internal/agent/loop.go). Grounded on providers.Provider's Chat call and
// Message history shape, stripped to single-turn chat completion: no tool
// dispatch, no bootstrap context, no streaming — those are the parts of the
// teacher's Loop that belong to the excluded feature, not the session
// abstraction itself.
package agentruntime

import (
	"context"
	"fmt"
	"sync"

	"github.com/arcthur/brewva/internal/providers"
	"github.com/arcthur/brewva/internal/runtime"
)

// BuildProvider selects a concrete providers.Provider from an agent provider
// name, api key/base, and default model, mirroring the teacher's provider
// selection in internal/channels/telegram/channel.go's config-driven
// construction pattern.
func BuildProvider(name, apiKey, apiBase, model string) (providers.Provider, error) {
	switch name {
	case "", "anthropic":
		var opts []providers.AnthropicOption
		if apiBase != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(apiBase))
		}
		if model != "" {
			opts = append(opts, providers.WithAnthropicModel(model))
		}
		return providers.NewAnthropicProvider(apiKey, opts...), nil
	case "openai":
		return providers.NewOpenAIProvider("openai", apiKey, apiBase, model), nil
	default:
		return nil, fmt.Errorf("agentruntime: unknown provider %q", name)
	}
}

// Factory builds sessions that each drive provider with their own message
// history, one per (agentId, scopeKey) as the pool requires.
type Factory struct {
	provider providers.Provider
	model    string
}

// NewFactory builds a Factory bound to provider, overriding its default
// model when model is non-empty.
func NewFactory(provider providers.Provider, model string) *Factory {
	return &Factory{provider: provider, model: model}
}

// NewSession implements runtime.Factory.
func (f *Factory) NewSession(ctx context.Context, agentID string, agentConfig map[string]any) (runtime.Session, error) {
	model := f.model
	if m, ok := agentConfig["model"].(string); ok && m != "" {
		model = m
	}
	return &session{
		id:       agentID,
		provider: f.provider,
		model:    model,
		events:   make(chan runtime.SessionEvent, 4),
	}, nil
}

// session drives one conversation history against the configured provider.
// Per (agentId, scopeKey) sessions are only ever driven by one scope actor
// at a time (spec.md §5: per-scope serial dispatch), so SendUserMessage
// never overlaps with a prior call's WaitForIdle on the same session.
type session struct {
	id       string
	provider providers.Provider
	model    string

	mu      sync.Mutex
	history []providers.Message
	pending chan struct{}

	events chan runtime.SessionEvent
}

func (s *session) ID() string { return s.id }

func (s *session) SendUserMessage(ctx context.Context, prompt string) error {
	s.mu.Lock()
	s.history = append(s.history, providers.Message{Role: "user", Content: prompt})
	req := providers.ChatRequest{
		Messages: append([]providers.Message(nil), s.history...),
		Model:    s.model,
	}
	done := make(chan struct{})
	s.pending = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		resp, err := s.provider.Chat(ctx, req)
		if err != nil {
			s.events <- runtime.SessionEvent{Kind: runtime.EventMessageEnd, Role: "assistant", Content: fmt.Sprintf("error: %v", err)}
			return
		}
		s.mu.Lock()
		s.history = append(s.history, providers.Message{Role: "assistant", Content: resp.Content})
		s.mu.Unlock()
		s.events <- runtime.SessionEvent{Kind: runtime.EventMessageEnd, Role: "assistant", Content: resp.Content}
	}()
	return nil
}

func (s *session) WaitForIdle(ctx context.Context) error {
	s.mu.Lock()
	pending := s.pending
	s.mu.Unlock()
	if pending == nil {
		return nil
	}
	select {
	case <-pending:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) Events() <-chan runtime.SessionEvent { return s.events }

func (s *session) Close(ctx context.Context) error {
	close(s.events)
	return nil
}
