// Package orchestrator implements spec.md §4.9: the per-scope serial queue,
// agent-dispatch pipeline, and outbound emission that wires every other
// component together. Grounded on the overall single-linear-pipeline shape
// of internal/channels/telegram/handlers.go's handleMessage (ingress update
// in, bus publish out), re-expressed as the scope-actor design spec.md §9's
// design notes call for instead of a promise-chained tail.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mymmrac/telego"
	"go.opentelemetry.io/otel/attribute"

	"github.com/arcthur/brewva/internal/agentregistry"
	"github.com/arcthur/brewva/internal/approvalstore"
	"github.com/arcthur/brewva/internal/coordinator"
	"github.com/arcthur/brewva/internal/events"
	"github.com/arcthur/brewva/internal/projector"
	"github.com/arcthur/brewva/internal/runtime"
	"github.com/arcthur/brewva/internal/scope"
	"github.com/arcthur/brewva/internal/telemetry"
	"github.com/arcthur/brewva/internal/turn"
	"github.com/arcthur/brewva/internal/turnwal"
)

// FocusStrategy selects how a conversation is partitioned into scopes.
type FocusStrategy = scope.Strategy

const (
	FocusChat   = scope.StrategyChat
	FocusThread = scope.StrategyThread
)

// ACLMode governs owner-command behavior when no owners are configured.
type ACLMode string

const (
	ACLOpen   ACLMode = "open"
	ACLClosed ACLMode = "closed"
)

// BuildScopeKey implements spec.md's E2E-1 scope-key construction; it
// delegates to the scope package so the orchestrator and any other caller
// share one definition.
func BuildScopeKey(strategy FocusStrategy, channel, conversationID, threadID string) string {
	return scope.BuildRoutingScopeKey(strategy, channel, conversationID, threadID)
}

// BuildAgentScopedConversationKey implements spec.md's E2E-1 per-(agent,
// scope) session key.
func BuildAgentScopedConversationKey(agentID, scopeKey string) string {
	return scope.BuildAgentScopedConversationKey(agentID, scopeKey)
}

// Transport sends one rendered outbound request to the provider.
type Transport interface {
	Send(ctx context.Context, req projector.OutboundRequest) error
}

// Config is the orchestrator's static wiring configuration.
type Config struct {
	Channel                string
	FocusStrategy          FocusStrategy
	Owners                 []string
	ACLModeWhenOwnersEmpty ACLMode
	GracefulTimeout        time.Duration
	ChannelSkillPolicy     string
	ControllerAgentID      string
	AllowBotMessages       bool
	CallbackSecret         string
	CallbackContext        string
	MaxTextLength          int
	InlineApprovalsEnabled bool
	CoordinatorLimits      coordinator.Limits
}

// Orchestrator implements C9.
type Orchestrator struct {
	cfg Config

	wal       *turnwal.WAL
	pool      *runtime.Pool
	registry  *agentregistry.Registry
	routing   *approvalstore.RoutingStore
	states    *approvalstore.StateStore
	bus       *events.Bus
	transport Transport

	scopesMu sync.Mutex
	scopes   map[string]*scopeActor

	seqMu       sync.Mutex
	outboundSeq map[string]int64

	shuttingDown atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds an Orchestrator wired to its dependent stores.
func New(cfg Config, wal *turnwal.WAL, pool *runtime.Pool, registry *agentregistry.Registry, routing *approvalstore.RoutingStore, states *approvalstore.StateStore, bus *events.Bus, transport Transport) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		wal:         wal,
		pool:        pool,
		registry:    registry,
		routing:     routing,
		states:      states,
		bus:         bus,
		transport:   transport,
		scopes:      make(map[string]*scopeActor),
		outboundSeq: make(map[string]int64),
	}
}

// HandleUpdate is the ingress-facing entry point — satisfies both
// ingress.Handler's onUpdate callback and ingress.Poller's onUpdate
// callback (the latter ignoring the error return). It projects the raw
// update, appends it to the WAL, and enqueues processing onto the update's
// scope actor; processing itself runs asynchronously, so the ingress layer
// gets a fast accept regardless of how long the agent turn takes.
func (o *Orchestrator) HandleUpdate(ctx context.Context, update telego.Update, _ string) (err error) {
	updateID := fmt.Sprintf("%d", update.UpdateID)
	_, span := telemetry.StartIngressSpan(ctx, o.cfg.Channel, updateID, "")
	defer func() { telemetry.EndSpan(span, err) }()

	if o.shuttingDown.Load() {
		return fmt.Errorf("orchestrator shutting down")
	}

	env, dedupeKey := projector.ProjectUpdate(update, o.inboundOpts())
	if env == nil {
		return nil
	}
	span.SetAttributes(attribute.String("brewva.dedupe_key", dedupeKey))

	scopeName := fmt.Sprintf("channel-%s", o.cfg.Channel)
	walID, err := o.wal.AppendPending(*env, scopeName, dedupeKey)
	if err != nil {
		return fmt.Errorf("wal append: %w", err)
	}
	if rec, ok := o.wal.Lookup(walID); ok && rec.State == turnwal.StateDone {
		return nil // already processed to completion; spec.md §3 idempotency
	}

	o.enqueue(*env, walID)
	return nil
}

func (o *Orchestrator) enqueue(env turn.Envelope, walID string) {
	scopeKey := o.scopeKeyForEnvelope(&env)
	actor := o.actorFor(scopeKey)
	actor.enqueue(context.Background(), func(jobCtx context.Context) {
		if err := o.processTurn(jobCtx, walID, env); err != nil {
			slog.Error("orchestrator: turn processing failed", "scope", scopeKey, "walId", walID, "error", err)
		}
	})
}

// Recover replays non-terminal WAL records at startup (spec.md §4.5
// "Recovery.recover(handlers)"), re-enqueueing each onto its scope actor.
func (o *Orchestrator) Recover() {
	scopeName := fmt.Sprintf("channel-%s", o.cfg.Channel)
	o.wal.Recover(scopeName, func(rec turnwal.Record) {
		o.enqueue(rec.Envelope, rec.WalID)
	})
}

// Shutdown drains every scope actor up to the configured graceful timeout.
// Idempotent: a second call returns the first call's result without
// re-closing anything.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shuttingDown.Store(true)
	o.shutdownOnce.Do(func() {
		shutdownCtx := ctx
		if o.cfg.GracefulTimeout > 0 {
			var cancel context.CancelFunc
			shutdownCtx, cancel = context.WithTimeout(ctx, o.cfg.GracefulTimeout)
			defer cancel()
		}

		o.scopesMu.Lock()
		actors := make([]*scopeActor, 0, len(o.scopes))
		for _, a := range o.scopes {
			actors = append(actors, a)
		}
		o.scopesMu.Unlock()

		for _, a := range actors {
			a.close()
		}

		done := make(chan struct{})
		go func() {
			for _, a := range actors {
				a.wait()
			}
			close(done)
		}()

		select {
		case <-done:
		case <-shutdownCtx.Done():
			o.shutdownErr = shutdownCtx.Err()
		}

		o.pool.Close(shutdownCtx)
	})
	return o.shutdownErr
}

func (o *Orchestrator) actorFor(scopeKey string) *scopeActor {
	o.scopesMu.Lock()
	defer o.scopesMu.Unlock()
	a, ok := o.scopes[scopeKey]
	if !ok {
		a = newScopeActor()
		o.scopes[scopeKey] = a
	}
	return a
}

func (o *Orchestrator) scopeKeyForEnvelope(env *turn.Envelope) string {
	return BuildScopeKey(o.cfg.FocusStrategy, env.Channel, env.ConversationID, env.ThreadID)
}

func (o *Orchestrator) nextSeq(sessionKey string) int64 {
	o.seqMu.Lock()
	defer o.seqMu.Unlock()
	o.outboundSeq[sessionKey]++
	return o.outboundSeq[sessionKey]
}

func (o *Orchestrator) checkACL(senderID string) bool {
	if len(o.cfg.Owners) == 0 {
		return o.cfg.ACLModeWhenOwnersEmpty == ACLOpen
	}
	for _, owner := range o.cfg.Owners {
		if owner == senderID {
			return true
		}
	}
	return false
}

func (o *Orchestrator) isAgentActive(agentID string) bool {
	_, _, agents := o.registry.Snapshot("")
	for _, a := range agents {
		if a.AgentID == agentID {
			return a.Status == agentregistry.StatusActive
		}
	}
	return false
}

func (o *Orchestrator) inboundOpts() projector.InboundOptions {
	return projector.InboundOptions{
		Channel:          o.cfg.Channel,
		AllowBotMessages: o.cfg.AllowBotMessages,
		CallbackSecret:   o.cfg.CallbackSecret,
		CallbackContext:  o.cfg.CallbackContext,
		ResolveApproval: func(conversationID, requestID string) (approvalstore.Snapshot, bool) {
			return o.states.Resolve(conversationID, requestID)
		},
	}
}

func (o *Orchestrator) outboundOpts(agentID string) projector.OutboundOptions {
	return projector.OutboundOptions{
		MaxTextLength:          o.cfg.MaxTextLength,
		InlineApprovalsEnabled: o.cfg.InlineApprovalsEnabled,
		CallbackSecret:         o.cfg.CallbackSecret,
		CallbackContext:        o.cfg.CallbackContext,
		PersistApprovalState: func(conversationID, requestID string, snapshot approvalstore.Snapshot) (string, error) {
			if agentID != "" {
				if err := o.routing.Record(conversationID, requestID, agentID); err != nil {
					o.bus.Broadcast(events.Event{Kind: events.KindAgentRegistryWrite, Scope: conversationID, Err: err})
				}
			}
			return o.states.Record(conversationID, requestID, snapshot)
		},
	}
}

func (o *Orchestrator) emit(ctx context.Context, env turn.Envelope, agentID string) {
	reqs := projector.RenderTurn(env, o.outboundOpts(agentID))
	for _, req := range reqs {
		if err := o.transport.Send(ctx, req); err != nil {
			o.bus.Broadcast(events.Event{Kind: events.KindTurnOutboundError, Scope: env.ConversationID, Payload: req, Err: err})
		}
	}
}
