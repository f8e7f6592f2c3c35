package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/arcthur/brewva/internal/command"
	"github.com/arcthur/brewva/internal/coordinator"
	"github.com/arcthur/brewva/internal/runtime"
	"github.com/arcthur/brewva/internal/telemetry"
	"github.com/arcthur/brewva/internal/turn"
)

// processTurn implements spec.md §4.9's 10-step pipeline for one accepted
// inbound envelope.
func (o *Orchestrator) processTurn(ctx context.Context, walID string, env turn.Envelope) error {
	if err := o.wal.MarkInflight(walID); err != nil {
		return err
	}

	scopeKey := o.scopeKeyForEnvelope(&env)
	senderID := env.MetaString("senderId")
	explicitAgentID := ""

	if env.Kind == turn.KindUser {
		result := command.Parse(env.Text())
		switch result.Kind {
		case command.KindError:
			o.sendControllerReply(ctx, scopeKey, env, "Command failed: "+result.Error)
			return o.wal.MarkDone(walID)

		case command.KindAgentsList:
			o.sendControllerReply(ctx, scopeKey, env, o.renderAgentsList(scopeKey))
			return o.wal.MarkDone(walID)

		case command.KindNewAgent, command.KindDelAgent, command.KindFocus, command.KindRun, command.KindDiscuss:
			if !o.checkACL(senderID) {
				o.sendControllerReply(ctx, scopeKey, env, "Command denied: owner-only command")
				return o.wal.MarkDone(walID)
			}
			reply := o.runControlCommand(ctx, scopeKey, result)
			o.sendControllerReply(ctx, scopeKey, env, reply)
			return o.wal.MarkDone(walID)

		case command.KindRouteAgent:
			explicitAgentID = result.AgentID
			env.Parts = []turn.Part{{Type: turn.PartText, Text: result.Task}}

		case command.KindNone:
			// plain message: fall through to normal agent dispatch
		}
	}

	agentID := o.resolveTargetAgent(env, scopeKey, explicitAgentID)

	if err := o.dispatchToAgent(ctx, scopeKey, agentID, env); err != nil {
		_ = o.wal.MarkFailed(walID, err)
		return err
	}
	return o.wal.MarkDone(walID)
}

// resolveTargetAgent implements spec.md §4.9 step 4: explicit @mention wins,
// then approval-routing lookup, then scope focus.
func (o *Orchestrator) resolveTargetAgent(env turn.Envelope, scopeKey, explicitAgentID string) string {
	if explicitAgentID != "" {
		return explicitAgentID
	}
	if env.Kind == turn.KindApproval {
		if requestID := env.MetaString("approvalRequestId"); requestID != "" {
			if route, ok := o.routing.Resolve(env.ConversationID, requestID); ok {
				return route.AgentID
			}
		}
	}
	return o.registry.ResolveFocus(scopeKey)
}

// dispatchToAgent implements spec.md §4.9 steps 5-9: ensure the (agent,
// scope) session, canonicalize the envelope onto the agent-scoped session
// id, build the prompt, drive the session, and emit its tool/assistant
// turns.
func (o *Orchestrator) dispatchToAgent(ctx context.Context, scopeKey, agentID string, env turn.Envelope) (err error) {
	ctx, span := telemetry.StartDispatchSpan(ctx, agentID, scopeKey)
	defer func() { telemetry.EndSpan(span, err) }()

	sess, err := o.ensureSession(ctx, agentID, scopeKey)
	if err != nil {
		return err
	}

	env.SetMeta("channelSessionId", env.SessionID)
	env.SessionID = BuildAgentScopedConversationKey(agentID, scopeKey)

	prompt := o.buildPrompt(env)

	coll, stop := collectSessionEvents(sess)
	defer stop()

	if err := sess.SendUserMessage(ctx, prompt); err != nil {
		return err
	}
	if err := sess.WaitForIdle(ctx); err != nil {
		return err
	}
	stop()

	o.registry.TouchAgent(agentID, time.Now())

	tools, assistantText := coll.snapshot()
	o.emitAgentTurns(ctx, scopeKey, agentID, env, tools, assistantText)
	return nil
}

// ensureSession wraps pool.EnsureSession with the capacity-exhausted retry
// described in spec.md §4.9 step 5: evict the pool's globally least-recently
// -used agent and retry exactly once.
func (o *Orchestrator) ensureSession(ctx context.Context, agentID, scopeKey string) (runtime.Session, error) {
	cfg := o.agentConfig(agentID)
	sess, err := o.pool.EnsureSession(ctx, agentID, scopeKey, cfg)
	if errors.Is(err, runtime.ErrCapacityExhausted) {
		if victim, ok := o.pool.LRUAgentID(); ok {
			o.pool.Evict(ctx, victim)
			sess, err = o.pool.EnsureSession(ctx, agentID, scopeKey, cfg)
		}
	}
	return sess, err
}

func (o *Orchestrator) agentConfig(agentID string) map[string]any {
	return map[string]any{"agentId": agentID}
}

// collector accumulates a session's tool_execution_end/message_end events,
// deduped on toolCallId, until stopped — spec.md §4.9 step 8 / §9's
// event-loop-subscribe-to-event-bus design note.
type collector struct {
	mu        sync.Mutex
	toolSeen  map[string]bool
	tools     []runtime.SessionEvent
	assistant string
}

func (c *collector) snapshot() ([]runtime.SessionEvent, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]runtime.SessionEvent(nil), c.tools...), c.assistant
}

// collectSessionEvents starts a background drain of sess.Events() and
// returns the collector plus a stop func that is safe to call more than
// once (an explicit call after WaitForIdle, and a deferred safety net).
func collectSessionEvents(sess runtime.Session) (*collector, func()) {
	c := &collector{toolSeen: make(map[string]bool)}
	done := make(chan struct{})
	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }

	events := sess.Events()
	if events == nil {
		return c, stop
	}

	go func() {
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				c.mu.Lock()
				switch ev.Kind {
				case runtime.EventToolExecutionEnd:
					if !c.toolSeen[ev.ToolCallID] {
						c.toolSeen[ev.ToolCallID] = true
						c.tools = append(c.tools, ev)
					}
				case runtime.EventMessageEnd:
					if ev.Role == "assistant" {
						c.assistant = ev.Content
					}
				}
				c.mu.Unlock()
			case <-done:
				return
			}
		}
	}()
	return c, stop
}

// emitAgentTurns emits one turn per deduped tool event, then (if non-empty)
// one assistant turn, each incrementing the agent-scoped session's outbound
// sequence — spec.md §4.9 step 9.
func (o *Orchestrator) emitAgentTurns(ctx context.Context, scopeKey, agentID string, env turn.Envelope, tools []runtime.SessionEvent, assistantText string) {
	sessionKey := BuildAgentScopedConversationKey(agentID, scopeKey)

	for _, t := range tools {
		o.nextSeq(sessionKey)
		toolEnv := turn.Envelope{
			Schema:         turn.EnvelopeSchema,
			Kind:           turn.KindTool,
			SessionID:      sessionKey,
			TurnID:         fmt.Sprintf("%s:tool:%s", sessionKey, t.ToolCallID),
			Channel:        env.Channel,
			ConversationID: env.ConversationID,
			ThreadID:       env.ThreadID,
			TimestampMs:    time.Now().UnixMilli(),
			Parts:          []turn.Part{{Type: turn.PartText, Text: formatToolTurn(t)}},
		}
		o.emit(ctx, toolEnv, agentID)
	}

	if strings.TrimSpace(assistantText) != "" {
		seq := o.nextSeq(sessionKey)
		assistantEnv := turn.Envelope{
			Schema:         turn.EnvelopeSchema,
			Kind:           turn.KindAssistant,
			SessionID:      sessionKey,
			TurnID:         fmt.Sprintf("%s:out:%d", sessionKey, seq),
			Channel:        env.Channel,
			ConversationID: env.ConversationID,
			ThreadID:       env.ThreadID,
			TimestampMs:    time.Now().UnixMilli(),
			Parts:          []turn.Part{{Type: turn.PartText, Text: assistantText}},
		}
		if env.Kind == turn.KindApproval {
			assistantEnv.SetMeta("respondingToApproval", "true")
		}
		o.emit(ctx, assistantEnv, agentID)
	}
}

func formatToolTurn(ev runtime.SessionEvent) string {
	if ev.Content != "" {
		return fmt.Sprintf("%s: %s", ev.ToolName, ev.Content)
	}
	return ev.ToolName
}

// sendControllerReply emits a reply from the synthetic controller session
// (spec.md §4.9: "controller:<controllerAgentId>"), never through an agent
// session.
func (o *Orchestrator) sendControllerReply(ctx context.Context, scopeKey string, inbound turn.Envelope, text string) {
	sessionKey := fmt.Sprintf("controller:%s", o.cfg.ControllerAgentID)
	seq := o.nextSeq(sessionKey + ":" + scopeKey)
	env := turn.Envelope{
		Schema:         turn.EnvelopeSchema,
		Kind:           turn.KindAssistant,
		SessionID:      sessionKey,
		TurnID:         fmt.Sprintf("%s:%s:%d", sessionKey, scopeKey, seq),
		Channel:        inbound.Channel,
		ConversationID: inbound.ConversationID,
		ThreadID:       inbound.ThreadID,
		TimestampMs:    time.Now().UnixMilli(),
		Parts:          []turn.Part{{Type: turn.PartText, Text: text}},
	}
	o.emit(ctx, env, "")
}

// buildPrompt implements spec.md §4.9 step 7: the channel-skill-policy block
// followed by the serialized inbound prompt.
func (o *Orchestrator) buildPrompt(env turn.Envelope) string {
	var b strings.Builder
	if o.cfg.ChannelSkillPolicy != "" {
		b.WriteString(o.cfg.ChannelSkillPolicy)
		b.WriteString("\n\n")
	}
	b.WriteString(serializeInboundPrompt(env))
	return b.String()
}

func serializeInboundPrompt(env turn.Envelope) string {
	var b strings.Builder
	fmt.Fprintf(&b, "channel: %s\n", env.Channel)
	fmt.Fprintf(&b, "kind: %s\n", env.Kind)
	fmt.Fprintf(&b, "conversationId: %s\n", env.ConversationID)
	if env.ThreadID != "" {
		fmt.Fprintf(&b, "threadId: %s\n", env.ThreadID)
	}
	if senderID := env.MetaString("senderId"); senderID != "" {
		fmt.Fprintf(&b, "senderId: %s\n", senderID)
	}
	if username := env.MetaString("senderUsername"); username != "" {
		fmt.Fprintf(&b, "senderUsername: %s\n", username)
	}
	if actionID := env.MetaString("decisionActionId"); actionID != "" {
		fmt.Fprintf(&b, "approvalAction: %s\n", actionID)
	}
	if screenID := env.MetaString("approvalScreenId"); screenID != "" {
		fmt.Fprintf(&b, "approvalScreen: %s\n", screenID)
	}
	b.WriteString("\n")
	for _, p := range env.Parts {
		switch p.Type {
		case turn.PartText:
			b.WriteString(p.Text)
			b.WriteString("\n")
		case turn.PartImage:
			fmt.Fprintf(&b, "[image: %s]\n", p.URI)
		case turn.PartFile:
			fmt.Fprintf(&b, "[file: %s (%s)]\n", p.Name, p.URI)
		}
	}
	return b.String()
}

// runControlCommand dispatches one owner-ACL-gated control command to its
// handler and formats a controller-reply string.
func (o *Orchestrator) runControlCommand(ctx context.Context, scopeKey string, result command.Result) string {
	switch result.Kind {
	case command.KindNewAgent:
		rec, err := o.registry.CreateAgent(result.Name, result.Model)
		if err != nil {
			return fmt.Sprintf("Command failed: %v", err)
		}
		return fmt.Sprintf("Agent %q created (model=%s)", rec.AgentID, orDash(rec.Model))

	case command.KindDelAgent:
		if err := o.registry.SoftDelete(result.Name); err != nil {
			return fmt.Sprintf("Command failed: %v", err)
		}
		return fmt.Sprintf("Agent %q deleted", result.Name)

	case command.KindFocus:
		if err := o.registry.SetFocus(scopeKey, result.Name); err != nil {
			return fmt.Sprintf("Command failed: %v", err)
		}
		return fmt.Sprintf("Focus set to %q", result.Name)

	case command.KindRun:
		coord := o.coordinatorFor(scopeKey)
		fanout, err := coord.FanOut(ctx, result.AgentIDs, result.Task)
		if err != nil {
			return fmt.Sprintf("Command failed: %v", err)
		}
		return formatFanOutResult(fanout)

	case command.KindDiscuss:
		coord := o.coordinatorFor(scopeKey)
		discuss, err := coord.Discuss(ctx, result.AgentIDs, result.Topic, result.MaxRounds)
		if err != nil {
			return fmt.Sprintf("Command failed: %v", err)
		}
		return formatDiscussResult(discuss)
	}
	return "Command failed: unsupported command"
}

func (o *Orchestrator) coordinatorFor(scopeKey string) *coordinator.Coordinator {
	return coordinator.New(&scopeDispatcher{o: o, scopeKey: scopeKey}, o.cfg.CoordinatorLimits)
}

func (o *Orchestrator) renderAgentsList(scopeKey string) string {
	focused, defaultID, agents := o.registry.Snapshot(scopeKey)
	var b strings.Builder
	fmt.Fprintf(&b, "Agents (focused: %s, default: %s):\n", focused, defaultID)
	for _, a := range agents {
		marker := " "
		if a.IsFocused {
			marker = "*"
		}
		fmt.Fprintf(&b, "%s %s [%s]\n", marker, a.AgentID, a.Status)
	}
	return b.String()
}

func formatFanOutResult(res coordinator.FanOutResult) string {
	var b strings.Builder
	for _, r := range res.Replies {
		if r.OK {
			fmt.Fprintf(&b, "%s: %s\n", r.AgentID, r.Reply)
		} else {
			fmt.Fprintf(&b, "%s: failed (%s)\n", r.AgentID, r.Error)
		}
	}
	if !res.OK {
		b.WriteString("(one or more agents failed)\n")
	}
	return b.String()
}

func formatDiscussResult(res coordinator.DiscussResult) string {
	var b strings.Builder
	for _, r := range res.Rounds {
		fmt.Fprintf(&b, "round %d — %s: %s\n", r.Round, r.AgentID, r.Reply)
	}
	if res.StoppedEarly {
		b.WriteString("(discussion ended early by stop signal)\n")
	}
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
