package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/arcthur/brewva/internal/agentregistry"
	"github.com/arcthur/brewva/internal/approvalstore"
	"github.com/arcthur/brewva/internal/events"
	"github.com/arcthur/brewva/internal/projector"
	"github.com/arcthur/brewva/internal/runtime"
	"github.com/arcthur/brewva/internal/turn"
	"github.com/arcthur/brewva/internal/turnwal"
)

func TestBuildScopeKeyChatStrategy(t *testing.T) {
	if got := BuildScopeKey(FocusChat, "telegram", "123", "42"); got != "telegram:123" {
		t.Fatalf("got %q", got)
	}
}

func TestBuildScopeKeyThreadStrategy(t *testing.T) {
	if got := BuildScopeKey(FocusThread, "telegram", "123", "42"); got != "telegram:123:thread:42" {
		t.Fatalf("got %q", got)
	}
	if got := BuildScopeKey(FocusThread, "telegram", "123", ""); got != "telegram:123:thread:root" {
		t.Fatalf("got %q", got)
	}
}

func TestBuildAgentScopedConversationKey(t *testing.T) {
	if got := BuildAgentScopedConversationKey("jack", "telegram:123"); got != "agent:jack:telegram:123" {
		t.Fatalf("got %q", got)
	}
}

// --- test doubles -----------------------------------------------------

type recordingSession struct {
	id string

	mu      sync.Mutex
	prompts []string
}

func (s *recordingSession) ID() string { return s.id }
func (s *recordingSession) SendUserMessage(ctx context.Context, prompt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = append(s.prompts, prompt)
	return nil
}
func (s *recordingSession) WaitForIdle(ctx context.Context) error { return nil }
func (s *recordingSession) Events() <-chan runtime.SessionEvent   { return nil }
func (s *recordingSession) Close(ctx context.Context) error       { return nil }

func (s *recordingSession) snapshotPrompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.prompts...)
}

type recordingFactory struct {
	mu       sync.Mutex
	sessions []*recordingSession
}

func (f *recordingFactory) NewSession(ctx context.Context, agentID string, cfg map[string]any) (runtime.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &recordingSession{id: fmt.Sprintf("%s-%d", agentID, len(f.sessions))}
	f.sessions = append(f.sessions, s)
	return s, nil
}

type recordingTransport struct {
	mu   sync.Mutex
	reqs []projector.OutboundRequest
}

func (tr *recordingTransport) Send(ctx context.Context, req projector.OutboundRequest) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.reqs = append(tr.reqs, req)
	return nil
}

func (tr *recordingTransport) snapshot() []projector.OutboundRequest {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]projector.OutboundRequest(nil), tr.reqs...)
}

func newTestOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *recordingFactory, *recordingTransport) {
	t.Helper()
	dir := t.TempDir()

	wal, err := turnwal.Open(dir + "/wal")
	if err != nil {
		t.Fatalf("turnwal.Open: %v", err)
	}
	factory := &recordingFactory{}
	pool := runtime.NewPool(factory, 8, time.Hour)
	registry, err := agentregistry.Open(dir+"/channel", dir+"/agents")
	if err != nil {
		t.Fatalf("agentregistry.Open: %v", err)
	}
	routing, err := approvalstore.NewRoutingStore(dir+"/channel", 0)
	if err != nil {
		t.Fatalf("NewRoutingStore: %v", err)
	}
	states, err := approvalstore.NewStateStore(dir+"/channel", 0)
	if err != nil {
		t.Fatalf("NewStateStore: %v", err)
	}
	bus := events.New()
	transport := &recordingTransport{}

	if cfg.Channel == "" {
		cfg.Channel = "telegram"
	}
	if cfg.ControllerAgentID == "" {
		cfg.ControllerAgentID = "controller"
	}

	o := New(cfg, wal, pool, registry, routing, states, bus, transport)
	return o, factory, transport
}

func userEnvelope(conversationID, text string) turn.Envelope {
	env := turn.Envelope{
		Schema:         turn.EnvelopeSchema,
		Kind:           turn.KindUser,
		Channel:        "telegram",
		ConversationID: conversationID,
		TimestampMs:    time.Now().UnixMilli(),
		Parts:          []turn.Part{{Type: turn.PartText, Text: text}},
	}
	env.SetMeta("senderId", "owner-1")
	return env
}

// enqueueEnvelope mirrors HandleUpdate's WAL-append-then-enqueue sequence
// for tests that build envelopes directly instead of routing them through
// ProjectUpdate.
func enqueueEnvelope(t *testing.T, o *Orchestrator, env turn.Envelope, dedupeKey string) {
	t.Helper()
	scopeName := fmt.Sprintf("channel-%s", o.cfg.Channel)
	walID, err := o.wal.AppendPending(env, scopeName, dedupeKey)
	if err != nil {
		t.Fatalf("AppendPending: %v", err)
	}
	o.enqueue(env, walID)
}

func waitForActors(o *Orchestrator) {
	o.scopesMu.Lock()
	actors := make([]*scopeActor, 0, len(o.scopes))
	for _, a := range o.scopes {
		actors = append(actors, a)
	}
	o.scopesMu.Unlock()

	for _, a := range actors {
		wait := make(chan struct{})
		a.enqueue(context.Background(), func(context.Context) { close(wait) })
		<-wait
	}
}

func TestHandleUpdateDispatchesPlainMessageToDefaultAgent(t *testing.T) {
	o, factory, _ := newTestOrchestrator(t, Config{FocusStrategy: FocusChat, ACLModeWhenOwnersEmpty: ACLOpen})
	env := userEnvelope("123", "hello there")
	enqueueEnvelope(t, o, env, "dedupe-1")
	waitForActors(o)

	factory.mu.Lock()
	n := len(factory.sessions)
	var prompts []string
	if n > 0 {
		prompts = factory.sessions[0].snapshotPrompts()
	}
	factory.mu.Unlock()

	if n != 1 {
		t.Fatalf("expected one session created, got %d", n)
	}
	if len(prompts) != 1 {
		t.Fatalf("expected one prompt sent to the session, got %d", len(prompts))
	}
}

func TestPerScopeOrderingIsFIFO(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Config{FocusStrategy: FocusChat, ACLModeWhenOwnersEmpty: ACLOpen})

	var mu sync.Mutex
	var order []int
	scopeKey := BuildScopeKey(FocusChat, "telegram", "123", "")
	actor := o.actorFor(scopeKey)

	for i := 0; i < 20; i++ {
		i := i
		actor.enqueue(context.Background(), func(context.Context) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	waitForActors(o)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 20 {
		t.Fatalf("expected 20 entries, got %d", len(order))
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO order, got %v at index %d", v, i)
		}
	}
}

func TestFocusInvariantAfterSoftDelete(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Config{FocusStrategy: FocusChat, ACLModeWhenOwnersEmpty: ACLOpen})
	scopeKey := BuildScopeKey(FocusChat, "telegram", "123", "")

	if _, err := o.registry.CreateAgent("jack", ""); err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if err := o.registry.SetFocus(scopeKey, "jack"); err != nil {
		t.Fatalf("SetFocus: %v", err)
	}
	if got := o.registry.ResolveFocus(scopeKey); got != "jack" {
		t.Fatalf("expected focus jack, got %q", got)
	}

	if err := o.registry.SoftDelete("jack"); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	if got := o.registry.ResolveFocus(scopeKey); got != agentregistry.DefaultAgentID {
		t.Fatalf("expected focus to fall back to default after delete, got %q", got)
	}
}

func TestACLOpenModeAllowsControlCommandsWithNoOwners(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Config{FocusStrategy: FocusChat, ACLModeWhenOwnersEmpty: ACLOpen})
	if !o.checkACL("anyone") {
		t.Fatal("expected open ACL mode to allow any sender when owners is empty")
	}
}

func TestACLClosedModeDeniesControlCommandsWithNoOwners(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Config{FocusStrategy: FocusChat, ACLModeWhenOwnersEmpty: ACLClosed})
	if o.checkACL("anyone") {
		t.Fatal("expected closed ACL mode to deny when owners is empty")
	}
}

func TestACLWithOwnersConfiguredRequiresMatch(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Config{FocusStrategy: FocusChat, Owners: []string{"owner-1"}})
	if !o.checkACL("owner-1") {
		t.Fatal("expected configured owner to pass ACL")
	}
	if o.checkACL("stranger") {
		t.Fatal("expected non-owner to fail ACL")
	}
}

func TestCommandRoutingNewAgentDeniedWithoutACL(t *testing.T) {
	o, _, transport := newTestOrchestrator(t, Config{FocusStrategy: FocusChat, Owners: []string{"someone-else"}})
	env := userEnvelope("123", "/new-agent jack")
	enqueueEnvelope(t, o, env, "dedupe-2")
	waitForActors(o)

	reqs := transport.snapshot()
	if len(reqs) == 0 || reqs[len(reqs)-1].Text != "Command denied: owner-only command" {
		t.Fatalf("expected denial reply, got %+v", reqs)
	}
}

func TestCommandRoutingNewAgentSucceedsWithACL(t *testing.T) {
	o, _, transport := newTestOrchestrator(t, Config{FocusStrategy: FocusChat, Owners: []string{"owner-1"}})
	env := userEnvelope("123", "/new-agent jack")
	enqueueEnvelope(t, o, env, "dedupe-3")
	waitForActors(o)

	reqs := transport.snapshot()
	if len(reqs) == 0 {
		t.Fatal("expected a reply")
	}
	last := reqs[len(reqs)-1].Text
	if last != `Agent "jack" created (model=-)` {
		t.Fatalf("unexpected reply: %q", last)
	}
}

func TestCommandRoutingMalformedUsageReturnsError(t *testing.T) {
	o, _, transport := newTestOrchestrator(t, Config{FocusStrategy: FocusChat, ACLModeWhenOwnersEmpty: ACLOpen})
	env := userEnvelope("123", "/focus")
	enqueueEnvelope(t, o, env, "dedupe-4")
	waitForActors(o)

	reqs := transport.snapshot()
	if len(reqs) == 0 {
		t.Fatal("expected a reply")
	}
	last := reqs[len(reqs)-1].Text
	if last != "Command failed: usage: /focus @name" {
		t.Fatalf("unexpected reply: %q", last)
	}
}

func TestCommandRoutingAgentsListNeverRequiresACL(t *testing.T) {
	o, _, transport := newTestOrchestrator(t, Config{FocusStrategy: FocusChat, ACLModeWhenOwnersEmpty: ACLClosed})
	env := userEnvelope("123", "/agents")
	enqueueEnvelope(t, o, env, "dedupe-5")
	waitForActors(o)

	reqs := transport.snapshot()
	if len(reqs) == 0 {
		t.Fatal("expected a reply")
	}
	if reqs[len(reqs)-1].Text == "Command denied: owner-only command" {
		t.Fatal("expected /agents to bypass ACL")
	}
}

func TestApprovalTurnRoutesViaRoutingStore(t *testing.T) {
	o, factory, _ := newTestOrchestrator(t, Config{FocusStrategy: FocusChat, ACLModeWhenOwnersEmpty: ACLOpen})
	if err := o.routing.Record("123", "req-1", "jack"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	env := turn.Envelope{
		Schema:         turn.EnvelopeSchema,
		Kind:           turn.KindApproval,
		Channel:        "telegram",
		ConversationID: "123",
		TimestampMs:    time.Now().UnixMilli(),
		Parts:          []turn.Part{{Type: turn.PartText, Text: "approval req-1 -> approve"}},
	}
	env.SetMeta("approvalRequestId", "req-1")

	enqueueEnvelope(t, o, env, "dedupe-6")
	waitForActors(o)

	factory.mu.Lock()
	defer factory.mu.Unlock()
	found := false
	for _, s := range factory.sessions {
		if s.id == "jack-0" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a session created for routed agent jack, got %+v", factory.sessions)
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, Config{FocusStrategy: FocusChat, ACLModeWhenOwnersEmpty: ACLOpen, GracefulTimeout: time.Second})
	env := userEnvelope("123", "hello")
	enqueueEnvelope(t, o, env, "dedupe-7")
	waitForActors(o)

	if err := o.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := o.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}
