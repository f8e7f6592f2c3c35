package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	inactive map[string]bool
	replies  map[string][]string // agentID -> queued replies, consumed in order
	failOn   map[string]bool
	calls    int
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		inactive: make(map[string]bool),
		replies:  make(map[string][]string),
		failOn:   make(map[string]bool),
	}
}

func (f *fakeDispatcher) IsActive(agentID string) bool {
	return !f.inactive[agentID]
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, agentID, prompt, reason string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failOn[agentID] {
		return "", fmt.Errorf("boom")
	}
	queue := f.replies[agentID]
	if len(queue) == 0 {
		return "ok from " + agentID, nil
	}
	reply := queue[0]
	f.replies[agentID] = queue[1:]
	return reply, nil
}

func TestFanOutAllActiveOK(t *testing.T) {
	d := newFakeDispatcher()
	c := New(d, DefaultLimits())

	res, err := c.FanOut(context.Background(), []string{"a", "b", "a"}, "do the thing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected overall ok, got %+v", res)
	}
	if len(res.Replies) != 2 {
		t.Fatalf("expected deduped to 2 replies, got %d", len(res.Replies))
	}
}

func TestFanOutInactiveAgentFails(t *testing.T) {
	d := newFakeDispatcher()
	d.inactive["b"] = true
	c := New(d, DefaultLimits())

	res, err := c.FanOut(context.Background(), []string{"a", "b"}, "task")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK {
		t.Fatal("expected overall not-ok when one agent is inactive")
	}
	var bReply *FanOutReply
	for i := range res.Replies {
		if res.Replies[i].AgentID == "b" {
			bReply = &res.Replies[i]
		}
	}
	if bReply == nil || bReply.Error != "agent_not_active" {
		t.Fatalf("expected agent_not_active for b, got %+v", bReply)
	}
}

func TestFanOutEmptyErrors(t *testing.T) {
	c := New(newFakeDispatcher(), DefaultLimits())
	if _, err := c.FanOut(context.Background(), nil, "task"); err == nil {
		t.Fatal("expected error for empty agent list")
	}
}

func TestFanOutExceedsMaxAgents(t *testing.T) {
	c := New(newFakeDispatcher(), Limits{FanoutMaxAgents: 1})
	if _, err := c.FanOut(context.Background(), []string{"a", "b"}, "task"); err == nil {
		t.Fatal("expected error exceeding fanoutMaxAgents")
	}
}

func TestDiscussStopsOnDoneSignal(t *testing.T) {
	d := newFakeDispatcher()
	d.replies["a"] = []string{"ok"}
	d.replies["b"] = []string{"[DONE]"}
	c := New(d, DefaultLimits())

	res, err := c.Discuss(context.Background(), []string{"a", "b"}, "topic", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.StoppedEarly {
		t.Fatal("expected stoppedEarly true")
	}
	if len(res.Rounds) != 2 {
		t.Fatalf("expected exactly 2 round entries, got %d: %+v", len(res.Rounds), res.Rounds)
	}
}

func TestDiscussStopsOnReplySkip(t *testing.T) {
	d := newFakeDispatcher()
	d.replies["a"] = []string{"please reply_skip now"}
	c := New(d, DefaultLimits())

	res, err := c.Discuss(context.Background(), []string{"a", "b"}, "topic", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.StoppedEarly || len(res.Rounds) != 1 {
		t.Fatalf("expected immediate stop after agent a, got %+v", res)
	}
}

func TestDiscussRequiresTwoAgents(t *testing.T) {
	c := New(newFakeDispatcher(), DefaultLimits())
	if _, err := c.Discuss(context.Background(), []string{"a"}, "topic", 3); err == nil {
		t.Fatal("expected error with fewer than two agents")
	}
}

func TestDiscussCapsRoundsAtConfigMax(t *testing.T) {
	d := newFakeDispatcher()
	c := New(d, Limits{MaxDiscussionRounds: 2})

	res, err := c.Discuss(context.Background(), []string{"a", "b"}, "topic", 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Rounds) != 4 {
		t.Fatalf("expected 2 rounds * 2 agents = 4 entries, got %d", len(res.Rounds))
	}
}

func TestA2ASendEnforcesDepthLimit(t *testing.T) {
	d := newFakeDispatcher()
	c := New(d, Limits{A2AMaxDepth: 1, A2AMaxHops: 10})

	_, err := c.A2ASend(context.Background(), A2ARequest{FromAgentID: "a", ToAgentID: "b", Depth: 1, Hops: 0})
	if err == nil {
		t.Fatal("expected depth limit error")
	}
}

func TestA2ASendEnforcesHopsLimit(t *testing.T) {
	d := newFakeDispatcher()
	c := New(d, Limits{A2AMaxDepth: 10, A2AMaxHops: 1})

	_, err := c.A2ASend(context.Background(), A2ARequest{FromAgentID: "a", ToAgentID: "b", Depth: 0, Hops: 1})
	if err == nil {
		t.Fatal("expected hops limit error")
	}
}

func TestA2ASendForbidsSelfTarget(t *testing.T) {
	c := New(newFakeDispatcher(), DefaultLimits())
	_, err := c.A2ASend(context.Background(), A2ARequest{FromAgentID: "a", ToAgentID: "a"})
	if err == nil {
		t.Fatal("expected self-target a2a to be forbidden by default")
	}
}

func TestA2ASendAllowsSelfTargetWhenDisabled(t *testing.T) {
	d := newFakeDispatcher()
	c := New(d, Limits{A2AMaxDepth: 10, A2AMaxHops: 10, ForbidSelfA2A: false})
	res, err := c.A2ASend(context.Background(), A2ARequest{FromAgentID: "a", ToAgentID: "a"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected ok, got %+v", res)
	}
}

func TestA2ASendInactiveTarget(t *testing.T) {
	d := newFakeDispatcher()
	d.inactive["b"] = true
	c := New(d, DefaultLimits())

	res, err := c.A2ASend(context.Background(), A2ARequest{FromAgentID: "a", ToAgentID: "b"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK || res.Error != "agent_not_active" {
		t.Fatalf("expected agent_not_active, got %+v", res)
	}
}

func TestA2ABroadcastFansOutToAllTargets(t *testing.T) {
	d := newFakeDispatcher()
	c := New(d, DefaultLimits())

	results, err := c.A2ABroadcast(context.Background(), "session-1", "a", []string{"b", "c", "b"}, "hello", "corr-1", 0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected deduped to 2 results, got %d", len(results))
	}
	for _, r := range results {
		if !r.OK {
			t.Fatalf("expected all broadcast targets to succeed, got %+v", r)
		}
	}
}
