package runtime

import (
	"context"
	"fmt"
	"testing"
	"time"
)

type fakeSession struct {
	id     string
	closed bool
}

func (s *fakeSession) ID() string                                               { return s.id }
func (s *fakeSession) SendUserMessage(ctx context.Context, prompt string) error { return nil }
func (s *fakeSession) WaitForIdle(ctx context.Context) error                    { return nil }
func (s *fakeSession) Events() <-chan SessionEvent                              { return nil }
func (s *fakeSession) Close(ctx context.Context) error                          { s.closed = true; return nil }

type fakeFactory struct{ n int }

func (f *fakeFactory) NewSession(ctx context.Context, agentID string, cfg map[string]any) (Session, error) {
	f.n++
	return &fakeSession{id: fmt.Sprintf("%s-%d", agentID, f.n)}, nil
}

func TestPoolGetOrCreateReusesHandle(t *testing.T) {
	p := NewPool(&fakeFactory{}, 4, time.Hour)
	ctx := context.Background()

	h1, err := p.GetOrCreate(ctx, "jack")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	h2, err := p.GetOrCreate(ctx, "jack")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected same handle for repeated GetOrCreate")
	}
	if p.Size() != 1 {
		t.Fatalf("expected pool size 1, got %d", p.Size())
	}
}

func TestPoolCapacityEvictsLRU(t *testing.T) {
	p := NewPool(&fakeFactory{}, 2, time.Hour)
	ctx := context.Background()

	if _, err := p.GetOrCreate(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.GetOrCreate(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	// Both a and b have zero refs, so creating a third must reclaim one.
	if _, err := p.GetOrCreate(ctx, "c"); err != nil {
		t.Fatalf("expected reclaim to succeed, got %v", err)
	}
	if p.Size() != 2 {
		t.Fatalf("expected pool size capped at 2, got %d", p.Size())
	}
}

func TestPoolCapacityExhaustedWhenAllReferenced(t *testing.T) {
	p := NewPool(&fakeFactory{}, 1, time.Hour)
	ctx := context.Background()

	h, err := p.GetOrCreate(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	h.Retain("scope1", &fakeSession{id: "s1"})

	if _, err := p.GetOrCreate(ctx, "b"); err != ErrCapacityExhausted {
		t.Fatalf("expected ErrCapacityExhausted, got %v", err)
	}
}

func TestPoolEnsureSessionCreatesOnce(t *testing.T) {
	factory := &fakeFactory{}
	p := NewPool(factory, 4, time.Hour)
	ctx := context.Background()

	s1, err := p.EnsureSession(ctx, "jack", "telegram:1", nil)
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	s2, err := p.EnsureSession(ctx, "jack", "telegram:1", nil)
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if s1 != s2 {
		t.Fatal("expected the same session returned for the same (agent, scope) pair")
	}
	if factory.n != 1 {
		t.Fatalf("expected factory invoked exactly once, got %d", factory.n)
	}
}

func TestPoolEnsureSessionDistinctPerScope(t *testing.T) {
	p := NewPool(&fakeFactory{}, 4, time.Hour)
	ctx := context.Background()

	s1, err := p.EnsureSession(ctx, "jack", "telegram:1", nil)
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	s2, err := p.EnsureSession(ctx, "jack", "telegram:2", nil)
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	if s1 == s2 {
		t.Fatal("expected distinct sessions for distinct scopes under the same agent")
	}
}

func TestPoolSweepIdle(t *testing.T) {
	p := NewPool(&fakeFactory{}, 4, time.Millisecond)
	ctx := context.Background()
	if _, err := p.GetOrCreate(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	evicted := p.SweepIdle(ctx, time.Now())
	if len(evicted) != 1 || evicted[0] != "a" {
		t.Fatalf("expected [a] evicted, got %v", evicted)
	}
	if p.Size() != 0 {
		t.Fatalf("expected pool empty after sweep, got size %d", p.Size())
	}
}

func TestPoolSweepIdleDisposesRetainedSessions(t *testing.T) {
	p := NewPool(&fakeFactory{}, 4, time.Millisecond)
	ctx := context.Background()

	h, err := p.GetOrCreate(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	sess := &fakeSession{id: "s1"}
	h.Retain("scope1", sess)

	time.Sleep(5 * time.Millisecond)
	evicted := p.SweepIdle(ctx, time.Now())
	if len(evicted) != 1 || evicted[0] != "a" {
		t.Fatalf("expected [a] evicted, got %v", evicted)
	}
	if !sess.closed {
		t.Fatal("expected retained session to be closed on idle eviction")
	}
	if h.refs() != 0 {
		t.Fatalf("expected handle refs reset to 0 after disposal, got %d", h.refs())
	}
}

func TestPoolEvictDisposesSessions(t *testing.T) {
	p := NewPool(&fakeFactory{}, 4, time.Hour)
	ctx := context.Background()

	h, err := p.GetOrCreate(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	sess := &fakeSession{id: "s1"}
	h.Retain("scope1", sess)

	p.Evict(ctx, "a")
	if !sess.closed {
		t.Fatal("expected session to be closed on explicit evict")
	}
	if p.Size() != 0 {
		t.Fatalf("expected pool empty after evict, got size %d", p.Size())
	}
}
