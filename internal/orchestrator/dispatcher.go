package orchestrator

import "context"

// scopeDispatcher adapts the orchestrator's session plumbing to
// coordinator.Dispatcher for one triggering scope. Built fresh per control
// command invocation (coordinator.Coordinator is cheap to construct) so
// FanOut/Discuss/A2ASend dispatch into the same scope's agent sessions that
// issued the command.
type scopeDispatcher struct {
	o        *Orchestrator
	scopeKey string
}

func (d *scopeDispatcher) IsActive(agentID string) bool {
	return d.o.isAgentActive(agentID)
}

func (d *scopeDispatcher) Dispatch(ctx context.Context, agentID, prompt, _ string) (string, error) {
	sess, err := d.o.ensureSession(ctx, agentID, d.scopeKey)
	if err != nil {
		return "", err
	}

	coll, stop := collectSessionEvents(sess)
	defer stop()

	if err := sess.SendUserMessage(ctx, prompt); err != nil {
		return "", err
	}
	if err := sess.WaitForIdle(ctx); err != nil {
		return "", err
	}
	stop()

	_, assistantText := coll.snapshot()
	return assistantText, nil
}
