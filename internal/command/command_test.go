package command

import "testing"

func TestParseRouteAgentMention(t *testing.T) {
	r := Parse("@researcher, find the latest pricing data")
	if r.Kind != KindRouteAgent {
		t.Fatalf("expected route-agent, got %v (%v)", r.Kind, r.Error)
	}
	if r.AgentID != "researcher" {
		t.Fatalf("expected agentId researcher, got %q", r.AgentID)
	}
	if r.Task != "find the latest pricing data" {
		t.Fatalf("unexpected task: %q", r.Task)
	}
}

func TestParseRouteAgentMentionColon(t *testing.T) {
	r := Parse("@writer: draft the email")
	if r.Kind != KindRouteAgent || r.AgentID != "writer" || r.Task != "draft the email" {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestParseMentionWithoutTaskErrors(t *testing.T) {
	r := Parse("@researcher")
	if r.Kind != KindError {
		t.Fatalf("expected error, got %v", r.Kind)
	}
}

func TestParseNonSlashNonMentionIsNone(t *testing.T) {
	r := Parse("just a regular message")
	if r.Kind != KindNone {
		t.Fatalf("expected none, got %v", r.Kind)
	}
}

func TestParseEmptyIsNone(t *testing.T) {
	if Parse("   ").Kind != KindNone {
		t.Fatal("expected none for blank input")
	}
}

func TestParseAgentsList(t *testing.T) {
	if Parse("/agents").Kind != KindAgentsList {
		t.Fatal("expected agents-list")
	}
}

func TestParseNewAgentBareName(t *testing.T) {
	r := Parse("/new-agent researcher model=openai/gpt-4o")
	if r.Kind != KindNewAgent {
		t.Fatalf("expected new-agent, got %v (%v)", r.Kind, r.Error)
	}
	if r.Name != "researcher" || r.Model != "openai/gpt-4o" {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestParseNewAgentNameIs(t *testing.T) {
	r := Parse("/new-agent name is researcher")
	if r.Kind != KindNewAgent || r.Name != "researcher" {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestParseNewAgentNameEq(t *testing.T) {
	r := Parse("/new-agent name=researcher model=anthropic/claude")
	if r.Kind != KindNewAgent || r.Name != "researcher" || r.Model != "anthropic/claude" {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestParseNewAgentMissingNameErrors(t *testing.T) {
	r := Parse("/new-agent")
	if r.Kind != KindError {
		t.Fatalf("expected error, got %v", r.Kind)
	}
}

func TestParseDelAgent(t *testing.T) {
	r := Parse("/del-agent Researcher")
	if r.Kind != KindDelAgent || r.Name != "researcher" {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestParseDelAgentMissingNameErrors(t *testing.T) {
	if Parse("/del-agent").Kind != KindError {
		t.Fatal("expected error for missing name")
	}
}

func TestParseFocus(t *testing.T) {
	r := Parse("/focus @researcher")
	if r.Kind != KindFocus || r.Name != "researcher" {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestParseFocusMissingAtErrors(t *testing.T) {
	if Parse("/focus researcher").Kind != KindError {
		t.Fatal("expected error without @ prefix")
	}
}

func TestParseRun(t *testing.T) {
	r := Parse("/run @researcher,@writer summarize the findings")
	if r.Kind != KindRun {
		t.Fatalf("expected run, got %v (%v)", r.Kind, r.Error)
	}
	if len(r.AgentIDs) != 2 || r.AgentIDs[0] != "researcher" || r.AgentIDs[1] != "writer" {
		t.Fatalf("unexpected agent ids: %v", r.AgentIDs)
	}
	if r.Task != "summarize the findings" {
		t.Fatalf("unexpected task: %q", r.Task)
	}
}

func TestParseRunMissingTaskErrors(t *testing.T) {
	if Parse("/run @researcher,@writer").Kind != KindError {
		t.Fatal("expected error without task")
	}
}

func TestParseDiscuss(t *testing.T) {
	r := Parse("/discuss @researcher,@writer maxRounds=3 what should the launch plan look like")
	if r.Kind != KindDiscuss {
		t.Fatalf("expected discuss, got %v (%v)", r.Kind, r.Error)
	}
	if len(r.AgentIDs) != 2 {
		t.Fatalf("unexpected agent ids: %v", r.AgentIDs)
	}
	if r.MaxRounds != 3 {
		t.Fatalf("expected maxRounds 3, got %d", r.MaxRounds)
	}
	if r.Topic != "what should the launch plan look like" {
		t.Fatalf("unexpected topic: %q", r.Topic)
	}
}

func TestParseDiscussWithoutMaxRounds(t *testing.T) {
	r := Parse("/discuss @researcher,@writer what next")
	if r.Kind != KindDiscuss || r.MaxRounds != 0 {
		t.Fatalf("unexpected result: %+v", r)
	}
}

func TestParseDiscussSingleAgentErrors(t *testing.T) {
	r := Parse("/discuss @researcher what next")
	if r.Kind != KindError {
		t.Fatalf("expected error with a single agent, got %v", r.Kind)
	}
}

func TestParseDiscussDedupesAgentIDs(t *testing.T) {
	r := Parse("/discuss @researcher,@researcher,@writer what next")
	if r.Kind != KindDiscuss {
		t.Fatalf("expected discuss, got %v (%v)", r.Kind, r.Error)
	}
	if len(r.AgentIDs) != 2 {
		t.Fatalf("expected deduped agent ids, got %v", r.AgentIDs)
	}
}

func TestParseUnknownSlashCommandIsNone(t *testing.T) {
	if Parse("/unknown foo").Kind != KindNone {
		t.Fatal("expected none for unrecognized slash command")
	}
}

func TestParseStripsBotNameSuffix(t *testing.T) {
	r := Parse("/agents@my_bot")
	if r.Kind != KindAgentsList {
		t.Fatalf("expected agents-list after stripping bot suffix, got %v", r.Kind)
	}
}
