// Package command implements spec.md §4.7: parsing raw conversation text
// into a structured control command. Grounded on the teacher's
// internal/channels/telegram/commands.go handleBotCommand switch — same
// strip-then-switch shape, generalized from "send a reply directly" to
// "return a typed Result" so the orchestrator can route it.
package command

import (
	"regexp"
	"strconv"
	"strings"
)

// Kind discriminates the parsed command.
type Kind string

const (
	KindNone       Kind = "none"
	KindError      Kind = "error"
	KindRouteAgent Kind = "route-agent"
	KindAgentsList Kind = "agents-list"
	KindNewAgent   Kind = "new-agent"
	KindDelAgent   Kind = "del-agent"
	KindFocus      Kind = "focus"
	KindRun        Kind = "run"
	KindDiscuss    Kind = "discuss"
)

// Result is the structured outcome of Parse.
type Result struct {
	Kind      Kind
	AgentID   string   // route-agent
	AgentIDs  []string // run, discuss
	Task      string   // route-agent, run
	Name      string   // new-agent, del-agent, focus
	Model     string   // new-agent
	Topic     string   // discuss
	MaxRounds int      // discuss, 0 = use configured default
	Error     string   // usage hint, set when Kind == KindError
}

var (
	mentionPattern        = regexp.MustCompile(`^@(\w[\w._-]*)[,:]?\s+(.+)$`)
	agentListPattern      = regexp.MustCompile(`^((?:@\S+,?)+)\s+(.+)$`)
	newAgentNameIsPattern = regexp.MustCompile(`(?i)^name\s+is\s+(\S+)`)
	newAgentNameEqPattern = regexp.MustCompile(`(?i)^name=(\S+)`)
	modelPattern          = regexp.MustCompile(`(?i)\bmodel=(\S+)`)
	maxRoundsPattern      = regexp.MustCompile(`(?i)\bmaxRounds=(\d+)`)
)

// Parse implements spec.md §4.7's priority-ordered match.
func Parse(input string) Result {
	text := strings.TrimSpace(input)
	if text == "" {
		return Result{Kind: KindNone}
	}

	if strings.HasPrefix(text, "@") {
		m := mentionPattern.FindStringSubmatch(text)
		if m == nil {
			return Result{Kind: KindError, Error: "usage: @agentId <task>"}
		}
		return Result{Kind: KindRouteAgent, AgentID: normalizeAgentID(m[1]), Task: strings.TrimSpace(m[2])}
	}

	if !strings.HasPrefix(text, "/") {
		return Result{Kind: KindNone}
	}

	fields := strings.SplitN(text, " ", 2)
	cmd := strings.ToLower(strings.SplitN(fields[0], "@", 2)[0])
	rest := ""
	if len(fields) > 1 {
		rest = strings.TrimSpace(fields[1])
	}

	switch cmd {
	case "/agents":
		return Result{Kind: KindAgentsList}
	case "/new-agent":
		return parseNewAgent(rest)
	case "/del-agent":
		if rest == "" {
			return Result{Kind: KindError, Error: "usage: /del-agent <name>"}
		}
		return Result{Kind: KindDelAgent, Name: normalizeAgentID(rest)}
	case "/focus":
		return parseFocus(rest)
	case "/run":
		return parseRun(rest)
	case "/discuss":
		return parseDiscuss(rest)
	default:
		return Result{Kind: KindNone}
	}
}

func parseNewAgent(rest string) Result {
	usage := "usage: /new-agent <name>|name is <name>|name=<name> [model=<provider/id>]"
	if rest == "" {
		return Result{Kind: KindError, Error: usage}
	}

	model := ""
	if m := modelPattern.FindStringSubmatch(rest); m != nil {
		model = m[1]
		rest = strings.TrimSpace(modelPattern.ReplaceAllString(rest, ""))
	}

	var name string
	switch {
	case newAgentNameIsPattern.MatchString(rest):
		name = newAgentNameIsPattern.FindStringSubmatch(rest)[1]
	case newAgentNameEqPattern.MatchString(rest):
		name = newAgentNameEqPattern.FindStringSubmatch(rest)[1]
	default:
		fields := strings.Fields(rest)
		if len(fields) > 0 {
			name = fields[0]
		}
	}
	if name == "" {
		return Result{Kind: KindError, Error: usage}
	}
	return Result{Kind: KindNewAgent, Name: normalizeAgentID(name), Model: model}
}

func parseFocus(rest string) Result {
	usage := "usage: /focus @name"
	name := strings.TrimPrefix(rest, "@")
	if name == "" || name == rest {
		return Result{Kind: KindError, Error: usage}
	}
	return Result{Kind: KindFocus, Name: normalizeAgentID(name)}
}

func parseRun(rest string) Result {
	usage := "usage: /run @a,@b <task>"
	m := agentListPattern.FindStringSubmatch(rest)
	if m == nil {
		return Result{Kind: KindError, Error: usage}
	}
	ids := parseAgentList(m[1])
	if len(ids) == 0 {
		return Result{Kind: KindError, Error: usage}
	}
	task := strings.TrimSpace(m[2])
	if task == "" {
		return Result{Kind: KindError, Error: usage}
	}
	return Result{Kind: KindRun, AgentIDs: ids, Task: task}
}

func parseDiscuss(rest string) Result {
	usage := "usage: /discuss @a,@b [maxRounds=N] <topic> (at least two agents required)"
	m := agentListPattern.FindStringSubmatch(rest)
	if m == nil {
		return Result{Kind: KindError, Error: usage}
	}
	ids := parseAgentList(m[1])
	if len(ids) < 2 {
		return Result{Kind: KindError, Error: usage}
	}

	topic := strings.TrimSpace(m[2])
	maxRounds := 0
	if mm := maxRoundsPattern.FindStringSubmatch(topic); mm != nil {
		maxRounds, _ = strconv.Atoi(mm[1])
		topic = strings.TrimSpace(maxRoundsPattern.ReplaceAllString(topic, ""))
	}
	if topic == "" {
		return Result{Kind: KindError, Error: usage}
	}
	return Result{Kind: KindDiscuss, AgentIDs: ids, Topic: topic, MaxRounds: maxRounds}
}

func parseAgentList(raw string) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		part = strings.TrimPrefix(part, "@")
		if part == "" {
			continue
		}
		id := normalizeAgentID(part)
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func normalizeAgentID(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}
