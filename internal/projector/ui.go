package projector

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/arcthur/brewva/internal/turn"
)

// uiSchemaVersion is the only interactive-UI payload version this projector
// understands — spec.md §4.1.2 step 1.
const uiSchemaVersion = "telegram-ui/v1"

var codeBlockPattern = regexp.MustCompile("(?s)```([^\\n`]*)\\n(.*?)```")

var uiLangs = map[string]bool{
	"telegram-ui": true,
	"telegram_ui": true,
	"json":        true,
}

type uiAction struct {
	ID       string `json:"id"`
	ActionID string `json:"action_id"`
	Label    string `json:"label"`
	Text     string `json:"text"`
	Title    string `json:"title"`
	Style    string `json:"style"`
}

type uiComponent struct {
	Type    string       `json:"type"`
	Rows    [][]uiAction `json:"rows"`
	Options []uiAction   `json:"options"`
}

type uiPayload struct {
	Version    string         `json:"version"`
	Text       string         `json:"text"`
	Title      string         `json:"title"`
	RequestID  string         `json:"request_id"`
	ScreenID   string         `json:"screen_id"`
	State      map[string]any `json:"state"`
	Components []uiComponent  `json:"components"`
	Actions    []uiAction     `json:"actions"`
}

// projection is the extracted approval request carried by an assistant turn
// once its interactive-UI code block has been pulled out of the text.
type projection struct {
	RequestID string
	Title     string
	Rows      [][]turn.Action
	ScreenID  string
	State     map[string]any
}

// extractInteractiveUI repeatedly scans text for a fenced interactive-UI
// block, removing the first one found and building a projection from it, and
// restarts the scan until no further block is found (spec.md §4.1.2 step 1:
// "stop when scan is idempotent"). Non-interactive-UI code blocks (wrong
// language, malformed JSON, wrong version) are left untouched.
func extractInteractiveUI(text string) (string, *projection) {
	var proj *projection
	start := 0

	for {
		loc := codeBlockPattern.FindStringSubmatchIndex(text[start:])
		if loc == nil {
			break
		}
		for i := range loc {
			loc[i] += start
		}
		lang := strings.ToLower(strings.TrimSpace(text[loc[2]:loc[3]]))
		body := text[loc[4]:loc[5]]

		if !uiLangs[lang] {
			// Not an interactive-UI candidate: keep it and scan past it.
			start = loc[1]
			continue
		}

		var payload uiPayload
		if err := json.Unmarshal([]byte(body), &payload); err != nil || payload.Version != uiSchemaVersion {
			start = loc[1]
			continue
		}

		proj = buildProjection(payload)
		text = text[:loc[0]] + text[loc[1]:]
	}

	return strings.TrimSpace(text), proj
}

func buildProjection(p uiPayload) *projection {
	var rows [][]turn.Action
	seen := make(map[string]bool)
	index := 0

	normalize := func(raw uiAction) (turn.Action, bool) {
		index++
		id := normalizeActionID(firstNonEmpty(raw.ID, raw.ActionID))
		if id == "" {
			id = fmt.Sprintf("a%d", index)
		}
		if seen[id] {
			return turn.Action{}, false
		}
		seen[id] = true
		label := firstNonEmpty(raw.Label, raw.Text, raw.Title, id)
		return turn.Action{ID: id, Label: label, Style: normalizeStyle(raw.Style)}, true
	}

	for _, comp := range p.Components {
		for _, row := range comp.Rows {
			var out []turn.Action
			for _, raw := range row {
				if a, ok := normalize(raw); ok {
					out = append(out, a)
				}
			}
			if len(out) > 0 {
				rows = append(rows, out)
			}
		}
		if comp.Type == "single_select" {
			for _, raw := range comp.Options {
				if a, ok := normalize(raw); ok {
					rows = append(rows, []turn.Action{a})
				}
			}
		}
	}
	for _, raw := range p.Actions {
		if a, ok := normalize(raw); ok {
			rows = append(rows, []turn.Action{a})
		}
	}

	if len(rows) == 0 {
		return nil
	}

	screenID := p.ScreenID
	if screenID == "" {
		screenID = "ui"
	}

	requestID := p.RequestID
	if requestID == "" {
		requestID = fmt.Sprintf("%s_%s", screenID, fingerprintActions(screenID, p.State, rows))
	}

	title := firstNonEmpty(p.Text, p.Title, "Choose an action")

	return &projection{
		RequestID: requestID,
		Title:     title,
		Rows:      rows,
		ScreenID:  screenID,
		State:     p.State,
	}
}

// fingerprintActions computes the 8-hex suffix used when a interactive-UI
// block carries no explicit request_id — spec.md §4.1.2 step 1:
// "<screenToken>_<8 hex of sha256(screenId||null,state||null,actionIds)>".
func fingerprintActions(screenID string, state map[string]any, rows [][]turn.Action) string {
	var ids []string
	for _, row := range rows {
		for _, a := range row {
			ids = append(ids, a.ID)
		}
	}
	stateJSON := "null"
	if state != nil {
		if b, err := json.Marshal(state); err == nil {
			stateJSON = string(b)
		}
	}
	sum := sha256.Sum256([]byte(screenID + "|" + stateJSON + "|" + strings.Join(ids, ",")))
	return fmt.Sprintf("%x", sum[:4])
}

func normalizeActionID(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	return b.String()
}

func normalizeStyle(raw string) turn.ActionStyle {
	switch turn.ActionStyle(raw) {
	case turn.StylePrimary, turn.StyleDanger:
		return turn.ActionStyle(raw)
	default:
		return turn.StyleNeutral
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
