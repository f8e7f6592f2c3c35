package projector

import (
	"strings"
	"testing"

	"github.com/arcthur/brewva/internal/turn"
)

func TestExtractInteractiveUIBuildsRowsAndRequestID(t *testing.T) {
	text := "Please choose:\n```telegram-ui\n" + `{
  "version": "telegram-ui/v1",
  "screen_id": "confirm-delete",
  "text": "Delete this item?",
  "components": [
    {"type": "buttons", "rows": [[{"id": "yes", "label": "Yes", "style": "danger"}, {"id": "no", "label": "No"}]]}
  ]
}` + "\n```\nthanks"

	remaining, proj := extractInteractiveUI(text)
	if proj == nil {
		t.Fatal("expected a projection to be extracted")
	}
	if strings.Contains(remaining, "telegram-ui") {
		t.Fatalf("expected the code block to be removed from remaining text, got %q", remaining)
	}
	if proj.Title != "Delete this item?" {
		t.Fatalf("expected title from payload.text, got %q", proj.Title)
	}
	if len(proj.Rows) != 1 || len(proj.Rows[0]) != 2 {
		t.Fatalf("expected one row of two buttons, got %+v", proj.Rows)
	}
	if proj.Rows[0][0].ID != "yes" || proj.Rows[0][0].Style != turn.StyleDanger {
		t.Fatalf("expected first button yes/danger, got %+v", proj.Rows[0][0])
	}
	if proj.Rows[0][1].Style != turn.StyleNeutral {
		t.Fatalf("expected default style neutral for the second button, got %q", proj.Rows[0][1].Style)
	}
	if !strings.HasPrefix(proj.RequestID, "confirm-delete_") {
		t.Fatalf("expected generated requestId to be prefixed by screenId, got %q", proj.RequestID)
	}
}

func TestExtractInteractiveUIDedupesActionIDs(t *testing.T) {
	text := "```json\n" + `{
  "version": "telegram-ui/v1",
  "actions": [
    {"id": "ok", "label": "OK"},
    {"id": "ok", "label": "Duplicate"}
  ]
}` + "\n```"

	_, proj := extractInteractiveUI(text)
	if proj == nil {
		t.Fatal("expected a projection")
	}
	total := 0
	for _, row := range proj.Rows {
		total += len(row)
	}
	if total != 1 {
		t.Fatalf("expected duplicate actionId to be dropped, got %d buttons", total)
	}
}

func TestExtractInteractiveUIIgnoresUnrelatedCodeBlocks(t *testing.T) {
	text := "here is some code:\n```go\nfunc main() {}\n```\ndone"
	remaining, proj := extractInteractiveUI(text)
	if proj != nil {
		t.Fatal("expected no projection from a non interactive-ui code block")
	}
	if remaining != text {
		t.Fatalf("expected text untouched, got %q", remaining)
	}
}

func TestExtractInteractiveUISingleSelectOptionsOnePerRow(t *testing.T) {
	text := "```telegram-ui\n" + `{
  "version": "telegram-ui/v1",
  "components": [
    {"type": "single_select", "options": [{"id": "a"}, {"id": "b"}, {"id": "c"}]}
  ]
}` + "\n```"
	_, proj := extractInteractiveUI(text)
	if proj == nil {
		t.Fatal("expected a projection")
	}
	if len(proj.Rows) != 3 {
		t.Fatalf("expected one row per option, got %d rows", len(proj.Rows))
	}
	for _, row := range proj.Rows {
		if len(row) != 1 {
			t.Fatalf("expected exactly one button per row, got %+v", row)
		}
	}
}
