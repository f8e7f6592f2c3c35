package projector

import (
	"strings"
	"testing"
)

func TestSplitTextChunksUnderLimit(t *testing.T) {
	s := strings.Repeat("a", 50) + "\n" + strings.Repeat("b", 4090)
	chunks := splitText(s, 100)
	for i, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk %d exceeds limit: %d runes", i, len([]rune(c)))
		}
	}
}

func TestSplitTextNoSplitNeeded(t *testing.T) {
	chunks := splitText("short text", 4096)
	if len(chunks) != 1 || chunks[0] != "short text" {
		t.Fatalf("expected single unchanged chunk, got %v", chunks)
	}
}

func TestSplitTextNeverBreaksOpenFence(t *testing.T) {
	// A long fenced code block that must be split across chunks.
	body := strings.Repeat("line of code\n", 20)
	s := "intro\n```go\n" + body + "```\noutro"
	chunks := splitText(s, 60)
	if len(chunks) < 2 {
		t.Fatalf("expected the text to split into multiple chunks, got %d", len(chunks))
	}

	open := false
	for i, c := range chunks {
		fences := strings.Count(c, fenceMarker)
		if open {
			if fences == 0 {
				t.Fatalf("chunk %d expected to close or continue an open fence, found none", i)
			}
		}
		// Toggle based on the fence count in this chunk.
		if fences%2 == 1 {
			open = !open
		}
	}
	if open {
		t.Fatal("expected no fence left open at the end of the document")
	}
}

func TestSplitTextPrefersLineBreakAfter40Percent(t *testing.T) {
	// Build text where a newline sits just past 40% of the limit.
	limit := 100
	s := strings.Repeat("x", 45) + "\n" + strings.Repeat("y", 80)
	chunks := splitText(s, limit)
	want := strings.Repeat("x", 45) + "\n"
	if chunks[0] != want {
		t.Fatalf("expected first chunk %q, got %q", want, chunks[0])
	}
}
