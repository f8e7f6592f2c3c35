package turnwal

import (
	"testing"
	"time"

	"github.com/arcthur/brewva/internal/turn"
)

func sampleEnvelope() turn.Envelope {
	return turn.Envelope{
		Schema:  turn.EnvelopeSchema,
		Kind:    turn.KindUser,
		TurnID:  "tg:message:123:1",
		Channel: "telegram",
		Parts:   []turn.Part{{Type: turn.PartText, Text: "hi"}},
	}
}

func TestAppendPendingDedupesAfterDone(t *testing.T) {
	w, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	id1, err := w.AppendPending(sampleEnvelope(), "channel-telegram", "telegram:tg:message:123:1")
	if err != nil {
		t.Fatal(err)
	}
	if err := w.MarkInflight(id1); err != nil {
		t.Fatal(err)
	}
	if err := w.MarkDone(id1); err != nil {
		t.Fatal(err)
	}

	id2, err := w.AppendPending(sampleEnvelope(), "channel-telegram", "telegram:tg:message:123:1")
	if err != nil {
		t.Fatal(err)
	}
	if id2 != id1 {
		t.Fatalf("expected dedupe to return existing id %s, got %s", id1, id2)
	}
}

func TestAppendPendingReplaysAfterRollback(t *testing.T) {
	w, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	id1, err := w.AppendPending(sampleEnvelope(), "channel-telegram", "telegram:tg:message:123:1")
	if err != nil {
		t.Fatal(err)
	}
	if err := w.MarkInflight(id1); err != nil {
		t.Fatal(err)
	}
	if err := w.MarkFailed(id1, nil); err != nil {
		t.Fatal(err)
	}

	id2, err := w.AppendPending(sampleEnvelope(), "channel-telegram", "telegram:tg:message:123:1")
	if err != nil {
		t.Fatal(err)
	}
	if id2 == id1 {
		t.Fatalf("expected a new wal entry for non-done dedupeKey, got the same id %s", id1)
	}
}

func TestRecoverYieldsOnlyNonTerminal(t *testing.T) {
	w, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	doneID, _ := w.AppendPending(sampleEnvelope(), "channel-telegram", "k1")
	w.MarkDone(doneID)

	pendingID, _ := w.AppendPending(sampleEnvelope(), "channel-telegram", "k2")
	w.MarkInflight(pendingID)

	var seen []string
	w.Recover("channel-telegram", func(rec Record) { seen = append(seen, rec.WalID) })

	if len(seen) != 1 || seen[0] != pendingID {
		t.Fatalf("expected recovery to yield only %s, got %v", pendingID, seen)
	}
}

func TestCompactDropsOldTerminalRecords(t *testing.T) {
	w, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	id, _ := w.AppendPending(sampleEnvelope(), "channel-telegram", "k1")
	w.MarkDone(id)

	if err := w.Compact(time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if _, ok := w.Lookup(id); ok {
		t.Fatalf("expected compaction to drop terminal record %s", id)
	}

	var seen []string
	w.Recover("", func(rec Record) { seen = append(seen, rec.WalID) })
	if len(seen) != 0 {
		t.Fatalf("expected no records after compaction (all terminal+old), got %v", seen)
	}
}
