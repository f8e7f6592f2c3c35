// Package turnwal implements the turn write-ahead log and crash recovery of
// spec.md §4.5: an append-only JSON-lines record of every accepted inbound
// turn, used to replay interrupted work after a restart.
package turnwal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arcthur/brewva/internal/events"
	"github.com/arcthur/brewva/internal/turn"
)

// State is a WAL record's lifecycle stage. Progression is monotonic:
// pending -> inflight -> {done, failed}.
type State string

const (
	StatePending  State = "pending"
	StateInflight State = "inflight"
	StateDone     State = "done"
	StateFailed   State = "failed"
)

// Record is one append-only WAL entry — spec.md §3 "Turn WAL record".
type Record struct {
	WalID     string        `json:"walId"`
	Scope     string        `json:"scope"` // e.g. "channel-telegram"
	DedupeKey string        `json:"dedupeKey"`
	Envelope  turn.Envelope `json:"envelope"`
	State     State         `json:"state"`
	LastError string        `json:"lastError,omitempty"`
	CreatedAt int64         `json:"createdAt"`
	UpdatedAt int64         `json:"updatedAt"`
}

// WAL is an append-only, periodically compacted log rooted at one directory
// per scope (spec.md §6.3: "<runtime turn-wal dir>/channel-<channel>/*.jsonl").
type WAL struct {
	dir  string
	path string

	mu      sync.Mutex
	byID    map[string]*Record
	byDedup map[string]*Record

	bus *events.Bus
}

// SetBus attaches an event bus that MarkDone/MarkFailed broadcast terminal
// marks onto (SPEC_FULL.md §4.11's audit mirror subscribes here). Optional —
// a WAL with no bus attached behaves exactly as before.
func (w *WAL) SetBus(bus *events.Bus) {
	w.bus = bus
}

// Open opens (or creates) the WAL file at dir/log.jsonl, replaying existing
// records into memory.
func Open(dir string) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	w := &WAL{
		dir:     dir,
		path:    filepath.Join(dir, "log.jsonl"),
		byID:    make(map[string]*Record),
		byDedup: make(map[string]*Record),
	}
	if err := w.loadExisting(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WAL) loadExisting() error {
	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue // tolerate a torn trailing line from a crash mid-append
		}
		r := rec
		w.byID[r.WalID] = &r
		w.byDedup[r.DedupeKey] = &r
	}
	return scanner.Err()
}

// AppendPending writes a new pending record for envelope, unless dedupeKey
// already corresponds to a terminal done record, in which case the existing
// id is returned without a duplicate write (spec.md §3 idempotency, §8
// invariant 1).
func (w *WAL) AppendPending(envelope turn.Envelope, scopeName, dedupeKey string) (walID string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if existing, ok := w.byDedup[dedupeKey]; ok && existing.State == StateDone {
		return existing.WalID, nil
	}

	now := time.Now().UnixMilli()
	rec := &Record{
		WalID:     uuid.NewString(),
		Scope:     scopeName,
		DedupeKey: dedupeKey,
		Envelope:  envelope,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := w.appendLocked(rec); err != nil {
		return "", err
	}
	w.byID[rec.WalID] = rec
	w.byDedup[dedupeKey] = rec
	return rec.WalID, nil
}

// MarkInflight, MarkDone, MarkFailed progress a record's state. Re-marking
// an already-terminal record is idempotent (spec.md §4.5).
func (w *WAL) MarkInflight(walID string) error { return w.mark(walID, StateInflight, "") }
func (w *WAL) MarkDone(walID string) error     { return w.mark(walID, StateDone, "") }
func (w *WAL) MarkFailed(walID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return w.mark(walID, StateFailed, msg)
}

// Lookup returns a copy of the record for walID, if known.
func (w *WAL) Lookup(walID string) (Record, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.byID[walID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

func (w *WAL) mark(walID string, state State, lastError string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	rec, ok := w.byID[walID]
	if !ok {
		return fmt.Errorf("turnwal: unknown wal id %q", walID)
	}
	if rec.State == StateDone || rec.State == StateFailed {
		return nil // terminal states are sticky; re-marking is a no-op
	}
	rec.State = state
	rec.LastError = lastError
	rec.UpdatedAt = time.Now().UnixMilli()
	if err := w.appendLocked(rec); err != nil {
		return err
	}
	if w.bus != nil && (state == StateDone || state == StateFailed) {
		kind := events.KindWALMarkedDone
		if state == StateFailed {
			kind = events.KindWALMarkedFailed
		}
		rec := *rec
		w.bus.Broadcast(events.Event{Kind: kind, Scope: rec.Scope, Payload: rec})
	}
	return nil
}

func (w *WAL) appendLocked(rec *Record) error {
	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("wal_append_failed: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("wal_append_failed: %w", err)
	}
	return f.Sync()
}

// Compact rewrites the log, dropping terminal records older than olderThan.
// Invoked periodically (spec.md §4.5: "twice per config compactAfterMs,
// floor 30s").
func (w *WAL) Compact(olderThan time.Time) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := olderThan.UnixMilli()
	kept := make([]*Record, 0, len(w.byID))
	for id, rec := range w.byID {
		if (rec.State == StateDone || rec.State == StateFailed) && rec.UpdatedAt < cutoff {
			delete(w.byID, id)
			delete(w.byDedup, rec.DedupeKey)
			continue
		}
		kept = append(kept, rec)
	}

	tmp, err := os.CreateTemp(w.dir, "compact-*.jsonl")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	bw := bufio.NewWriter(tmp)
	for _, rec := range kept {
		data, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			return err
		}
		if _, err := bw.Write(append(data, '\n')); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, w.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// Handler synthesizes a pending-turn enqueue for a replayed non-terminal
// record, used once at process start by Recover.
type Handler func(Record)

// Recover reads all non-terminal records matching scopeFilter (empty string
// matches all scopes) and invokes handler for each. Used once per process
// start (spec.md §4.5).
func (w *WAL) Recover(scopeFilter string, handler Handler) {
	w.mu.Lock()
	var pending []*Record
	for _, rec := range w.byID {
		if rec.State == StateDone || rec.State == StateFailed {
			continue
		}
		if scopeFilter != "" && rec.Scope != scopeFilter {
			continue
		}
		pending = append(pending, rec)
	}
	w.mu.Unlock()

	for _, rec := range pending {
		handler(*rec)
	}
}
