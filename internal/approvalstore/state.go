// Package approvalstore implements the durable approval-state and
// approval-routing maps described in spec.md §4.2, keyed by
// (conversationId, requestId).
package approvalstore

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/arcthur/brewva/internal/events"
)

const stateIndexSchema = "brewva.approval-state/v2"

// Snapshot is the opaque UI state attached to an approval turn — spec.md §3
// "Approval-state snapshot".
type Snapshot struct {
	ScreenID string         `json:"screenId,omitempty"`
	StateKey string         `json:"stateKey,omitempty"`
	State    map[string]any `json:"state,omitempty"`
}

type stateRecord struct {
	RecordedAt int64          `json:"recordedAt"`
	ScreenID   string         `json:"screenId,omitempty"`
	StateKey   string         `json:"stateKey,omitempty"`
	State      map[string]any `json:"state,omitempty"` // only present for unspilled v1 records on reload
}

type stateIndex struct {
	Schema    string                            `json:"schema"`
	UpdatedAt int64                             `json:"updatedAt"`
	Records   map[string]map[string]stateRecord `json:"records"` // conversationId -> requestId -> record
}

// StateStore persists approval-state snapshots, spilling large state blobs
// to sibling files and keeping only a stateKey in the index (spec.md §4.2).
// Grounded on sessions.Manager's atomic tmp+rename persistence idiom.
type StateStore struct {
	dir        string // .brewva/channel
	maxEntries int
	mu         sync.Mutex
	index      stateIndex

	bus *events.Bus
}

// SetBus attaches an event bus that Record broadcasts onto (SPEC_FULL.md
// §4.11's audit mirror subscribes here). Optional.
func (s *StateStore) SetBus(bus *events.Bus) {
	s.bus = bus
}

// NewStateStore opens (or initializes) a StateStore rooted at dir, pruning
// any conversation's records beyond maxEntries.
func NewStateStore(dir string, maxEntries int) (*StateStore, error) {
	if maxEntries <= 0 {
		maxEntries = 2048
	}
	s := &StateStore{
		dir:        dir,
		maxEntries: maxEntries,
		index: stateIndex{
			Schema:  stateIndexSchema,
			Records: make(map[string]map[string]stateRecord),
		},
	}
	if err := os.MkdirAll(filepath.Join(dir, "approval-state"), 0755); err != nil {
		return nil, err
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *StateStore) indexPath() string { return filepath.Join(s.dir, "approval-state.json") }
func (s *StateStore) blobPath(stateKey string) string {
	return filepath.Join(s.dir, "approval-state", stateKey+".json")
}

func (s *StateStore) load() error {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var idx stateIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return fmt.Errorf("parse approval-state index: %w", err)
	}
	if idx.Records == nil {
		idx.Records = make(map[string]map[string]stateRecord)
	}
	// Normalize any v1 records (state embedded inline) into v2 blobs on load.
	for conv, byReq := range idx.Records {
		for req, rec := range byReq {
			if rec.State != nil && rec.StateKey != "" {
				if err := s.writeBlob(rec.StateKey, rec.State); err == nil {
					rec.State = nil
					byReq[req] = rec
				}
			}
		}
		idx.Records[conv] = byReq
	}
	idx.Schema = stateIndexSchema
	s.index = idx
	return nil
}

func (s *StateStore) writeBlob(stateKey string, state map[string]any) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(s.dir, "approval-state"), s.blobPath(stateKey), data)
}

func (s *StateStore) readBlob(stateKey string) (map[string]any, bool) {
	data, err := os.ReadFile(s.blobPath(stateKey))
	if err != nil {
		return nil, false
	}
	var state map[string]any
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, false
	}
	return state, true
}

func computeStateKey(conversationID, requestID string) string {
	h := sha256.Sum256([]byte(conversationID + ":" + requestID))
	return fmt.Sprintf("st_%x", h[:6])
}

// Record persists snapshot under (conversationID, requestID), filling
// stateKey from the existing record or computing a fresh one, spilling any
// non-nil State to a sibling blob file. Returns the resolved stateKey.
func (s *StateStore) Record(conversationID, requestID string, snapshot Snapshot) (stateKey string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byReq, ok := s.index.Records[conversationID]
	if !ok {
		byReq = make(map[string]stateRecord)
		s.index.Records[conversationID] = byReq
	}

	stateKey = snapshot.StateKey
	if stateKey == "" {
		if existing, ok := byReq[requestID]; ok && existing.StateKey != "" {
			stateKey = existing.StateKey
		} else {
			stateKey = computeStateKey(conversationID, requestID)
		}
	}

	rec := stateRecord{
		RecordedAt: time.Now().UnixMilli(),
		ScreenID:   snapshot.ScreenID,
		StateKey:   stateKey,
	}

	if snapshot.State != nil {
		if err := s.writeBlob(stateKey, snapshot.State); err != nil {
			return "", fmt.Errorf("persist approval state blob: %w", err)
		}
	}

	byReq[requestID] = rec
	pruneOldest(byReq, s.maxEntries)

	if err := s.flush(); err != nil {
		return "", err
	}
	if s.bus != nil {
		s.bus.Broadcast(events.Event{
			Kind:    events.KindApprovalRecorded,
			Scope:   conversationID,
			Payload: rec,
		})
	}
	return stateKey, nil
}

// Resolve returns the snapshot for (conversationID, requestID), reattaching
// State from the blob file when stateKey is present and the file exists.
func (s *StateStore) Resolve(conversationID, requestID string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byReq, ok := s.index.Records[conversationID]
	if !ok {
		return Snapshot{}, false
	}
	rec, ok := byReq[requestID]
	if !ok {
		return Snapshot{}, false
	}

	snap := Snapshot{ScreenID: rec.ScreenID, StateKey: rec.StateKey}
	if rec.StateKey != "" {
		if state, ok := s.readBlob(rec.StateKey); ok {
			snap.State = state
		}
	}
	return snap, true
}

func (s *StateStore) flush() error {
	s.index.UpdatedAt = time.Now().UnixMilli()
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(s.dir, s.indexPath(), data)
}

// pruneOldest evicts the smallest-recordedAt entries from byReq until its
// size is at most maxEntries (spec.md §4.2 "Pruned per-conversation to a
// configurable cap, evicting smallest recordedAt first").
func pruneOldest(byReq map[string]stateRecord, maxEntries int) {
	if len(byReq) <= maxEntries {
		return
	}
	type kv struct {
		key string
		at  int64
	}
	entries := make([]kv, 0, len(byReq))
	for k, v := range byReq {
		entries = append(entries, kv{k, v.RecordedAt})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at < entries[j].at })
	toEvict := len(byReq) - maxEntries
	for i := 0; i < toEvict; i++ {
		delete(byReq, entries[i].key)
	}
}

// atomicWrite writes data to path via a temp file in dir followed by
// os.Rename, fsyncing before the rename — grounded on
// sessions.Manager.Save()'s tmp+rename pattern.
func atomicWrite(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "tmp-*.json")
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

	if _, err := tmp.Write(data); err != nil {
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
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
