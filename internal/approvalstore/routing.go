package approvalstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/arcthur/brewva/internal/events"
)

const routingIndexSchema = "brewva.approval-routing/v1"

// Route is the owning agent for an approval callback, resolved when the
// user presses a button — spec.md §3 "Approval-routing record".
type Route struct {
	AgentID    string `json:"agentId"`
	RecordedAt int64  `json:"recordedAt"`
}

type routingIndex struct {
	Schema    string                      `json:"schema"`
	UpdatedAt int64                       `json:"updatedAt"`
	Routes    map[string]map[string]Route `json:"routes"` // conversationId -> requestId -> route
}

// RoutingStore persists which agent owns a pending approval request,
// pruned per-conversation to the same cap as StateStore.
type RoutingStore struct {
	dir        string
	maxEntries int
	mu         sync.Mutex
	index      routingIndex

	bus *events.Bus
}

// SetBus attaches an event bus that Record broadcasts onto (SPEC_FULL.md
// §4.11's audit mirror subscribes here). Optional.
func (r *RoutingStore) SetBus(bus *events.Bus) {
	r.bus = bus
}

// RoutingRecorded is the payload broadcast alongside events.KindApprovalRecorded
// whenever Record assigns an owning agent to a pending approval request.
type RoutingRecorded struct {
	ConversationID string `json:"conversationId"`
	RequestID      string `json:"requestId"`
	Route          Route  `json:"route"`
}

// NewRoutingStore opens (or initializes) a RoutingStore rooted at dir.
func NewRoutingStore(dir string, maxEntries int) (*RoutingStore, error) {
	if maxEntries <= 0 {
		maxEntries = 2048
	}
	r := &RoutingStore{
		dir:        dir,
		maxEntries: maxEntries,
		index: routingIndex{
			Schema: routingIndexSchema,
			Routes: make(map[string]map[string]Route),
		},
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RoutingStore) path() string { return filepath.Join(r.dir, "approval-routing.json") }

func (r *RoutingStore) load() error {
	data, err := os.ReadFile(r.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var idx routingIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return err
	}
	if idx.Routes == nil {
		idx.Routes = make(map[string]map[string]Route)
	}
	idx.Schema = routingIndexSchema
	r.index = idx
	return nil
}

// Record stores the owning agent for (conversationID, requestID).
func (r *RoutingStore) Record(conversationID, requestID, agentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byReq, ok := r.index.Routes[conversationID]
	if !ok {
		byReq = make(map[string]Route)
		r.index.Routes[conversationID] = byReq
	}
	route := Route{AgentID: agentID, RecordedAt: time.Now().UnixMilli()}
	byReq[requestID] = route
	prune(byReq, r.maxEntries)

	if err := r.flush(); err != nil {
		return err
	}
	if r.bus != nil {
		r.bus.Broadcast(events.Event{
			Kind:    events.KindApprovalRecorded,
			Scope:   conversationID,
			Payload: RoutingRecorded{ConversationID: conversationID, RequestID: requestID, Route: route},
		})
	}
	return nil
}

// Resolve is a pure lookup for (conversationID, requestID).
func (r *RoutingStore) Resolve(conversationID, requestID string) (Route, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	byReq, ok := r.index.Routes[conversationID]
	if !ok {
		return Route{}, false
	}
	route, ok := byReq[requestID]
	return route, ok
}

func (r *RoutingStore) flush() error {
	r.index.UpdatedAt = time.Now().UnixMilli()
	data, err := json.MarshalIndent(r.index, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(r.dir, r.path(), data)
}

func prune(byReq map[string]Route, maxEntries int) {
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
