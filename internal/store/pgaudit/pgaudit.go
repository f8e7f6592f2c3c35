// Package pgaudit implements SPEC_FULL.md §4.11's optional Postgres audit
// mirror: a background subscriber on the event bus that copies WAL terminal
// marks and approval-routing records into Postgres, purely for
// multi-instance observability. The workspace JSON files stay the source of
// truth — Mirror never blocks the orchestrator pipeline and never returns
// its write errors to a caller, the same "optional managed-mode add-on
// behind a DSN check" pattern the teacher's cmd/doctor.go uses for Postgres.
package pgaudit

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/arcthur/brewva/internal/approvalstore"
	"github.com/arcthur/brewva/internal/events"
	"github.com/arcthur/brewva/internal/turnwal"
)

// Mirror writes audit rows to Postgres off a bounded queue so a slow or
// unreachable database never backs up onto event publishers.
type Mirror struct {
	db    *sql.DB
	queue chan events.Event
	done  chan struct{}
}

// Open dials dsn (driver "pgx") and starts the background drain loop. Call
// Close to stop the loop and release the connection pool.
func Open(dsn string) (*Mirror, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	m := &Mirror{
		db:    db,
		queue: make(chan events.Event, 256),
		done:  make(chan struct{}),
	}
	go m.drain()
	return m, nil
}

// Subscribe registers the mirror on bus under a fixed id, so a second
// Subscribe call replaces rather than duplicates the handler.
func (m *Mirror) Subscribe(bus *events.Bus) {
	bus.Subscribe("pgaudit", func(e events.Event) {
		switch e.Kind {
		case events.KindWALMarkedDone, events.KindWALMarkedFailed, events.KindApprovalRecorded:
			select {
			case m.queue <- e:
			default:
				slog.Warn("pgaudit: queue full, dropping event", "kind", e.Kind)
			}
		}
	})
}

// Close stops the drain loop and closes the database connection. Pending
// queued events are dropped — the mirror is best-effort observability, not
// a durable log.
func (m *Mirror) Close() error {
	close(m.done)
	return m.db.Close()
}

func (m *Mirror) drain() {
	for {
		select {
		case <-m.done:
			return
		case e := <-m.queue:
			m.write(e)
		}
	}
}

func (m *Mirror) write(e events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	switch e.Kind {
	case events.KindWALMarkedDone, events.KindWALMarkedFailed:
		rec, ok := e.Payload.(turnwal.Record)
		if !ok {
			return
		}
		err = m.writeWAL(ctx, rec)
	case events.KindApprovalRecorded:
		rec, ok := e.Payload.(approvalstore.RoutingRecorded)
		if !ok {
			// StateStore's own KindApprovalRecorded broadcast carries an
			// unexported payload type; only the routing table is mirrored.
			return
		}
		err = m.writeRouting(ctx, rec)
	}
	if err != nil {
		slog.Warn("pgaudit: write failed", "kind", e.Kind, "error", err)
	}
}

func (m *Mirror) writeWAL(ctx context.Context, rec turnwal.Record) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO turn_wal_audit (wal_id, scope, state, last_error, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (wal_id) DO UPDATE SET
			state = EXCLUDED.state,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at
	`, rec.WalID, rec.Scope, string(rec.State), rec.LastError, rec.UpdatedAt)
	return err
}

func (m *Mirror) writeRouting(ctx context.Context, rec approvalstore.RoutingRecorded) error {
	routeJSON, err := json.Marshal(rec.Route)
	if err != nil {
		return err
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO approval_routing_audit (conversation_id, request_id, agent_id, recorded_at, route)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (conversation_id, request_id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			recorded_at = EXCLUDED.recorded_at,
			route = EXCLUDED.route
	`, rec.ConversationID, rec.RequestID, rec.Route.AgentID, rec.Route.RecordedAt, routeJSON)
	return err
}
