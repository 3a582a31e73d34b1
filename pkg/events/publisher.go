package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// maxNotifyPayload is the largest payload sent through pg_notify. PostgreSQL
// caps NOTIFY payloads at 8000 bytes; anything above this threshold is
// replaced on the wire by a minimal envelope pointing at the stored row.
const maxNotifyPayload = 7900

// publishTimeout bounds each event write. Writes run on a detached context
// so a client disconnect cannot abort an in-flight transaction.
const publishTimeout = 10 * time.Second

// Publisher bridges the in-process Bus to PostgreSQL. Persistent events are
// inserted into agent_events and announced with pg_notify inside one
// transaction; pg_notify is itself transactional, so a notification can
// never reference a row that failed to commit. Transient events skip the
// insert and go out NOTIFY-only.
type Publisher struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPublisher creates a publisher over the shared pool.
func NewPublisher(db *sql.DB, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{db: db, logger: logger}
}

// Attach subscribes the publisher to one run's bus events. Each event is
// written on its own detached context; failures are logged, never propagated
// to the emitter. The returned function detaches the publisher.
func (p *Publisher) Attach(bus *Bus, runID string) func() {
	id := bus.AddListener(runID, func(event *AgentEvent) {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := p.Publish(ctx, event); err != nil {
			p.logger.Error("Event publish failed",
				"run_id", runID, "event_type", event.Type, "seq", event.Seq, "error", err)
		}
	})
	return func() { bus.RemoveListener(runID, id) }
}

// Publish routes one event to its NOTIFY channels, persisting it first
// unless the type is transient.
func (p *Publisher) Publish(ctx context.Context, event *AgentEvent) error {
	if event == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.Type, err)
	}

	channels := channelsFor(event)
	if len(channels) == 0 {
		return fmt.Errorf("event %s carries no run or session id", event.Type)
	}

	if Transient(event.Type) {
		return p.notifyOnly(ctx, p.capPayload(event, payload, 0), channels)
	}
	return p.persistAndNotify(ctx, event, payload, channels)
}

// channelsFor returns the NOTIFY channels an event fans out to: the run
// channel, the session channel when the event carries a session, and the
// global runs channel for status changes so dashboards see every run.
// The first channel is the one recorded on the stored row and is the one
// catchup queries resolve against.
func channelsFor(event *AgentEvent) []string {
	var channels []string
	if event.TaskID != "" {
		channels = append(channels, RunChannel(event.TaskID))
	}
	if event.SessionID != "" {
		channels = append(channels, SessionChannel(event.SessionID))
	}
	if event.Type == EventStatusChange {
		channels = append(channels, GlobalRunsChannel)
	}
	return channels
}

// persistAndNotify stores the event and notifies every channel in a single
// transaction. The stored row keeps the full payload; only the NOTIFY copy
// is capped.
func (p *Publisher) persistAndNotify(ctx context.Context, event *AgentEvent, payload []byte, channels []string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var dbEventID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO agent_events (session_id, run_id, channel, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		event.SessionID, event.TaskID, channels[0], payload,
	).Scan(&dbEventID)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	wire := p.capPayload(event, payload, dbEventID)
	for _, channel := range channels {
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, wire); err != nil {
			return fmt.Errorf("pg_notify %s: %w", channel, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event tx: %w", err)
	}
	return nil
}

// notifyOnly announces the payload on each channel without persisting it.
// Transient events are lost on disconnect; clients recover the final state
// from the next persistent event.
func (p *Publisher) notifyOnly(ctx context.Context, wire string, channels []string) error {
	for _, channel := range channels {
		if _, err := p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, wire); err != nil {
			return fmt.Errorf("pg_notify %s: %w", channel, err)
		}
	}
	return nil
}

// capPayload produces the NOTIFY copy of the payload: the durable row id is
// injected when known so clients can resume catchup from it, and oversized
// payloads collapse to a truncation envelope that points at the stored row.
func (p *Publisher) capPayload(event *AgentEvent, payload []byte, dbEventID int64) string {
	wire := payload
	if dbEventID > 0 {
		injected, err := injectDBEventID(payload, dbEventID)
		if err != nil {
			p.logger.Warn("Event id injection failed; sending truncation envelope",
				"event_type", event.Type, "error", err)
			return truncationEnvelope(event, dbEventID)
		}
		wire = injected
	}
	if len(wire) <= maxNotifyPayload {
		return string(wire)
	}
	return truncationEnvelope(event, dbEventID)
}

// injectDBEventID adds the stored row's id to the wire payload.
func injectDBEventID(payload []byte, dbEventID int64) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, err
	}
	m["db_event_id"] = dbEventID
	return json.Marshal(m)
}

// truncationEnvelope builds the minimal stand-in for an oversized payload.
// It keeps just enough routing for the client to fetch the full row through
// catchup or the REST event log.
func truncationEnvelope(event *AgentEvent, dbEventID int64) string {
	envelope := map[string]any{
		"type":      event.Type,
		"seq":       event.Seq,
		"taskId":    event.TaskID,
		"sessionId": event.SessionID,
		"truncated": true,
	}
	if dbEventID > 0 {
		envelope["db_event_id"] = dbEventID
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return `{"truncated":true}`
	}
	return string(data)
}
