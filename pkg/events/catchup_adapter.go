package events

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/codeready-toolchain/casey/pkg/models"
)

// EventLog is the slice of the durable event store catchup reads from.
// *services.EventService satisfies it.
type EventLog interface {
	GetEventsSince(ctx context.Context, channel string, sinceID int64, limit int) ([]*models.PersistedEvent, error)
	ListSessionEvents(ctx context.Context, sessionID string, afterID int64, limit int) ([]*models.PersistedEvent, error)
}

// EventServiceAdapter exposes the durable event log as a CatchupQuerier.
// Run channels resolve against the channel recorded on each row. Session
// channels resolve by session id instead: a row is stored once under its
// run channel and fanned out to the session channel only at NOTIFY time.
type EventServiceAdapter struct {
	service EventLog
}

// NewEventServiceAdapter wraps an event log for catchup queries.
func NewEventServiceAdapter(service EventLog) *EventServiceAdapter {
	return &EventServiceAdapter{service: service}
}

// CatchupEvents returns stored events on the channel with id > sinceID,
// oldest first, up to limit. Rows that fail to decode are skipped so one
// corrupt payload cannot wedge a client's reconnect.
func (a *EventServiceAdapter) CatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]CatchupEvent, error) {
	var (
		rows []*models.PersistedEvent
		err  error
	)
	if sessionID, ok := strings.CutPrefix(channel, "session:"); ok {
		rows, err = a.service.ListSessionEvents(ctx, sessionID, sinceID, limit)
	} else {
		rows, err = a.service.GetEventsSince(ctx, channel, sinceID, limit)
	}
	if err != nil {
		return nil, err
	}

	events := make([]CatchupEvent, 0, len(rows))
	for _, row := range rows {
		var payload map[string]any
		if err := json.Unmarshal(row.Payload, &payload); err != nil {
			continue
		}
		events = append(events, CatchupEvent{ID: row.ID, Payload: payload})
	}
	return events, nil
}
