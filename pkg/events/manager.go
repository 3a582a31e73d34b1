package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/codeready-toolchain/casey/pkg/models"
)

// catchupLimit is the maximum number of events returned in one catchup pass.
// If more events were missed, a catchup:overflow message tells the client to
// do a full REST reload.
const catchupLimit = 200

// listenTimeout bounds how long a LISTEN command may block when subscribing
// to a new PG channel. Without this, a stalled connection would block the
// subscribing goroutine (and thus the client's read loop) indefinitely.
const listenTimeout = 10 * time.Second

// CatchupEvent is one stored event row returned by the catchup query.
type CatchupEvent struct {
	ID      int64
	Payload map[string]any
}

// CatchupQuerier queries the durable event log for reconnect catchup.
// Implemented by EventServiceAdapter.
type CatchupQuerier interface {
	CatchupEvents(ctx context.Context, channel string, sinceID int64, limit int) ([]CatchupEvent, error)
}

// MessageHandler consumes one client control message (user:correction,
// user:stop) and returns the reply to send back, or nil for no reply.
type MessageHandler func(ctx context.Context, msg *ClientMessage) any

// ConnectOptions bind one WebSocket connection to its channel. The channel
// comes from the route: run connections subscribe "run:{id}", session
// connections "session:{id}".
type ConnectOptions struct {
	Channel string

	// LastEventID, when positive, replays the stored events the client
	// missed before going live. Zero means the caller handles replay
	// through OnReady instead.
	LastEventID int64

	// OnReady runs after connection:ready with a send function, letting the
	// route replay buffered events or push an initial snapshot.
	OnReady func(send func(v any) error)

	// OnMessage handles correction and stop messages. Nil rejects them.
	OnMessage MessageHandler
}

// ConnectionManager manages WebSocket connections and channel subscriptions.
// Each Go process (pod) has one ConnectionManager instance.
type ConnectionManager struct {
	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// Channel subscriptions: channel → set of connection_ids
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	// CatchupQuerier for reconnect catchup
	catchupQuerier CatchupQuerier

	// NotifyListener for dynamic LISTEN/UNLISTEN (set after construction)
	listener   *NotifyListener
	listenerMu sync.RWMutex

	// Write timeout for WebSocket sends
	writeTimeout time.Duration
}

// Connection represents a single WebSocket client, bound to one channel for
// its whole lifetime.
type Connection struct {
	ID      string
	Conn    *websocket.Conn
	channel string
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewConnectionManager creates a new ConnectionManager.
func NewConnectionManager(catchupQuerier CatchupQuerier, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		connections:    make(map[string]*Connection),
		channels:       make(map[string]map[string]bool),
		catchupQuerier: catchupQuerier,
		writeTimeout:   writeTimeout,
	}
}

// SetListener sets the NotifyListener for dynamic LISTEN/UNLISTEN. Called
// once during startup after both sides are created.
func (m *ConnectionManager) SetListener(l *NotifyListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

// HandleConnection manages the lifecycle of a single WebSocket connection.
// Called by the WebSocket route handler after upgrade. Blocks until the
// connection closes.
//
// Delivery order on attach: subscribe (LISTEN active) → connection:ready →
// catchup or OnReady replay → live events. LISTEN completes before replay
// starts, so nothing published in between is lost; the client dedupes the
// overlap by seq.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, opts ConnectOptions) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:      connID,
		Conn:    conn,
		channel: opts.Channel,
		ctx:     ctx,
		cancel:  cancel,
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	if err := m.subscribe(c, opts.Channel); err != nil {
		m.sendJSON(c, map[string]string{
			"type":    MsgError,
			"message": "channel listen failed",
		})
		return
	}

	m.sendJSON(c, map[string]string{
		"type":         MsgConnectionReady,
		"connectionId": connID,
		"channel":      opts.Channel,
	})

	if opts.LastEventID > 0 {
		m.handleCatchup(ctx, c, opts.Channel, opts.LastEventID)
	} else if opts.OnReady != nil {
		opts.OnReady(func(v any) error { return m.send(c, v) })
	}

	// Read loop — process client messages until the connection closes.
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"connection_id", connID, "error", err)
			continue
		}

		m.handleClientMessage(ctx, c, opts, &msg)
	}
}

// handleClientMessage dispatches one client message.
func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, opts ConnectOptions, msg *ClientMessage) {
	switch msg.Type {
	case MsgPing:
		m.sendJSON(c, map[string]string{"type": MsgPong})
		// A ping carrying lastEventId doubles as an in-band resync request.
		if msg.LastEventID != nil && *msg.LastEventID > 0 {
			m.handleCatchup(ctx, c, c.channel, *msg.LastEventID)
		}

	case MsgUserCorrection, MsgUserStop:
		if opts.OnMessage == nil {
			m.sendJSON(c, map[string]string{
				"type":    MsgError,
				"message": fmt.Sprintf("%s is not supported on this stream", msg.Type),
			})
			return
		}
		if reply := opts.OnMessage(ctx, msg); reply != nil {
			if err := m.send(c, reply); err != nil {
				slog.Warn("Failed to send control reply",
					"connection_id", c.ID, "error", err)
			}
		}

	default:
		m.sendJSON(c, map[string]string{
			"type":    MsgError,
			"message": fmt.Sprintf("unknown message type %q", msg.Type),
		})
	}
}

// Broadcast fans a NOTIFY payload out to every connection subscribed to the
// channel, wrapped in the agent:event envelope. A terminal status:change is
// followed by a run:completed message so clients need not inspect payloads.
func (m *ConnectionManager) Broadcast(channel string, event []byte) {
	m.channelMu.RLock()
	connIDs, exists := m.channels[channel]
	if !exists {
		m.channelMu.RUnlock()
		return
	}
	// Copy IDs to avoid holding the lock during sends
	ids := make([]string, 0, len(connIDs))
	for id := range connIDs {
		ids = append(ids, id)
	}
	m.channelMu.RUnlock()

	envelope, err := json.Marshal(map[string]any{
		"type":  MsgAgentEvent,
		"event": json.RawMessage(event),
	})
	if err != nil {
		slog.Warn("Failed to wrap broadcast event", "channel", channel, "error", err)
		return
	}
	completed := runCompletedMessage(event)

	// Snapshot connection pointers under the lock, then release before
	// sending. This avoids holding mu.RLock during potentially slow writes
	// (up to writeTimeout per connection), which would stall connection
	// register/unregister operations.
	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := m.sendRaw(conn, envelope); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", conn.ID, "error", err)
			continue
		}
		if completed != nil {
			if err := m.sendRaw(conn, completed); err != nil {
				slog.Warn("Failed to send run:completed",
					"connection_id", conn.ID, "error", err)
			}
		}
	}
}

// runCompletedMessage returns the run:completed message for a terminal
// status:change event, or nil for everything else.
func runCompletedMessage(event []byte) []byte {
	var probe struct {
		Type    string `json:"type"`
		Payload struct {
			RunID  string `json:"runId"`
			Status string `json:"status"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(event, &probe); err != nil {
		return nil
	}
	if probe.Type != EventStatusChange || !models.RunStatus(probe.Payload.Status).Terminal() {
		return nil
	}
	msg, err := json.Marshal(map[string]string{
		"type":   MsgRunCompleted,
		"runId":  probe.Payload.RunID,
		"status": probe.Payload.Status,
	})
	if err != nil {
		return nil
	}
	return msg
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount returns the number of subscribers for a channel.
// Unexported — used by tests to poll instead of sleeping.
func (m *ConnectionManager) subscriberCount(channel string) int {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	return len(m.channels[channel])
}

// subscribe registers a connection for its channel and starts LISTEN if it
// is the first subscriber. LISTEN is synchronous so it completes before
// subscribe returns — this guarantees the subsequent replay runs with LISTEN
// already active, closing the gap where events published between replay and
// LISTEN would be lost.
func (m *ConnectionManager) subscribe(c *Connection, channel string) error {
	m.channelMu.Lock()
	needsListen := false
	if _, exists := m.channels[channel]; !exists {
		m.channels[channel] = make(map[string]bool)
		needsListen = true
	}
	m.channels[channel][c.ID] = true
	m.channelMu.Unlock()

	if needsListen {
		m.listenerMu.RLock()
		l := m.listener
		m.listenerMu.RUnlock()
		if l != nil {
			listenCtx, listenCancel := context.WithTimeout(context.Background(), listenTimeout)
			defer listenCancel()
			if err := l.Subscribe(listenCtx, channel); err != nil {
				slog.Error("Failed to LISTEN on channel", "channel", channel, "error", err)
				m.cleanupFailedChannel(c, channel)
				return fmt.Errorf("LISTEN on channel %s: %w", channel, err)
			}
		}
	}
	return nil
}

// cleanupFailedChannel removes ALL subscribers from a channel after a LISTEN
// failure and notifies every affected connection (except the triggering one,
// which is notified by the caller via the returned error).
//
// Between unlocking channelMu (after creating the channel entry) and
// l.Subscribe completing, other goroutines may have subscribed to the same
// channel. Because they saw the channel already existed they skipped LISTEN
// and proceeded. Those connections are now orphaned — they received
// connection:ready but the underlying PG LISTEN was never established.
// Clients MUST treat the error message as authoritative: discard received
// events and reconnect with back-off or fall back to REST polling.
func (m *ConnectionManager) cleanupFailedChannel(triggering *Connection, channel string) {
	m.channelMu.Lock()
	affectedIDs := make([]string, 0, len(m.channels[channel]))
	for connID := range m.channels[channel] {
		if connID != triggering.ID {
			affectedIDs = append(affectedIDs, connID)
		}
	}
	delete(m.channels, channel)
	m.channelMu.Unlock()

	if len(affectedIDs) == 0 {
		return
	}

	m.mu.RLock()
	conns := make([]*Connection, 0, len(affectedIDs))
	for _, id := range affectedIDs {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		slog.Warn("Removing orphaned subscriber after LISTEN failure",
			"connection_id", conn.ID, "channel", channel)
		m.sendJSON(conn, map[string]string{
			"type":    MsgError,
			"message": "channel listen failed; stream closed",
		})
	}
}

// unsubscribe removes a connection from its channel and stops LISTEN when
// the last subscriber leaves.
func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	if subs, exists := m.channels[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
			// Last subscriber left — stop LISTEN.
			// The goroutine re-checks m.channels before issuing UNLISTEN to
			// prevent a race where a rapid disconnect/reconnect cycle would
			// drop the LISTEN:
			//   connect → LISTEN active
			//   disconnect → goroutine: UNLISTEN (deferred)
			//   reconnect → channel re-added to m.channels
			//   goroutine → sees resubscribed → skips UNLISTEN
			m.listenerMu.RLock()
			l := m.listener
			m.listenerMu.RUnlock()
			if l != nil {
				go func() {
					m.channelMu.RLock()
					_, resubscribed := m.channels[channel]
					m.channelMu.RUnlock()
					if resubscribed {
						return
					}
					if err := l.Unsubscribe(context.Background(), channel); err != nil {
						slog.Error("Failed to UNLISTEN channel", "channel", channel, "error", err)
					}
				}()
			}
		}
	}
	m.channelMu.Unlock()
}

// handleCatchup sends the stored events since lastEventID to the client.
func (m *ConnectionManager) handleCatchup(ctx context.Context, c *Connection, channel string, lastEventID int64) {
	if m.catchupQuerier == nil {
		return
	}

	// Query one past the limit to detect overflow.
	events, err := m.catchupQuerier.CatchupEvents(ctx, channel, lastEventID, catchupLimit+1)
	if err != nil {
		slog.Error("Catchup query failed", "channel", channel, "error", err)
		return
	}

	hasMore := len(events) > catchupLimit
	if hasMore {
		events = events[:catchupLimit]
	}

	// Send missed events in order, injecting db_event_id for position
	// tracking. The stored payload doesn't contain db_event_id (it's only
	// added to the NOTIFY copy at publish time), so it is added here from
	// the row id.
	for _, evt := range events {
		evt.Payload["db_event_id"] = evt.ID
		if err := m.send(c, map[string]any{
			"type":  MsgAgentEvent,
			"event": evt.Payload,
		}); err != nil {
			slog.Warn("Failed to send catchup event",
				"connection_id", c.ID, "error", err)
			return
		}
	}

	// If more events were missed than the catchup limit, tell the client to
	// do a full REST reload instead of paginating catchup requests.
	if hasMore {
		m.sendJSON(c, map[string]any{
			"type":    MsgCatchupOverflow,
			"channel": channel,
			"hasMore": true,
		})
	}
}

// registerConnection adds a connection to the tracking map.
func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

// unregisterConnection removes a connection and its subscription.
func (m *ConnectionManager) unregisterConnection(c *Connection) {
	m.unsubscribe(c, c.channel)

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

// send marshals and sends a JSON message, returning the write error.
func (m *ConnectionManager) send(c *Connection, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal websocket message: %w", err)
	}
	return m.sendRaw(c, data)
}

// sendJSON marshals and sends a JSON message, logging failures.
func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	if err := m.send(c, v); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

// sendRaw sends raw bytes to a single connection with a write timeout.
func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
