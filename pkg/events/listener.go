package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

// Timing for the LISTEN connection. The wait slice bounds how long the
// receive loop blocks in WaitForNotification before it returns to service
// queued LISTEN/UNLISTEN work and shutdown.
const (
	notifyWaitSlice    = 100 * time.Millisecond
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// listenOp is one LISTEN or UNLISTEN statement queued for the receive loop.
type listenOp struct {
	stmt string
	done chan error
}

// NotifyListener owns the dedicated Postgres connection that receives NOTIFY
// payloads and hands them to the ConnectionManager for fan-out. A pgx
// connection is not safe for concurrent use, so the receive loop is the only
// goroutine that touches it: Subscribe and Unsubscribe queue statements and
// wait for the loop to run them.
type NotifyListener struct {
	dsn     string
	manager *ConnectionManager
	logger  *slog.Logger

	connMu sync.Mutex
	conn   *pgx.Conn

	activeMu sync.RWMutex
	active   map[string]bool // channels currently under LISTEN

	ops     chan listenOp
	started atomic.Bool

	// stopLoop and loopDone order shutdown: the loop exits before the
	// connection closes underneath WaitForNotification.
	stopLoop context.CancelFunc
	loopDone chan struct{}
}

// NewNotifyListener builds a listener dispatching into manager. A nil logger
// falls back to slog.Default.
func NewNotifyListener(dsn string, manager *ConnectionManager, logger *slog.Logger) *NotifyListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifyListener{
		dsn:     dsn,
		manager: manager,
		logger:  logger,
		active:  make(map[string]bool),
		ops:     make(chan listenOp, 16),
	}
}

// Start opens the dedicated connection and launches the receive loop.
func (l *NotifyListener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("connect for LISTEN: %w", err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	l.started.Store(true)

	loopCtx, cancel := context.WithCancel(ctx)
	l.stopLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receive(loopCtx)
	}()

	l.logger.Info("Notify listener started")
	return nil
}

// Subscribe issues LISTEN for a channel. Subscribing an already-listening
// channel is a no-op.
func (l *NotifyListener) Subscribe(ctx context.Context, channel string) error {
	l.activeMu.RLock()
	listening := l.active[channel]
	l.activeMu.RUnlock()
	if listening {
		return nil
	}
	if !l.started.Load() {
		return errors.New("LISTEN connection not established")
	}

	sanitized := pgx.Identifier{channel}.Sanitize()
	if err := l.run(ctx, "LISTEN "+sanitized); err != nil {
		return fmt.Errorf("LISTEN %s: %w", sanitized, err)
	}
	l.activeMu.Lock()
	l.active[channel] = true
	l.activeMu.Unlock()
	l.logger.Debug("Subscribed to notify channel", "channel", channel)
	return nil
}

// Unsubscribe issues UNLISTEN for a previously subscribed channel.
func (l *NotifyListener) Unsubscribe(ctx context.Context, channel string) error {
	l.activeMu.RLock()
	listening := l.active[channel]
	l.activeMu.RUnlock()
	if !listening || !l.started.Load() {
		return nil
	}

	sanitized := pgx.Identifier{channel}.Sanitize()
	if err := l.run(ctx, "UNLISTEN "+sanitized); err != nil {
		return fmt.Errorf("UNLISTEN %s: %w", sanitized, err)
	}
	l.activeMu.Lock()
	delete(l.active, channel)
	l.activeMu.Unlock()
	return nil
}

// run queues one statement for the receive loop and waits for its result.
func (l *NotifyListener) run(ctx context.Context, stmt string) error {
	op := listenOp{stmt: stmt, done: make(chan error, 1)}
	select {
	case l.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receive drains queued statements, then waits one slice for the next
// notification. Errors other than the slice elapsing replace the connection.
func (l *NotifyListener) receive(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.drainOps(ctx)

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()
		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, notifyWaitSlice)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue // slice elapsed; service queued statements
			}
			l.logger.Error("Notify receive failed", "error", err)
			l.reconnect(ctx)
			continue
		}

		l.manager.Broadcast(notification.Channel, []byte(notification.Payload))
	}
}

// drainOps executes every queued LISTEN/UNLISTEN statement on the
// connection and reports each result back to its caller.
func (l *NotifyListener) drainOps(ctx context.Context) {
	for {
		select {
		case op := <-l.ops:
			l.connMu.Lock()
			conn := l.conn
			l.connMu.Unlock()
			if conn == nil {
				op.done <- errors.New("LISTEN connection not established")
				continue
			}
			_, err := conn.Exec(ctx, op.stmt)
			op.done <- err
		default:
			return
		}
	}
}

// reconnect replaces a dead connection, doubling the delay up to the cap,
// and re-issues LISTEN for every active channel on the new connection.
func (l *NotifyListener) reconnect(ctx context.Context) {
	l.connMu.Lock()
	defer l.connMu.Unlock()

	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}

	delay := reconnectBaseDelay
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		conn, err := pgx.Connect(ctx, l.dsn)
		if err != nil {
			l.logger.Error("Notify reconnect failed", "error", err, "delay", delay)
			delay = min(delay*2, reconnectMaxDelay)
			continue
		}
		l.conn = conn

		l.activeMu.RLock()
		for ch := range l.active {
			if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
				l.logger.Error("Re-LISTEN after reconnect failed", "channel", ch, "error", err)
			}
		}
		l.activeMu.RUnlock()

		l.logger.Info("Notify listener reconnected")
		return
	}
}

// Stop ends the receive loop, waits for it, then closes the connection.
func (l *NotifyListener) Stop(ctx context.Context) {
	l.started.Store(false)
	if l.stopLoop != nil {
		l.stopLoop()
	}
	if l.loopDone != nil {
		<-l.loopDone
	}

	l.connMu.Lock()
	defer l.connMu.Unlock()
	if l.conn != nil {
		_ = l.conn.Close(ctx)
		l.conn = nil
	}
}
