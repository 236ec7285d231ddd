package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	rpcws "github.com/bjoelf/rpcws-adapter/adapter"
	"github.com/gorilla/websocket"
)

// ConnectionManager owns the connect/reconnect lifecycle: the dial and
// backoff loop, the current session, the state machine and teardown.
type ConnectionManager struct {
	client *Client
	dialer *websocket.Dialer

	mu       sync.Mutex
	state    ConnectionState
	stateCh  chan struct{} // closed and replaced on every transition
	current  *session
	closeErr error // why the last cycle ended in StateClosed

	// Supervisor context: lives from Connect to Disconnect (or until the
	// reconnect budget runs out) and scopes backoff sleeps, reconnect dials
	// and the notification dispatcher.
	lifeCtx    context.Context
	lifeCancel context.CancelFunc
	cycle      *cycle

	stateValue atomic.Int32
}

// cycle is what one Connect owns until Disconnect or reconnect exhaustion.
// Each Connect gets a fresh one; its dispatcher only reads its own queue.
type cycle struct {
	queue   chan notification
	workers sync.WaitGroup // dispatcher and reconnect goroutines
}

// NewConnectionManager creates the supervisor for client.
func NewConnectionManager(client *Client) *ConnectionManager {
	cm := &ConnectionManager{
		client:  client,
		dialer:  newDialer(client.cfg, client.url),
		state:   StateDisconnected,
		stateCh: make(chan struct{}),
	}
	cm.stateValue.Store(int32(StateDisconnected))
	return cm
}

// State returns the current state without taking the supervisor lock.
func (cm *ConnectionManager) State() ConnectionState {
	return ConnectionState(cm.stateValue.Load())
}

// setStateLocked must be called with cm.mu held.
func (cm *ConnectionManager) setStateLocked(next ConnectionState) {
	prev := cm.state
	if prev == next {
		return
	}
	cm.state = next
	cm.stateValue.Store(int32(next))
	close(cm.stateCh)
	cm.stateCh = make(chan struct{})
	cm.client.metrics.setState(next)

	cm.client.logger.Info("Connection state changed",
		"function", "setStateLocked",
		"from", prev.String(),
		"to", next.String())
	if hook := cm.client.stateHook; hook != nil {
		hook(prev, next)
	}
}

// EstablishConnection runs the initial dial loop and installs the session.
func (cm *ConnectionManager) EstablishConnection(ctx context.Context) error {
	cm.mu.Lock()
	switch cm.state {
	case StateConnected:
		cm.mu.Unlock()
		cm.client.logger.Debug("Connection already established",
			"function", "EstablishConnection")
		return nil
	case StateConnecting, StateReconnecting:
		state := cm.state
		cm.mu.Unlock()
		return fmt.Errorf("connect already in progress (state %s)", state)
	}
	cm.lifeCtx, cm.lifeCancel = context.WithCancel(context.Background())
	lifeCtx := cm.lifeCtx
	cyc := &cycle{queue: cm.client.router.newQueue()}
	cm.cycle = cyc
	cm.closeErr = nil
	cm.setStateLocked(StateConnecting)
	cm.mu.Unlock()

	// The caller's ctx bounds this call; Disconnect cancels it too.
	dialCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(lifeCtx, cancel)
	defer stop()

	s, err := cm.dialWithBackoff(dialCtx, "connect")

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if err != nil {
		if cm.state == StateConnecting {
			cm.closeErr = err
			cm.setStateLocked(StateClosed)
			cm.lifeCancel()
		}
		return err
	}
	if cm.state != StateConnecting || cm.cycle != cyc {
		s.close()
		return &rpcws.ConnectionError{Op: "connect", URL: cm.client.url, Err: rpcws.ErrConnectionClosed}
	}
	cm.installLocked(s)

	cyc.workers.Add(1)
	go func() {
		defer cyc.workers.Done()
		cm.client.router.run(lifeCtx, cyc.queue)
	}()
	return nil
}

// installLocked makes s current and starts its goroutines. cm.mu must be held.
func (cm *ConnectionManager) installLocked(s *session) {
	s.queue = cm.cycle.queue
	cm.current = s
	cm.setStateLocked(StateConnected)

	s.workers.Add(1)
	go cm.client.readMessages(s)
	if cm.client.cfg.PingInterval > 0 {
		s.workers.Add(1)
		go cm.client.runHeartbeat(s)
	}
}

// dialWithBackoff tries up to MaxReconnectAttempts handshakes, sleeping
// base * 2^(n-1) before attempt n. Authentication failures end it at once.
func (cm *ConnectionManager) dialWithBackoff(ctx context.Context, phase string) (*session, error) {
	cfg := cm.client.cfg
	if cfg.ReconnectDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ReconnectDeadline)
		defer cancel()
	}

	attempts := max(cfg.MaxReconnectAttempts, 1)
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(cfg.ReconnectBaseDelay, cfg.MaxReconnectDelay, attempt)
			cm.client.logger.Info("Waiting before next connection attempt",
				"function", "dialWithBackoff",
				"phase", phase,
				"attempt", attempt+1,
				"max_attempts", attempts,
				"delay", delay)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, cm.abortedDial(phase, ctx.Err(), lastErr)
			case <-timer.C:
			}
		}

		s, err := cm.openSession(ctx, phase)
		cm.client.metrics.dialAttempt(phase, err)
		if err == nil {
			return s, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, cm.abortedDial(phase, ctx.Err(), lastErr)
		}
		var authErr *rpcws.AuthenticationError
		if errors.As(err, &authErr) {
			return nil, err
		}
		cm.client.logger.Warn("Connection attempt failed",
			"function", "dialWithBackoff",
			"phase", phase,
			"attempt", attempt+1,
			"max_attempts", attempts,
			"error", err)
	}

	return nil, &rpcws.ConnectionError{
		Op:  phase,
		URL: cm.client.url,
		Err: fmt.Errorf("%w after %d attempts: %w", rpcws.ErrReconnectExhausted, attempts, lastErr),
	}
}

func (cm *ConnectionManager) abortedDial(phase string, ctxErr, lastErr error) error {
	var cause error
	switch {
	case errors.Is(ctxErr, context.DeadlineExceeded) && cm.client.cfg.ReconnectDeadline > 0:
		cause = fmt.Errorf("%w: reconnect deadline %s reached", rpcws.ErrReconnectExhausted, cm.client.cfg.ReconnectDeadline)
	case cm.lifeDone():
		cause = rpcws.ErrConnectionClosed
	default:
		cause = ctxErr
	}
	if lastErr != nil {
		cause = fmt.Errorf("%w (last error: %w)", cause, lastErr)
	}
	return &rpcws.ConnectionError{Op: phase, URL: cm.client.url, Err: cause}
}

func (cm *ConnectionManager) lifeDone() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.lifeCtx != nil && cm.lifeCtx.Err() != nil
}

// handleConnectionLost is the single drop path for reader errors, missed
// liveness acks and write failures. It acts at most once per session and
// ignores sessions that are no longer current.
func (cm *ConnectionManager) handleConnectionLost(s *session, cause error) {
	s.lost.Do(func() {
		cm.mu.Lock()
		if cm.current != s || cm.state != StateConnected {
			cm.mu.Unlock()
			s.close()
			return
		}
		cm.current = nil
		cm.setStateLocked(StateReconnecting)
		lifeCtx, cyc := cm.lifeCtx, cm.cycle
		cyc.workers.Add(1)
		cm.mu.Unlock()

		cm.client.logger.Warn("Connection lost, reconnecting",
			"function", "handleConnectionLost",
			"connection_id", s.id,
			"error", cause)

		s.close()
		failed := cm.client.requests.failAll(&rpcws.ConnectionError{
			Op:           "receive",
			URL:          cm.client.url,
			ConnectionID: s.id,
			Err:          fmt.Errorf("%w: %w", rpcws.ErrConnectionLost, cause),
		})
		if failed > 0 {
			cm.client.logger.Info("Failed pending requests after drop",
				"function", "handleConnectionLost",
				"connection_id", s.id,
				"count", failed)
		}

		go cm.reconnect(lifeCtx, cyc)
	})
}

// reconnect re-runs the dial loop after a drop. Exhaustion ends cyc the same
// way Disconnect does, minus the close frame.
func (cm *ConnectionManager) reconnect(lifeCtx context.Context, cyc *cycle) {
	defer cyc.workers.Done()

	s, err := cm.dialWithBackoff(lifeCtx, "reconnect")

	cm.mu.Lock()
	defer cm.mu.Unlock()
	if err != nil {
		if cm.state == StateReconnecting && cm.cycle == cyc {
			cm.closeErr = err
			cm.setStateLocked(StateClosed)
			cm.lifeCancel()
			dropped := cm.client.router.drain(cyc.queue)
			cm.client.logger.Error("Reconnection failed, giving up",
				"function", "reconnect",
				"dropped_notifications", dropped,
				"error", err)
		}
		return
	}
	if cm.state != StateReconnecting || cm.cycle != cyc {
		s.close()
		return
	}
	cm.installLocked(s)
	cm.client.metrics.reconnected()
	cm.client.logger.Info("Reconnection completed successfully",
		"function", "reconnect",
		"connection_id", s.id)
}

// awaitSession returns the live session. While reconnecting it waits for the
// outcome; in any other state it fails immediately.
func (cm *ConnectionManager) awaitSession(ctx context.Context, wait bool) (*session, error) {
	for {
		cm.mu.Lock()
		state, s, changed, closeErr := cm.state, cm.current, cm.stateCh, cm.closeErr
		cm.mu.Unlock()

		switch {
		case state == StateConnected:
			return s, nil
		case state == StateReconnecting && wait:
			select {
			case <-changed:
				continue
			case <-ctx.Done():
				return nil, &rpcws.ConnectionError{
					Op:  "send",
					URL: cm.client.url,
					Err: fmt.Errorf("%w while reconnecting: %w", rpcws.ErrNotConnected, ctx.Err()),
				}
			}
		case closeErr != nil && state == StateClosed:
			return nil, &rpcws.ConnectionError{
				Op:  "send",
				URL: cm.client.url,
				Err: fmt.Errorf("%w: %w", rpcws.ErrNotConnected, closeErr),
			}
		default:
			return nil, &rpcws.ConnectionError{
				Op:  "send",
				URL: cm.client.url,
				Err: fmt.Errorf("%w (state %s)", rpcws.ErrNotConnected, state),
			}
		}
	}
}

// CloseConnection is the deliberate teardown. It is a no-op when nothing is
// open.
func (cm *ConnectionManager) CloseConnection() error {
	cm.mu.Lock()
	if cm.state == StateDisconnected || cm.state == StateClosed {
		cm.mu.Unlock()
		cm.client.logger.Debug("Already closed (no-op)",
			"function", "CloseConnection")
		return nil
	}
	s, cyc := cm.current, cm.cycle
	cm.current = nil
	cm.closeErr = nil
	cm.setStateLocked(StateClosed)
	cm.lifeCancel()
	cm.mu.Unlock()

	timeout := cm.client.cfg.CloseTimeout
	connectionID := ""
	if s != nil {
		connectionID = s.id
		err := s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(timeout),
		)
		if err != nil {
			cm.client.logger.Warn("Error sending close message",
				"function", "CloseConnection",
				"error", err)
		}
		s.close()
		if !waitTimeout(&s.workers, timeout) {
			cm.client.logger.Warn("Session goroutines exit timeout (forced shutdown)",
				"function", "CloseConnection",
				"connection_id", s.id)
		}
	}
	if !waitTimeout(&cyc.workers, timeout) {
		cm.client.logger.Warn("Supervisor goroutines exit timeout (forced shutdown)",
			"function", "CloseConnection")
	}

	failed := cm.client.requests.failAll(&rpcws.ConnectionError{
		Op:           "disconnect",
		URL:          cm.client.url,
		ConnectionID: connectionID,
		Err:          rpcws.ErrConnectionClosed,
	})
	dropped := cm.client.router.drain(cyc.queue)

	cm.client.logger.Info("WebSocket connection closed",
		"function", "CloseConnection",
		"connection_id", connectionID,
		"failed_requests", failed,
		"dropped_notifications", dropped)
	return nil
}

// currentSessionID returns the id of the live session, or "".
func (cm *ConnectionManager) currentSessionID() string {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.current == nil {
		return ""
	}
	return cm.current.id
}
