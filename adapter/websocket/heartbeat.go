package websocket

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	rpcws "github.com/bjoelf/rpcws-adapter/adapter"
	"github.com/gorilla/websocket"
)

// runHeartbeat probes s every PingInterval. A missed pong is a dead
// connection; a failed ping write is logged and the loop goes on.
func (c *Client) runHeartbeat(s *session) {
	defer s.workers.Done()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-s.ctx.Done():
			c.logger.Debug("Heartbeat stopped",
				"function", "runHeartbeat",
				"connection_id", s.id)
			return
		case <-ticker.C:
		}
		if c.State() != StateConnected {
			continue
		}

		seq++
		err := c.probe(s, strconv.FormatUint(seq, 10))
		switch {
		case err == nil:
		case errors.Is(err, rpcws.ErrLivenessTimeout):
			c.metrics.heartbeatFailure("timeout")
			c.connectionManager.handleConnectionLost(s, err)
			return
		case s.ctx.Err() != nil:
			return
		default:
			c.metrics.heartbeatFailure("write")
			c.logger.Warn("Heartbeat ping failed",
				"function", "runHeartbeat",
				"connection_id", s.id,
				"seq", seq,
				"error", err)
		}
	}
}

// probe sends one ping and waits PingTimeout for the pong echoing payload.
func (c *Client) probe(s *session, payload string) error {
	s.drainPongs()

	deadline := time.Now().Add(c.cfg.PingTimeout)
	if err := s.conn.WriteControl(websocket.PingMessage, []byte(payload), deadline); err != nil {
		return fmt.Errorf("ping write: %w", err)
	}

	timer := time.NewTimer(c.cfg.PingTimeout)
	defer timer.Stop()
	for {
		select {
		case got := <-s.pongs:
			if got == payload {
				return nil
			}
			c.logger.Debug("Ignoring stale pong",
				"function", "probe",
				"connection_id", s.id,
				"want", payload,
				"got", got)
		case <-timer.C:
			c.logger.Warn("Heartbeat pong not received",
				"function", "probe",
				"connection_id", s.id,
				"seq", payload,
				"timeout", c.cfg.PingTimeout)
			return fmt.Errorf("%w within %s", rpcws.ErrLivenessTimeout, c.cfg.PingTimeout)
		case <-s.ctx.Done():
			return s.ctx.Err()
		}
	}
}
