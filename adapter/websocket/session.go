package websocket

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"sync"

	rpcws "github.com/bjoelf/rpcws-adapter/adapter"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// session is one established socket plus the goroutines bound to it. A
// reconnect always builds a new session; nothing is reused across drops.
type session struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	lost      sync.Once
	closeOnce sync.Once
	workers   sync.WaitGroup // reader and heartbeat

	pongs chan string
	queue chan<- notification // owning cycle's notification queue
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close()
	})
}

// ack is the pong handler; it runs on the reader goroutine.
func (s *session) ack(payload string) {
	select {
	case s.pongs <- payload:
	default:
	}
}

func (s *session) drainPongs() {
	for {
		select {
		case <-s.pongs:
		default:
			return
		}
	}
}

// newDialer builds the handshake dialer. For wss targets the caller's TLS
// config is cloned and certificate and hostname verification stay on unless
// the caller disabled them there.
func newDialer(cfg rpcws.Config, target string) *websocket.Dialer {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		Subprotocols:     cfg.Subprotocols,
	}
	if strings.HasPrefix(target, "wss://") {
		tlsCfg := cfg.TLSConfig.Clone()
		if tlsCfg == nil {
			tlsCfg = &tls.Config{}
		}
		if tlsCfg.MinVersion < tls.VersionTLS12 {
			tlsCfg.MinVersion = tls.VersionTLS12
		}
		dialer.TLSClientConfig = tlsCfg
	}
	return dialer
}

// openSession performs one handshake. It returns a fully configured session
// or an error, never a half-initialised connection.
func (cm *ConnectionManager) openSession(ctx context.Context, phase string) (*session, error) {
	c := cm.client
	headers, err := cm.connectHeaders(ctx, phase)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Dialing WebSocket",
		"function", "openSession",
		"phase", phase,
		"url", c.url)

	conn, resp, err := cm.dialer.DialContext(ctx, c.url, headers)
	if err != nil {
		connErr := &rpcws.ConnectionError{Op: phase, URL: c.url, Err: err}
		if resp != nil {
			c.logger.Error("WebSocket handshake failed",
				"function", "openSession",
				"status", resp.StatusCode,
				"error", err)
			connErr.Err = fmt.Errorf("handshake failed with status %d: %w", resp.StatusCode, err)
			if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
				return nil, &rpcws.AuthenticationError{StatusCode: resp.StatusCode, Err: connErr}
			}
		} else {
			c.logger.Error("WebSocket dial failed",
				"function", "openSession",
				"error", err)
		}
		return nil, connErr
	}

	conn.SetReadLimit(c.cfg.MaxMessageSize)
	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:     uuid.NewString(),
		conn:   conn,
		ctx:    sctx,
		cancel: cancel,
		pongs:  make(chan string, 1),
	}
	conn.SetPongHandler(func(payload string) error {
		s.ack(payload)
		return nil
	})

	c.logger.Info("WebSocket session established",
		"function", "openSession",
		"connection_id", s.id,
		"local_addr", conn.LocalAddr().String(),
		"remote_addr", conn.RemoteAddr().String(),
		"subprotocol", conn.Subprotocol())
	return s, nil
}

// connectHeaders merges static headers with the header provider's output.
// Provider failures are credential failures and are not retried.
func (cm *ConnectionManager) connectHeaders(ctx context.Context, phase string) (http.Header, error) {
	c := cm.client
	headers := c.cfg.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if c.headers == nil {
		return headers, nil
	}
	extra, err := c.headers.Headers(ctx)
	if err != nil {
		return nil, &rpcws.AuthenticationError{Err: &rpcws.ConnectionError{
			Op:  phase,
			URL: c.url,
			Err: fmt.Errorf("header provider: %w", err),
		}}
	}
	for k, v := range extra {
		headers[http.CanonicalHeaderKey(k)] = append([]string(nil), v...)
	}
	return headers, nil
}
