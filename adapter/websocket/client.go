package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	rpcws "github.com/bjoelf/rpcws-adapter/adapter"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// StateHook is called on every state transition while the supervisor lock
// is held. It must not block or call back into the Client.
type StateHook func(from, to ConnectionState)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHeaderProvider supplies connection headers, consulted on every dial.
func WithHeaderProvider(p rpcws.HeaderProvider) Option {
	return func(c *Client) { c.headers = p }
}

// WithMetrics records transport metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithStateHook observes state transitions.
func WithStateHook(h StateHook) Option {
	return func(c *Client) { c.stateHook = h }
}

// Client is a JSON-RPC 2.0 client over one supervised WebSocket connection.
// It is safe for concurrent use.
type Client struct {
	cfg       rpcws.Config
	url       string
	logger    *slog.Logger
	headers   rpcws.HeaderProvider
	metrics   *Metrics
	stateHook StateHook
	limiter   *rate.Limiter

	connectionManager *ConnectionManager
	messageHandler    *MessageHandler
	router            *notificationRouter
	requests          *requestTracker

	// writeMu serialises data frames. Ping and close go through
	// WriteControl, which gorilla allows concurrently with one writer.
	writeMu sync.Mutex
}

var _ rpcws.Transport = (*Client)(nil)

// NewClient validates cfg and builds an unconnected client.
func NewClient(cfg rpcws.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	target, err := normalizeURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.Headers = cfg.Headers.Clone()

	c := &Client{
		cfg:    cfg,
		url:    target,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.MaxRequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), max(cfg.RequestBurst, 1))
	}

	c.requests = newRequestTracker(c.metrics)
	c.router = newNotificationRouter(c.logger, c.metrics, cfg.NotificationBuffer)
	c.messageHandler = NewMessageHandler(c)
	c.connectionManager = NewConnectionManager(c)
	c.metrics.setState(StateDisconnected)
	return c, nil
}

// Connect dials the server, retrying with exponential backoff, and starts
// the reader, heartbeat and notification dispatcher. It is valid from
// StateDisconnected or StateClosed and returns nil if already connected.
func (c *Client) Connect(ctx context.Context) error {
	return c.connectionManager.EstablishConnection(ctx)
}

// Disconnect closes the connection deliberately. Every pending request fails
// with ErrConnectionClosed and no reconnect is attempted. Calling it again is
// a no-op.
func (c *Client) Disconnect() error {
	return c.connectionManager.CloseConnection()
}

// Close is Disconnect.
func (c *Client) Close() error {
	return c.Disconnect()
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	return c.connectionManager.State()
}

// ConnectionID identifies the live session, or "" when there is none.
func (c *Client) ConnectionID() string {
	return c.connectionManager.currentSessionID()
}

// PendingRequests returns the number of requests awaiting a response.
func (c *Client) PendingRequests() int {
	return c.requests.len()
}

func (c *Client) RegisterNotificationHandler(method string, handler rpcws.NotificationHandler) {
	c.router.register(method, handler)
}

func (c *Client) UnregisterNotificationHandler(method string) {
	c.router.unregister(method)
}

// SetDefaultNotificationHandler receives notifications for methods with no
// registered handler. nil restores the default of logging and dropping them.
func (c *Client) SetDefaultNotificationHandler(handler rpcws.NotificationHandler) {
	c.router.setFallback(handler)
}

// SendRequest calls method and waits for its response. The wait is bounded
// by RequestTimeout and by ctx. While the client is reconnecting the call
// waits for the outcome within the same bound; in any other state that is
// not connected it fails immediately.
//
// A result member, including null, is returned verbatim. A server error is
// a *rpcws.ProtocolError, an unanswered call a *rpcws.TimeoutError and a
// lost connection a *rpcws.ConnectionError.
func (c *Client) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if method == "" {
		return nil, errors.New("rpcws: method must not be empty")
	}
	rawParams, err := encodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("rpcws: failed to encode params for %q: %w", method, err)
	}

	start := time.Now()
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	s, err := c.connectionManager.awaitSession(reqCtx, true)
	if err != nil {
		c.metrics.observeRequest(method, "not_connected", time.Since(start))
		return nil, err
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(reqCtx); err != nil {
			c.metrics.observeRequest(method, "rate_limited", time.Since(start))
			return nil, fmt.Errorf("rpcws: rate limiter for %q: %w", method, err)
		}
	}

	p := c.requests.register(method)
	data, err := json.Marshal(requestEnvelope{
		JSONRPC: protocolVersion,
		ID:      p.id,
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		c.requests.remove(p.id)
		return nil, fmt.Errorf("rpcws: failed to encode request %q: %w", method, err)
	}

	c.logger.Debug("Sending request",
		"function", "SendRequest",
		"method", method,
		"request_id", p.id,
		"connection_id", s.id)

	if err := c.writeFrame(s, data); err != nil {
		c.requests.remove(p.id)
		c.metrics.observeRequest(method, "write_failed", time.Since(start))
		c.connectionManager.handleConnectionLost(s, err)
		return nil, &rpcws.ConnectionError{
			Op:           "send",
			URL:          c.url,
			ConnectionID: s.id,
			Err:          fmt.Errorf("failed to write request: %w", err),
		}
	}

	select {
	case res := <-p.done:
		return c.interpret(p, res, start)
	case <-reqCtx.Done():
	}

	if !c.requests.remove(p.id) {
		// A response or teardown took the entry first; its result is on p.done.
		return c.interpret(p, <-p.done, start)
	}
	elapsed := time.Since(start)
	if errors.Is(ctx.Err(), context.Canceled) {
		c.metrics.observeRequest(method, "cancelled", elapsed)
		return nil, fmt.Errorf("rpcws: request %q (id %s) cancelled: %w", method, p.id, ctx.Err())
	}
	c.metrics.observeRequest(method, "timeout", elapsed)
	c.logger.Warn("Request timed out",
		"function", "SendRequest",
		"method", method,
		"request_id", p.id,
		"elapsed", elapsed)
	return nil, &rpcws.TimeoutError{Method: method, RequestID: p.id, Elapsed: elapsed}
}

func (c *Client) interpret(p *pendingRequest, res callResult, start time.Time) (json.RawMessage, error) {
	elapsed := time.Since(start)
	if res.err != nil {
		c.metrics.observeRequest(p.method, "connection_error", elapsed)
		return nil, res.err
	}

	f := res.frame
	if f.HasError {
		obj, err := decodeError(f.Error)
		if err != nil {
			c.metrics.observeRequest(p.method, "malformed", elapsed)
			return nil, &rpcws.ProtocolError{
				Method:    p.method,
				RequestID: p.id,
				Err:       fmt.Errorf("%w: %w", rpcws.ErrMalformedResponse, err),
			}
		}
		c.metrics.observeRequest(p.method, "error", elapsed)
		return nil, &rpcws.ProtocolError{
			Method:    p.method,
			RequestID: p.id,
			Code:      obj.Code,
			Message:   obj.Message,
			Data:      obj.Data,
		}
	}
	if f.HasResult {
		c.metrics.observeRequest(p.method, "ok", elapsed)
		return f.Result, nil
	}
	c.metrics.observeRequest(p.method, "malformed", elapsed)
	return nil, &rpcws.ProtocolError{
		Method:    p.method,
		RequestID: p.id,
		Err:       fmt.Errorf("%w: neither result nor error present", rpcws.ErrMalformedResponse),
	}
}

// Call is SendRequest followed by decoding the result into out. A nil out
// discards the result.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	result, err := c.SendRequest(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("rpcws: failed to decode result of %q: %w", method, err)
	}
	return nil
}

// SendNotification writes a message that expects no response. It fails fast
// unless the client is connected.
func (c *Client) SendNotification(ctx context.Context, method string, params any) error {
	if method == "" {
		return errors.New("rpcws: method must not be empty")
	}
	rawParams, err := encodeParams(params)
	if err != nil {
		return fmt.Errorf("rpcws: failed to encode params for %q: %w", method, err)
	}
	s, err := c.connectionManager.awaitSession(ctx, false)
	if err != nil {
		return err
	}
	data, err := json.Marshal(notificationEnvelope{
		JSONRPC: protocolVersion,
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return fmt.Errorf("rpcws: failed to encode notification %q: %w", method, err)
	}
	if err := c.writeFrame(s, data); err != nil {
		c.connectionManager.handleConnectionLost(s, err)
		return &rpcws.ConnectionError{
			Op:           "send",
			URL:          c.url,
			ConnectionID: s.id,
			Err:          fmt.Errorf("failed to write notification: %w", err),
		}
	}
	return nil
}

func (c *Client) writeFrame(s *session, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// readMessages is the only goroutine reading s.conn. A read error on a
// session that was not torn down on purpose goes to the drop path.
func (c *Client) readMessages(s *session) {
	defer s.workers.Done()

	c.logger.Debug("Reader goroutine started",
		"function", "readMessages",
		"connection_id", s.id)

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				c.logger.Debug("Reader goroutine exiting after teardown",
					"function", "readMessages",
					"connection_id", s.id)
				return
			}

			var closeErr *websocket.CloseError
			switch {
			case errors.As(err, &closeErr):
				c.logger.Warn("Server closed WebSocket",
					"function", "readMessages",
					"connection_id", s.id,
					"close_code", closeErr.Code,
					"close_text", closeErr.Text)
			default:
				c.logger.Warn("WebSocket read failed",
					"function", "readMessages",
					"connection_id", s.id,
					"error", err)
			}
			c.connectionManager.handleConnectionLost(s, err)
			return
		}

		c.messageHandler.ProcessMessage(s, msgType, data)
	}
}
