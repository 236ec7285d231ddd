package mocktesting

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Request is one JSON-RPC frame received from the client. ID is empty for
// client notifications.
type Request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// RPCError is the error member of a scripted response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Handler answers a request with a result or an error.
type Handler func(params json.RawMessage) (any, *RPCError)

// RawHandler returns the exact reply frame, or nil to send nothing.
type RawHandler func(req Request) []byte

type mockConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (mc *mockConn) write(data []byte) error {
	mc.writeMu.Lock()
	defer mc.writeMu.Unlock()
	return mc.conn.WriteMessage(websocket.TextMessage, data)
}

// MockRPCServer is a scriptable JSON-RPC 2.0 WebSocket server on httptest.
// Every request is handled in its own goroutine, so replies can arrive out
// of order.
type MockRPCServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader
	tls      bool

	mu              sync.Mutex
	handlers        map[string]RawHandler
	conns           map[*mockConn]struct{}
	requests        []Request
	notifications   []Request
	rejectLeft      int
	rejectStatus    int
	requiredHeaders http.Header
	lastHeaders     http.Header

	suppressPongs atomic.Bool
	pings         atomic.Int64
	handshakes    atomic.Int64
	connections   atomic.Int64
}

// NewMockRPCServer starts a plain ws:// server.
func NewMockRPCServer() *MockRPCServer {
	return newMockRPCServer(false)
}

// NewTLSMockRPCServer starts a wss:// server with a self-signed certificate.
// Clients must trust TLSConfig() to connect.
func NewTLSMockRPCServer() *MockRPCServer {
	return newMockRPCServer(true)
}

func newMockRPCServer(useTLS bool) *MockRPCServer {
	m := &MockRPCServer{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		tls:      useTLS,
		handlers: make(map[string]RawHandler),
		conns:    make(map[*mockConn]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/rpc", m.handleWebSocket)
	if useTLS {
		m.server = httptest.NewTLSServer(mux)
	} else {
		m.server = httptest.NewServer(mux)
	}
	return m
}

// URL returns the ws:// or wss:// endpoint.
func (m *MockRPCServer) URL() string {
	if m.tls {
		return "wss" + strings.TrimPrefix(m.server.URL, "https") + "/rpc"
	}
	return "ws" + strings.TrimPrefix(m.server.URL, "http") + "/rpc"
}

// HTTPURL returns the endpoint with an http(s) scheme.
func (m *MockRPCServer) HTTPURL() string {
	return m.server.URL + "/rpc"
}

// TLSConfig trusts the server's self-signed certificate. It returns nil for
// a plain server.
func (m *MockRPCServer) TLSConfig() *tls.Config {
	if !m.tls {
		return nil
	}
	pool := x509.NewCertPool()
	pool.AddCert(m.server.Certificate())
	return &tls.Config{RootCAs: pool}
}

// Handle scripts method with a result/error handler.
func (m *MockRPCServer) Handle(method string, h Handler) {
	m.HandleRaw(method, func(req Request) []byte {
		result, rpcErr := h(req.Params)
		if rpcErr != nil {
			return ErrorFrame(req.ID, rpcErr)
		}
		return ResultFrame(req.ID, result)
	})
}

// HandleRaw scripts method with a handler that builds the reply itself.
func (m *MockRPCServer) HandleRaw(method string, h RawHandler) {
	m.mu.Lock()
	m.handlers[method] = h
	m.mu.Unlock()
}

// HandleSilently makes method go unanswered.
func (m *MockRPCServer) HandleSilently(method string) {
	m.HandleRaw(method, func(Request) []byte { return nil })
}

// RejectNextHandshakes answers the next n upgrade requests with status.
func (m *MockRPCServer) RejectNextHandshakes(n, status int) {
	m.mu.Lock()
	m.rejectLeft = n
	m.rejectStatus = status
	m.mu.Unlock()
}

// RequireHeader rejects upgrades with 401 unless header key equals value.
func (m *MockRPCServer) RequireHeader(key, value string) {
	m.mu.Lock()
	if m.requiredHeaders == nil {
		m.requiredHeaders = http.Header{}
	}
	m.requiredHeaders.Set(key, value)
	m.mu.Unlock()
}

// SuppressPongs stops answering pings when on.
func (m *MockRPCServer) SuppressPongs(on bool) {
	m.suppressPongs.Store(on)
}

// Pings returns how many pings the server has received.
func (m *MockRPCServer) Pings() int { return int(m.pings.Load()) }

// Handshakes counts upgrade attempts, rejected ones included.
func (m *MockRPCServer) Handshakes() int { return int(m.handshakes.Load()) }

// Connections counts successful upgrades.
func (m *MockRPCServer) Connections() int { return int(m.connections.Load()) }

// ActiveConnections returns the number of open sockets.
func (m *MockRPCServer) ActiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Requests returns every request received so far.
func (m *MockRPCServer) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Notifications returns every client notification received so far.
func (m *MockRPCServer) Notifications() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.notifications...)
}

// LastHeaders returns the headers of the last accepted handshake.
func (m *MockRPCServer) LastHeaders() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeaders.Clone()
}

// Notify pushes a notification to every connected client.
func (m *MockRPCServer) Notify(method string, params any) error {
	frame := map[string]any{"jsonrpc": "2.0", "method": method}
	if params != nil {
		frame["params"] = params
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return m.SendRaw(data)
}

// SendRaw writes data as a text frame to every connected client.
func (m *MockRPCServer) SendRaw(data []byte) error {
	var errs []error
	for _, mc := range m.snapshot() {
		if err := mc.write(data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloseConnections sends a close frame with code to every client.
func (m *MockRPCServer) CloseConnections(code int) {
	msg := websocket.FormatCloseMessage(code, "")
	for _, mc := range m.snapshot() {
		_ = mc.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
}

// DropConnections closes every socket without a close handshake.
func (m *MockRPCServer) DropConnections() {
	for _, mc := range m.snapshot() {
		mc.conn.Close()
	}
}

// Close drops all clients and stops the server.
func (m *MockRPCServer) Close() {
	m.DropConnections()
	m.server.Close()
}

func (m *MockRPCServer) snapshot() []*mockConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := make([]*mockConn, 0, len(m.conns))
	for mc := range m.conns {
		conns = append(conns, mc)
	}
	return conns
}

func (m *MockRPCServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	m.handshakes.Add(1)

	m.mu.Lock()
	if m.rejectLeft > 0 {
		m.rejectLeft--
		status := m.rejectStatus
		m.mu.Unlock()
		http.Error(w, http.StatusText(status), status)
		return
	}
	for key := range m.requiredHeaders {
		if r.Header.Get(key) != m.requiredHeaders.Get(key) {
			m.mu.Unlock()
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
	}
	m.lastHeaders = r.Header.Clone()
	m.mu.Unlock()

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	mc := &mockConn{conn: conn}
	conn.SetPingHandler(func(appData string) error {
		m.pings.Add(1)
		if m.suppressPongs.Load() {
			return nil
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		var netErr net.Error
		if errors.Is(err, websocket.ErrCloseSent) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil
		}
		return err
	})

	m.mu.Lock()
	m.conns[mc] = struct{}{}
	m.mu.Unlock()
	m.connections.Add(1)

	defer func() {
		m.mu.Lock()
		delete(m.conns, mc)
		m.mu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		m.handleFrame(mc, data)
	}
}

func (m *MockRPCServer) handleFrame(mc *mockConn, data []byte) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		_ = mc.write(ErrorFrame(nil, &RPCError{Code: -32700, Message: "Parse error"}))
		return
	}

	m.mu.Lock()
	if len(req.ID) == 0 {
		m.notifications = append(m.notifications, req)
		m.mu.Unlock()
		return
	}
	m.requests = append(m.requests, req)
	h, ok := m.handlers[req.Method]
	m.mu.Unlock()

	if !ok {
		_ = mc.write(ErrorFrame(req.ID, &RPCError{Code: -32601, Message: "Method not found"}))
		return
	}
	go func() {
		if reply := h(req); reply != nil {
			_ = mc.write(reply)
		}
	}()
}

// ResultFrame builds a success response for id.
func ResultFrame(id json.RawMessage, result any) []byte {
	data, _ := json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Result  any             `json:"result"`
	}{"2.0", rawID(id), result})
	return data
}

// ErrorFrame builds an error response for id.
func ErrorFrame(id json.RawMessage, rpcErr *RPCError) []byte {
	data, _ := json.Marshal(struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      json.RawMessage `json:"id"`
		Error   *RPCError       `json:"error"`
	}{"2.0", rawID(id), rpcErr})
	return data
}

func rawID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
