package websocket

import (
	"encoding/json"
	"time"
)

// ConnectionState is the supervisor's view of the transport. Sends are only
// accepted in StateConnected; SendRequest additionally waits out
// StateReconnecting.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const protocolVersion = "2.0"

// requestEnvelope is an outbound call expecting a response.
type requestEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// notificationEnvelope is an outbound fire-and-forget message.
type notificationEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// errorObject is the error member of a response.
type errorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// notification is queued by the receiver loop for the router.
type notification struct {
	Method     string
	Params     json.RawMessage
	ReceivedAt time.Time
}

// callResult resolves a pending request: either a response frame or a
// connection-level error.
type callResult struct {
	frame *ParsedFrame
	err   error
}
