package rpcws

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Connection-level causes carried inside a ConnectionError.
var (
	ErrNotConnected       = errors.New("not connected")
	ErrConnectionLost     = errors.New("connection lost")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrLivenessTimeout    = errors.New("liveness acknowledgment not received")
)

// ErrMalformedResponse is carried by a ProtocolError when a response has
// neither a result nor an error member.
var ErrMalformedResponse = errors.New("malformed response")

// ConnectionError reports that the transport could not be established or was
// lost. It is broadcast to every caller waiting on the connection.
type ConnectionError struct {
	Op           string // "connect", "reconnect", "send", "disconnect"
	URL          string
	ConnectionID string
	Err          error
}

func (e *ConnectionError) Error() string {
	msg := "rpcws: " + e.Op
	if e.URL != "" {
		msg += " " + e.URL
	}
	if e.ConnectionID != "" {
		msg += " (connection " + e.ConnectionID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError is a ConnectionError raised at connect time when the
// server rejects the handshake because of credentials, or when the header
// provider cannot produce them.
type AuthenticationError struct {
	StatusCode int
	Err        *ConnectionError
}

func (e *AuthenticationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("rpcws: authentication rejected (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("rpcws: authentication failed: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// TimeoutError is returned to the single caller whose request got no
// response within its deadline.
type TimeoutError struct {
	Method    string
	RequestID string
	Elapsed   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpcws: request %q (id %s) timed out after %s", e.Method, e.RequestID, e.Elapsed.Round(time.Millisecond))
}

// Timeout lets callers treat the error like a net.Error timeout.
func (e *TimeoutError) Timeout() bool { return true }

// ProtocolError carries a server-reported error payload, or describes a
// response that could not be interpreted.
type ProtocolError struct {
	Method    string
	RequestID string
	Code      int
	Message   string
	Data      json.RawMessage
	Err       error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rpcws: %s (method %q, id %s)", e.Err, e.Method, e.RequestID)
	}
	return fmt.Sprintf("rpcws: server error %d: %s (method %q, id %s)", e.Code, e.Message, e.Method, e.RequestID)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is, or wraps, a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
