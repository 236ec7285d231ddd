package rpcws

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConnectionError(t *testing.T) {
	err := &ConnectionError{
		Op:           "receive",
		URL:          "wss://example.com/rpc",
		ConnectionID: "c1",
		Err:          fmt.Errorf("%w: %w", ErrConnectionLost, errors.New("EOF")),
	}
	assert.Equal(t, "rpcws: receive wss://example.com/rpc (connection c1): connection lost: EOF", err.Error())
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.True(t, IsConnectionError(fmt.Errorf("wrapped: %w", err)))
	assert.False(t, IsConnectionError(errors.New("other")))
}

func TestAuthenticationError(t *testing.T) {
	inner := &ConnectionError{Op: "connect", URL: "ws://x", Err: errors.New("bad handshake")}
	err := &AuthenticationError{StatusCode: 401, Err: inner}

	assert.Contains(t, err.Error(), "HTTP 401")
	var connErr *ConnectionError
	assert.ErrorAs(t, err, &connErr)
	assert.Same(t, inner, connErr)
	assert.True(t, IsConnectionError(err))

	noStatus := &AuthenticationError{Err: inner}
	assert.Contains(t, noStatus.Error(), "authentication failed")
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{Method: "sum", RequestID: "r1", Elapsed: 1500 * time.Millisecond}
	assert.Equal(t, `rpcws: request "sum" (id r1) timed out after 1.5s`, err.Error())

	var netErr interface{ Timeout() bool }
	assert.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
	assert.False(t, IsConnectionError(err))
}

func TestProtocolError(t *testing.T) {
	serverErr := &ProtocolError{Method: "sum", RequestID: "r1", Code: -32602, Message: "Invalid params"}
	assert.Equal(t, `rpcws: server error -32602: Invalid params (method "sum", id r1)`, serverErr.Error())
	assert.NoError(t, serverErr.Unwrap())

	malformed := &ProtocolError{Method: "sum", RequestID: "r2", Err: ErrMalformedResponse}
	assert.ErrorIs(t, malformed, ErrMalformedResponse)
	assert.Contains(t, malformed.Error(), "malformed response")
}
