package rpcws

import (
	"context"
	"encoding/json"
	"net/http"
)

// ============================================================================
// INTERFACES - contracts between the transport and its collaborators
// ============================================================================
// The transport never interprets credentials: an authentication layer hands
// it headers through HeaderProvider, and application code drives it through
// Transport.
// ============================================================================

// NotificationHandler receives the params of a server-pushed notification.
// params is never nil; an absent params member is delivered as {}.
type NotificationHandler func(ctx context.Context, params json.RawMessage) error

// Transport is the caller-facing surface of the JSON-RPC WebSocket client.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error)
	SendNotification(ctx context.Context, method string, params any) error
	RegisterNotificationHandler(method string, handler NotificationHandler)
	UnregisterNotificationHandler(method string)
}

// HeaderProvider supplies connection-time headers such as credentials. It is
// consulted before every dial attempt so refreshed credentials are picked up
// on reconnect.
type HeaderProvider interface {
	Headers(ctx context.Context) (http.Header, error)
}

// HeaderProviderFunc adapts a function to HeaderProvider.
type HeaderProviderFunc func(ctx context.Context) (http.Header, error)

func (f HeaderProviderFunc) Headers(ctx context.Context) (http.Header, error) {
	return f(ctx)
}

// StaticHeaders returns a provider that always yields a copy of h.
func StaticHeaders(h http.Header) HeaderProvider {
	return HeaderProviderFunc(func(context.Context) (http.Header, error) {
		return h.Clone(), nil
	})
}
