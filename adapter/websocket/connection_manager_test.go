package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	rpcws "github.com/bjoelf/rpcws-adapter/adapter"
	"github.com/bjoelf/rpcws-adapter/adapter/websocket/mocktesting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2/clientcredentials"
)

func TestConnect_RetriesWithBackoff(t *testing.T) {
	server := newTestServer(t)
	server.RejectNextHandshakes(3, http.StatusServiceUnavailable)

	cfg := testConfig(server.URL())
	cfg.ReconnectBaseDelay = 50 * time.Millisecond
	cfg.MaxReconnectDelay = time.Second
	cfg.MaxReconnectAttempts = 5
	client := newTestClient(t, cfg)

	start := time.Now()
	require.NoError(t, client.Connect(context.Background()))
	elapsed := time.Since(start)

	assert.Equal(t, StateConnected, client.State())
	assert.Equal(t, 4, server.Handshakes())
	// 50ms + 100ms + 200ms of backoff before the fourth attempt.
	assert.GreaterOrEqual(t, elapsed, 350*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestConnect_ExhaustionLeavesClosed(t *testing.T) {
	server := newTestServer(t)
	server.RejectNextHandshakes(100, http.StatusServiceUnavailable)

	cfg := testConfig(server.URL())
	cfg.MaxReconnectAttempts = 3
	client := newTestClient(t, cfg)

	err := client.Connect(context.Background())
	require.ErrorIs(t, err, rpcws.ErrReconnectExhausted)
	var connErr *rpcws.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "connect", connErr.Op)

	assert.Equal(t, StateClosed, client.State())
	assert.Equal(t, 3, server.Handshakes())

	_, err = client.SendRequest(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, rpcws.ErrNotConnected)
	assert.ErrorIs(t, err, rpcws.ErrReconnectExhausted)
}

func TestConnect_AuthenticationRejectedIsNotRetried(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			server := newTestServer(t)
			server.RejectNextHandshakes(10, status)
			client := newTestClient(t, testConfig(server.URL()))

			err := client.Connect(context.Background())
			var authErr *rpcws.AuthenticationError
			require.ErrorAs(t, err, &authErr)
			assert.Equal(t, status, authErr.StatusCode)
			assert.True(t, rpcws.IsConnectionError(err))
			assert.Equal(t, 1, server.Handshakes())
			assert.Equal(t, StateClosed, client.State())
		})
	}
}

func TestConnect_StaticHeaders(t *testing.T) {
	server := newTestServer(t)
	server.RequireHeader("Authorization", "Bearer secret")

	cfg := testConfig(server.URL())
	cfg.Headers = http.Header{"Authorization": {"Bearer secret"}, "X-Client": {"rpcws-test"}}
	client := newTestClient(t, cfg)

	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, "rpcws-test", server.LastHeaders().Get("X-Client"))
}

func TestConnect_HeaderProviderCalledPerAttempt(t *testing.T) {
	server := newTestServer(t)
	server.RejectNextHandshakes(2, http.StatusBadGateway)
	server.RequireHeader("Authorization", "Bearer token-3")

	var calls atomic.Int32
	provider := rpcws.HeaderProviderFunc(func(context.Context) (http.Header, error) {
		n := calls.Add(1)
		h := http.Header{}
		h.Set("Authorization", fmt.Sprintf("Bearer token-%d", n))
		return h, nil
	})
	client := newTestClient(t, testConfig(server.URL()), WithHeaderProvider(provider))

	require.NoError(t, client.Connect(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestConnect_HeaderProviderFailure(t *testing.T) {
	server := newTestServer(t)
	provider := rpcws.HeaderProviderFunc(func(context.Context) (http.Header, error) {
		return nil, errors.New("token endpoint unreachable")
	})
	client := newTestClient(t, testConfig(server.URL()), WithHeaderProvider(provider))

	err := client.Connect(context.Background())
	var authErr *rpcws.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Zero(t, authErr.StatusCode)
	assert.Contains(t, err.Error(), "token endpoint unreachable")
	assert.Equal(t, 0, server.Handshakes())
}

func TestConnect_TLS(t *testing.T) {
	server := mocktesting.NewTLSMockRPCServer()
	t.Cleanup(server.Close)
	server.Handle("echo", echoHandler)

	t.Run("trusted", func(t *testing.T) {
		cfg := testConfig(server.URL())
		cfg.TLSConfig = server.TLSConfig()
		client := newTestClient(t, cfg)

		require.NoError(t, client.Connect(context.Background()))
		result, err := client.SendRequest(context.Background(), "echo", "secure")
		require.NoError(t, err)
		assert.JSONEq(t, `"secure"`, string(result))
	})

	t.Run("untrusted certificate", func(t *testing.T) {
		cfg := testConfig(server.URL())
		cfg.MaxReconnectAttempts = 1
		client := newTestClient(t, cfg)

		err := client.Connect(context.Background())
		require.Error(t, err)
		assert.True(t, rpcws.IsConnectionError(err))
		assert.Equal(t, StateClosed, client.State())
	})
}

func TestConnect_CallerContextBoundsRetries(t *testing.T) {
	server := newTestServer(t)
	server.RejectNextHandshakes(100, http.StatusServiceUnavailable)

	cfg := testConfig(server.URL())
	cfg.ReconnectBaseDelay = time.Second
	client := newTestClient(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := client.Connect(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, StateClosed, client.State())
}

func TestConnect_ReconnectDeadline(t *testing.T) {
	server := newTestServer(t)
	server.RejectNextHandshakes(100, http.StatusServiceUnavailable)

	cfg := testConfig(server.URL())
	cfg.ReconnectBaseDelay = time.Second
	cfg.ReconnectDeadline = 100 * time.Millisecond
	client := newTestClient(t, cfg)

	start := time.Now()
	err := client.Connect(context.Background())
	require.ErrorIs(t, err, rpcws.ErrReconnectExhausted)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, 1, server.Handshakes())
}

func TestStateHook_ObservesTransitions(t *testing.T) {
	var mu sync.Mutex
	var seen []ConnectionState
	hook := func(from, to ConnectionState) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	}

	client, _ := connectedClient(t, nil, WithStateHook(hook))
	require.NoError(t, client.Disconnect())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected, StateClosed}, seen)
}

func TestReconnect_AfterDrop(t *testing.T) {
	client, server := connectedClient(t, nil)
	server.Handle("echo", echoHandler)
	firstID := client.ConnectionID()

	server.DropConnections()

	require.Eventually(t, func() bool {
		return server.Connections() == 2 && client.State() == StateConnected
	}, 3*time.Second, 5*time.Millisecond)
	assert.NotEqual(t, firstID, client.ConnectionID())

	result, err := client.SendRequest(context.Background(), "echo", 42)
	require.NoError(t, err)
	assert.JSONEq(t, `42`, string(result))
}

func TestReconnect_AfterServerCloseFrame(t *testing.T) {
	client, server := connectedClient(t, nil)

	server.CloseConnections(1001)

	require.Eventually(t, func() bool {
		return server.Connections() == 2 && client.State() == StateConnected
	}, 3*time.Second, 5*time.Millisecond)
}

func TestReconnect_PendingRequestsFailOnDrop(t *testing.T) {
	client, server := connectedClient(t, nil)
	server.HandleSilently("hang")

	errs := make(chan error, 1)
	go func() {
		_, err := client.SendRequest(context.Background(), "hang", nil)
		errs <- err
	}()
	require.Eventually(t, func() bool { return client.PendingRequests() == 1 }, 2*time.Second, 5*time.Millisecond)

	server.DropConnections()

	select {
	case err := <-errs:
		require.ErrorIs(t, err, rpcws.ErrConnectionLost)
		var connErr *rpcws.ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.NotEmpty(t, connErr.ConnectionID)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request survived the drop")
	}
}

func TestReconnect_RequestWaitsForReconnect(t *testing.T) {
	client, server := connectedClient(t, func(cfg *rpcws.Config) {
		cfg.ReconnectBaseDelay = 50 * time.Millisecond
	})
	server.Handle("echo", echoHandler)
	server.RejectNextHandshakes(2, http.StatusServiceUnavailable)

	server.DropConnections()
	require.Eventually(t, func() bool { return client.State() == StateReconnecting }, time.Second, time.Millisecond)

	result, err := client.SendRequest(context.Background(), "echo", "after")
	require.NoError(t, err)
	assert.JSONEq(t, `"after"`, string(result))
	assert.Equal(t, StateConnected, client.State())
}

func TestReconnect_ExhaustionLeavesClosed(t *testing.T) {
	client, server := connectedClient(t, func(cfg *rpcws.Config) {
		cfg.MaxReconnectAttempts = 2
	})
	server.RejectNextHandshakes(100, http.StatusServiceUnavailable)

	server.DropConnections()
	require.Eventually(t, func() bool { return client.State() == StateClosed }, 3*time.Second, 5*time.Millisecond)

	_, err := client.SendRequest(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, rpcws.ErrNotConnected)
	assert.ErrorIs(t, err, rpcws.ErrReconnectExhausted)
}

func TestReconnect_DisconnectStopsRetries(t *testing.T) {
	client, server := connectedClient(t, func(cfg *rpcws.Config) {
		cfg.ReconnectBaseDelay = 100 * time.Millisecond
	})
	server.RejectNextHandshakes(100, http.StatusServiceUnavailable)

	server.DropConnections()
	require.Eventually(t, func() bool { return client.State() == StateReconnecting }, time.Second, time.Millisecond)

	require.NoError(t, client.Disconnect())
	assert.Equal(t, StateClosed, client.State())

	handshakes := server.Handshakes()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, handshakes, server.Handshakes())
	assert.Equal(t, StateClosed, client.State())
}

func TestDisconnect_WhileNeverConnected(t *testing.T) {
	server := newTestServer(t)
	client := newTestClient(t, testConfig(server.URL()))

	require.NoError(t, client.Disconnect())
	assert.Equal(t, StateDisconnected, client.State())
}

func TestConnect_ClientCredentialsHeaderProvider(t *testing.T) {
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"cc-token","token_type":"bearer","expires_in":3600}`)
	}))
	t.Cleanup(tokens.Close)

	server := newTestServer(t)
	server.RequireHeader("Authorization", "Bearer cc-token")

	provider := rpcws.NewClientCredentialsHeaderProvider(context.Background(), &clientcredentials.Config{
		ClientID:     "id",
		ClientSecret: "secret",
		TokenURL:     tokens.URL,
	})
	client := newTestClient(t, testConfig(server.URL()), WithHeaderProvider(provider))

	require.NoError(t, client.Connect(context.Background()))

	// The cached token is reused on reconnect.
	server.DropConnections()
	require.Eventually(t, func() bool {
		return server.Connections() == 2 && client.State() == StateConnected
	}, 3*time.Second, 5*time.Millisecond)
}
