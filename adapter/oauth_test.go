package rpcws

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// newTokenServer issues tok-1, tok-2, ... on every token request.
func newTokenServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var issued atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := issued.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","token_type":"bearer","refresh_token":"refresh-%d","expires_in":3600}`, n, n)
	}))
	t.Cleanup(server.Close)
	return server, &issued
}

func TestOAuth2HeaderProvider_StaticSource(t *testing.T) {
	p := NewOAuth2HeaderProvider(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "abc", TokenType: "bearer"}))

	h, err := p.Headers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", h.Get("Authorization"))
}

func TestOAuth2HeaderProvider_ExpiredToken(t *testing.T) {
	p := NewOAuth2HeaderProvider(oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: "old",
		Expiry:      time.Now().Add(-time.Hour),
	}))

	_, err := p.Headers(context.Background())
	assert.Error(t, err)
}

func TestOAuth2HeaderProvider_CancelledContext(t *testing.T) {
	p := NewOAuth2HeaderProvider(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "abc"}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Headers(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClientCredentialsHeaderProvider(t *testing.T) {
	server, issued := newTokenServer(t)
	p := NewClientCredentialsHeaderProvider(context.Background(), &clientcredentials.Config{
		ClientID:     "id",
		ClientSecret: "secret",
		TokenURL:     server.URL,
	})

	for i := 0; i < 3; i++ {
		h, err := p.Headers(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "Bearer tok-1", h.Get("Authorization"))
	}
	// The token is cached until it expires.
	assert.Equal(t, int32(1), issued.Load())
}

func TestStoredTokenSource_RefreshesAndPersists(t *testing.T) {
	server, _ := newTokenServer(t)
	storage, err := NewFileTokenStorage(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, storage.SaveToken("rpc", &oauth2.Token{
		AccessToken:  "stale",
		TokenType:    "Bearer",
		RefreshToken: "refresh-0",
		Expiry:       time.Now().Add(-time.Minute),
	}))

	conf := &oauth2.Config{
		ClientID: "id",
		Endpoint: oauth2.Endpoint{TokenURL: server.URL, AuthStyle: oauth2.AuthStyleInParams},
	}
	src, err := NewStoredTokenSource(context.Background(), conf, storage, "rpc")
	require.NoError(t, err)

	h, err := NewOAuth2HeaderProvider(src).Headers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-1", h.Get("Authorization"))

	saved, err := storage.LoadToken("rpc")
	require.NoError(t, err)
	assert.Equal(t, "tok-1", saved.AccessToken)
	assert.Equal(t, "refresh-1", saved.RefreshToken)
}

func TestStoredTokenSource_MissingToken(t *testing.T) {
	storage, err := NewFileTokenStorage(t.TempDir())
	require.NoError(t, err)

	_, err = NewStoredTokenSource(context.Background(), &oauth2.Config{}, storage, "nobody")
	assert.ErrorIs(t, err, ErrTokenNotFound)
}
