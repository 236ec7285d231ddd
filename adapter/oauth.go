package rpcws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// OAuth2HeaderProvider turns an oauth2.TokenSource into an Authorization
// header. Tokens are cached until they expire.
type OAuth2HeaderProvider struct {
	source oauth2.TokenSource
}

// NewOAuth2HeaderProvider wraps src in a reusing token source.
func NewOAuth2HeaderProvider(src oauth2.TokenSource) *OAuth2HeaderProvider {
	return &OAuth2HeaderProvider{source: oauth2.ReuseTokenSource(nil, src)}
}

// NewClientCredentialsHeaderProvider fetches tokens with the OAuth2 client
// credentials grant. ctx scopes the token HTTP requests.
func NewClientCredentialsHeaderProvider(ctx context.Context, conf *clientcredentials.Config) *OAuth2HeaderProvider {
	return NewOAuth2HeaderProvider(conf.TokenSource(ctx))
}

// Headers implements HeaderProvider.
func (p *OAuth2HeaderProvider) Headers(ctx context.Context) (http.Header, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	token, err := p.source.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to get access token: %w", err)
	}
	if !token.Valid() {
		return nil, errors.New("access token is empty or expired")
	}
	h := http.Header{}
	h.Set("Authorization", token.Type()+" "+token.AccessToken)
	return h, nil
}

// storedTokenSource saves every newly issued token so a restart can resume
// with the refresh token instead of a new login.
type storedTokenSource struct {
	base    oauth2.TokenSource
	storage TokenStorage
	name    string

	mu   sync.Mutex
	last string
}

// NewStoredTokenSource loads the token saved under name and returns a source
// that refreshes it through conf and persists each refreshed token.
func NewStoredTokenSource(ctx context.Context, conf *oauth2.Config, storage TokenStorage, name string) (oauth2.TokenSource, error) {
	token, err := storage.LoadToken(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load stored token: %w", err)
	}
	return &storedTokenSource{
		base:    conf.TokenSource(ctx, token),
		storage: storage,
		name:    name,
		last:    token.AccessToken,
	}, nil
}

func (s *storedTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if token.AccessToken != s.last {
		if err := s.storage.SaveToken(s.name, token); err != nil {
			return nil, fmt.Errorf("failed to save refreshed token: %w", err)
		}
		s.last = token.AccessToken
	}
	return token, nil
}
