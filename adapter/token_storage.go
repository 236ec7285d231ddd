package rpcws

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/oauth2"
)

// ErrTokenNotFound is returned by LoadToken when nothing is stored under a name.
var ErrTokenNotFound = errors.New("token not found")

// TokenStorage persists OAuth2 tokens between process runs.
type TokenStorage interface {
	SaveToken(name string, token *oauth2.Token) error
	LoadToken(name string) (*oauth2.Token, error)
	DeleteToken(name string) error
}

// FileTokenStorage implements TokenStorage with one JSON file per token.
type FileTokenStorage struct {
	basePath string
}

// NewFileTokenStorage stores tokens under basePath, creating it with owner-only
// permissions. An empty basePath uses TOKEN_STORAGE_PATH or "data".
func NewFileTokenStorage(basePath string) (*FileTokenStorage, error) {
	if basePath == "" {
		basePath = os.Getenv("TOKEN_STORAGE_PATH")
	}
	if basePath == "" {
		basePath = "data"
	}
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create token directory: %w", err)
	}
	return &FileTokenStorage{basePath: basePath}, nil
}

func (f *FileTokenStorage) path(name string) string {
	return filepath.Join(f.basePath, name+"_token.json")
}

// SaveToken writes the token with owner-only permissions.
func (f *FileTokenStorage) SaveToken(name string, token *oauth2.Token) error {
	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}
	if err := os.WriteFile(f.path(name), data, 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// LoadToken reads a previously saved token.
func (f *FileTokenStorage) LoadToken(name string) (*oauth2.Token, error) {
	data, err := os.ReadFile(f.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrTokenNotFound, name)
		}
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &token, nil
}

// DeleteToken removes a stored token; a missing file is not an error.
func (f *FileTokenStorage) DeleteToken(name string) error {
	if err := os.Remove(f.path(name)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete token file: %w", err)
	}
	return nil
}
