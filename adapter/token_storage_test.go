package rpcws

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func TestFileTokenStorage_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewFileTokenStorage(dir)
	require.NoError(t, err)

	expiry := time.Now().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, storage.SaveToken("svc", &oauth2.Token{
		AccessToken:  "a",
		TokenType:    "Bearer",
		RefreshToken: "r",
		Expiry:       expiry,
	}))

	info, err := os.Stat(filepath.Join(dir, "svc_token.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	token, err := storage.LoadToken("svc")
	require.NoError(t, err)
	assert.Equal(t, "a", token.AccessToken)
	assert.Equal(t, "r", token.RefreshToken)
	assert.True(t, expiry.Equal(token.Expiry))

	require.NoError(t, storage.DeleteToken("svc"))
	_, err = storage.LoadToken("svc")
	assert.ErrorIs(t, err, ErrTokenNotFound)

	// Deleting twice is fine.
	assert.NoError(t, storage.DeleteToken("svc"))
}

func TestFileTokenStorage_EnvPath(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tokens")
	t.Setenv("TOKEN_STORAGE_PATH", dir)

	storage, err := NewFileTokenStorage("")
	require.NoError(t, err)
	require.NoError(t, storage.SaveToken("x", &oauth2.Token{AccessToken: "a"}))
	assert.FileExists(t, filepath.Join(dir, "x_token.json"))
}

func TestFileTokenStorage_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewFileTokenStorage(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad_token.json"), []byte("{"), 0600))

	_, err = storage.LoadToken("bad")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrTokenNotFound)
}
