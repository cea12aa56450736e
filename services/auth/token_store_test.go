package auth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	er "github.com/mailriver/mailriver/internal/errors"
)

func TestTokenStore_SaveAndLoad(t *testing.T) {
	// Arrange
	store := NewTokenStore(filepath.Join(t.TempDir(), "tokens", "gmail_token.json"))
	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	token := &oauth2.Token{
		AccessToken:  "ya29.access",
		RefreshToken: "1//refresh",
		TokenType:    "Bearer",
		Expiry:       expiry,
	}

	// Act
	require.NoError(t, store.Save(token, []string{GmailScope}))
	loaded, err := store.Load()

	// Assert
	require.NoError(t, err)
	assert.Equal(t, token.AccessToken, loaded.AccessToken)
	assert.Equal(t, token.RefreshToken, loaded.RefreshToken)
	assert.Equal(t, token.TokenType, loaded.TokenType)
	assert.True(t, expiry.Equal(loaded.Expiry))
}

func TestTokenStore_FilePermissions(t *testing.T) {
	// Arrange
	path := filepath.Join(t.TempDir(), "token.json")
	store := NewTokenStore(path)

	// Act
	require.NoError(t, store.Save(&oauth2.Token{AccessToken: "secret"}, nil))

	// Assert
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestTokenStore_LoadMissingFile(t *testing.T) {
	store := NewTokenStore(filepath.Join(t.TempDir(), "missing.json"))

	_, err := store.Load()

	require.Error(t, err)
	assert.True(t, errors.Is(err, er.ErrNoTokenAvailable))
	assert.Equal(t, er.KindAuthSetupRequired, er.KindOf(err))
}

func TestTokenStore_LoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))
	store := NewTokenStore(path)

	_, err := store.Load()

	require.Error(t, err)
	assert.False(t, errors.Is(err, er.ErrNoTokenAvailable))
}

func TestTokenStore_DeleteIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.json")
	store := NewTokenStore(path)
	require.NoError(t, store.Save(&oauth2.Token{AccessToken: "x"}, nil))

	require.NoError(t, store.Delete())
	require.NoError(t, store.Delete())

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
