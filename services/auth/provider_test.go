package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/mailriver/mailriver/config"
	er "github.com/mailriver/mailriver/internal/errors"
	"github.com/mailriver/mailriver/internal/logger"
)

func getLogger() logger.Logger {
	appLogger := logger.NewAppLogger(&logger.Config{
		DevMode: true,
	})
	appLogger.InitLogger()
	return appLogger
}

func newTestBase(t *testing.T, tokenURL string) (*baseProvider, *TokenStore) {
	t.Helper()
	store := NewTokenStore(filepath.Join(t.TempDir(), "token.json"))
	return &baseProvider{
		provider: config.ProviderGmail,
		username: "user@example.com",
		conf: &oauth2.Config{
			ClientID: "client-id",
			Endpoint: oauth2.Endpoint{TokenURL: tokenURL},
			Scopes:   []string{GmailScope},
		},
		store: store,
		log:   getLogger(),
	}, store
}

func TestNewProvider_SelectsByConfiguredProvider(t *testing.T) {
	cfg := &config.Config{
		IMAP:      &config.IMAPConfig{Provider: config.ProviderGmail},
		Google:    &config.GoogleOAuthConfig{ClientID: "id", TokenFile: "tokens/g.json", RedirectPort: 8080},
		Microsoft: &config.MicrosoftOAuthConfig{ClientID: "id", TenantID: "common", TokenFile: "tokens/m.json"},
	}

	provider, err := NewProvider(cfg, "user@gmail.com", getLogger())
	require.NoError(t, err)
	assert.IsType(t, &GoogleProvider{}, provider)
	assert.Equal(t, config.ProviderGmail, provider.Provider())
	assert.Equal(t, "user@gmail.com", provider.Username())

	cfg.IMAP.Provider = config.ProviderOutlook
	provider, err = NewProvider(cfg, "user@outlook.com", getLogger())
	require.NoError(t, err)
	assert.IsType(t, &MicrosoftProvider{}, provider)

	cfg.IMAP.Provider = "yahoo"
	_, err = NewProvider(cfg, "user@yahoo.com", getLogger())
	require.Error(t, err)
}

func TestBaseProvider_AccessToken_UsesStoredToken(t *testing.T) {
	// Arrange
	provider, store := newTestBase(t, "http://127.0.0.1:0")
	require.NoError(t, store.Save(&oauth2.Token{
		AccessToken: "stored-token",
		Expiry:      time.Now().Add(time.Hour),
	}, nil))

	// Act
	token, err := provider.AccessToken(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "stored-token", token)
}

func TestBaseProvider_AccessToken_RefreshesExpired(t *testing.T) {
	// Arrange
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "refresh-1", r.PostForm.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"fresh-token","token_type":"Bearer","expires_in":3600,"refresh_token":"refresh-2"}`)
	}))
	defer server.Close()

	provider, store := newTestBase(t, server.URL)
	require.NoError(t, store.Save(&oauth2.Token{
		AccessToken:  "stale-token",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(-time.Hour),
	}, nil))

	// Act
	token, err := provider.AccessToken(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", token)

	// refreshed token was persisted with the rotated refresh token
	saved, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", saved.AccessToken)
	assert.Equal(t, "refresh-2", saved.RefreshToken)

	// second call is served from memory
	_, err = provider.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, hits)
}

func TestBaseProvider_AccessToken_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"fresh-token","token_type":"Bearer","expires_in":3600}`)
	}))
	defer server.Close()

	provider, store := newTestBase(t, server.URL)
	require.NoError(t, store.Save(&oauth2.Token{
		AccessToken:  "stale-token",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(-time.Hour),
	}, nil))

	_, err := provider.AccessToken(context.Background())
	require.NoError(t, err)

	saved, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "refresh-1", saved.RefreshToken)
}

func TestBaseProvider_InvalidateForcesRefresh(t *testing.T) {
	// Arrange: the stored token is not expired, so without the
	// invalidation it would be served as-is
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"fresh-token","token_type":"Bearer","expires_in":3600}`)
	}))
	defer server.Close()

	provider, store := newTestBase(t, server.URL)
	require.NoError(t, store.Save(&oauth2.Token{
		AccessToken:  "revoked-but-unexpired",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(time.Hour),
	}, nil))

	// Act
	provider.Invalidate()
	token, err := provider.AccessToken(context.Background())

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", token)
	assert.Equal(t, 1, hits)

	saved, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", saved.AccessToken)
	assert.Equal(t, "refresh-1", saved.RefreshToken)
}

func TestBaseProvider_InvalidateWithoutTokenIsNoop(t *testing.T) {
	provider, _ := newTestBase(t, "http://127.0.0.1:0")

	provider.Invalidate()

	_, err := provider.AccessToken(context.Background())
	require.Error(t, err)
	assert.Equal(t, er.KindAuthSetupRequired, er.KindOf(err))
}

func TestBaseProvider_AccessToken_NoTokenFile(t *testing.T) {
	provider, _ := newTestBase(t, "http://127.0.0.1:0")

	_, err := provider.AccessToken(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, er.ErrNoTokenAvailable))
	assert.Equal(t, er.KindAuthSetupRequired, er.KindOf(err))
}

func TestBaseProvider_AccessToken_ExpiredWithoutRefreshToken(t *testing.T) {
	provider, store := newTestBase(t, "http://127.0.0.1:0")
	require.NoError(t, store.Save(&oauth2.Token{
		AccessToken: "stale-token",
		Expiry:      time.Now().Add(-time.Hour),
	}, nil))

	_, err := provider.AccessToken(context.Background())

	require.Error(t, err)
	assert.True(t, errors.Is(err, er.ErrAuthSetupNeeded))
	assert.Equal(t, er.KindAuthSetupRequired, er.KindOf(err))
}

func TestBaseProvider_AccessToken_RefreshFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	}))
	defer server.Close()

	provider, store := newTestBase(t, server.URL)
	require.NoError(t, store.Save(&oauth2.Token{
		AccessToken:  "stale-token",
		RefreshToken: "revoked",
		Expiry:       time.Now().Add(-time.Hour),
	}, nil))

	_, err := provider.AccessToken(context.Background())

	require.Error(t, err)
	assert.Equal(t, er.KindTokenRefreshFailed, er.KindOf(err))
}

func TestBaseProvider_SASLXOAuth2(t *testing.T) {
	provider, store := newTestBase(t, "http://127.0.0.1:0")
	require.NoError(t, store.Save(&oauth2.Token{
		AccessToken: "stored-token",
		Expiry:      time.Now().Add(time.Hour),
	}, nil))

	ir, err := provider.SASLXOAuth2(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "user=user@example.com\x01auth=Bearer stored-token\x01\x01", string(ir))
}

func TestBaseProvider_Info(t *testing.T) {
	provider, store := newTestBase(t, "http://127.0.0.1:0")

	// no token yet
	info, err := provider.Info(context.Background())
	require.NoError(t, err)
	assert.False(t, info.Valid)
	assert.Equal(t, config.ProviderGmail, info.Provider)
	assert.Equal(t, "user@example.com", info.Username)
	assert.Equal(t, []string{GmailScope}, info.Scopes)

	// valid token with refresh
	expiry := time.Now().Add(time.Hour)
	require.NoError(t, store.Save(&oauth2.Token{
		AccessToken:  "tok",
		RefreshToken: "ref",
		Expiry:       expiry,
	}, []string{GmailScope}))

	info, err = provider.Info(context.Background())
	require.NoError(t, err)
	assert.True(t, info.Valid)
	assert.True(t, info.HasRefresh)
	assert.WithinDuration(t, expiry, info.Expiry, time.Second)
}

func TestTokenUsable(t *testing.T) {
	assert.False(t, tokenUsable(nil))
	assert.False(t, tokenUsable(&oauth2.Token{}))
	assert.True(t, tokenUsable(&oauth2.Token{AccessToken: "t"}))
	assert.True(t, tokenUsable(&oauth2.Token{AccessToken: "t", Expiry: time.Now().Add(time.Hour)}))
	// inside the refresh window counts as stale
	assert.False(t, tokenUsable(&oauth2.Token{AccessToken: "t", Expiry: time.Now().Add(time.Minute)}))
	assert.False(t, tokenUsable(&oauth2.Token{AccessToken: "t", Expiry: time.Now().Add(-time.Hour)}))
}

func TestMicrosoftProvider_RevokeClearsLocalState(t *testing.T) {
	// Arrange
	tokenFile := filepath.Join(t.TempDir(), "outlook_token.json")
	provider := NewMicrosoftProvider(&config.MicrosoftOAuthConfig{
		ClientID:  "client-id",
		TenantID:  "common",
		TokenFile: tokenFile,
	}, "user@outlook.com", getLogger())

	ms := provider.(*MicrosoftProvider)
	require.NoError(t, ms.store.Save(&oauth2.Token{
		AccessToken: "tok",
		Expiry:      time.Now().Add(time.Hour),
	}, outlookScopes))

	// Act
	require.NoError(t, provider.Revoke(context.Background()))

	// Assert
	info, err := provider.Info(context.Background())
	require.NoError(t, err)
	assert.False(t, info.Valid)
	_, err = ms.store.Load()
	assert.True(t, errors.Is(err, er.ErrNoTokenAvailable))
}
