package auth

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/mailriver/mailriver/config"
	"github.com/mailriver/mailriver/interfaces"
	er "github.com/mailriver/mailriver/internal/errors"
	"github.com/mailriver/mailriver/internal/logger"
)

// refreshWindow is how long before expiry a token is already treated
// as stale.
const refreshWindow = 5 * time.Minute

// NewProvider builds the auth provider matching the configured IMAP
// provider.
func NewProvider(cfg *config.Config, username string, log logger.Logger) (interfaces.AuthProvider, error) {
	switch cfg.IMAP.Provider {
	case config.ProviderGmail:
		return NewGoogleProvider(cfg.Google, username, log), nil
	case config.ProviderOutlook:
		return NewMicrosoftProvider(cfg.Microsoft, username, log), nil
	default:
		return nil, errors.Errorf("unknown IMAP provider %q", cfg.IMAP.Provider)
	}
}

// baseProvider carries the token lifecycle shared by all providers:
// lazy load from the store, silent refresh inside the refresh window,
// XOAUTH2 composition.
type baseProvider struct {
	provider string
	username string
	conf     *oauth2.Config
	store    *TokenStore
	log      logger.Logger

	mu    sync.Mutex
	token *oauth2.Token
}

func (b *baseProvider) Provider() string {
	return b.provider
}

func (b *baseProvider) Username() string {
	return b.username
}

func (b *baseProvider) AccessToken(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accessTokenLocked(ctx)
}

// Invalidate discards the cached access token so the next AccessToken
// call refreshes. Used when the server rejects a token that still
// looks valid locally, e.g. revoked upstream. The refresh token is
// kept.
func (b *baseProvider) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureLoadedLocked(); err != nil {
		return
	}
	b.token.AccessToken = ""
}

func (b *baseProvider) SASLXOAuth2(ctx context.Context) ([]byte, error) {
	token, err := b.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	return XOAuth2InitialResponse(b.username, token), nil
}

func (b *baseProvider) Info(ctx context.Context) (*interfaces.TokenInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	info := &interfaces.TokenInfo{
		Provider: b.provider,
		Username: b.username,
		Scopes:   b.conf.Scopes,
	}
	if err := b.ensureLoadedLocked(); err != nil {
		if errors.Is(err, er.ErrNoTokenAvailable) {
			return info, nil
		}
		return nil, err
	}
	info.HasRefresh = b.token.RefreshToken != ""
	info.Expiry = b.token.Expiry
	info.Valid = tokenUsable(b.token)
	return info, nil
}

func (b *baseProvider) ensureLoadedLocked() error {
	if b.token != nil {
		return nil
	}
	token, err := b.store.Load()
	if err != nil {
		return err
	}
	b.token = token
	return nil
}

func (b *baseProvider) accessTokenLocked(ctx context.Context) (string, error) {
	if err := b.ensureLoadedLocked(); err != nil {
		return "", err
	}
	if tokenUsable(b.token) {
		return b.token.AccessToken, nil
	}
	if b.token.RefreshToken == "" {
		return "", er.WithKind(er.KindAuthSetupRequired, er.ErrAuthSetupNeeded)
	}

	b.log.Infof("Access token for %s expired, refreshing", b.username)
	source := b.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: b.token.RefreshToken})
	fresh, err := source.Token()
	if err != nil {
		return "", er.WithKind(er.KindTokenRefreshFailed, errors.Wrap(err, "refresh access token"))
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = b.token.RefreshToken
	}
	b.token = fresh
	if err := b.store.Save(fresh, b.conf.Scopes); err != nil {
		return "", err
	}
	return fresh.AccessToken, nil
}

// setToken installs a token obtained interactively and persists it.
func (b *baseProvider) setToken(token *oauth2.Token) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = token
	return b.store.Save(token, b.conf.Scopes)
}

// clearToken drops the in-memory token and deletes the stored file.
func (b *baseProvider) clearToken() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = nil
	return b.store.Delete()
}

func tokenUsable(token *oauth2.Token) bool {
	if token == nil || token.AccessToken == "" {
		return false
	}
	if token.Expiry.IsZero() {
		return true
	}
	return time.Until(token.Expiry) > refreshWindow
}
