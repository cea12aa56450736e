package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"

	"github.com/mailriver/mailriver/config"
	"github.com/mailriver/mailriver/interfaces"
	er "github.com/mailriver/mailriver/internal/errors"
	"github.com/mailriver/mailriver/internal/logger"
)

// GmailScope grants full IMAP access.
const GmailScope = "https://mail.google.com/"

const googleRevokeURL = "https://oauth2.googleapis.com/revoke"

var googleEndpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/auth",
	TokenURL: "https://oauth2.googleapis.com/token",
}

type GoogleProvider struct {
	baseProvider
	redirectPort int
}

func NewGoogleProvider(cfg *config.GoogleOAuthConfig, username string, log logger.Logger) interfaces.AuthProvider {
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     googleEndpoint,
		RedirectURL:  fmt.Sprintf("http://localhost:%d", cfg.RedirectPort),
		Scopes:       []string{GmailScope},
	}
	return &GoogleProvider{
		baseProvider: baseProvider{
			provider: config.ProviderGmail,
			username: username,
			conf:     conf,
			store:    NewTokenStore(cfg.TokenFile),
			log:      log,
		},
		redirectPort: cfg.RedirectPort,
	}
}

// InteractiveSetup runs the authorization-code flow with a loopback
// redirect listener and persists the resulting token.
func (g *GoogleProvider) InteractiveSetup(ctx context.Context) error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", g.redirectPort))
	if err != nil {
		return errors.Wrapf(err, "listen on redirect port %d", g.redirectPort)
	}
	defer listener.Close()

	state := uuid.New().String()
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		if query.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			errCh <- errors.New("oauth redirect state mismatch")
			return
		}
		if errMsg := query.Get("error"); errMsg != "" {
			http.Error(w, errMsg, http.StatusBadRequest)
			errCh <- errors.Errorf("authorization denied: %s", errMsg)
			return
		}
		fmt.Fprint(w, "Authentication successful! You can close this window.")
		codeCh <- query.Get("code")
	})}
	go server.Serve(listener)
	defer server.Close()

	authURL := g.conf.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	fmt.Printf("Open the following URL in your browser to authorize %s:\n\n%s\n\n", g.username, authURL)

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	token, err := g.conf.Exchange(ctx, code)
	if err != nil {
		return er.WithKind(er.KindAuthSetupRequired, errors.Wrap(err, "exchange authorization code"))
	}
	if err := g.setToken(token); err != nil {
		return err
	}
	g.log.Infof("Authentication completed, token saved to %s", g.store.Path())
	return nil
}

// Revoke invalidates the token with Google and deletes the stored file.
func (g *GoogleProvider) Revoke(ctx context.Context) error {
	g.mu.Lock()
	if err := g.ensureLoadedLocked(); err != nil {
		g.mu.Unlock()
		if errors.Is(err, er.ErrNoTokenAvailable) {
			g.log.Warn("No token to revoke")
			return nil
		}
		return err
	}
	accessToken := g.token.AccessToken
	g.mu.Unlock()

	form := url.Values{"token": {accessToken}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, googleRevokeURL, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(err, "build revoke request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "revoke token")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		g.log.Warnf("Token revocation returned status %d", resp.StatusCode)
	}

	if err := g.clearToken(); err != nil {
		return err
	}
	g.log.Info("Token revoked and file deleted")
	return nil
}
