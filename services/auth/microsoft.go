package auth

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"

	"github.com/mailriver/mailriver/config"
	"github.com/mailriver/mailriver/interfaces"
	er "github.com/mailriver/mailriver/internal/errors"
	"github.com/mailriver/mailriver/internal/logger"
)

// outlookScopes cover IMAP access; offline_access is required to get a
// refresh token.
var outlookScopes = []string{
	"https://outlook.office365.com/IMAP.AccessAsUser.All",
	"offline_access",
}

type MicrosoftProvider struct {
	baseProvider
	tenantID string
}

func NewMicrosoftProvider(cfg *config.MicrosoftOAuthConfig, username string, log logger.Logger) interfaces.AuthProvider {
	conf := &oauth2.Config{
		ClientID: cfg.ClientID,
		Endpoint: endpoints.AzureAD(cfg.TenantID),
		Scopes:   outlookScopes,
	}
	return &MicrosoftProvider{
		baseProvider: baseProvider{
			provider: config.ProviderOutlook,
			username: username,
			conf:     conf,
			store:    NewTokenStore(cfg.TokenFile),
			log:      log,
		},
		tenantID: cfg.TenantID,
	}
}

// InteractiveSetup runs the device-code flow: the user enters a short
// code at the verification URL while we poll for the token.
func (m *MicrosoftProvider) InteractiveSetup(ctx context.Context) error {
	deviceAuth, err := m.conf.DeviceAuth(ctx)
	if err != nil {
		return er.WithKind(er.KindAuthSetupRequired, errors.Wrap(err, "initiate device flow"))
	}

	fmt.Println()
	fmt.Println("============================================================")
	fmt.Println("Microsoft Account Authentication")
	fmt.Println("============================================================")
	fmt.Printf("\nTo sign in, open %s and enter the code %s\n\n", deviceAuth.VerificationURI, deviceAuth.UserCode)
	fmt.Println("============================================================")

	token, err := m.conf.DeviceAccessToken(ctx, deviceAuth)
	if err != nil {
		return er.WithKind(er.KindAuthSetupRequired, errors.Wrap(err, "acquire token by device flow"))
	}
	if err := m.setToken(token); err != nil {
		return err
	}
	m.log.Infof("Authentication completed, token saved to %s", m.store.Path())
	return nil
}

// Revoke clears the local token. Microsoft has no public revocation
// endpoint; tokens are revoked through the Azure AD portal.
func (m *MicrosoftProvider) Revoke(ctx context.Context) error {
	if err := m.clearToken(); err != nil {
		return err
	}
	m.log.Info("Token cache cleared and file deleted")
	return nil
}
