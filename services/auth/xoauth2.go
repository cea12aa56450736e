package auth

import (
	"github.com/emersion/go-sasl"
)

// Xoauth2Mechanism is the SASL mechanism name Gmail and Outlook expect
// for OAuth2 bearer tokens over IMAP.
const Xoauth2Mechanism = "XOAUTH2"

// XOAuth2InitialResponse composes the XOAUTH2 SASL initial response:
// "user=<username>\x01auth=Bearer <token>\x01\x01". The format is the
// same for every provider.
func XOAuth2InitialResponse(username, accessToken string) []byte {
	return []byte("user=" + username + "\x01auth=Bearer " + accessToken + "\x01\x01")
}

type xoauth2Client struct {
	initialResponse []byte
}

// NewXOAuth2Client wraps a composed initial response as a sasl.Client
// usable with an IMAP AUTHENTICATE exchange.
func NewXOAuth2Client(initialResponse []byte) sasl.Client {
	return &xoauth2Client{initialResponse: initialResponse}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	return Xoauth2Mechanism, c.initialResponse, nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	// On failure the server sends a JSON error blob and expects an
	// empty response before issuing the final NO.
	return []byte{}, nil
}
