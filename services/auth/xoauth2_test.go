package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestXOAuth2InitialResponse(t *testing.T) {
	ir := XOAuth2InitialResponse("user@gmail.com", "ya29.token")

	assert.Equal(t, "user=user@gmail.com\x01auth=Bearer ya29.token\x01\x01", string(ir))
}

func TestXOAuth2Client_Start(t *testing.T) {
	ir := XOAuth2InitialResponse("user@outlook.com", "token")
	client := NewXOAuth2Client(ir)

	mech, resp, err := client.Start()

	require.NoError(t, err)
	assert.Equal(t, "XOAUTH2", mech)
	assert.Equal(t, ir, resp)
}

func TestXOAuth2Client_NextRepliesEmpty(t *testing.T) {
	client := NewXOAuth2Client(XOAuth2InitialResponse("u", "t"))

	resp, err := client.Next([]byte(`{"status":"400"}`))

	require.NoError(t, err)
	assert.Empty(t, resp)
	assert.NotNil(t, resp)
}
