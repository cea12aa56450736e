package dto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord() *MailRecord {
	return &MailRecord{
		UID:             42,
		UIDValidity:     700,
		Mailbox:         "INBOX",
		Account:         "user@example.com",
		From:            "sender@example.com",
		To:              []string{"user@example.com", "cc@example.com"},
		Subject:         "Invoice overdue",
		Date:            "2025-06-01T10:30:00Z",
		MessageID:       "abc123@example.com",
		Size:            2048,
		Headers:         map[string]string{"X-Spam-Score": "0.1"},
		BodyText:        "please find attached",
		BodyHTMLPreview: "<p>please find attached</p>",
		FetchedAt:       "2025-06-01T10:31:00Z",
		CorrelationID:   "0123456789abcdef0123456789abcdef",
	}
}

func TestMailRecord_RoundTrip(t *testing.T) {
	// Arrange
	original := sampleRecord()

	// Act
	payload, err := json.Marshal(original)
	require.NoError(t, err)
	var decoded MailRecord
	require.NoError(t, json.Unmarshal(payload, &decoded))

	// Assert
	assert.Equal(t, *original, decoded)
}

func TestMailRecord_WireFieldNames(t *testing.T) {
	payload, err := json.Marshal(sampleRecord())
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &raw))

	for _, field := range []string{
		"uid", "uidvalidity", "mailbox", "account", "from", "to",
		"subject", "date", "message_id", "size", "headers",
		"body_text", "body_html_preview", "fetched_at", "correlation_id",
	} {
		assert.Contains(t, raw, field)
	}
}

func TestMailRecord_IdempotencyKey(t *testing.T) {
	record := sampleRecord()

	assert.Equal(t, "user@example.com|INBOX|700|42", record.IdempotencyKey())

	other := sampleRecord()
	other.UIDValidity = 701
	assert.NotEqual(t, record.IdempotencyKey(), other.IdempotencyKey())
}

func TestMailRecord_Validate(t *testing.T) {
	t.Run("complete record passes", func(t *testing.T) {
		assert.NoError(t, sampleRecord().Validate())
	})

	t.Run("missing uid rejected", func(t *testing.T) {
		record := sampleRecord()
		record.UID = 0
		err := record.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "uid")
	})

	t.Run("missing mailbox rejected", func(t *testing.T) {
		record := sampleRecord()
		record.Mailbox = ""
		err := record.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mailbox")
	})

	t.Run("multiple missing fields listed", func(t *testing.T) {
		record := &MailRecord{}
		err := record.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "uid")
		assert.Contains(t, err.Error(), "mailbox")
		assert.Contains(t, err.Error(), "uidvalidity")
	})
}

func TestDLQEnvelope_FieldsRoundTrip(t *testing.T) {
	// Arrange
	envelope := DLQEnvelope{
		OriginalEntryID: "1718000000000-0",
		Payload:         `{"uid":42}`,
		ErrorKind:       "ProcessingTransient",
		ErrorMessage:    "handler timed out",
		RetryCount:      5,
		FailedAt:        "2025-06-01T10:35:00Z",
	}

	// Act
	fields := envelope.Fields()
	decoded := DLQEnvelopeFromFields(fields)

	// Assert
	assert.Equal(t, envelope, decoded)
	assert.Equal(t, `{"uid":42}`, fields[PayloadField])
	for _, field := range []string{
		"original_entry_id", "payload", "error_kind",
		"error_message", "retry_count", "failed_at",
	} {
		assert.Contains(t, fields, field)
	}
}

func TestDLQEnvelopeFromFields_BadRetryCount(t *testing.T) {
	decoded := DLQEnvelopeFromFields(map[string]string{
		"original_entry_id": "1-0",
		"payload":           `{"uid":1}`,
		"retry_count":       "not-a-number",
	})

	assert.Zero(t, decoded.RetryCount)
	assert.Equal(t, "1-0", decoded.OriginalEntryID)
}
