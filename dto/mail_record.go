package dto

import (
	"fmt"
	"strings"
)

// PayloadField is the single entry field carrying the serialized record
// on both the primary and dead letter streams.
const PayloadField = "payload"

// MailRecord is the unit that flows through the primary stream. One
// record per fetched email, immutable once appended.
type MailRecord struct {
	UID             uint64            `json:"uid"`
	UIDValidity     uint64            `json:"uidvalidity"`
	Mailbox         string            `json:"mailbox"`
	Account         string            `json:"account"`
	From            string            `json:"from"`
	To              []string          `json:"to"`
	Subject         string            `json:"subject"`
	Date            string            `json:"date"`
	MessageID       string            `json:"message_id"`
	Size            uint32            `json:"size"`
	Headers         map[string]string `json:"headers"`
	BodyText        string            `json:"body_text"`
	BodyHTMLPreview string            `json:"body_html_preview"`
	FetchedAt       string            `json:"fetched_at"`
	CorrelationID   string            `json:"correlation_id"`
}

// IdempotencyKey is the natural identity of the record. Two records
// with the same key are the same email.
func (r *MailRecord) IdempotencyKey() string {
	return fmt.Sprintf("%s|%s|%d|%d", r.Account, r.Mailbox, r.UIDValidity, r.UID)
}

// Validate checks the minimum schema a processor needs. Records failing
// this are poison and go straight to the dead letter queue.
func (r *MailRecord) Validate() error {
	var missing []string
	if r.UID == 0 {
		missing = append(missing, "uid")
	}
	if r.Mailbox == "" {
		missing = append(missing, "mailbox")
	}
	if r.UIDValidity == 0 {
		missing = append(missing, "uidvalidity")
	}
	if len(missing) > 0 {
		return fmt.Errorf("mail record missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}
