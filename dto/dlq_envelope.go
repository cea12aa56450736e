package dto

import (
	"strconv"
)

const (
	dlqFieldOriginalEntryID = "original_entry_id"
	dlqFieldErrorKind       = "error_kind"
	dlqFieldErrorMessage    = "error_message"
	dlqFieldRetryCount      = "retry_count"
	dlqFieldFailedAt        = "failed_at"
)

// DLQEnvelope wraps a failed entry for the dead letter queue, keeping
// the original payload byte-for-byte so it can be reprocessed later.
type DLQEnvelope struct {
	OriginalEntryID string `json:"original_entry_id"`
	Payload         string `json:"payload"`
	ErrorKind       string `json:"error_kind"`
	ErrorMessage    string `json:"error_message"`
	RetryCount      int    `json:"retry_count"`
	FailedAt        string `json:"failed_at"`
}

// Fields flattens the envelope into stream entry fields. The original
// payload keeps the PayloadField name it had on the primary stream.
func (e *DLQEnvelope) Fields() map[string]string {
	return map[string]string{
		dlqFieldOriginalEntryID: e.OriginalEntryID,
		PayloadField:            e.Payload,
		dlqFieldErrorKind:       e.ErrorKind,
		dlqFieldErrorMessage:    e.ErrorMessage,
		dlqFieldRetryCount:      strconv.Itoa(e.RetryCount),
		dlqFieldFailedAt:        e.FailedAt,
	}
}

// DLQEnvelopeFromFields rebuilds an envelope from stream entry fields.
// A missing or unparseable retry_count reads as zero.
func DLQEnvelopeFromFields(fields map[string]string) DLQEnvelope {
	retryCount, _ := strconv.Atoi(fields[dlqFieldRetryCount])
	return DLQEnvelope{
		OriginalEntryID: fields[dlqFieldOriginalEntryID],
		Payload:         fields[PayloadField],
		ErrorKind:       fields[dlqFieldErrorKind],
		ErrorMessage:    fields[dlqFieldErrorMessage],
		RetryCount:      retryCount,
		FailedAt:        fields[dlqFieldFailedAt],
	}
}
