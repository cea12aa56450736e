package errors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a failure so the poll and consume loops can decide
// between retry, skip, dead-letter, and stop without matching on error
// strings.
type Kind string

const (
	KindUnknown              Kind = "Unknown"
	KindTransportUnavailable Kind = "TransportUnavailable"
	KindAuthSetupRequired    Kind = "AuthSetupRequired"
	KindTokenRefreshFailed   Kind = "TokenRefreshFailed"
	KindImapTransport        Kind = "ImapTransport"
	KindImapAuth             Kind = "ImapAuth"
	KindImapProtocol         Kind = "ImapProtocol"
	KindCircuitOpen          Kind = "CircuitOpen"
	KindInvariantViolation   Kind = "InvariantViolation"
	KindProcessingTransient  Kind = "ProcessingTransient"
	KindExcessiveRedelivery  Kind = "ExcessiveRedelivery"
	KindShutdown             Kind = "Shutdown"
)

var (
	// common errors
	ErrShuttingDown     = errors.New("shutting down")
	ErrCircuitOpen      = errors.New("circuit breaker is open")
	ErrAuthSetupNeeded  = errors.New("authentication setup required, run with --auth-setup")
	ErrNoTokenAvailable = errors.New("no stored token available")

	// consumer errors
	ErrEntryMalformed = errors.New("entry payload is malformed")
)

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

func (e *kindError) Unwrap() error {
	return e.err
}

// WithKind tags err with a kind. A nil err stays nil.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// Newf builds a tagged error in one step.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &kindError{kind: kind, err: fmt.Errorf(format, args...)}
}

// KindOf walks the wrap chain and returns the outermost kind tag, or
// KindUnknown when no tag is present.
func KindOf(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether a failure of this kind may succeed on a
// later attempt. Unknown kinds count as transient so unclassified
// handler failures go through backoff rather than straight to the DLQ.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindTransportUnavailable, KindImapTransport, KindCircuitOpen, KindProcessingTransient, KindUnknown:
		return true
	default:
		return false
	}
}
