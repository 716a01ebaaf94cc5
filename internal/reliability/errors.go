package reliability

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and surfacing decisions.
type Kind string

const (
	KindSessionNotFound  Kind = "session_not_found"
	KindSessionExists    Kind = "session_already_exists"
	KindSessionInactive  Kind = "session_inactive"
	KindAudioProcessing  Kind = "audio_processing_error"
	KindStreaming        Kind = "streaming_error"
	KindAckTimeout       Kind = "ack_timeout"
	KindConfiguration    Kind = "configuration_error"
	KindValidation       Kind = "validation_error"
	KindTransportService Kind = "transport_service_error"
)

type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Error is a classified failure. Retryability defaults follow the kind;
// transport_service errors override it per remote subtype at construction.
type Error struct {
	Kind      Kind
	Severity  Severity
	Source    string
	Retryable bool
	Detail    string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Detail
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Source != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Source, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error with the kind's default severity and
// retryability.
func New(kind Kind, source, detail string) *Error {
	return &Error{
		Kind:      kind,
		Severity:  defaultSeverity(kind),
		Source:    source,
		Retryable: defaultRetryable(kind),
		Detail:    detail,
	}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, source string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:      kind,
		Severity:  defaultSeverity(kind),
		Source:    source,
		Retryable: defaultRetryable(kind),
		Err:       err,
	}
}

// TransportError classifies a remote gateway failure; retryability follows
// the remote subtype (throttling/unavailable retry, validation/auth do not).
func TransportError(source, code string, err error) *Error {
	return &Error{
		Kind:      KindTransportService,
		Severity:  SeverityError,
		Source:    source,
		Retryable: IsRetryableGatewayCode(code),
		Detail:    code,
		Err:       err,
	}
}

func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindAudioProcessing, KindStreaming, KindAckTimeout:
		return true
	default:
		return false
	}
}

func defaultSeverity(kind Kind) Severity {
	switch kind {
	case KindConfiguration:
		return SeverityCritical
	case KindAudioProcessing, KindStreaming:
		return SeverityWarning
	default:
		return SeverityError
	}
}

// KindOf extracts the classification of err, or "" when unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err may be retried. Unclassified errors are
// not retried.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
