package metatx

import (
	"errors"
	"fmt"
)

// Error codes
const (
	ErrCodeCounterFetchFailed  = "counter_fetch_failed"
	ErrCodeSigningRejected     = "signing_rejected"
	ErrCodeBadSignature        = "bad_signature"
	ErrCodeStaleNonce          = "stale_nonce"
	ErrCodeExpired             = "expired"
	ErrCodeInvalidRequest      = "invalid_request"
	ErrCodeSubmissionRejected  = "submission_rejected"
	ErrCodeTransportError      = "transport_error"
	ErrCodeConfirmationTimeout = "confirmation_timeout"
	ErrCodeReceiptReverted     = "receipt_reverted"
	ErrCodeOutcomeNotFound     = "outcome_not_found"
)

// ErrorClass groups codes by how a caller should react.
type ErrorClass string

const (
	// ClassValidation failures require rebuilding a fresh request.
	ClassValidation ErrorClass = "validation"
	// ClassTransport failures are safe to retry.
	ClassTransport ErrorClass = "transport"
	// ClassAuthorization failures end the current attempt.
	ClassAuthorization ErrorClass = "authorization"
	// ClassLogic failures mean the chain did something unexpected. Never resubmit.
	ClassLogic ErrorClass = "logic"
)

// Error is the typed failure returned by every component.
type Error struct {
	Code    string           `json:"code"`
	Message string           `json:"message"`
	Handle  SubmissionHandle `json:"handle,omitempty"`
	Err     error            `json:"-"`
}

func (e *Error) Error() string {
	msg := e.Code
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Handle != "" {
		msg = fmt.Sprintf("%s (handle %s)", msg, e.Handle)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so errors.Is(err, ErrStaleNonce)
// works on wrapped values.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Class returns the taxonomy bucket for the code.
func (e *Error) Class() ErrorClass {
	return ClassOf(e.Code)
}

// Retryable reports whether the failed step can be repeated as is.
func (e *Error) Retryable() bool {
	switch e.Code {
	case ErrCodeTransportError, ErrCodeConfirmationTimeout, ErrCodeCounterFetchFailed:
		return true
	}
	return false
}

// ClassOf maps an error code to its class.
func ClassOf(code string) ErrorClass {
	switch code {
	case ErrCodeBadSignature, ErrCodeStaleNonce, ErrCodeExpired, ErrCodeInvalidRequest, ErrCodeCounterFetchFailed:
		return ClassValidation
	case ErrCodeTransportError, ErrCodeConfirmationTimeout:
		return ClassTransport
	case ErrCodeSigningRejected, ErrCodeSubmissionRejected:
		return ClassAuthorization
	case ErrCodeReceiptReverted, ErrCodeOutcomeNotFound:
		return ClassLogic
	}
	return ClassTransport
}

// Sentinels for errors.Is.
var (
	ErrCounterFetch        = &Error{Code: ErrCodeCounterFetchFailed}
	ErrSigningRejected     = &Error{Code: ErrCodeSigningRejected}
	ErrBadSignature        = &Error{Code: ErrCodeBadSignature}
	ErrStaleNonce          = &Error{Code: ErrCodeStaleNonce}
	ErrExpired             = &Error{Code: ErrCodeExpired}
	ErrInvalidRequest      = &Error{Code: ErrCodeInvalidRequest}
	ErrSubmissionRejected  = &Error{Code: ErrCodeSubmissionRejected}
	ErrTransport           = &Error{Code: ErrCodeTransportError}
	ErrConfirmationTimeout = &Error{Code: ErrCodeConfirmationTimeout}
	ErrReceiptReverted     = &Error{Code: ErrCodeReceiptReverted}
	ErrOutcomeNotFound     = &Error{Code: ErrCodeOutcomeNotFound}
)

// NewError creates a typed error.
func NewError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NewHandleError creates a typed error that refers to a submission. The
// handle stays usable for a later re-check.
func NewHandleError(code string, handle SubmissionHandle, message string, err error) *Error {
	return &Error{Code: code, Message: message, Handle: handle, Err: err}
}

// CounterFetchError wraps a counter source failure.
func CounterFetchError(err error) *Error {
	return NewError(ErrCodeCounterFetchFailed, "could not read the anti-replay counter", err)
}

// SigningRejected wraps a signing capability failure.
func SigningRejected(err error) *Error {
	return NewError(ErrCodeSigningRejected, "signer declined the request", err)
}

// SubmissionRejected wraps a sponsor refusal.
func SubmissionRejected(message string, err error) *Error {
	return NewError(ErrCodeSubmissionRejected, message, err)
}

// TransportError wraps a relay channel failure.
func TransportError(message string, err error) *Error {
	return NewError(ErrCodeTransportError, message, err)
}

// InvalidRequest reports a malformed local input.
func InvalidRequest(message string) *Error {
	return NewError(ErrCodeInvalidRequest, message, nil)
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether err carries a retryable code.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

var userMessages = map[string]string{
	ErrCodeCounterFetchFailed:  "Could not reach the network. Please try again.",
	ErrCodeSigningRejected:     "Signature request was declined.",
	ErrCodeBadSignature:        "Signature does not match the requesting account.",
	ErrCodeStaleNonce:          "This request is out of date. Please try again.",
	ErrCodeExpired:             "This request has expired. Please try again.",
	ErrCodeInvalidRequest:      "The request is invalid.",
	ErrCodeSubmissionRejected:  "The relay refused the transaction.",
	ErrCodeTransportError:      "Could not reach the relay. Please try again.",
	ErrCodeConfirmationTimeout: "Still waiting for confirmation. Check again shortly.",
	ErrCodeReceiptReverted:     "The transaction failed on chain.",
	ErrCodeOutcomeNotFound:     "The transaction succeeded but no token was minted.",
}

// UserMessage maps err to the short message shown to end users.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if msg, ok := userMessages[CodeOf(err)]; ok {
		return msg
	}
	return "Something went wrong."
}
