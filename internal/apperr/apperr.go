// Package apperr defines the structured error kinds shared by the ramp client,
// the token gateway and the orchestrator. Errors are tagged where they originate
// and callers branch on Kind, never on message text.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind buckets an error into the user-facing taxonomy.
type Kind string

const (
	KindUnknown           Kind = "unknown"
	KindConfiguration     Kind = "configuration"
	KindValidation        Kind = "validation"
	KindConnectivity      Kind = "connectivity"
	KindProvider          Kind = "provider"
	KindChainGuard        Kind = "chain_guard"
	KindAlreadyProcessing Kind = "already_processing"
	KindQuoteExpired      Kind = "quote_expired"
	KindRequest           Kind = "request"
	KindChain             Kind = "chain"
)

var defaultMessages = map[Kind]string{
	KindUnknown:           "An unexpected error occurred. Please try again.",
	KindConfiguration:     "Service configuration error. Please contact support.",
	KindValidation:        "Please enter a valid amount",
	KindConnectivity:      "Network error. Please check your connection and try again.",
	KindProvider:          "An error occurred with the API",
	KindChainGuard:        "Transaction rejected by the token contract",
	KindAlreadyProcessing: "Order is already being processed",
	KindQuoteExpired:      "Quote has expired. Please request a new one.",
	KindRequest:           "An unexpected error occurred. Please try again.",
	KindChain:             "Transaction failed on chain",
}

// Error is the structured error carried across component boundaries.
// Message is user-legible; Err holds the underlying cause for logs.
type Error struct {
	Kind    Kind
	Op      string
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Field != "" {
		b.WriteString(" [")
		b.WriteString(e.Field)
		b.WriteString("]")
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error with a user-legible message.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf is New with formatting.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags cause with kind. message may be empty to fall back to the kind default.
func Wrap(kind Kind, op string, cause error, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: cause}
}

// Field builds a validation error attached to a form field.
func Field(field, message string) *Error {
	return &Error{Kind: KindValidation, Op: "validate", Field: field, Message: message}
}

// KindOf extracts the kind of err. Untagged context errors count as connectivity.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindConnectivity
	}
	return KindUnknown
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// FieldOf returns the offending form field for validation errors.
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}

// UserMessage maps err to the message shown to the user. Transport details never leak.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return defaultMessages[KindOf(err)]
	}
	switch e.Kind {
	case KindConnectivity, KindRequest, KindUnknown:
		return defaultMessages[e.Kind]
	}
	if e.Message != "" {
		return e.Message
	}
	return defaultMessages[e.Kind]
}

// Retryable is true for kinds the user can fix by trying again unchanged.
func Retryable(kind Kind) bool {
	switch kind {
	case KindConnectivity, KindProvider, KindQuoteExpired, KindUnknown, KindChain:
		return true
	default:
		return false
	}
}
