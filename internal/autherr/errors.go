// Package autherr defines the user-facing error taxonomy shared by the session packages.
package autherr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"
)

// Kind classifies an error for presentation.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthentication
	KindSessionExpired
	KindNetwork
	KindRateLimit
)

var kindNames = map[Kind]string{
	KindUnknown:        "unknown",
	KindValidation:     "validation",
	KindAuthentication: "authentication",
	KindSessionExpired: "session_expired",
	KindNetwork:        "network",
	KindRateLimit:      "rate_limit",
}

func (kind Kind) String() string {
	if name, ok := kindNames[kind]; ok {
		return name
	}
	return "unknown"
}

// Default user-safe messages per kind.
const (
	MessageUnknown        = "Something went wrong. Please try again."
	MessageNetwork        = "Connection problem. Please check your internet and try again."
	MessageTimeout        = "The request took too long. Please try again."
	MessageSessionExpired = "Your session has expired. Please sign in again."
	MessageRateLimit      = "Too many attempts. Please wait a moment and try again."
	MessageServer         = "Something went wrong on our end. Please try again later."
	MessageValidation     = "Please check your input and try again."
)

// Error is a normalized error whose Message is safe to show to a user.
type Error struct {
	Kind       Kind
	Message    string
	Field      string
	RetryAfter time.Duration
	cause      error
}

func (err *Error) Error() string {
	if err == nil {
		return ""
	}
	return err.Message
}

// Unwrap exposes the technical cause for errors.Is / errors.As.
func (err *Error) Unwrap() error {
	if err == nil {
		return nil
	}
	return err.cause
}

// Is matches another *Error of the same kind so callers can test with sentinels.
func (err *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil || err == nil {
		return false
	}
	return other.Message == "" && other.Kind == err.Kind
}

// Sentinels usable with errors.Is to test the kind of a normalized error.
var (
	ErrValidation     = &Error{Kind: KindValidation}
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrSessionExpired = &Error{Kind: KindSessionExpired}
	ErrNetwork        = &Error{Kind: KindNetwork}
	ErrRateLimit      = &Error{Kind: KindRateLimit}
	ErrUnknown        = &Error{Kind: KindUnknown}
)

// Validation builds a client-side field error.
func Validation(field string, message string) *Error {
	if message == "" {
		message = MessageValidation
	}
	return &Error{Kind: KindValidation, Field: field, Message: message}
}

// Authentication builds a credential or code rejection.
func Authentication(message string, cause error) *Error {
	if message == "" {
		message = "Invalid email or password"
	}
	return &Error{Kind: KindAuthentication, Message: message, cause: cause}
}

// SessionExpired builds the terminal session error.
func SessionExpired(cause error) *Error {
	return &Error{Kind: KindSessionExpired, Message: MessageSessionExpired, cause: cause}
}

// Network builds a transport failure error.
func Network(cause error) *Error {
	message := MessageNetwork
	if isTimeout(cause) {
		message = MessageTimeout
	}
	return &Error{Kind: KindNetwork, Message: message, cause: cause}
}

// RateLimit builds a cooldown error carrying the remaining wait.
func RateLimit(retryAfter time.Duration, cause error) *Error {
	message := MessageRateLimit
	if retryAfter > 0 {
		seconds := int((retryAfter + time.Second - 1) / time.Second)
		message = fmt.Sprintf("Please wait %d seconds before trying again.", seconds)
	}
	return &Error{Kind: KindRateLimit, Message: message, RetryAfter: retryAfter, cause: cause}
}

// Unknown builds the fallback error.
func Unknown(cause error) *Error {
	return &Error{Kind: KindUnknown, Message: MessageUnknown, cause: cause}
}

// WithMessage returns a copy of err with a different user-facing message.
func (err *Error) WithMessage(message string) *Error {
	clone := *err
	clone.Message = message
	return &clone
}

// KindOf returns the Kind of a normalized error, or KindUnknown.
func KindOf(err error) Kind {
	var normalized *Error
	if errors.As(err, &normalized) && normalized != nil {
		return normalized.Kind
	}
	return KindUnknown
}

// Normalize maps any error onto the taxonomy. Already-normalized errors are returned unchanged.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}
	var normalized *Error
	if errors.As(err, &normalized) && normalized != nil {
		return normalized
	}
	if isTimeout(err) || isNetwork(err) {
		return Network(err)
	}
	return &Error{Kind: KindUnknown, Message: UserMessage(err.Error()), cause: err}
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isNetwork(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}
