package autherr

import (
	"regexp"
	"strings"
)

type messageRule struct {
	fragment string
	message  string
}

// Ordered from most to least specific; the first matching fragment wins.
var messageRules = []messageRule{
	{fragment: "no refresh token", message: MessageSessionExpired},
	{fragment: "invalid refresh token", message: MessageSessionExpired},
	{fragment: "token expired", message: MessageSessionExpired},
	{fragment: "refresh token", message: MessageSessionExpired},
	{fragment: "timeout", message: MessageTimeout},
	{fragment: "network", message: MessageNetwork},
	{fragment: "connection refused", message: "Unable to connect to the server. Please try again later."},
	{fragment: "cors", message: "Connection problem. Please try again."},
	{fragment: "server error", message: MessageServer},
	{fragment: "unauthorized", message: "Please sign in to continue."},
	{fragment: "forbidden", message: "You don't have permission to perform this action."},
	{fragment: "not found", message: "The requested resource was not found."},
	{fragment: "too many requests", message: MessageRateLimit},
	{fragment: "validation error", message: MessageValidation},
	{fragment: "parse error", message: "Invalid response from server. Please try again."},
}

// UserMessage translates a technical error string into text that is safe to show a user.
func UserMessage(technical string) string {
	lowered := strings.ToLower(technical)
	for _, rule := range messageRules {
		if strings.Contains(lowered, rule.fragment) {
			return rule.message
		}
	}
	return MessageUnknown
}

var (
	urlPattern        = regexp.MustCompile(`(?i)\b[a-z][a-z0-9+.-]*://`)
	stackPattern      = regexp.MustCompile(`(?i)(goroutine \d+|\.go:\d+|traceback|exception|panic:)`)
	statusCodePattern = regexp.MustCompile(`\b[1-5]\d\d\b`)
)

const maxServerMessageLength = 160

// SafeServerMessage returns message when it is fit for display, or fallback when it leaks
// transport detail (URLs, stack traces, status codes, internal error dumps).
func SafeServerMessage(message string, fallback string) string {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" || len(trimmed) > maxServerMessageLength {
		return fallback
	}
	if urlPattern.MatchString(trimmed) || stackPattern.MatchString(trimmed) || statusCodePattern.MatchString(trimmed) {
		return fallback
	}
	if strings.Contains(strings.ToLower(trimmed), "internal server error") {
		return fallback
	}
	return trimmed
}
