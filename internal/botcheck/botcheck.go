// Package botcheck obtains bot-mitigation tokens for form submissions.
package botcheck

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Actions passed to the token source.
const (
	ActionSignup         = "signup"
	ActionSignin         = "signin"
	ActionForgotPassword = "forgot_password"
)

// Source produces a token for action. An empty token means none could be obtained.
type Source interface {
	Token(ctx context.Context, action string) (string, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, action string) (string, error)

// Token implements Source.
func (source SourceFunc) Token(ctx context.Context, action string) (string, error) {
	return source(ctx, action)
}

// StaticSource always returns the same token.
type StaticSource string

// Token implements Source.
func (source StaticSource) Token(context.Context, string) (string, error) {
	return string(source), nil
}

// Provider wraps a Source so that a failing or unconfigured source never blocks a submission.
type Provider struct {
	siteKey string
	source  Source
	logger  *zap.Logger
}

// NewProvider constructs a Provider. An empty siteKey or nil source disables token acquisition.
func NewProvider(siteKey string, source Source, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{siteKey: strings.TrimSpace(siteKey), source: source, logger: logger}
}

// Enabled reports whether tokens are requested at all.
func (provider *Provider) Enabled() bool {
	return provider != nil && provider.siteKey != "" && provider.source != nil
}

// Token returns a token for action, or "" when none is available.
func (provider *Provider) Token(ctx context.Context, action string) string {
	if !provider.Enabled() {
		return ""
	}
	token, err := provider.source.Token(ctx, action)
	if err != nil {
		provider.logger.Warn("bot check token unavailable",
			zap.String("code", "botcheck.token_failed"),
			zap.String("action", action),
			zap.Error(err),
		)
		return ""
	}
	if strings.TrimSpace(token) == "" {
		provider.logger.Warn("bot check returned no token",
			zap.String("code", "botcheck.empty_token"),
			zap.String("action", action),
		)
		return ""
	}
	return token
}
