package identitystub

import (
	"context"
	"errors"
)

var (
	// ErrUserExists indicates the email is already registered.
	ErrUserExists = errors.New("users.exists")
	// ErrUserNotFound indicates no user matched the lookup.
	ErrUserNotFound = errors.New("users.not_found")
	// ErrInvalidPassword indicates the password did not match.
	ErrInvalidPassword = errors.New("users.invalid_password")

	// ErrRefreshTokenNotFound indicates no refresh token matched the provided identifier.
	ErrRefreshTokenNotFound = errors.New("refresh_store.not_found")
	// ErrRefreshTokenRevoked indicates the refresh token has been revoked.
	ErrRefreshTokenRevoked = errors.New("refresh_store.revoked")
	// ErrRefreshTokenExpired indicates the refresh token has exceeded its expiry.
	ErrRefreshTokenExpired = errors.New("refresh_store.expired")
	// ErrRefreshTokenEmptyOpaque indicates that the provided opaque token text is empty.
	ErrRefreshTokenEmptyOpaque = errors.New("refresh_store.empty_token")

	// ErrCodeNotFound indicates no code was issued for the email, or it was already used.
	ErrCodeNotFound = errors.New("codes.not_found")
	// ErrCodeExpired indicates the code outlived its TTL.
	ErrCodeExpired = errors.New("codes.expired")
	// ErrCodeMismatch indicates the submitted code differs from the issued one.
	ErrCodeMismatch = errors.New("codes.mismatch")

	// ErrNonceNotFound indicates the nonce was never issued or was already consumed.
	ErrNonceNotFound = errors.New("nonces.not_found")
	// ErrNonceExpired indicates the nonce outlived its TTL before consumption.
	ErrNonceExpired = errors.New("nonces.expired")
)

// User is a registered account.
type User struct {
	ID           string
	Email        string
	Name         string
	PasswordHash []byte
	Verified     bool
}

// UserStore persists accounts.
type UserStore interface {
	Create(ctx context.Context, email string, name string, password string) (User, error)
	Authenticate(ctx context.Context, email string, password string) (User, error)
	FindByEmail(ctx context.Context, email string) (User, error)
	Get(ctx context.Context, userID string) (User, error)
	MarkVerified(ctx context.Context, email string) error
	SetPassword(ctx context.Context, email string, password string) error
}

// RefreshTokenStore manages long-lived rotating refresh tokens.
type RefreshTokenStore interface {
	Issue(ctx context.Context, userID string, expiresUnix int64, previousTokenID string) (tokenID string, tokenOpaque string, err error)
	Validate(ctx context.Context, tokenOpaque string) (userID string, tokenID string, expiresUnix int64, err error)
	Revoke(ctx context.Context, tokenID string) error
}

// Purpose scopes a one-time code.
type Purpose string

const (
	PurposeVerify Purpose = "verify"
	PurposeReset  Purpose = "reset"
)

// CodeStore issues one-time numeric codes bound to an email and purpose.
type CodeStore interface {
	Issue(ctx context.Context, purpose Purpose, email string) (string, error)
	Consume(ctx context.Context, purpose Purpose, email string, code string) error
}

// CodeSink delivers issued codes, standing in for the mail service.
type CodeSink interface {
	Deliver(ctx context.Context, purpose Purpose, email string, code string)
}

// NonceStore issues one-time nonces that bind a Google ID token to a sign-in attempt.
type NonceStore interface {
	Issue(ctx context.Context) (string, error)
	Consume(ctx context.Context, nonce string) error
}
