// Package credentials holds the access, refresh, and identity artifacts of a session.
package credentials

import (
	"context"
	"errors"
	"time"
)

// Cookie names used by the identity API.
const (
	CookieAccess   = "accessToken"
	CookieRefresh  = "refreshToken"
	CookieIdentity = "idToken"
)

// Lifetimes applied when the identity API does not state one.
const (
	DefaultAccessLifetime   = time.Hour
	DefaultIdentityLifetime = time.Hour
	DefaultRefreshLifetime  = 30 * 24 * time.Hour
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("credentials.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("credentials.empty_database_url")
	errEmptyCookieURL      = errors.New("credentials.empty_cookie_url")
	errSQLiteEmptyPath     = errors.New("credentials.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("credentials.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("credentials.unsupported_no_scheme")
)

// Artifact is one opaque credential with its expiry. A zero ExpiresAt never expires.
type Artifact struct {
	Value     string
	ExpiresAt time.Time
}

// Present reports whether the artifact holds a value that has not expired at now.
func (artifact Artifact) Present(now time.Time) bool {
	if artifact.Value == "" {
		return false
	}
	return artifact.ExpiresAt.IsZero() || now.Before(artifact.ExpiresAt)
}

func (artifact Artifact) withDefault(now time.Time, lifetime time.Duration) Artifact {
	if artifact.Value != "" && artifact.ExpiresAt.IsZero() {
		artifact.ExpiresAt = now.Add(lifetime)
	}
	return artifact
}

// Set groups the three artifacts of a session.
type Set struct {
	Access   Artifact
	Refresh  Artifact
	Identity Artifact
}

// IsZero reports whether the set carries no artifact at all.
func (set Set) IsZero() bool {
	return set.Access.Value == "" && set.Refresh.Value == "" && set.Identity.Value == ""
}

// Merge returns set with every non-empty artifact of update replacing its counterpart.
func (set Set) Merge(update Set) Set {
	if update.Access.Value != "" {
		set.Access = update.Access
	}
	if update.Refresh.Value != "" {
		set.Refresh = update.Refresh
	}
	if update.Identity.Value != "" {
		set.Identity = update.Identity
	}
	return set
}

// Live drops the artifacts that have expired at now.
func (set Set) Live(now time.Time) Set {
	if !set.Access.Present(now) {
		set.Access = Artifact{}
	}
	if !set.Refresh.Present(now) {
		set.Refresh = Artifact{}
	}
	if !set.Identity.Present(now) {
		set.Identity = Artifact{}
	}
	return set
}

// WithDefaults fills missing expiries with the default lifetimes counted from now.
func (set Set) WithDefaults(now time.Time) Set {
	set.Access = set.Access.withDefault(now, DefaultAccessLifetime)
	set.Refresh = set.Refresh.withDefault(now, DefaultRefreshLifetime)
	set.Identity = set.Identity.withDefault(now, DefaultIdentityLifetime)
	return set
}

// Presence answers existence questions without exposing artifact values.
type Presence interface {
	HasAccess(ctx context.Context) bool
	HasRefresh(ctx context.Context) bool
	AccessExpiresAt(ctx context.Context) (time.Time, bool)
}

// Writer mutates the stored artifacts.
type Writer interface {
	Presence
	Save(ctx context.Context, set Set) error
	Merge(ctx context.Context, set Set) error
	Clear(ctx context.Context) error
}

// Store additionally exposes artifact values. Only the transport reads them.
type Store interface {
	Writer
	Load(ctx context.Context) (Set, error)
}

type loader interface {
	Load(ctx context.Context) (Set, error)
}

func hasAccess(ctx context.Context, source loader) bool {
	set, err := source.Load(ctx)
	return err == nil && set.Access.Value != ""
}

func hasRefresh(ctx context.Context, source loader) bool {
	set, err := source.Load(ctx)
	return err == nil && set.Refresh.Value != ""
}

func accessExpiresAt(ctx context.Context, source loader) (time.Time, bool) {
	set, err := source.Load(ctx)
	if err != nil || set.Access.Value == "" || set.Access.ExpiresAt.IsZero() {
		return time.Time{}, false
	}
	return set.Access.ExpiresAt, true
}
