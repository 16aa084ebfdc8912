package credentials

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/tyemirov/authsession/internal/clock"
)

// JarStore keeps artifacts as httpOnly cookies scoped to the identity API origin.
type JarStore struct {
	mutex    sync.Mutex
	jar      *cookiejar.Jar
	origin   *url.URL
	expiries map[string]time.Time
	clock    clock.Clock
}

// NewJarStore constructs a cookie store for the origin of cookieURL.
func NewJarStore(cookieURL string, clk clock.Clock) (*JarStore, error) {
	if strings.TrimSpace(cookieURL) == "" {
		return nil, fmt.Errorf("credentials.jar: %w", errEmptyCookieURL)
	}
	parsed, err := url.Parse(cookieURL)
	if err != nil {
		return nil, fmt.Errorf("credentials.jar.parse_url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("credentials.jar: %w", errUnsupportedNoScheme)
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("credentials.jar.new: %w", err)
	}
	return &JarStore{
		jar:      jar,
		origin:   &url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/"},
		expiries: make(map[string]time.Time),
		clock:    clock.OrSystem(clk),
	}, nil
}

// Load reads the cookies the jar would send to the identity API.
func (store *JarStore) Load(ctx context.Context) (Set, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var set Set
	for _, cookie := range store.jar.Cookies(store.origin) {
		artifact := Artifact{Value: cookie.Value, ExpiresAt: store.expiries[cookie.Name]}
		switch cookie.Name {
		case CookieAccess:
			set.Access = artifact
		case CookieRefresh:
			set.Refresh = artifact
		case CookieIdentity:
			set.Identity = artifact
		}
	}
	return set.Live(store.clock.Now()), nil
}

// Save replaces every cookie.
func (store *JarStore) Save(ctx context.Context, set Set) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.setLocked(CookieAccess, set.Access)
	store.setLocked(CookieRefresh, set.Refresh)
	store.setLocked(CookieIdentity, set.Identity)
	return nil
}

// Merge replaces the cookies whose artifact in set is non-empty.
func (store *JarStore) Merge(ctx context.Context, set Set) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if set.Access.Value != "" {
		store.setLocked(CookieAccess, set.Access)
	}
	if set.Refresh.Value != "" {
		store.setLocked(CookieRefresh, set.Refresh)
	}
	if set.Identity.Value != "" {
		store.setLocked(CookieIdentity, set.Identity)
	}
	return nil
}

// Clear expires every cookie.
func (store *JarStore) Clear(ctx context.Context) error {
	return store.Save(ctx, Set{})
}

// HasAccess reports whether a live access cookie exists.
func (store *JarStore) HasAccess(ctx context.Context) bool {
	return hasAccess(ctx, store)
}

// HasRefresh reports whether a live refresh cookie exists.
func (store *JarStore) HasRefresh(ctx context.Context) bool {
	return hasRefresh(ctx, store)
}

// AccessExpiresAt returns the expiry of the live access cookie.
func (store *JarStore) AccessExpiresAt(ctx context.Context) (time.Time, bool) {
	return accessExpiresAt(ctx, store)
}

func (store *JarStore) setLocked(name string, artifact Artifact) {
	cookie := &http.Cookie{
		Name:     name,
		Value:    artifact.Value,
		Path:     "/",
		HttpOnly: true,
		Secure:   store.origin.Scheme == "https",
		SameSite: http.SameSiteStrictMode,
	}
	now := store.clock.Now()
	switch {
	case !artifact.Present(now):
		cookie.Value = ""
		cookie.MaxAge = -1
		delete(store.expiries, name)
	case artifact.ExpiresAt.IsZero():
		delete(store.expiries, name)
	default:
		// The jar ages cookies on the wall clock, so the lifetime is handed over as Max-Age.
		cookie.MaxAge = int(math.Ceil(artifact.ExpiresAt.Sub(now).Seconds()))
		store.expiries[name] = artifact.ExpiresAt
	}
	store.jar.SetCookies(store.origin, []*http.Cookie{cookie})
}
