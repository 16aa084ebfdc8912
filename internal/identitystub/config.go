package identitystub

import (
	"net/http"
	"time"
)

// Delivery selects where issued artifacts are returned.
type Delivery string

const (
	// DeliverCookies sets httpOnly cookies.
	DeliverCookies Delivery = "cookie"
	// DeliverBody returns the artifacts in the JSON response.
	DeliverBody Delivery = "body"
)

// ServerConfig configures issuers, cookies, and TTLs.
type ServerConfig struct {
	SigningKey        []byte
	Issuer            string
	CookieDomain      string
	AccessTTL         time.Duration
	RefreshTTL        time.Duration
	CodeTTL           time.Duration
	SameSiteMode      http.SameSite
	AllowInsecureHTTP bool
	Delivery          Delivery
	// BotToken, when set, must accompany signup, signin, and forgot-password.
	BotToken string
	// ResendInterval throttles verification resends per email.
	ResendInterval time.Duration
	// GoogleClientID is the audience Google ID tokens must carry.
	GoogleClientID string
	NonceTTL       time.Duration
}

// DefaultServerConfig returns development defaults around signingKey.
func DefaultServerConfig(signingKey []byte) ServerConfig {
	return ServerConfig{
		SigningKey:     signingKey,
		Issuer:         "authsession-identityd",
		AccessTTL:      time.Hour,
		RefreshTTL:     30 * 24 * time.Hour,
		CodeTTL:        15 * time.Minute,
		SameSiteMode:   http.SameSiteStrictMode,
		Delivery:       DeliverCookies,
		ResendInterval: time.Minute,
		NonceTTL:       5 * time.Minute,
	}
}
