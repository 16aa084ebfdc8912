// Package identitytoken reads the claims carried by identity and access artifacts.
//
// Clients use Decode to project an identity artifact onto a Profile without holding the
// signing key. Services holding the key use Validator to authenticate artifacts presented
// as cookies or bearer headers.
package identitytoken

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Token use markers stored in the token_use claim.
const (
	UseAccess   = "access"
	UseIdentity = "id"
)

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "identity_claims"

// DefaultCookieName is used when Config.CookieName is empty.
const DefaultCookieName = "accessToken"

// Sentinel errors exposed by the package.
var (
	ErrMissingSigningKey = errors.New("identity_token.missing_signing_key")
	ErrMissingIssuer     = errors.New("identity_token.missing_issuer")
	ErrMissingToken      = errors.New("identity_token.missing_token")
	ErrMalformedToken    = errors.New("identity_token.malformed")
	ErrInvalidToken      = errors.New("identity_token.invalid_token")
	ErrInvalidIssuer     = errors.New("identity_token.invalid_issuer")
	ErrWrongUse          = errors.New("identity_token.wrong_use")
	ErrTokenExpired      = errors.New("identity_token.expired")
)

// Claims are the profile and registered claims embedded in issued artifacts.
type Claims struct {
	Email         string `json:"email,omitempty"`
	Name          string `json:"name,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	TokenUse      string `json:"token_use,omitempty"`
	jwt.RegisteredClaims
}

// Profile is the user projection shown by clients.
type Profile struct {
	Subject       string    `json:"sub"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	EmailVerified bool      `json:"email_verified"`
	ExpiresAt     time.Time `json:"-"`
}

// Profile projects the claims onto a Profile.
func (claims *Claims) Profile() *Profile {
	if claims == nil {
		return nil
	}
	profile := &Profile{
		Subject:       claims.Subject,
		Email:         claims.Email,
		Name:          claims.Name,
		EmailVerified: claims.EmailVerified,
	}
	if claims.ExpiresAt != nil {
		profile.ExpiresAt = claims.ExpiresAt.Time
	}
	return profile
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// Decode parses a token without verifying its signature. Only use it on artifacts the
// caller received directly from the identity API.
func Decode(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("identity_token.decode: %w", ErrMissingToken)
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("identity_token.decode: %w", ErrMalformedToken)
	}
	return claims, nil
}

// DecodeProfile decodes an identity artifact straight into a Profile.
func DecodeProfile(tokenString string) (*Profile, error) {
	claims, err := Decode(tokenString)
	if err != nil {
		return nil, err
	}
	return claims.Profile(), nil
}

// ExpiresAt returns the exp claim of a token, if any.
func ExpiresAt(tokenString string) (time.Time, bool) {
	claims, err := Decode(tokenString)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// Config configures the Validator.
type Config struct {
	SigningKey []byte
	Issuer     string
	CookieName string
	Clock      Clock
}

// Validator authenticates access artifacts issued with a shared HS256 key.
type Validator struct {
	signingKey []byte
	issuer     string
	cookieName string
	clock      Clock
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("identity_token.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("identity_token.new: %w", ErrMissingIssuer)
	}
	cookieName := configuration.CookieName
	if strings.TrimSpace(cookieName) == "" {
		cookieName = DefaultCookieName
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		signingKey: configuration.SigningKey,
		issuer:     configuration.Issuer,
		cookieName: cookieName,
		clock:      clock,
	}, nil
}

// ValidateToken verifies signature, issuer, use, and time claims.
func (validator *Validator) ValidateToken(tokenString string, expectedUse string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("identity_token.validate_token: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time {
		return validator.clock.Now()
	}))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("identity_token.validate_token: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("identity_token.validate_token: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok || !parsedToken.Valid {
		return nil, fmt.Errorf("identity_token.validate_token: %w", ErrInvalidToken)
	}
	if claims.Issuer != validator.issuer {
		return nil, fmt.Errorf("identity_token.validate_token: %w", ErrInvalidIssuer)
	}
	if expectedUse != "" && claims.TokenUse != expectedUse {
		return nil, fmt.Errorf("identity_token.validate_token: %w", ErrWrongUse)
	}
	return claims, nil
}

// ValidateRequest reads the access artifact from the configured cookie, falling back to a
// bearer Authorization header.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	tokenString := validator.extract(request)
	if tokenString == "" {
		return nil, fmt.Errorf("identity_token.validate_request: %w", ErrMissingToken)
	}
	return validator.ValidateToken(tokenString, UseAccess)
}

func (validator *Validator) extract(request *http.Request) string {
	if request == nil {
		return ""
	}
	if cookie, cookieErr := request.Cookie(validator.cookieName); cookieErr == nil && strings.TrimSpace(cookie.Value) != "" {
		return cookie.Value
	}
	header := request.Header.Get("Authorization")
	if scheme, value, found := strings.Cut(header, " "); found && strings.EqualFold(scheme, "bearer") {
		return strings.TrimSpace(value)
	}
	return ""
}

// GinMiddleware rejects requests without a valid access artifact and injects the claims.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}
