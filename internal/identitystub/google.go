package identitystub

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"google.golang.org/api/idtoken"

	"github.com/tyemirov/authsession/internal/clock"
)

const nonceBytes = 32

var googleIssuers = map[string]struct{}{
	"https://accounts.google.com": {},
	"accounts.google.com":         {},
}

// GoogleVerifier validates a Google ID token for audience. *idtoken.Validator satisfies it.
type GoogleVerifier interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

// NewGoogleVerifier returns a verifier backed by Google's published signing certificates.
func NewGoogleVerifier(ctx context.Context) (GoogleVerifier, error) {
	validator, err := idtoken.NewValidator(ctx)
	if err != nil {
		return nil, fmt.Errorf("identitystub.google.validator: %w", err)
	}
	return validator, nil
}

// MemoryNonceStore keeps issued nonces until they are consumed or expire.
type MemoryNonceStore struct {
	mutex   sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	clock   clock.Clock
}

// NewMemoryNonceStore constructs a store whose nonces live for ttl.
func NewMemoryNonceStore(ttl time.Duration, clk clock.Clock) *MemoryNonceStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &MemoryNonceStore{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		clock:   clock.OrSystem(clk),
	}
}

// Issue creates a random nonce.
func (store *MemoryNonceStore) Issue(ctx context.Context) (string, error) {
	buffer := make([]byte, nonceBytes)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("nonces.random: %w", err)
	}
	nonce := base64.RawURLEncoding.EncodeToString(buffer)
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[nonce] = store.clock.Now().Add(store.ttl)
	return nonce, nil
}

// Consume invalidates nonce. A nonce is accepted at most once.
func (store *MemoryNonceStore) Consume(ctx context.Context, nonce string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	expiresAt, ok := store.entries[nonce]
	if !ok {
		return ErrNonceNotFound
	}
	delete(store.entries, nonce)
	if store.clock.Now().After(expiresAt) {
		return ErrNonceExpired
	}
	return nil
}

func (store *MemoryNonceStore) purgeExpiredLocked() {
	now := store.clock.Now()
	for nonce, expiresAt := range store.entries {
		if now.After(expiresAt) {
			delete(store.entries, nonce)
		}
	}
}

type googlePayload struct {
	IDToken string `json:"googleIdToken"`
	Nonce   string `json:"nonce"`
}

// googleIdentity is the subset of Google ID token claims a session is built from.
type googleIdentity struct {
	subject  string
	email    string
	name     string
	verified bool
}

func (handlers *server) googleEnabled(contextGin *gin.Context) bool {
	if handlers.services.Google == nil || handlers.configuration.GoogleClientID == "" {
		abortWithError(contextGin, http.StatusNotFound, "Google sign-in is not configured")
		return false
	}
	return true
}

func (handlers *server) issueNonce(contextGin *gin.Context) {
	if !handlers.googleEnabled(contextGin) || !handlers.requireHTTPS(contextGin) {
		return
	}
	nonce, err := handlers.services.Nonces.Issue(contextGin)
	if err != nil {
		handlers.internalError(contextGin, "identitystub.nonce.issue", err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"nonce": nonce})
}

func (handlers *server) googleSignin(contextGin *gin.Context) {
	if !handlers.googleEnabled(contextGin) {
		return
	}
	var inbound googlePayload
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.IDToken) == "" || strings.TrimSpace(inbound.Nonce) == "" {
		abortWithError(contextGin, http.StatusBadRequest, "Google credential and nonce are required")
		return
	}
	if !handlers.requireHTTPS(contextGin) {
		return
	}
	if err := handlers.services.Nonces.Consume(contextGin, inbound.Nonce); err != nil {
		handlers.services.Metrics.Increment(MetricGoogleFailure)
		abortWithError(contextGin, http.StatusUnauthorized, "Sign-in request expired. Please try again.")
		return
	}
	payload, err := handlers.services.Google.Validate(contextGin, inbound.IDToken, handlers.configuration.GoogleClientID)
	if err != nil {
		handlers.services.Metrics.Increment(MetricGoogleFailure)
		abortWithError(contextGin, http.StatusUnauthorized, "Invalid Google credential")
		return
	}
	identity, claimErr := googleClaims(payload, inbound.Nonce)
	if claimErr != nil {
		handlers.services.Metrics.Increment(MetricGoogleFailure)
		handlers.services.Logger.Info("google credential rejected",
			zap.String("code", "identitystub.google.claims"),
			zap.Error(claimErr),
		)
		abortWithError(contextGin, http.StatusUnauthorized, "Invalid Google credential")
		return
	}
	user, err := handlers.googleUser(contextGin, identity)
	if err != nil {
		handlers.internalError(contextGin, "identitystub.google.user", err)
		return
	}
	response, ok := handlers.issueSession(contextGin, user, "")
	if !ok {
		return
	}
	handlers.services.Metrics.Increment(MetricGoogleSuccess)
	response["user"] = userPayload(user, handlers.services.Clock.Now(), handlers.configuration.AccessTTL)
	contextGin.JSON(http.StatusOK, response)
}

var (
	errGoogleIssuer     = errors.New("google.issuer")
	errGoogleNonce      = errors.New("google.nonce")
	errGoogleUnverified = errors.New("google.unverified")
)

func googleClaims(payload *idtoken.Payload, nonce string) (googleIdentity, error) {
	if payload == nil {
		return googleIdentity{}, errGoogleUnverified
	}
	issuer := payload.Issuer
	if issuer == "" {
		issuer, _ = payload.Claims["iss"].(string)
	}
	if _, ok := googleIssuers[issuer]; !ok {
		return googleIdentity{}, fmt.Errorf("%w: %q", errGoogleIssuer, issuer)
	}
	if claimed, _ := payload.Claims["nonce"].(string); claimed != nonce {
		return googleIdentity{}, errGoogleNonce
	}
	identity := googleIdentity{subject: payload.Subject}
	if identity.subject == "" {
		identity.subject, _ = payload.Claims["sub"].(string)
	}
	identity.email, _ = payload.Claims["email"].(string)
	identity.name, _ = payload.Claims["name"].(string)
	identity.verified, _ = payload.Claims["email_verified"].(bool)
	if identity.subject == "" || strings.TrimSpace(identity.email) == "" || !identity.verified {
		return googleIdentity{}, errGoogleUnverified
	}
	return identity, nil
}

// googleUser finds or registers the account for a verified Google identity. New accounts
// get an unusable random password; Google has already verified the email.
func (handlers *server) googleUser(ctx context.Context, identity googleIdentity) (User, error) {
	users := handlers.services.Users
	user, err := users.FindByEmail(ctx, identity.email)
	if errors.Is(err, ErrUserNotFound) {
		user, err = users.Create(ctx, identity.email, identity.name, rand.Text())
		if errors.Is(err, ErrUserExists) {
			user, err = users.FindByEmail(ctx, identity.email)
		}
	}
	if err != nil {
		return User{}, err
	}
	if user.Verified {
		return user, nil
	}
	if err := users.MarkVerified(ctx, user.Email); err != nil {
		return User{}, err
	}
	return users.Get(ctx, user.ID)
}
