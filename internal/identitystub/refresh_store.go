package identitystub

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tyemirov/authsession/internal/clock"
)

const refreshOpaqueByteLength = 32

// MemoryRefreshTokenStore keeps hashed refresh tokens in memory. Each token records the
// token it replaced so a rotation chain can be followed.
type MemoryRefreshTokenStore struct {
	mutex  sync.Mutex
	clock  clock.Clock
	byID   map[string]*refreshRecord
	byHash map[string]string
}

type refreshRecord struct {
	tokenID         string
	userID          string
	expiresUnix     int64
	revokedAtUnix   int64
	previousTokenID string
	issuedAtUnix    int64
}

// NewMemoryRefreshTokenStore creates an empty store.
func NewMemoryRefreshTokenStore(clk clock.Clock) *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		clock:  clock.OrSystem(clk),
		byID:   make(map[string]*refreshRecord),
		byHash: make(map[string]string),
	}
}

// Issue creates a new token, optionally linked to the token it rotates.
func (store *MemoryRefreshTokenStore) Issue(ctx context.Context, userID string, expiresUnix int64, previousTokenID string) (string, string, error) {
	opaque, hashValue, err := generateRefreshOpaque()
	if err != nil {
		return "", "", err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record := &refreshRecord{
		tokenID:         uuid.NewString(),
		userID:          userID,
		expiresUnix:     expiresUnix,
		previousTokenID: previousTokenID,
		issuedAtUnix:    store.clock.Now().Unix(),
	}
	store.byID[record.tokenID] = record
	store.byHash[hashValue] = record.tokenID
	return record.tokenID, opaque, nil
}

// Validate resolves the opaque token to its user, token id, and expiry.
func (store *MemoryRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, int64, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return "", "", 0, ErrRefreshTokenEmptyOpaque
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	tokenID, ok := store.byHash[hashOpaque(tokenOpaque)]
	if !ok {
		return "", "", 0, ErrRefreshTokenNotFound
	}
	record := store.byID[tokenID]
	if record == nil {
		return "", "", 0, ErrRefreshTokenNotFound
	}
	if record.revokedAtUnix != 0 {
		return "", "", 0, ErrRefreshTokenRevoked
	}
	if record.expiresUnix <= store.clock.Now().Unix() {
		return "", "", 0, ErrRefreshTokenExpired
	}
	return record.userID, record.tokenID, record.expiresUnix, nil
}

// Revoke marks a token as revoked. Revoking twice is not an error.
func (store *MemoryRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record := store.byID[tokenID]
	if record == nil {
		return ErrRefreshTokenNotFound
	}
	if record.revokedAtUnix == 0 {
		record.revokedAtUnix = store.clock.Now().Unix()
	}
	return nil
}

// Previous returns the token id that tokenID replaced.
func (store *MemoryRefreshTokenStore) Previous(tokenID string) (string, bool) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record := store.byID[tokenID]
	if record == nil || record.previousTokenID == "" {
		return "", false
	}
	return record.previousTokenID, true
}

func generateRefreshOpaque() (string, string, error) {
	randomBytes := make([]byte, refreshOpaqueByteLength)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("refresh_store.random: %w", err)
	}
	opaque := base64.RawURLEncoding.EncodeToString(randomBytes)
	return opaque, hashOpaque(opaque), nil
}

func hashOpaque(opaque string) string {
	sum := sha256.Sum256([]byte(opaque))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
