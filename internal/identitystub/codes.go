package identitystub

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tyemirov/authsession/internal/clock"
)

const codeDigits = 6

var codeSpace = big.NewInt(1_000_000)

type codeKey struct {
	purpose Purpose
	email   string
}

type codeEntry struct {
	code      string
	expiresAt time.Time
}

// MemoryCodeStore keeps one live code per email and purpose. Issuing again replaces the
// previous code.
type MemoryCodeStore struct {
	mutex   sync.Mutex
	entries map[codeKey]codeEntry
	ttl     time.Duration
	clock   clock.Clock
}

// NewMemoryCodeStore constructs a store whose codes live for ttl.
func NewMemoryCodeStore(ttl time.Duration, clk clock.Clock) *MemoryCodeStore {
	return &MemoryCodeStore{
		entries: make(map[codeKey]codeEntry),
		ttl:     ttl,
		clock:   clock.OrSystem(clk),
	}
}

// Issue creates a fresh code for email.
func (store *MemoryCodeStore) Issue(ctx context.Context, purpose Purpose, email string) (string, error) {
	value, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("codes.random: %w", err)
	}
	code := fmt.Sprintf("%0*d", codeDigits, value.Int64())
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[codeKey{purpose: purpose, email: normalizeEmail(email)}] = codeEntry{
		code:      code,
		expiresAt: store.clock.Now().Add(store.ttl),
	}
	return code, nil
}

// Consume checks code and invalidates it on success. A mismatch keeps the code usable.
func (store *MemoryCodeStore) Consume(ctx context.Context, purpose Purpose, email string, code string) error {
	key := codeKey{purpose: purpose, email: normalizeEmail(email)}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry, ok := store.entries[key]
	if !ok {
		return ErrCodeNotFound
	}
	if store.clock.Now().After(entry.expiresAt) {
		delete(store.entries, key)
		return ErrCodeExpired
	}
	if subtle.ConstantTimeCompare([]byte(entry.code), []byte(code)) != 1 {
		return ErrCodeMismatch
	}
	delete(store.entries, key)
	return nil
}

func (store *MemoryCodeStore) purgeExpiredLocked() {
	now := store.clock.Now()
	for key, entry := range store.entries {
		if now.After(entry.expiresAt) {
			delete(store.entries, key)
		}
	}
}

// Mailbox is a CodeSink that remembers the last code delivered per email and purpose,
// optionally logging each delivery.
type Mailbox struct {
	mutex  sync.Mutex
	last   map[codeKey]string
	logger *zap.Logger
}

// NewMailbox constructs an empty Mailbox.
func NewMailbox(logger *zap.Logger) *Mailbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mailbox{last: make(map[codeKey]string), logger: logger}
}

// Deliver implements CodeSink.
func (mailbox *Mailbox) Deliver(ctx context.Context, purpose Purpose, email string, code string) {
	mailbox.mutex.Lock()
	mailbox.last[codeKey{purpose: purpose, email: normalizeEmail(email)}] = code
	mailbox.mutex.Unlock()
	mailbox.logger.Info("code delivered",
		zap.String("code", "identitystub.code_delivered"),
		zap.String("purpose", string(purpose)),
		zap.String("email", email),
		zap.String("one_time_code", code),
	)
}

// Last returns the most recent code delivered to email for purpose.
func (mailbox *Mailbox) Last(purpose Purpose, email string) (string, bool) {
	mailbox.mutex.Lock()
	defer mailbox.mutex.Unlock()
	code, ok := mailbox.last[codeKey{purpose: purpose, email: normalizeEmail(email)}]
	return code, ok
}
