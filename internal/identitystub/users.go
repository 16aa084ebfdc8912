package identitystub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// MemoryUsers is a user store used for local runs and tests.
type MemoryUsers struct {
	mutex   sync.RWMutex
	byEmail map[string]*User
	byID    map[string]*User
	cost    int
}

// NewMemoryUsers constructs an empty store. cost is the bcrypt cost; zero selects bcrypt.MinCost.
func NewMemoryUsers(cost int) *MemoryUsers {
	if cost <= 0 {
		cost = bcrypt.MinCost
	}
	return &MemoryUsers{
		byEmail: make(map[string]*User),
		byID:    make(map[string]*User),
		cost:    cost,
	}
}

// Create registers an unverified user.
func (store *MemoryUsers) Create(ctx context.Context, email string, name string, password string) (User, error) {
	key := normalizeEmail(email)
	hash, err := bcrypt.GenerateFromPassword([]byte(password), store.cost)
	if err != nil {
		return User{}, fmt.Errorf("users.hash: %w", err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.byEmail[key]; exists {
		return User{}, ErrUserExists
	}
	record := &User{
		ID:           uuid.NewString(),
		Email:        key,
		Name:         strings.TrimSpace(name),
		PasswordHash: hash,
	}
	store.byEmail[key] = record
	store.byID[record.ID] = record
	return *record, nil
}

// Authenticate checks the password of email.
func (store *MemoryUsers) Authenticate(ctx context.Context, email string, password string) (User, error) {
	record, err := store.FindByEmail(ctx, email)
	if err != nil {
		return User{}, err
	}
	if compareErr := bcrypt.CompareHashAndPassword(record.PasswordHash, []byte(password)); compareErr != nil {
		if errors.Is(compareErr, bcrypt.ErrMismatchedHashAndPassword) {
			return User{}, ErrInvalidPassword
		}
		return User{}, fmt.Errorf("users.compare: %w", compareErr)
	}
	return record, nil
}

// FindByEmail returns the user registered with email.
func (store *MemoryUsers) FindByEmail(ctx context.Context, email string) (User, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	record, ok := store.byEmail[normalizeEmail(email)]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return *record, nil
}

// Get returns a user by id.
func (store *MemoryUsers) Get(ctx context.Context, userID string) (User, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	record, ok := store.byID[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return *record, nil
}

// MarkVerified flags the email as confirmed.
func (store *MemoryUsers) MarkVerified(ctx context.Context, email string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.byEmail[normalizeEmail(email)]
	if !ok {
		return ErrUserNotFound
	}
	record.Verified = true
	return nil
}

// SetPassword replaces the password of email.
func (store *MemoryUsers) SetPassword(ctx context.Context, email string, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), store.cost)
	if err != nil {
		return fmt.Errorf("users.hash: %w", err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record, ok := store.byEmail[normalizeEmail(email)]
	if !ok {
		return ErrUserNotFound
	}
	record.PasswordHash = hash
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
