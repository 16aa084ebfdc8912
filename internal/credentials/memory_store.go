package credentials

import (
	"context"
	"sync"
	"time"

	"github.com/tyemirov/authsession/internal/clock"
)

// MemoryStore keeps artifacts for the lifetime of the process.
type MemoryStore struct {
	mutex sync.RWMutex
	set   Set
	clock clock.Clock
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{clock: clock.OrSystem(clk)}
}

// Load returns the artifacts that have not expired.
func (store *MemoryStore) Load(ctx context.Context) (Set, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return store.set.Live(store.clock.Now()), nil
}

// Save replaces every artifact.
func (store *MemoryStore) Save(ctx context.Context, set Set) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.set = set
	return nil
}

// Merge replaces the non-empty artifacts of set.
func (store *MemoryStore) Merge(ctx context.Context, set Set) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.set = store.set.Merge(set)
	return nil
}

// Clear deletes every artifact.
func (store *MemoryStore) Clear(ctx context.Context) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.set = Set{}
	return nil
}

// HasAccess reports whether a live access artifact exists.
func (store *MemoryStore) HasAccess(ctx context.Context) bool {
	return hasAccess(ctx, store)
}

// HasRefresh reports whether a live refresh artifact exists.
func (store *MemoryStore) HasRefresh(ctx context.Context) bool {
	return hasRefresh(ctx, store)
}

// AccessExpiresAt returns the expiry of the live access artifact.
func (store *MemoryStore) AccessExpiresAt(ctx context.Context) (time.Time, bool) {
	return accessExpiresAt(ctx, store)
}
