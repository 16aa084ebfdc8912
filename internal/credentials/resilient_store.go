package credentials

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tyemirov/authsession/internal/clock"
)

// Resilient wraps a persistent store. The first storage failure is logged and every later
// operation is served from an in-memory shadow, so the session keeps working but does not
// survive a restart.
type Resilient struct {
	mutex    sync.Mutex
	primary  Store
	shadow   *MemoryStore
	degraded bool
	logger   *zap.Logger
}

// NewResilient wraps primary.
func NewResilient(primary Store, clk clock.Clock, logger *zap.Logger) *Resilient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resilient{
		primary: primary,
		shadow:  NewMemoryStore(clk),
		logger:  logger,
	}
}

// Degraded reports whether the store has fallen back to memory.
func (store *Resilient) Degraded() bool {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.degraded
}

// Close releases the primary backend when it holds resources.
func (store *Resilient) Close() error {
	if closer, ok := store.primary.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Load reads from the active backend.
func (store *Resilient) Load(ctx context.Context) (Set, error) {
	if primary := store.active(); primary != nil {
		set, err := primary.Load(ctx)
		if err == nil {
			return set, nil
		}
		store.degrade("load", err)
	}
	return store.shadow.Load(ctx)
}

// Save writes to the active backend.
func (store *Resilient) Save(ctx context.Context, set Set) error {
	if primary := store.active(); primary != nil {
		err := primary.Save(ctx, set)
		if err == nil {
			return nil
		}
		store.degrade("save", err)
	}
	return store.shadow.Save(ctx, set)
}

// Merge merges into the active backend.
func (store *Resilient) Merge(ctx context.Context, set Set) error {
	if primary := store.active(); primary != nil {
		err := primary.Merge(ctx, set)
		if err == nil {
			return nil
		}
		store.degrade("merge", err)
	}
	return store.shadow.Merge(ctx, set)
}

// Clear clears both backends.
func (store *Resilient) Clear(ctx context.Context) error {
	if primary := store.active(); primary != nil {
		if err := primary.Clear(ctx); err != nil {
			store.degrade("clear", err)
		}
	}
	return store.shadow.Clear(ctx)
}

// HasAccess reports whether a live access artifact exists.
func (store *Resilient) HasAccess(ctx context.Context) bool {
	return hasAccess(ctx, store)
}

// HasRefresh reports whether a live refresh artifact exists.
func (store *Resilient) HasRefresh(ctx context.Context) bool {
	return hasRefresh(ctx, store)
}

// AccessExpiresAt returns the expiry of the live access artifact.
func (store *Resilient) AccessExpiresAt(ctx context.Context) (time.Time, bool) {
	return accessExpiresAt(ctx, store)
}

func (store *Resilient) active() Store {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if store.degraded {
		return nil
	}
	return store.primary
}

func (store *Resilient) degrade(operation string, err error) {
	store.mutex.Lock()
	alreadyDegraded := store.degraded
	store.degraded = true
	store.mutex.Unlock()
	if alreadyDegraded {
		return
	}
	store.logger.Warn("credential storage unavailable, keeping credentials in memory",
		zap.String("code", "credentials.degraded"),
		zap.String("operation", operation),
		zap.Error(err),
	)
}
