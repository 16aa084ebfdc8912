package credentials

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/tyemirov/authsession/internal/clock"
)

// Options selects the credential backend.
type Options struct {
	// DatabaseURL selects a persistent store (sqlite:// or postgres://).
	DatabaseURL string
	// Profile names the persisted row.
	Profile string
	// CookieURL selects the cookie jar store scoped to that origin.
	CookieURL string
	Clock     clock.Clock
}

// Open picks a store for options. A database that cannot be opened degrades to memory.
func Open(ctx context.Context, options Options, logger *zap.Logger) Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(options.DatabaseURL) != "" {
		databaseStore, err := NewDatabaseStore(ctx, options.DatabaseURL, options.Profile, options.Clock)
		if err == nil {
			logger.Debug("credential store opened", zap.String("driver", databaseStore.Driver()))
			return NewResilient(databaseStore, options.Clock, logger)
		}
		logger.Warn("credential database unavailable, keeping credentials in memory",
			zap.String("code", "credentials.open_failed"),
			zap.Error(err),
		)
		return NewMemoryStore(options.Clock)
	}
	if strings.TrimSpace(options.CookieURL) != "" {
		jarStore, err := NewJarStore(options.CookieURL, options.Clock)
		if err == nil {
			return jarStore
		}
		logger.Warn("cookie store unavailable, keeping credentials in memory",
			zap.String("code", "credentials.jar_failed"),
			zap.Error(err),
		)
	}
	return NewMemoryStore(options.Clock)
}
