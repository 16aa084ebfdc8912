package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	sqliteDialector "github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/tyemirov/authsession/internal/clock"
)

// DefaultProfile names the credential row used when no profile is configured.
const DefaultProfile = "default"

// DatabaseStore persists artifacts across process restarts using GORM.
type DatabaseStore struct {
	db          *gorm.DB
	driverLabel string
	profile     string
	clock       clock.Clock
}

type credentialRecord struct {
	Profile             string `gorm:"column:profile;primaryKey"`
	AccessToken         string `gorm:"column:access_token;not null;default:''"`
	AccessExpiresUnix   int64  `gorm:"column:access_expires_unix;not null;default:0"`
	RefreshToken        string `gorm:"column:refresh_token;not null;default:''"`
	RefreshExpiresUnix  int64  `gorm:"column:refresh_expires_unix;not null;default:0"`
	IdentityToken       string `gorm:"column:identity_token;not null;default:''"`
	IdentityExpiresUnix int64  `gorm:"column:identity_expires_unix;not null;default:0"`
	UpdatedUnix         int64  `gorm:"column:updated_unix;not null"`
}

func (credentialRecord) TableName() string {
	return "client_credentials"
}

// NewDatabaseStore opens databaseURL and migrates the credential table.
func NewDatabaseStore(ctx context.Context, databaseURL string, profile string, clk clock.Clock) (*DatabaseStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("credentials.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("credentials.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&credentialRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("credentials.migrate.%s: %w", driverLabel, migrateErr)
	}
	if strings.TrimSpace(profile) == "" {
		profile = DefaultProfile
	}
	return &DatabaseStore{
		db:          gormDB,
		driverLabel: driverLabel,
		profile:     profile,
		clock:       clock.OrSystem(clk),
	}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseStore) Driver() string {
	return store.driverLabel
}

// Load reads the live artifacts of the configured profile.
func (store *DatabaseStore) Load(ctx context.Context) (Set, error) {
	set, err := store.load(store.db.WithContext(ctx))
	if err != nil {
		return Set{}, fmt.Errorf("credentials.load.%s: %w", store.driverLabel, err)
	}
	return set.Live(store.clock.Now()), nil
}

// Save replaces every artifact of the configured profile.
func (store *DatabaseStore) Save(ctx context.Context, set Set) error {
	if err := store.upsert(store.db.WithContext(ctx), set); err != nil {
		return fmt.Errorf("credentials.save.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Merge replaces the non-empty artifacts of set inside one transaction.
func (store *DatabaseStore) Merge(ctx context.Context, set Set) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		current, loadErr := store.load(transaction)
		if loadErr != nil {
			return loadErr
		}
		return store.upsert(transaction, current.Merge(set))
	})
	if err != nil {
		return fmt.Errorf("credentials.merge.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Clear deletes the profile row. Clearing an absent row succeeds.
func (store *DatabaseStore) Clear(ctx context.Context) error {
	err := store.db.WithContext(ctx).Where("profile = ?", store.profile).Delete(&credentialRecord{}).Error
	if err != nil {
		return fmt.Errorf("credentials.clear.%s: %w", store.driverLabel, err)
	}
	return nil
}

// HasAccess reports whether a live access artifact is stored.
func (store *DatabaseStore) HasAccess(ctx context.Context) bool {
	return hasAccess(ctx, store)
}

// HasRefresh reports whether a live refresh artifact is stored.
func (store *DatabaseStore) HasRefresh(ctx context.Context) bool {
	return hasRefresh(ctx, store)
}

// AccessExpiresAt returns the expiry of the stored access artifact.
func (store *DatabaseStore) AccessExpiresAt(ctx context.Context) (time.Time, bool) {
	return accessExpiresAt(ctx, store)
}

// Close releases the underlying connection pool.
func (store *DatabaseStore) Close() error {
	sqlDB, err := store.db.DB()
	if err != nil {
		return fmt.Errorf("credentials.close.%s: %w", store.driverLabel, err)
	}
	return sqlDB.Close()
}

func (store *DatabaseStore) load(session *gorm.DB) (Set, error) {
	var record credentialRecord
	err := session.Where("profile = ?", store.profile).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Set{}, nil
	}
	if err != nil {
		return Set{}, err
	}
	return Set{
		Access:   Artifact{Value: record.AccessToken, ExpiresAt: timeFromUnix(record.AccessExpiresUnix)},
		Refresh:  Artifact{Value: record.RefreshToken, ExpiresAt: timeFromUnix(record.RefreshExpiresUnix)},
		Identity: Artifact{Value: record.IdentityToken, ExpiresAt: timeFromUnix(record.IdentityExpiresUnix)},
	}, nil
}

func (store *DatabaseStore) upsert(session *gorm.DB, set Set) error {
	record := credentialRecord{
		Profile:             store.profile,
		AccessToken:         set.Access.Value,
		AccessExpiresUnix:   unixOrZero(set.Access.ExpiresAt),
		RefreshToken:        set.Refresh.Value,
		RefreshExpiresUnix:  unixOrZero(set.Refresh.ExpiresAt),
		IdentityToken:       set.Identity.Value,
		IdentityExpiresUnix: unixOrZero(set.Identity.ExpiresAt),
		UpdatedUnix:         store.clock.Now().Unix(),
	}
	return session.Clauses(clause.OnConflict{UpdateAll: true}).Create(&record).Error
}

func unixOrZero(moment time.Time) int64 {
	if moment.IsZero() {
		return 0
	}
	return moment.Unix()
}

func timeFromUnix(seconds int64) time.Time {
	if seconds == 0 {
		return time.Time{}
	}
	return time.Unix(seconds, 0).UTC()
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("credentials.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("credentials.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("credentials.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("credentials.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
	}
}

func buildSQLiteDSN(parsed *url.URL) (string, error) {
	if parsed == nil {
		return "", errSQLiteInvalidURL
	}
	var builder strings.Builder
	switch {
	case parsed.Opaque != "":
		builder.WriteString(parsed.Opaque)
	case parsed.Host != "":
		builder.WriteString(parsed.Host)
		if parsed.Path != "" {
			if !strings.HasPrefix(parsed.Path, "/") {
				builder.WriteString("/")
			}
			builder.WriteString(parsed.Path)
		}
	default:
		builder.WriteString(parsed.Path)
	}
	if builder.Len() == 0 {
		return "", errSQLiteEmptyPath
	}
	if parsed.RawQuery != "" {
		builder.WriteString("?")
		builder.WriteString(parsed.RawQuery)
	}
	return builder.String(), nil
}
