package synckit

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
)

var (
	// ErrUnsupportedDialect indicates that no GORM dialector is available for the scheme.
	ErrUnsupportedDialect = errors.New("state_store.unsupported_dialect")

	errEmptyDatabaseURL    = errors.New("state_store.empty_database_url")
	errSQLiteEmptyPath     = errors.New("state_store.sqlite.empty_path")
	errSQLiteInvalidURL    = errors.New("state_store.sqlite.invalid_url")
	errUnsupportedNoScheme = errors.New("state_store.unsupported_no_scheme")
)

// DatabaseStateStore persists service state using GORM.
type DatabaseStateStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseStateStore) Driver() string {
	return store.driverLabel
}

type stateRecord struct {
	Key         string `gorm:"column:state_key;primaryKey"`
	Value       string `gorm:"column:state_value;not null"`
	UpdatedUnix int64  `gorm:"column:updated_unix;not null"`
}

func (stateRecord) TableName() string {
	return "sync_state"
}

// NewDatabaseStateStore constructs a GORM-backed store from a database URL
// (postgres:// or sqlite://).
func NewDatabaseStateStore(ctx context.Context, databaseURL string) (*DatabaseStateStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("state_store.open: %w", errEmptyDatabaseURL)
	}
	dialector, driverLabel, err := resolveDialector(databaseURL)
	if err != nil {
		return nil, err
	}
	gormDB, openErr := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if openErr != nil {
		return nil, fmt.Errorf("state_store.open.%s: %w", driverLabel, openErr)
	}
	if migrateErr := gormDB.WithContext(ctx).AutoMigrate(&stateRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("state_store.migrate.%s: %w", driverLabel, migrateErr)
	}
	return &DatabaseStateStore{
		db:          gormDB,
		driverLabel: driverLabel,
	}, nil
}

// Get returns the stored value for key.
func (store *DatabaseStateStore) Get(ctx context.Context, key string) (string, bool, error) {
	var record stateRecord
	err := store.db.WithContext(ctx).Where("state_key = ?", key).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("state_store.get.%s: %w", store.driverLabel, err)
	}
	return record.Value, true, nil
}

// Set upserts the value for key.
func (store *DatabaseStateStore) Set(ctx context.Context, key string, value string) error {
	record := stateRecord{
		Key:         key,
		Value:       value,
		UpdatedUnix: time.Now().UTC().Unix(),
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "state_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"state_value", "updated_unix"}),
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("state_store.set.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Delete removes the given keys; missing keys are not an error.
func (store *DatabaseStateStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	err := store.db.WithContext(ctx).Where("state_key IN ?", keys).Delete(&stateRecord{}).Error
	if err != nil {
		return fmt.Errorf("state_store.delete.%s: %w", store.driverLabel, err)
	}
	return nil
}

func resolveDialector(databaseURL string) (gorm.Dialector, string, error) {
	parsed, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("state_store.parse_url: %w", err)
	}
	if parsed.Scheme == "" {
		return nil, "", fmt.Errorf("state_store.dialect: %w", errUnsupportedNoScheme)
	}
	switch strings.ToLower(parsed.Scheme) {
	case "postgres", "postgresql":
		return postgres.Open(databaseURL), "postgres", nil
	case "sqlite", "sqlite3":
		dsn, dsnErr := buildSQLiteDSN(parsed)
		if dsnErr != nil {
			return nil, "", fmt.Errorf("state_store.sqlite: %w", dsnErr)
		}
		return sqliteDialector.Open(dsn), "sqlite", nil
	default:
		return nil, "", fmt.Errorf("state_store.dialect.%s: %w", strings.ToLower(parsed.Scheme), ErrUnsupportedDialect)
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
