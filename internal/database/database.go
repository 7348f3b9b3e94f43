package database

import (
	"fmt"
	"strings"

	sqlite "github.com/glebarez/sqlite"
	"github.com/papermerge/papermerge-core-sub000/internal/audit"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the database driver and its location.
type Config struct {
	Driver string
	Path   string
	DSN    string
}

// Open connects to the configured database, installs the audit callbacks,
// migrates the provided models and runs pending data migrations.
func Open(cfg Config, logger *zap.Logger, models ...any) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	location := ""
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverSQLite, "":
		if cfg.Path == "" {
			return nil, fmt.Errorf("database path is required")
		}
		dialector = sqlite.Open(cfg.Path)
		location = cfg.Path
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		dialector = postgres.Open(cfg.DSN)
		location = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	if dialector.Name() == DriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := audit.Register(db, logger); err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(append(models, &migrationRecord{})...); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized",
		zap.String("driver", dialector.Name()),
		zap.String("location", location))

	return db, nil
}
