package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/portal-bridge/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	slowQueryThreshold = 200 * time.Millisecond
	postgresMaxConns   = 10
)

// Open connects to the identity store named by url and migrates the schema.
// postgres:// and postgresql:// URLs use pgx; anything else is a SQLite path or DSN.
func Open(url string, logger *zap.Logger) (*gorm.DB, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("database url is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	isPostgres := strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://")
	dialector := sqlite.Open(url)
	if isPostgres {
		dialector = postgres.Open(url)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger: gormlogger.New(zap.NewStdLog(logger.Named("gorm")), gormlogger.Config{
			SlowThreshold:             slowQueryThreshold,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if isPostgres {
		sqlDB.SetMaxOpenConns(postgresMaxConns)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	} else {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("dialect", db.Dialector.Name()))
	return db, nil
}

// Migrate creates the identity tables and applies pending named migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(&users.InternalUser{}, &users.IdentityMapping{}, &migrationRecord{}); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
