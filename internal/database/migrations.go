package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/portal-bridge/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationTrimPortalUserEmail = "2025-06-01_trim_portal_user_email"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationTrimPortalUserEmail, apply: trimPortalUserEmail},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: time.Now().UTC().Unix()}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// trimPortalUserEmail strips whitespace that earlier writers stored around emails.
func trimPortalUserEmail(db *gorm.DB) error {
	return db.Model(&users.InternalUser{}).
		Where("portal_user_email <> TRIM(portal_user_email)").
		Update("portal_user_email", gorm.Expr("TRIM(portal_user_email)")).Error
}
