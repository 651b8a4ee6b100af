package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/seatsync/internal/accounts"
	"github.com/MarcoPoloResearchLab/seatsync/internal/auditlog"
	"github.com/MarcoPoloResearchLab/seatsync/internal/cursors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBootstrapGlobalCursor = "2024-03-01_bootstrap_global_cursor"

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

func migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(&auditlog.Entry{}, &accounts.Account{}, &cursors.Cursor{}, &migrationRecord{}); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBootstrapGlobalCursor, apply: cursors.Bootstrap},
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
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}
