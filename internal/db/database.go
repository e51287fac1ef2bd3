package db

import (
	"fmt"
	"log"

	"yldr-backend/internal/config"
	"yldr-backend/internal/metrics"
	"yldr-backend/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the database and migrates the intent tables.
func Open(cfg *config.Config) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		SkipDefaultTransaction:                   true,
		PrepareStmt:                              true,
		Logger:                                   logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		metrics.DBConnectionStatus.Set(0)
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}
	metrics.DBConnectionStatus.Set(1)
	log.Println("✅ Database connected successfully")

	if err := Migrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}

// Migrate runs schema migration for every settlement model.
func Migrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&models.DepositIntent{},
		&models.WithdrawIntent{},
	); err != nil {
		return fmt.Errorf("auto migrate failed: %w", err)
	}
	log.Println("✅ Database schema migrated successfully")
	return nil
}
