// Package database opens the durable store and owns its schema.
package database

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects to Postgres, migrates the schema and seeds the tier
// catalog when it is empty.
func Open(dsn string, log zerolog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	if err := SeedTiers(db); err != nil {
		return nil, fmt.Errorf("failed to seed tiers: %w", err)
	}

	log.Info().Msg("Database connected and migrated")
	return db, nil
}

// SeedTiers inserts the tier catalog if no tiers exist yet. Tiers are
// immutable config and never mutated at runtime.
func SeedTiers(db *gorm.DB) error {
	var count int64
	if err := db.Model(&Tier{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	tiers := []Tier{
		{
			ID:                    "starter",
			Name:                  "Starter",
			PriceCents:            9900,
			StartingBalance:       25000,
			MaxDrawdown:           0.25,
			MinTrades:             5,
			MaxRiskPerTrade:       0.15,
			ProfitSplit:           0.75,
			FundedMaxDrawdown:     0.15,
			FundedMaxRiskPerTrade: 0.05,
		},
		{
			ID:                    "standard",
			Name:                  "Standard",
			PriceCents:            24900,
			StartingBalance:       50000,
			MaxDrawdown:           0.2,
			MinTrades:             10,
			MaxRiskPerTrade:       0.1,
			ProfitSplit:           0.8,
			FundedMaxDrawdown:     0.12,
			FundedMaxRiskPerTrade: 0.05,
		},
		{
			ID:                    "pro",
			Name:                  "Pro",
			PriceCents:            49900,
			StartingBalance:       100000,
			MaxDrawdown:           0.15,
			MinTrades:             15,
			MaxRiskPerTrade:       0.08,
			ProfitSplit:           0.85,
			FundedMaxDrawdown:     0.1,
			FundedMaxRiskPerTrade: 0.05,
		},
	}

	return db.Create(&tiers).Error
}
