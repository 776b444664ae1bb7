package gorm

import (
	"fmt"

	"github.com/fish-not-phish/FnBox/internal/core/functions"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	gormdb "gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// New opens the postgres database and migrates the orchestration tables.
func New(dsn string, lg zerolog.Logger) (*gormdb.DB, error) {
	db, err := gormdb.Open(postgres.Open(dsn), &gormdb.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&functions.Function{},
		&functions.Invocation{},
		&functions.Trigger{},
		&functions.Depset{},
		&functions.DepsetPackage{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	lg.Info().Msg("database connected and migrated")
	return db, nil
}
