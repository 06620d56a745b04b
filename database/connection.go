package database

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"opus-trader/config"
)

// Database wraps the gorm connection shared by all repositories.
type Database struct {
	db  *gorm.DB
	log zerolog.Logger
}

// Connect opens the Postgres connection, applies pool settings and runs
// schema migration. A nil error means the store is usable; services abort
// startup otherwise.
func Connect(cfg config.StoreConfig, log zerolog.Logger) (*Database, error) {
	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("unwrap sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.DBPoolSize + cfg.DBMaxOverflow)
	sqlDB.SetMaxIdleConns(cfg.DBPoolSize)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.DBPoolRecycle) * time.Second)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.DBPoolTimeout) * time.Second)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	d := &Database{db: db, log: log.With().Str("component", "database").Logger()}
	if err := d.migrate(); err != nil {
		return nil, err
	}
	return d, nil
}

// migrate creates tables and, best effort, the TimescaleDB hypertable and
// retention policy for candles. Hypertable setup failing (plain Postgres)
// only logs a warning.
func (d *Database) migrate() error {
	err := d.db.AutoMigrate(
		&CandleRow{},
		&TradeRow{},
		&PlaybookRow{},
		&ReflectionRow{},
		&ScreenerLogRow{},
		&ResearchCacheRow{},
		&RiskRejectionRow{},
		&PerformanceSnapshotRow{},
	)
	if err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	if err := d.db.Exec(
		"SELECT create_hypertable('candles', 'ts', if_not_exists => TRUE, migrate_data => TRUE)",
	).Error; err != nil {
		d.log.Warn().Err(err).Msg("hypertable setup skipped (timescaledb not available?)")
		return nil
	}
	if err := d.db.Exec(
		"SELECT add_retention_policy('candles', INTERVAL '6 months', if_not_exists => TRUE)",
	).Error; err != nil {
		d.log.Warn().Err(err).Msg("retention policy setup skipped")
	}
	return nil
}

// Close closes the underlying connection pool.
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
