package db

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/wuwenbin0122/chatrelay/internal/utils"
)

// NewGORM opens the gorm handle used by the user repository. It shares the
// database with the pgx pool but keeps its own small connection pool.
func NewGORM(cfg utils.PostgresConfig) (*gorm.DB, error) {
	dsn := cfg.BuildDSN()
	if dsn == "" {
		return nil, fmt.Errorf("gorm: postgres dsn is empty")
	}

	gormDB, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:               logger.Default.LogMode(logger.Silent),
		TranslateError:       true,
		DisableAutomaticPing: true,
	})
	if err != nil {
		return nil, fmt.Errorf("gorm: open connection: %w", err)
	}

	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm: get sql db: %w", err)
	}

	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(int(max(cfg.MaxConns/2, 2)))
	lifetime := cfg.MaxConnLifetime
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	sqlDB.SetConnMaxLifetime(lifetime)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("gorm: ping postgres: %w", err)
	}

	return gormDB, nil
}

// CloseGORM releases the underlying sql.DB.
func CloseGORM(gormDB *gorm.DB) error {
	if gormDB == nil {
		return nil
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
