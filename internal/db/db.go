package db

import (
	"fmt"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Agentic-Person/whop-chronos-sub007/internal/chat"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/costs"
	applog "github.com/Agentic-Person/whop-chronos-sub007/internal/logger"
	"github.com/Agentic-Person/whop-chronos-sub007/internal/retrieval"
)

const connectRetries = 5

// Connect opens the relational store. "sqlite" is meant for local development;
// anything else is treated as MySQL.
func Connect(driver, dsn, env string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case "sqlite":
		dialector = gormsqlite.Open(dsn)
	case "", "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported DB_DRIVER=%q", driver)
	}

	gormLogger := logger.Default.LogMode(logger.Silent)
	if strings.EqualFold(env, "development") {
		gormLogger = logger.Default.LogMode(logger.Warn)
	}

	var (
		gdb     *gorm.DB
		err     error
		backoff = time.Second
	)
	for attempt := 1; attempt <= connectRetries; attempt++ {
		gdb, err = gorm.Open(dialector, &gorm.Config{Logger: gormLogger})
		if err == nil {
			break
		}
		applog.Warn("db connect failed", "attempt", attempt, "err", err)
		time.Sleep(backoff)
		backoff *= 2
	}
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(25)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return gdb, nil
}

// Migrate creates the tables owned by this service. Videos and chunks are
// populated by the ingestion pipeline; they are migrated here so dev and test
// databases have the same shape.
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&chat.Session{},
		&chat.Message{},
		&costs.Tenant{},
		&costs.LedgerEntry{},
		&retrieval.Video{},
		&retrieval.Chunk{},
	)
}
