// Package dbtest opens the artifact store schema for integration tests. It
// imports the store package, so only tests outside the store's dependency
// chain may use it; everything else belongs in testutil.
package dbtest

import (
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/kestlerbio/epilens/internal/store"
)

var errMissingDSN = errors.New("missing TEST_STORE_DSN")

var (
	dbOnce sync.Once
	db     *gorm.DB
	dbErr  error
)

// DB opens TEST_STORE_DSN and migrates the schema. Postgres DSNs and sqlite
// paths both work; tests are skipped when the env is unset.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()

	dbOnce.Do(func() {
		dsn := os.Getenv("TEST_STORE_DSN")
		if dsn == "" {
			dbErr = errMissingDSN
			return
		}

		cfg := &gorm.Config{
			Logger: gormLogger.Default.LogMode(gormLogger.Silent),
		}
		var err error
		if strings.HasPrefix(dsn, "postgres://") || strings.Contains(dsn, "host=") {
			db, err = gorm.Open(postgres.Open(dsn), cfg)
		} else {
			db, err = gorm.Open(sqlite.Open(dsn), cfg)
		}
		if err != nil {
			dbErr = err
			return
		}

		if err := store.AutoMigrate(db); err != nil {
			dbErr = err
			return
		}
	})

	if errors.Is(dbErr, errMissingDSN) {
		tb.Skip("set TEST_STORE_DSN to run store integration tests")
	}
	if dbErr != nil {
		tb.Fatalf("failed to init test db: %v", dbErr)
	}
	return db
}

func Tx(tb testing.TB, db *gorm.DB) *gorm.DB {
	tb.Helper()
	tx := db.Begin()
	if tx.Error != nil {
		tb.Fatalf("begin tx: %v", tx.Error)
	}
	tb.Cleanup(func() {
		_ = tx.Rollback().Error
	})
	return tx
}
