// Package testutil holds test helpers with no domain dependencies, so any
// package's in-package tests can import it. Helpers that need the store
// schema live in testutil/dbtest.
package testutil

import (
	"sync"
	"testing"

	"github.com/kestlerbio/epilens/internal/platform/logger"
)

var (
	logOnce sync.Once
	logg    *logger.Logger
	logErr  error
)

func Logger(tb testing.TB) *logger.Logger {
	tb.Helper()
	logOnce.Do(func() {
		logg, logErr = logger.New("test")
	})
	if logErr != nil {
		tb.Fatalf("failed to init logger: %v", logErr)
	}
	return logg
}
