// Package trace provides transparent SQL tracing for the store drivers.
//
// It registers "sqlite-trace" (wrapping modernc.org/sqlite) and "pgx-trace"
// (wrapping the pgx database/sql driver), intercepting every Exec and Query
// at the database/sql/driver level. No application code changes are needed
// beyond switching the driver name, which dbopen.WithTrace does:
//
//	import _ "github.com/hazyhaar/ghstash/trace"
//
//	db, _ := dbopen.Open(dsn, dbopen.WithTrace())
//
// Every statement is logged via slog with adaptive levels (Debug, Warn when
// slower than SlowThreshold, Error on failure). The run ID is read from the
// context via kit.GetRunID so SQL lines correlate with the run that issued
// them.
package trace

import (
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	sqlite "modernc.org/sqlite"
)

// SlowThreshold is the duration above which a successful statement is
// logged at Warn.
const SlowThreshold = 100 * time.Millisecond

var (
	logger   *slog.Logger
	loggerMu sync.RWMutex
)

// SetLogger routes trace lines to l. Pass nil to fall back to slog.Default().
func SetLogger(l *slog.Logger) {
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

func getLogger() *slog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if logger == nil {
		return slog.Default()
	}
	return logger
}

func init() {
	sql.Register("sqlite-trace", &TracingDriver{Driver: &sqlite.Driver{}})
	sql.Register("pgx-trace", &TracingDriver{Driver: stdlib.GetDefaultDriver()})
}
