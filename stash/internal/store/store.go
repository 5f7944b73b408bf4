// Package store is the persistence layer: it creates one table per run,
// upserts the run's records into it, and keeps the append-only run_history
// audit table. It never retries; idempotence comes from the upsert.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/ghstash/dbopen"
	"github.com/hazyhaar/ghstash/stash/internal/tablename"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// DefaultAcquireTimeout bounds the wait for a pooled connection.
const DefaultAcquireTimeout = 5 * time.Second

// HistoryTable is the audit table name.
const HistoryTable = "run_history"

// Store runs every operation on a dedicated pooled connection.
type Store struct {
	db             *sql.DB
	dialect        Dialect
	prefix         string
	acquireTimeout time.Duration
	chunkSize      int
	logger         *slog.Logger
}

type config struct {
	prefix         string
	acquireTimeout time.Duration
	chunkSize      int
	logger         *slog.Logger
	dbopts         []dbopen.Option
}

// Option configures a Store.
type Option func(*config)

// WithPrefix sets the table-name prefix recognised by the store. Default: "repos".
func WithPrefix(p string) Option { return func(c *config) { c.prefix = p } }

// WithAcquireTimeout bounds the wait for a pooled connection. Default: 5s.
func WithAcquireTimeout(d time.Duration) Option {
	return func(c *config) { c.acquireTimeout = d }
}

// WithChunkSize sets how many rows go into one multi-row INSERT. Default: 100.
func WithChunkSize(n int) Option { return func(c *config) { c.chunkSize = n } }

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option { return func(c *config) { c.logger = l } }

// WithPool sets the pool limits used by Open.
func WithPool(maxOpen, maxIdle int, maxLifetime time.Duration) Option {
	return func(c *config) {
		c.dbopts = append(c.dbopts,
			dbopen.WithMaxOpenConns(maxOpen),
			dbopen.WithMaxIdleConns(maxIdle),
			dbopen.WithConnMaxLifetime(maxLifetime))
	}
}

// WithTrace logs every statement through package trace. The caller must
// import github.com/hazyhaar/ghstash/trace.
func WithTrace() Option {
	return func(c *config) { c.dbopts = append(c.dbopts, dbopen.WithTrace()) }
}

// WithDBOptions passes raw dbopen options to Open.
func WithDBOptions(opts ...dbopen.Option) Option {
	return func(c *config) { c.dbopts = append(c.dbopts, opts...) }
}

// Open opens the database named by dsn: postgres:// and postgresql:// URLs
// use PostgreSQL, anything else is an SQLite path.
func Open(dsn string, opts ...Option) (*Store, error) {
	var cfg config
	for _, o := range opts {
		o(&cfg)
	}

	var dialect Dialect = SQLiteDialect{}
	dbopts := cfg.dbopts
	if dbopen.KindOf(dsn) == dbopen.Postgres {
		dialect = PostgresDialect{}
	} else {
		dbopts = append([]dbopen.Option{dbopen.WithMkdirAll()}, dbopts...)
	}

	db, err := dbopen.Open(dsn, dbopts...)
	if err != nil {
		return nil, &DatabaseError{Op: "open", Cause: err}
	}
	s, err := New(db, dialect, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open pool and ensures the audit table exists.
func New(db *sql.DB, dialect Dialect, opts ...Option) (*Store, error) {
	cfg := config{
		prefix:         tablename.DefaultPrefix,
		acquireTimeout: DefaultAcquireTimeout,
		chunkSize:      100,
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.prefix == "" {
		cfg.prefix = tablename.DefaultPrefix
	}
	if !tablename.ValidPrefix(cfg.prefix) {
		return nil, fmt.Errorf("%w: %q", tablename.ErrInvalidPrefix, cfg.prefix)
	}
	if cfg.acquireTimeout <= 0 {
		cfg.acquireTimeout = DefaultAcquireTimeout
	}
	if cfg.chunkSize <= 0 {
		cfg.chunkSize = 100
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	s := &Store{
		db:             db,
		dialect:        dialect,
		prefix:         cfg.prefix,
		acquireTimeout: cfg.acquireTimeout,
		chunkSize:      cfg.chunkSize,
		logger:         cfg.logger,
	}
	if err := s.ensureHistory(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Dialect returns the SQL dialect in use.
func (s *Store) Dialect() Dialect { return s.dialect }

// Prefix returns the table-name prefix.
func (s *Store) Prefix() string { return s.prefix }

// Ping checks the database answers.
func (s *Store) Ping(ctx context.Context) error {
	conn, err := s.acquire(ctx, "ping")
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.PingContext(ctx); err != nil {
		return &DatabaseError{Op: "ping", Cause: err}
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// acquire takes a dedicated connection, waiting at most acquireTimeout.
// The caller must Close it.
func (s *Store) acquire(ctx context.Context, op string) (*sql.Conn, error) {
	actx, cancel := context.WithTimeout(ctx, s.acquireTimeout)
	defer cancel()
	conn, err := s.db.Conn(actx)
	if err != nil {
		return nil, &DatabaseError{Op: op + ": acquire connection", Cause: err}
	}
	return conn, nil
}

func (s *Store) ensureHistory(ctx context.Context) error {
	d := s.dialect
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id            TEXT PRIMARY KEY,
		search_query  TEXT NOT NULL,
		table_name    TEXT NOT NULL,
		result_count  %s NOT NULL DEFAULT 0,
		executed_at   %s NOT NULL,
		duration_ms   %s NOT NULL DEFAULT 0,
		success       %s NOT NULL,
		error_kind    TEXT,
		error_message TEXT
	)`, HistoryTable, d.BigInt(), d.BigInt(), d.BigInt(), d.Bool())

	conn, err := s.acquire(ctx, "ensure history")
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, stmt := range []string{
		ddl,
		`CREATE INDEX IF NOT EXISTS idx_run_history_executed_at ON run_history (executed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_run_history_table_name ON run_history (table_name)`,
	} {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return &DatabaseError{Op: "ensure history", Cause: err}
		}
	}
	return nil
}

func (s *Store) checkName(name string) error {
	if !tablename.Valid(s.prefix, name) {
		return fmt.Errorf("%w: %q", ErrInvalidTableName, name)
	}
	return nil
}

// tableExists runs on an already acquired connection.
func (s *Store) tableExists(ctx context.Context, conn *sql.Conn, name string) (bool, error) {
	var n int
	err := conn.QueryRowContext(ctx, s.dialect.Rebind(s.dialect.TableExistsQuery()), name).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
