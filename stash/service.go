// Package stash runs GitHub repository searches and stores every result page
// in its own timestamped table, with an audit row per run in run_history.
//
// A Service is built from a Config with Open, or from explicit components
// with New. It is exposed on the command line (cmd/ghstash), over MCP
// (RegisterMCP) and over HTTP (RegisterHTTP).
package stash

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hazyhaar/ghstash/idgen"
	"github.com/hazyhaar/ghstash/kit"
	"github.com/hazyhaar/ghstash/stash/internal/ghsearch"
	"github.com/hazyhaar/ghstash/stash/internal/repo"
	"github.com/hazyhaar/ghstash/stash/internal/store"
	"github.com/hazyhaar/ghstash/stash/internal/tablename"
)

// metadataTimeout bounds the audit write, which runs even after the run's
// context is cancelled.
const metadataTimeout = 10 * time.Second

// Searcher is the GitHub side of a run.
type Searcher interface {
	Search(ctx context.Context, query string, perPage, page int) (*ghsearch.SearchPage, error)
	ValidateCredential(ctx context.Context) error
	RateLimitStatus(ctx context.Context) (*ghsearch.RateLimit, error)
}

// Store is the persistence side of a run.
type Store interface {
	CreateTable(ctx context.Context, name string) error
	InsertRecords(ctx context.Context, table string, records []repo.Record) (int64, error)
	SaveRunMetadata(ctx context.Context, m *store.RunMetadata) error
	RunHistory(ctx context.Context, limit int, successOnly bool) ([]*store.RunMetadata, error)
	ListTables(ctx context.Context) ([]store.TableInfo, error)
	TableStats(ctx context.Context, name string) (*store.TableStats, error)
	DropTable(ctx context.Context, name string) error
	Ping(ctx context.Context) error
	Close() error
}

// Service orchestrates runs.
type Service struct {
	cfg      *Config
	store    Store
	searcher Searcher
	logger   *slog.Logger
	namer    *tablename.Namer
	now      func() time.Time
	newID    idgen.Generator

	checkCredential bool
	credMu          sync.Mutex
	credOK          bool
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now for table names and durations.
func WithClock(fn func() time.Time) Option { return func(s *Service) { s.now = fn } }

// WithIDGenerator replaces the UUIDv7 run ID generator.
func WithIDGenerator(g idgen.Generator) Option { return func(s *Service) { s.newID = g } }

// WithoutCredentialCheck skips the GET /user check before the first run.
func WithoutCredentialCheck() Option { return func(s *Service) { s.checkCredential = false } }

// New assembles a Service. cfg may be nil for defaults.
func New(cfg *Config, st Store, searcher Searcher, logger *slog.Logger, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:             cfg,
		store:           st,
		searcher:        searcher,
		logger:          logger,
		now:             time.Now,
		newID:           idgen.Default,
		checkCredential: !cfg.GitHub.SkipCredentialCheck,
	}
	for _, o := range opts {
		o(s)
	}
	namer, err := tablename.NewNamer(cfg.Tables.Prefix, s.now)
	if err != nil {
		return nil, err
	}
	s.namer = namer
	return s, nil
}

// Open validates cfg and builds a Service on the real GitHub client and the
// database named by cfg.Database.DSN.
func Open(ctx context.Context, cfg *Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	clientOpts := []ghsearch.Option{
		ghsearch.WithBaseURL(cfg.GitHub.BaseURL),
		ghsearch.WithHTTPClient(&http.Client{Timeout: cfg.GitHub.Timeout}),
		ghsearch.WithPolicy(cfg.Retry),
		ghsearch.WithLogger(logger.With("component", "ghsearch")),
		ghsearch.WithUserAgent(cfg.GitHub.UserAgent),
		ghsearch.WithMaxQueryLength(cfg.GitHub.MaxQueryLength),
	}
	if cfg.GitHub.RateLimitHorizon > 0 {
		clientOpts = append(clientOpts, ghsearch.WithRateLimitHorizon(cfg.GitHub.RateLimitHorizon))
	}
	if n := cfg.GitHub.RequestsPerMinute; n > 0 {
		clientOpts = append(clientOpts, ghsearch.WithRequestRate(rate.Every(time.Minute/time.Duration(n)), 1))
	}
	client, err := ghsearch.New(cfg.GitHub.Token, clientOpts...)
	if err != nil {
		return nil, err
	}

	storeOpts := []store.Option{
		store.WithPrefix(cfg.Tables.Prefix),
		store.WithAcquireTimeout(cfg.Database.AcquireTimeout),
		store.WithLogger(logger.With("component", "store")),
		store.WithPool(cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime),
	}
	if cfg.Database.Trace {
		storeOpts = append(storeOpts, store.WithTrace())
	}
	st, err := store.Open(cfg.Database.DSN, storeOpts...)
	if err != nil {
		return nil, err
	}
	if err := st.Ping(ctx); err != nil {
		st.Close()
		return nil, err
	}

	svc, err := New(cfg, st, client, logger, opts...)
	if err != nil {
		st.Close()
		return nil, err
	}
	return svc, nil
}

// Close releases the store.
func (s *Service) Close() error { return s.store.Close() }

// Config returns the service configuration.
func (s *Service) Config() *Config { return s.cfg }

// Run fetches one page of a search, stores it in a fresh table and records
// the outcome in run_history. The audit row is written whether the run
// succeeds or not; on failure the returned RunResult carries the error kind
// and the error is returned as well.
func (s *Service) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	start := s.now()
	runID := s.newID()
	ctx = kit.WithRunID(ctx, runID)

	query := strings.TrimSpace(req.Query)
	perPage := req.PerPage
	if perPage <= 0 {
		perPage = s.cfg.Search.PerPage
	}
	page := req.Page

	table := s.namer.Next()
	meta := store.NewRunMetadata(runID, query, table, start)
	log := s.logger.With("run_id", runID, "table", table)
	log.Info("run started", "query", query, "page", page, "per_page", perPage)

	res := &RunResult{RunID: runID, Query: query, TableName: table}
	err := s.execute(ctx, res, query, perPage, page)

	elapsed := s.now().Sub(start)
	if elapsed < 0 {
		elapsed = 0
	}
	if err != nil {
		meta.MarkFailure(ErrorKind(err), err.Error(), elapsed)
	} else {
		meta.MarkSuccess(res.RecordCount, elapsed)
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metadataTimeout)
	defer cancel()
	if serr := s.store.SaveRunMetadata(saveCtx, meta); serr != nil {
		log.Error("save run metadata", "error", serr)
		if err == nil {
			err = serr
		}
	}

	res.DurationMs = elapsed.Milliseconds()
	if err != nil {
		res.Error = err.Error()
		res.ErrorKind = ErrorKind(err)
		log.Warn("run failed", "error_kind", res.ErrorKind, "error", err, "duration_ms", res.DurationMs)
		return res, err
	}
	log.Info("run completed", "records", res.RecordCount, "total_count", res.TotalCount, "duration_ms", res.DurationMs)
	return res, nil
}

func (s *Service) execute(ctx context.Context, res *RunResult, query string, perPage, page int) error {
	if page <= 0 {
		return &repo.ValidationError{Field: "page", Reason: "must be at least 1"}
	}
	if err := s.ensureCredential(ctx); err != nil {
		return err
	}
	result, err := s.searcher.Search(ctx, query, perPage, page)
	if err != nil {
		return err
	}
	res.TotalCount = result.TotalCount
	res.Incomplete = result.Incomplete

	if err := s.store.CreateTable(ctx, res.TableName); err != nil {
		return err
	}
	n, err := s.store.InsertRecords(ctx, res.TableName, result.Items)
	if err != nil {
		return err
	}
	res.RecordCount = n
	return nil
}

// ensureCredential checks the token once per Service. A failed check is
// retried on the next run.
func (s *Service) ensureCredential(ctx context.Context) error {
	if !s.checkCredential {
		return nil
	}
	s.credMu.Lock()
	defer s.credMu.Unlock()
	if s.credOK {
		return nil
	}
	if err := s.searcher.ValidateCredential(ctx); err != nil {
		return err
	}
	s.credOK = true
	return nil
}

// RunPages runs one independent run per page, at most parallel at a time.
// Every run gets its own table and audit row; a failed page does not stop
// the others. Results are in the order of pages; the error joins every
// failure.
func (s *Service) RunPages(ctx context.Context, query string, perPage int, pages []int, parallel int) ([]*RunResult, error) {
	if parallel <= 0 {
		parallel = 1
	}
	results := make([]*RunResult, len(pages))
	errs := make([]error, len(pages))

	var g errgroup.Group
	g.SetLimit(parallel)
	for i, page := range pages {
		g.Go(func() error {
			res, err := s.Run(ctx, RunRequest{Query: query, PerPage: perPage, Page: page})
			results[i] = res
			if err != nil {
				errs[i] = fmt.Errorf("page %d: %w", page, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results, errors.Join(errs...)
}

// DryRun checks the credential and the database without searching or
// writing anything.
func (s *Service) DryRun(ctx context.Context) (*DryRunReport, error) {
	report := &DryRunReport{
		NextTable: tablename.Format(s.namer.Prefix(), s.now()),
	}
	if err := s.store.Ping(ctx); err != nil {
		return report, err
	}
	report.DatabaseOK = true
	if err := s.searcher.ValidateCredential(ctx); err != nil {
		return report, err
	}
	report.CredentialOK = true
	if rl, err := s.searcher.RateLimitStatus(ctx); err == nil {
		report.RateLimit = rl
	} else {
		s.logger.Debug("dry run: rate limit status", "error", err)
	}
	return report, nil
}

// Tables lists run tables, newest first.
func (s *Service) Tables(ctx context.Context) ([]TableInfo, error) {
	return s.store.ListTables(ctx)
}

// TableStats summarises one run table.
func (s *Service) TableStats(ctx context.Context, name string) (*TableStats, error) {
	return s.store.TableStats(ctx, name)
}

// History returns the latest runs, newest first. limit <= 0 uses the
// store default.
func (s *Service) History(ctx context.Context, limit int, successOnly bool) ([]*RunMetadata, error) {
	return s.store.RunHistory(ctx, limit, successOnly)
}

// DropTable removes a run table. Audit rows that name it are kept.
func (s *Service) DropTable(ctx context.Context, name string) error {
	if err := s.store.DropTable(ctx, name); err != nil {
		return err
	}
	s.logger.Info("table dropped", "table", name)
	return nil
}

// RateLimit returns the current search quota.
func (s *Service) RateLimit(ctx context.Context) (*RateLimit, error) {
	return s.searcher.RateLimitStatus(ctx)
}
