// Command ghstash searches GitHub repositories and stores each result page in
// its own timestamped table, with an audit row per run.
//
// Usage:
//
//	ghstash "language:go stars:>1000"            # one run, page 1
//	ghstash -pages 3 -parallel 3 "topic:cli"     # pages 1-3 as three runs
//	ghstash -dry-run                             # check token and database
//	ghstash -history 10 -success-only            # latest successful runs
//	ghstash -tables                              # list run tables
//	ghstash -stats repos_20240115103000          # summarise a table
//	ghstash -drop repos_20240115103000           # drop a table
//	ghstash -mcp                                 # MCP server on stdio
//	ghstash -serve :8080                         # HTTP API
//
// The token comes from GITHUB_TOKEN or the config file; the database from
// DATABASE_URL, the config file, or ghstash.db.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/ghstash/shield"
	"github.com/hazyhaar/ghstash/stash"
	"github.com/hazyhaar/ghstash/trace"
)

var version = "dev"

type options struct {
	configPath   string
	logLevel     string
	perPage      int
	page         int
	pages        int
	parallel     int
	dryRun       bool
	history      int
	successOnly  bool
	tables       bool
	stats        string
	drop         string
	mcp          bool
	serve        string
	hashPassword string
	query        string
}

func main() {
	var o options
	flag.StringVar(&o.configPath, "config", "", "path to ghstash.yaml config file")
	flag.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")
	flag.IntVar(&o.perPage, "per-page", 0, "results per page, 1-100 (default from config, 30)")
	flag.IntVar(&o.page, "page", 1, "first page to fetch")
	flag.IntVar(&o.pages, "pages", 1, "number of pages to fetch, one run each")
	flag.IntVar(&o.parallel, "parallel", 1, "concurrent runs with -pages")
	flag.BoolVar(&o.dryRun, "dry-run", false, "check the token and the database, then exit")
	flag.IntVar(&o.history, "history", 0, "print the latest N runs and exit")
	flag.BoolVar(&o.successOnly, "success-only", false, "with -history, only successful runs")
	flag.BoolVar(&o.tables, "tables", false, "list run tables and exit")
	flag.StringVar(&o.stats, "stats", "", "print statistics for a run table and exit")
	flag.StringVar(&o.drop, "drop", "", "drop a run table and exit")
	flag.BoolVar(&o.mcp, "mcp", false, "serve MCP tools on stdio")
	flag.StringVar(&o.serve, "serve", "", "serve the HTTP API on this address")
	flag.StringVar(&o.hashPassword, "hash-password", "", "print the bcrypt hash of a password for http.password_hash and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	o.query = strings.TrimSpace(strings.Join(flag.Args(), " "))

	if *showVersion {
		fmt.Println("ghstash", version)
		return
	}
	if o.hashPassword != "" {
		h, err := shield.HashPassword(o.hashPassword)
		if err != nil {
			fmt.Fprintln(os.Stderr, "ghstash:", err)
			os.Exit(1)
		}
		fmt.Println(h)
		return
	}

	cfg, err := resolveConfig(o)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ghstash:", err)
		os.Exit(1)
	}
	level, _ := stash.ParseLevel(cfg.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	trace.SetLogger(logger.With("component", "sql"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg, o, os.Stdout); err != nil {
		logger.Error("ghstash: failed", "error_kind", stash.ErrorKind(err), "error", err)
		fmt.Fprintln(os.Stderr, "ghstash:", stash.Describe(err))
		os.Exit(1)
	}
}

func resolveConfig(o options) (*stash.Config, error) {
	cfg := stash.DefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = stash.LoadConfigFile(o.configPath); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.perPage > 0 {
		cfg.Search.PerPage = o.perPage
	}
	if o.serve != "" {
		cfg.HTTP.Addr = o.serve
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, logger *slog.Logger, cfg *stash.Config, o options, out io.Writer) error {
	svc, err := stash.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	switch {
	case o.dryRun:
		report, err := svc.DryRun(ctx)
		if encErr := writeJSON(out, report); encErr != nil {
			return encErr
		}
		return err

	case o.history > 0:
		runs, err := svc.History(ctx, o.history, o.successOnly)
		if err != nil {
			return err
		}
		if runs == nil {
			runs = []*stash.RunMetadata{}
		}
		return writeJSON(out, runs)

	case o.tables:
		tables, err := svc.Tables(ctx)
		if err != nil {
			return err
		}
		if tables == nil {
			tables = []stash.TableInfo{}
		}
		return writeJSON(out, tables)

	case o.stats != "":
		stats, err := svc.TableStats(ctx, o.stats)
		if err != nil {
			return err
		}
		return writeJSON(out, stats)

	case o.drop != "":
		if err := svc.DropTable(ctx, o.drop); err != nil {
			return err
		}
		return writeJSON(out, map[string]string{"status": "dropped", "table": o.drop})

	case o.mcp:
		srv := mcp.NewServer(&mcp.Implementation{Name: "ghstash", Version: version}, nil)
		svc.RegisterMCP(srv)
		logger.Info("ghstash: serving MCP on stdio")
		return srv.Run(ctx, &mcp.StdioTransport{})

	case cfg.HTTP.Addr != "":
		return serveHTTP(ctx, logger, svc, cfg.HTTP.Addr)
	}

	if o.query == "" {
		flag.Usage()
		return errors.New("a search query is required")
	}

	if o.pages <= 1 {
		res, err := svc.Run(ctx, stash.RunRequest{Query: o.query, PerPage: cfg.Search.PerPage, Page: o.page})
		if res != nil {
			if encErr := writeJSON(out, res); encErr != nil {
				return encErr
			}
		}
		return err
	}

	pages := make([]int, o.pages)
	for i := range pages {
		pages[i] = o.page + i
	}
	results, err := svc.RunPages(ctx, o.query, cfg.Search.PerPage, pages, o.parallel)
	if encErr := writeJSON(out, results); encErr != nil {
		return encErr
	}
	return err
}

func serveHTTP(ctx context.Context, logger *slog.Logger, svc *stash.Service, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ghstash: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("ghstash: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
