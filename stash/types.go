package stash

import (
	"github.com/hazyhaar/ghstash/stash/internal/ghsearch"
	"github.com/hazyhaar/ghstash/stash/internal/repo"
	"github.com/hazyhaar/ghstash/stash/internal/store"
)

// Re-export internal types for the public API.
type (
	Record      = repo.Record
	RunMetadata = store.RunMetadata
	TableInfo   = store.TableInfo
	TableStats  = store.TableStats
	RateLimit   = ghsearch.RateLimit
	SearchPage  = ghsearch.SearchPage
)

// RunRequest describes one run: one page of one search. Page must be >= 1.
type RunRequest struct {
	Query   string `json:"query"`
	PerPage int    `json:"per_page,omitempty"`
	Page    int    `json:"page"`
}

// runArgs is a RunRequest as sent over HTTP or MCP, where an omitted page
// means the first one. An explicit page is passed through unchanged.
type runArgs struct {
	Query   string `json:"query"`
	PerPage int    `json:"per_page"`
	Page    *int   `json:"page"`
}

func (a runArgs) request() RunRequest {
	page := 1
	if a.Page != nil {
		page = *a.Page
	}
	return RunRequest{Query: a.Query, PerPage: a.PerPage, Page: page}
}

// RunResult is the outcome of a run. Error and ErrorKind are set when the
// run failed; the audit row is written either way.
type RunResult struct {
	RunID       string `json:"run_id"`
	Query       string `json:"query"`
	TableName   string `json:"table_name"`
	RecordCount int64  `json:"record_count"`
	TotalCount  int64  `json:"total_count"`
	Incomplete  bool   `json:"incomplete_results"`
	DurationMs  int64  `json:"duration_ms"`
	Error       string `json:"error,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
}

// DryRunReport is what DryRun checked.
type DryRunReport struct {
	CredentialOK bool       `json:"credential_ok"`
	DatabaseOK   bool       `json:"database_ok"`
	NextTable    string     `json:"next_table"`
	RateLimit    *RateLimit `json:"rate_limit,omitempty"`
}
