package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/ghstash/dbopen"
	"github.com/hazyhaar/ghstash/kit"
	"github.com/hazyhaar/ghstash/stash/internal/repo"
)

type column struct {
	name string
	typ  func(Dialect) string
	null bool
}

func text(Dialect) string      { return "TEXT" }
func bigint(d Dialect) string  { return d.BigInt() }
func boolean(d Dialect) string { return d.Bool() }

// recordColumns lists the persisted columns of a record in insert order.
// github_id is the natural key.
var recordColumns = []column{
	{"github_id", bigint, false},
	{"full_name", text, false},
	{"name", text, false},
	{"description", text, true},
	{"html_url", text, false},
	{"clone_url", text, false},
	{"ssh_url", text, false},
	{"size", bigint, false},
	{"stargazers_count", bigint, false},
	{"watchers_count", bigint, false},
	{"forks_count", bigint, false},
	{"open_issues_count", bigint, false},
	{"language", text, true},
	{"default_branch", text, false},
	{"visibility", text, false},
	{"private", boolean, false},
	{"fork", boolean, false},
	{"archived", boolean, false},
	{"disabled", boolean, false},
	{"created_at", bigint, false},
	{"updated_at", bigint, false},
	{"pushed_at", bigint, true},
	{"owner_id", bigint, false},
	{"owner_login", text, false},
	{"owner_type", text, false},
	{"owner_avatar_url", text, false},
	{"owner_html_url", text, false},
	{"owner_site_admin", boolean, false},
	{"license_key", text, true},
	{"license_name", text, true},
	{"license_spdx_id", text, true},
	{"license_url", text, true},
	{"topics", text, false},
	{"has_issues", boolean, false},
	{"has_projects", boolean, false},
	{"has_wiki", boolean, false},
	{"has_pages", boolean, false},
	{"has_downloads", boolean, false},
}

var indexedColumns = []string{"github_id", "full_name", "language", "stargazers_count", "created_at", "owner_login"}

func createTableSQL(d Dialect, table string) []string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n\tid %s,\n", quoteIdent(table), d.IDColumn())
	for _, c := range recordColumns {
		fmt.Fprintf(&b, "\t%s %s", c.name, c.typ(d))
		if !c.null {
			b.WriteString(" NOT NULL")
		}
		if c.name == "github_id" {
			b.WriteString(" UNIQUE")
		}
		b.WriteString(",\n")
	}
	fmt.Fprintf(&b, "\tfetched_at %s NOT NULL DEFAULT %s\n)", d.BigInt(), d.NowEpoch())

	stmts := []string{b.String()}
	for _, col := range indexedColumns {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX %s ON %s (%s)",
			quoteIdent("idx_"+table+"_"+col), quoteIdent(table), col))
	}
	return stmts
}

// CreateTable creates the table for one run and its indexes in a single
// transaction. An existing table is an error, never reused.
func (s *Store) CreateTable(ctx context.Context, name string) error {
	if err := s.checkName(name); err != nil {
		return &TableCreationError{Table: name, Cause: err}
	}
	conn, err := s.acquire(ctx, "create table")
	if err != nil {
		return err
	}
	defer conn.Close()

	err = dbopen.RunTx(ctx, conn, func(tx *sql.Tx) error {
		for _, stmt := range createTableSQL(s.dialect, name) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if s.dialect.IsDuplicateTable(err) {
			err = fmt.Errorf("%w: %v", ErrTableExists, err)
		}
		return &TableCreationError{Table: name, Cause: err}
	}
	s.logger.InfoContext(ctx, "store: table created", "table", name, "run_id", kit.GetRunID(ctx))
	return nil
}

// Dedupe keeps one record per github_id, the last occurrence winning, in
// order of first appearance.
func Dedupe(records []repo.Record) []repo.Record {
	pos := make(map[int64]int, len(records))
	out := make([]repo.Record, 0, len(records))
	for _, r := range records {
		if i, ok := pos[r.ID]; ok {
			out[i] = r
			continue
		}
		pos[r.ID] = len(out)
		out = append(out, r)
	}
	return out
}

// InsertRecords upserts records into table keyed by github_id and returns
// the number of rows written. All records are validated before anything is
// written; the whole batch commits or none of it does. Re-inserting the same
// batch leaves the table unchanged.
func (s *Store) InsertRecords(ctx context.Context, table string, records []repo.Record) (int64, error) {
	if err := s.checkName(table); err != nil {
		return 0, err
	}
	records = Dedupe(records)
	for i, r := range records {
		if err := r.Validate(); err != nil {
			return 0, fmt.Errorf("store: record %d (%s): %w", i, r.FullName, err)
		}
	}
	if len(records) == 0 {
		return 0, nil
	}

	conn, err := s.acquire(ctx, "insert records")
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	var total int64
	err = dbopen.RunTx(ctx, conn, func(tx *sql.Tx) error {
		for start := 0; start < len(records); start += s.chunkSize {
			chunk := records[start:min(start+s.chunkSize, len(records))]
			query, args, err := s.upsertSQL(table, chunk)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	if err != nil {
		if s.dialect.IsUndefinedTable(err) {
			return 0, fmt.Errorf("%w: %s", ErrTableNotFound, table)
		}
		return 0, &DatabaseError{Op: "insert records", Cause: err}
	}

	s.logger.DebugContext(ctx, "store: records upserted",
		"table", table, "rows", total, "run_id", kit.GetRunID(ctx))
	return total, nil
}

func (s *Store) upsertSQL(table string, chunk []repo.Record) (string, []any, error) {
	names := make([]string, len(recordColumns))
	updates := make([]string, 0, len(recordColumns)-1)
	for i, c := range recordColumns {
		names[i] = c.name
		if c.name != "github_id" {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", c.name, c.name))
		}
	}
	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(recordColumns)), ", ") + ")"

	rows := make([]string, len(chunk))
	args := make([]any, 0, len(chunk)*len(recordColumns))
	for i, r := range chunk {
		rows[i] = row
		vals, err := recordArgs(r)
		if err != nil {
			return "", nil, err
		}
		args = append(args, vals...)
	}

	// fetched_at is refreshed so a re-fetch is visible.
	updates = append(updates, "fetched_at = "+s.dialect.NowEpoch())

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON CONFLICT (github_id) DO UPDATE SET %s",
		quoteIdent(table), strings.Join(names, ", "), strings.Join(rows, ", "), strings.Join(updates, ", "))
	return s.dialect.Rebind(query), args, nil
}

func recordArgs(r repo.Record) ([]any, error) {
	topics := r.Topics
	if topics == nil {
		topics = []string{}
	}
	topicsJSON, err := json.Marshal(topics)
	if err != nil {
		return nil, fmt.Errorf("store: encode topics: %w", err)
	}

	var licKey, licName, licSPDX, licURL any
	if r.License != nil {
		licKey, licName = r.License.Key, r.License.Name
		licSPDX, licURL = nullString(r.License.SPDXID), nullString(r.License.URL)
	}

	return []any{
		r.ID,
		r.FullName,
		r.Name,
		nullString(r.Description),
		r.HTMLURL,
		r.CloneURL,
		r.SSHURL,
		r.Size,
		r.StargazersCount,
		r.WatchersCount,
		r.ForksCount,
		r.OpenIssuesCount,
		nullString(r.Language),
		r.DefaultBranch,
		r.Visibility,
		r.Private,
		r.Fork,
		r.Archived,
		r.Disabled,
		r.CreatedAt.Unix(),
		r.UpdatedAt.Unix(),
		nullEpoch(r.PushedAt),
		r.Owner.ID,
		r.Owner.Login,
		r.Owner.Type,
		r.Owner.AvatarURL,
		r.Owner.HTMLURL,
		r.Owner.SiteAdmin,
		licKey,
		licName,
		licSPDX,
		licURL,
		string(topicsJSON),
		r.HasIssues,
		r.HasProjects,
		r.HasWiki,
		r.HasPages,
		r.HasDownloads,
	}, nil
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullEpoch(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
