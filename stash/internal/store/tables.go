package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/ghstash/kit"
	"github.com/hazyhaar/ghstash/stash/internal/tablename"
)

// TableInfo names one run table.
type TableInfo struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// TableStats summarises the content of one run table.
type TableStats struct {
	Table             string     `json:"table"`
	TotalRecords      int64      `json:"total_records"`
	DistinctLanguages int64      `json:"distinct_languages"`
	DistinctOwners    int64      `json:"distinct_owners"`
	AvgStars          float64    `json:"avg_stars"`
	MaxStars          int64      `json:"max_stars"`
	AvgForks          float64    `json:"avg_forks"`
	MaxForks          int64      `json:"max_forks"`
	OldestCreated     *time.Time `json:"oldest_created,omitempty"`
	NewestCreated     *time.Time `json:"newest_created,omitempty"`
}

// ListTables returns the run tables, newest first.
func (s *Store) ListTables(ctx context.Context) ([]TableInfo, error) {
	conn, err := s.acquire(ctx, "list tables")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	like := strings.ReplaceAll(s.prefix, "_", `\_`) + `\_%`
	rows, err := conn.QueryContext(ctx, s.dialect.Rebind(s.dialect.ListTablesQuery()), like)
	if err != nil {
		return nil, &DatabaseError{Op: "list tables", Cause: err}
	}
	defer rows.Close()

	var out []TableInfo
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, &DatabaseError{Op: "list tables", Cause: err}
		}
		created, err := tablename.Parse(s.prefix, name)
		if err != nil {
			continue
		}
		out = append(out, TableInfo{Name: name, CreatedAt: created})
	}
	if err := rows.Err(); err != nil {
		return nil, &DatabaseError{Op: "list tables", Cause: err}
	}
	return out, nil
}

// TableExists reports whether the named run table exists.
func (s *Store) TableExists(ctx context.Context, name string) (bool, error) {
	if err := s.checkName(name); err != nil {
		return false, err
	}
	conn, err := s.acquire(ctx, "table exists")
	if err != nil {
		return false, err
	}
	defer conn.Close()

	ok, err := s.tableExists(ctx, conn, name)
	if err != nil {
		return false, &DatabaseError{Op: "table exists", Cause: err}
	}
	return ok, nil
}

// TableStats computes aggregate statistics of a run table.
func (s *Store) TableStats(ctx context.Context, name string) (*TableStats, error) {
	if err := s.checkName(name); err != nil {
		return nil, err
	}
	conn, err := s.acquire(ctx, "table stats")
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ok, err := s.tableExists(ctx, conn, name)
	if err != nil {
		return nil, &DatabaseError{Op: "table stats", Cause: err}
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}

	var (
		st                 = TableStats{Table: name}
		avgStars, avgForks sql.NullFloat64
		maxStars, maxForks sql.NullInt64
		oldest, newest     sql.NullInt64
	)
	err = conn.QueryRowContext(ctx, fmt.Sprintf(`SELECT
		COUNT(*),
		COUNT(DISTINCT language),
		COUNT(DISTINCT owner_login),
		CAST(AVG(stargazers_count) AS DOUBLE PRECISION),
		MAX(stargazers_count),
		CAST(AVG(forks_count) AS DOUBLE PRECISION),
		MAX(forks_count),
		MIN(created_at),
		MAX(created_at)
		FROM %s`, quoteIdent(name))).Scan(
		&st.TotalRecords, &st.DistinctLanguages, &st.DistinctOwners,
		&avgStars, &maxStars, &avgForks, &maxForks, &oldest, &newest)
	if err != nil {
		return nil, &DatabaseError{Op: "table stats", Cause: err}
	}
	st.AvgStars, st.MaxStars = avgStars.Float64, maxStars.Int64
	st.AvgForks, st.MaxForks = avgForks.Float64, maxForks.Int64
	if oldest.Valid {
		t := time.Unix(oldest.Int64, 0).UTC()
		st.OldestCreated = &t
	}
	if newest.Valid {
		t := time.Unix(newest.Int64, 0).UTC()
		st.NewestCreated = &t
	}
	return &st, nil
}

// DropTable removes a run table. The name is checked against the pattern
// before any SQL runs, so the audit table and foreign tables are out of reach.
func (s *Store) DropTable(ctx context.Context, name string) error {
	if err := s.checkName(name); err != nil {
		return err
	}
	conn, err := s.acquire(ctx, "drop table")
	if err != nil {
		return err
	}
	defer conn.Close()

	ok, err := s.tableExists(ctx, conn, name)
	if err != nil {
		return &DatabaseError{Op: "drop table", Cause: err}
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrTableNotFound, name)
	}
	if _, err := conn.ExecContext(ctx, "DROP TABLE "+quoteIdent(name)); err != nil {
		return &DatabaseError{Op: "drop table", Cause: err}
	}
	s.logger.InfoContext(ctx, "store: table dropped", "table", name, "run_id", kit.GetRunID(ctx))
	return nil
}
