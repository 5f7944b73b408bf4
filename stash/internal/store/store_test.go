package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/ghstash/dbopen"
	"github.com/hazyhaar/ghstash/stash/internal/repo"

	_ "modernc.org/sqlite"
)

const table = "repos_20240115103000"

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t)
	s, err := New(db, SQLiteDialect{}, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func strp(s string) *string { return &s }

func record(id int64, owner, lang string, stars int64) repo.Record {
	created := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Hour)
	name := fmt.Sprintf("proj%d", id)
	r := repo.Record{
		ID:              id,
		FullName:        owner + "/" + name,
		Name:            name,
		HTMLURL:         "https://github.com/" + owner + "/" + name,
		CloneURL:        "https://github.com/" + owner + "/" + name + ".git",
		SSHURL:          "git@github.com:" + owner + "/" + name + ".git",
		StargazersCount: stars,
		ForksCount:      stars / 2,
		DefaultBranch:   "main",
		Visibility:      "public",
		CreatedAt:       created,
		UpdatedAt:       created.Add(time.Hour),
		Owner: repo.Owner{
			ID:        1,
			Login:     owner,
			Type:      "User",
			AvatarURL: "https://avatars.githubusercontent.com/u/1",
			HTMLURL:   "https://github.com/" + owner,
		},
		Topics: []string{"demo"},
	}
	if lang != "" {
		r.Language = strp(lang)
	}
	return r
}

func countRows(t *testing.T, s *Store, name string) int {
	t.Helper()
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM " + quoteIdent(name)).Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func TestNew_CreatesHistory(t *testing.T) {
	s := newTestStore(t)
	var n int
	s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='run_history'`).Scan(&n)
	if n != 1 {
		t.Fatal("run_history not created")
	}
	// A second store on the same pool must not fail on the existing table.
	if _, err := New(s.db, SQLiteDialect{}); err != nil {
		t.Fatal(err)
	}
}

func TestNew_InvalidPrefix(t *testing.T) {
	db := dbopen.OpenMemory(t)
	if _, err := New(db, SQLiteDialect{}, WithPrefix("Bad-Prefix")); err == nil {
		t.Fatal("expected error")
	}
}

func TestCreateTable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateTable(ctx, table); err != nil {
		t.Fatal(err)
	}

	var idx int
	s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND tbl_name=? AND name LIKE 'idx_%'`, table).Scan(&idx)
	if idx != len(indexedColumns) {
		t.Fatalf("indexes = %d, want %d", idx, len(indexedColumns))
	}
	ok, err := s.TableExists(ctx, table)
	if err != nil || !ok {
		t.Fatalf("TableExists = %v, %v", ok, err)
	}
}

func TestCreateTable_Collision(t *testing.T) {
	// WHAT: Creating an existing table fails instead of reusing it.
	// WHY: A run must own a fresh table; silent reuse would mix two runs.
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateTable(ctx, table); err != nil {
		t.Fatal(err)
	}
	err := s.CreateTable(ctx, table)
	var tce *TableCreationError
	if !errors.As(err, &tce) || !errors.Is(err, ErrTableExists) {
		t.Fatalf("expected TableCreationError wrapping ErrTableExists, got %v", err)
	}
}

func TestCreateTable_InvalidName(t *testing.T) {
	s := newTestStore(t)
	for _, name := range []string{"users", "repos_1", "repos_20240115103000; DROP TABLE run_history"} {
		err := s.CreateTable(context.Background(), name)
		var tce *TableCreationError
		if !errors.As(err, &tce) || !errors.Is(err, ErrInvalidTableName) {
			t.Fatalf("%q: got %v", name, err)
		}
	}
}

func TestInsertRecords_DuplicateKeys(t *testing.T) {
	// WHAT: A batch with a repeated github_id stores one row per distinct key, last value winning.
	// WHY: ON CONFLICT cannot touch the same row twice in one statement on PostgreSQL.
	s := newTestStore(t)
	ctx := context.Background()
	s.CreateTable(ctx, table)

	batch := []repo.Record{record(1, "octo", "Go", 10), record(2, "octo", "Go", 20), record(1, "octo", "Go", 99)}
	n, err := s.InsertRecords(ctx, table, batch)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("rows affected = %d, want 2", n)
	}
	if got := countRows(t, s, table); got != 2 {
		t.Fatalf("rows = %d, want 2", got)
	}
	var stars int64
	s.db.QueryRow(`SELECT stargazers_count FROM "` + table + `" WHERE github_id = 1`).Scan(&stars)
	if stars != 99 {
		t.Fatalf("stars = %d, want last occurrence 99", stars)
	}
}

func TestInsertRecords_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.CreateTable(ctx, table)

	batch := []repo.Record{record(1, "octo", "Go", 10), record(2, "hub", "Rust", 20)}
	for i := 0; i < 3; i++ {
		if _, err := s.InsertRecords(ctx, table, batch); err != nil {
			t.Fatal(err)
		}
	}
	if got := countRows(t, s, table); got != 2 {
		t.Fatalf("rows = %d, want 2", got)
	}
}

func TestInsertRecords_UpdatesExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.CreateTable(ctx, table)

	s.InsertRecords(ctx, table, []repo.Record{record(1, "octo", "Go", 10)})
	updated := record(1, "octo", "Zig", 11)
	if _, err := s.InsertRecords(ctx, table, []repo.Record{updated}); err != nil {
		t.Fatal(err)
	}
	var lang string
	var stars int64
	s.db.QueryRow(`SELECT language, stargazers_count FROM "`+table+`" WHERE github_id = 1`).Scan(&lang, &stars)
	if lang != "Zig" || stars != 11 {
		t.Fatalf("row = (%s, %d), want (Zig, 11)", lang, stars)
	}
}

func TestInsertRecords_InvalidRecordWritesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.CreateTable(ctx, table)

	bad := record(2, "octo", "Go", 5)
	bad.Visibility = "hidden"
	_, err := s.InsertRecords(ctx, table, []repo.Record{record(1, "octo", "Go", 10), bad})
	var ve *repo.ValidationError
	if !errors.As(err, &ve) || ve.Field != "visibility" {
		t.Fatalf("expected visibility ValidationError, got %v", err)
	}
	if got := countRows(t, s, table); got != 0 {
		t.Fatalf("rows = %d, want 0", got)
	}
}

func TestInsertRecords_Chunked(t *testing.T) {
	s := newTestStore(t, WithChunkSize(2))
	ctx := context.Background()
	s.CreateTable(ctx, table)

	var batch []repo.Record
	for i := int64(1); i <= 5; i++ {
		batch = append(batch, record(i, "octo", "Go", i))
	}
	n, err := s.InsertRecords(ctx, table, batch)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 || countRows(t, s, table) != 5 {
		t.Fatalf("rows affected = %d, stored = %d, want 5", n, countRows(t, s, table))
	}
}

func TestInsertRecords_EmptyBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.CreateTable(ctx, table)
	n, err := s.InsertRecords(ctx, table, nil)
	if err != nil || n != 0 {
		t.Fatalf("got %d, %v", n, err)
	}
}

func TestInsertRecords_MissingTable(t *testing.T) {
	s := newTestStore(t)
	_, err := s.InsertRecords(context.Background(), table, []repo.Record{record(1, "octo", "Go", 1)})
	if !errors.Is(err, ErrTableNotFound) {
		t.Fatalf("expected ErrTableNotFound, got %v", err)
	}
}

func TestInsertRecords_ColumnEncoding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.CreateTable(ctx, table)

	r := record(7, "octo", "", 3)
	pushed := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	r.PushedAt = &pushed
	r.Topics = []string{"cli", "go"}
	r.License = &repo.License{Key: "mit", Name: "MIT License"}
	r.Archived = true
	if _, err := s.InsertRecords(ctx, table, []repo.Record{r}); err != nil {
		t.Fatal(err)
	}

	var (
		topics     string
		pushedAt   int64
		archived   bool
		language   *string
		licKey     string
		fetchedAt  int64
		ownerLogin string
	)
	err := s.db.QueryRow(`SELECT topics, pushed_at, archived, language, license_key, fetched_at, owner_login
		FROM "`+table+`" WHERE github_id = 7`).Scan(&topics, &pushedAt, &archived, &language, &licKey, &fetchedAt, &ownerLogin)
	if err != nil {
		t.Fatal(err)
	}
	var decoded []string
	if err := json.Unmarshal([]byte(topics), &decoded); err != nil || len(decoded) != 2 {
		t.Fatalf("topics = %q", topics)
	}
	if pushedAt != pushed.Unix() || !archived || language != nil || licKey != "mit" || ownerLogin != "octo" {
		t.Fatalf("unexpected row: pushed=%d archived=%v language=%v license=%s", pushedAt, archived, language, licKey)
	}
	if fetchedAt == 0 {
		t.Fatal("fetched_at default not applied")
	}
}

func TestTableStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.CreateTable(ctx, table)
	s.InsertRecords(ctx, table, []repo.Record{
		record(1, "octo", "Go", 10),
		record(2, "octo", "Rust", 30),
		record(3, "hub", "Go", 20),
		record(4, "hub", "", 0),
	})

	st, err := s.TableStats(ctx, table)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalRecords != 4 || st.DistinctLanguages != 2 || st.DistinctOwners != 2 {
		t.Errorf("counts = %+v", st)
	}
	if st.AvgStars != 15 || st.MaxStars != 30 || st.MaxForks != 15 {
		t.Errorf("stars = avg %v max %d, forks max %d", st.AvgStars, st.MaxStars, st.MaxForks)
	}
	if st.OldestCreated == nil || st.NewestCreated == nil || !st.OldestCreated.Before(*st.NewestCreated) {
		t.Errorf("created range = %v .. %v", st.OldestCreated, st.NewestCreated)
	}
}

func TestTableStats_Empty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.CreateTable(ctx, table)
	st, err := s.TableStats(ctx, table)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalRecords != 0 || st.OldestCreated != nil {
		t.Fatalf("stats = %+v", st)
	}
}

func TestTableStats_Missing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.TableStats(context.Background(), table); !errors.Is(err, ErrTableNotFound) {
		t.Fatalf("expected ErrTableNotFound, got %v", err)
	}
	if _, err := s.TableStats(context.Background(), "run_history"); !errors.Is(err, ErrInvalidTableName) {
		t.Fatalf("expected ErrInvalidTableName, got %v", err)
	}
}

func TestListTables(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"repos_20240101000000", "repos_20240301000000", "repos_20240201000000"} {
		if err := s.CreateTable(ctx, name); err != nil {
			t.Fatal(err)
		}
	}
	s.db.Exec(`CREATE TABLE repos_notes (x TEXT)`)
	s.db.Exec(`CREATE TABLE reposx20240101000000 (x TEXT)`)

	tables, err := s.ListTables(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"repos_20240301000000", "repos_20240201000000", "repos_20240101000000"}
	if len(tables) != len(want) {
		t.Fatalf("tables = %+v", tables)
	}
	for i, w := range want {
		if tables[i].Name != w {
			t.Fatalf("tables[%d] = %s, want %s", i, tables[i].Name, w)
		}
	}
	if tables[0].CreatedAt.Month() != time.March {
		t.Errorf("CreatedAt = %s", tables[0].CreatedAt)
	}
}

func TestDropTable_RejectsBeforeDDL(t *testing.T) {
	// WHAT: Names outside the pattern are refused and nothing is dropped.
	// WHY: The audit table and unrelated tables must never be reachable by drop.
	s := newTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"run_history", "repos_20240115103000; DROP TABLE run_history", "sqlite_master", ""} {
		if err := s.DropTable(ctx, name); !errors.Is(err, ErrInvalidTableName) {
			t.Fatalf("%q: expected ErrInvalidTableName, got %v", name, err)
		}
	}
	var n int
	s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name='run_history'`).Scan(&n)
	if n != 1 {
		t.Fatal("run_history was dropped")
	}
}

func TestDropTable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.CreateTable(ctx, table)
	if err := s.DropTable(ctx, table); err != nil {
		t.Fatal(err)
	}
	if ok, _ := s.TableExists(ctx, table); ok {
		t.Fatal("table still exists")
	}
	if err := s.DropTable(ctx, table); !errors.Is(err, ErrTableNotFound) {
		t.Fatalf("expected ErrTableNotFound, got %v", err)
	}
}

func TestRunMetadata_SingleTransition(t *testing.T) {
	m := NewRunMetadata("id-1", "go", table, time.Now())
	if m.Terminal() {
		t.Fatal("new metadata should be pending")
	}
	m.MarkSuccess(5, time.Second)
	m.MarkFailure("network", "late failure", 2*time.Second)
	if !m.Success || m.ResultCount != 5 || m.ErrorKind != "" || m.Duration != time.Second {
		t.Fatalf("second transition was applied: %+v", m)
	}

	f := NewRunMetadata("id-2", "go", table, time.Now())
	f.MarkFailure("rate_limit", "slow down", time.Second)
	f.MarkSuccess(10, time.Second)
	if f.Success || f.ErrorKind != "rate_limit" {
		t.Fatalf("failure overwritten: %+v", f)
	}
}

func TestSaveRunMetadata_AppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	ok := NewRunMetadata("run-1", "language:go", "repos_20240115103000", base)
	ok.MarkSuccess(30, 1500*time.Millisecond)
	failed := NewRunMetadata("run-2", "language:go", "repos_20240115103002", base.Add(2*time.Second))
	failed.MarkFailure("rate_limit", "resets at 2024-01-15 11:00:00 UTC", 200*time.Millisecond)

	for _, m := range []*RunMetadata{ok, failed} {
		if err := s.SaveRunMetadata(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	// Saving the same run again is a new INSERT and collides on the key.
	var dbErr *DatabaseError
	if err := s.SaveRunMetadata(ctx, ok); !errors.As(err, &dbErr) {
		t.Fatalf("expected DatabaseError on duplicate id, got %v", err)
	}

	all, err := s.RunHistory(ctx, 10, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "run-2" || all[1].ID != "run-1" {
		t.Fatalf("history order = %v", all)
	}
	if all[0].Success || all[0].ErrorKind != "rate_limit" || all[0].Duration != 200*time.Millisecond {
		t.Errorf("failed row = %+v", all[0])
	}
	if all[1].ResultCount != 30 || !all[1].ExecutedAt.Equal(base) || !all[1].Terminal() {
		t.Errorf("success row = %+v", all[1])
	}

	succ, err := s.RunHistory(ctx, 10, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(succ) != 1 || succ[0].ID != "run-1" {
		t.Fatalf("success-only = %v", succ)
	}

	limited, _ := s.RunHistory(ctx, 1, false)
	if len(limited) != 1 {
		t.Fatalf("limit ignored: %d rows", len(limited))
	}
}

func TestSaveRunMetadata_Pending(t *testing.T) {
	s := newTestStore(t)
	m := NewRunMetadata("run-1", "go", table, time.Now())
	if err := s.SaveRunMetadata(context.Background(), m); !errors.Is(err, ErrNotTerminal) {
		t.Fatalf("expected ErrNotTerminal, got %v", err)
	}
}

func TestRunMetadata_JSON(t *testing.T) {
	m := NewRunMetadata("run-1", "go", table, time.Unix(0, 0))
	m.MarkSuccess(3, 1500*time.Millisecond)
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	json.Unmarshal(data, &got)
	if got["duration_ms"] != float64(1500) || got["result_count"] != float64(3) {
		t.Fatalf("json = %s", data)
	}
	if _, ok := got["error_kind"]; ok {
		t.Fatalf("empty error_kind should be omitted: %s", data)
	}
}

func TestAcquireTimeout(t *testing.T) {
	// WHAT: With the pool exhausted, an operation waits for the acquisition timeout and fails.
	// WHY: Pool starvation must surface as an error, not hang a run forever.
	s := newTestStore(t, WithAcquireTimeout(50*time.Millisecond))
	ctx := context.Background()

	held, err := s.db.Conn(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer held.Close()

	start := time.Now()
	err = s.Ping(ctx)
	var dbErr *DatabaseError
	if !errors.As(err, &dbErr) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DatabaseError wrapping DeadlineExceeded, got %v", err)
	}
	if waited := time.Since(start); waited < 40*time.Millisecond {
		t.Fatalf("returned after %s, should have waited", waited)
	}
}

func TestOpen_SQLiteFile(t *testing.T) {
	path := t.TempDir() + "/data/stash.db"
	s, err := Open("sqlite://"+path, WithPool(4, 2, time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.Dialect().Name() != "sqlite" {
		t.Fatalf("dialect = %s", s.Dialect().Name())
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestDedupe_PreservesFirstPosition(t *testing.T) {
	out := Dedupe([]repo.Record{record(3, "a", "", 1), record(1, "a", "", 1), record(3, "a", "", 9)})
	if len(out) != 2 || out[0].ID != 3 || out[0].StargazersCount != 9 || out[1].ID != 1 {
		t.Fatalf("dedupe = %+v", out)
	}
}

func TestPostgresRebind(t *testing.T) {
	got := PostgresDialect{}.Rebind(`SELECT * FROM t WHERE a = ? AND b = ? LIMIT ?`)
	want := `SELECT * FROM t WHERE a = $1 AND b = $2 LIMIT $3`
	if got != want {
		t.Fatalf("Rebind = %q", got)
	}
}

func TestCreateTableSQL_Postgres(t *testing.T) {
	stmts := createTableSQL(PostgresDialect{}, table)
	if len(stmts) != 1+len(indexedColumns) {
		t.Fatalf("statements = %d", len(stmts))
	}
	for _, want := range []string{"BIGSERIAL PRIMARY KEY", "github_id BIGINT NOT NULL UNIQUE", "private BOOLEAN NOT NULL", "EXTRACT(EPOCH FROM NOW())"} {
		if !strings.Contains(stmts[0], want) {
			t.Errorf("DDL lacks %q:\n%s", want, stmts[0])
		}
	}
	if strings.Contains(stmts[0], "IF NOT EXISTS") {
		t.Error("run tables must not be created with IF NOT EXISTS")
	}
}
