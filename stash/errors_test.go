package stash

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/hazyhaar/ghstash/stash/internal/ghsearch"
	"github.com/hazyhaar/ghstash/stash/internal/repo"
	"github.com/hazyhaar/ghstash/stash/internal/store"
)

func TestErrorKind(t *testing.T) {
	// WHAT: Every failure class maps to its audit kind, through wrapping.
	// WHY: run_history.error_kind is how operators triage failed runs.
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&ghsearch.AuthError{Status: 401}, KindAuthentication},
		{&ghsearch.QueryError{Query: "", Reason: "empty"}, KindInvalidQuery},
		{&ghsearch.RateLimitError{Status: 429}, KindRateLimit},
		{&ghsearch.ServerError{Status: 502}, KindServer},
		{&ghsearch.APIError{Status: 404}, KindServer},
		{&ghsearch.NetworkError{Op: "search", Cause: errors.New("refused")}, KindNetwork},
		{&ghsearch.ParseError{Detail: "bad json"}, KindParse},
		{fmt.Errorf("ghsearch: item 0 (a/b): %w", &repo.ValidationError{Field: "name", Reason: "is empty"}), KindValidation},
		{&store.TableCreationError{Table: "repos_20240115103000", Cause: store.ErrTableExists}, KindTableCreation},
		{&store.TableCreationError{Table: "x", Cause: store.ErrInvalidTableName}, KindTableCreation},
		{&store.DatabaseError{Op: "insert records", Cause: errors.New("disk full")}, KindDatabase},
		{fmt.Errorf("%w: repos_1", store.ErrTableNotFound), KindDatabase},
		{store.ErrInvalidTableName, KindDatabase},
		{fmt.Errorf("%w: token missing", ErrInvalidConfig), KindValidation},
		{context.Canceled, KindNetwork},
		{errors.New("boom"), KindInternal},
	}
	for _, tc := range cases {
		if got := ErrorKind(tc.err); got != tc.want {
			t.Errorf("ErrorKind(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestDescribe_RateLimitReset(t *testing.T) {
	reset := time.Date(2024, 1, 15, 11, 0, 0, 0, time.UTC)
	msg := Describe(fmt.Errorf("run: %w", &ghsearch.RateLimitError{Status: 403, Reset: reset, Message: "API rate limit exceeded"}))
	if !strings.HasPrefix(msg, "rate_limit: ") {
		t.Errorf("msg = %q", msg)
	}
	if !strings.Contains(msg, "2024-01-15 11:00:00 UTC") {
		t.Errorf("reset missing from %q", msg)
	}
}

func TestDescribe(t *testing.T) {
	if Describe(nil) != "" {
		t.Error("nil error described")
	}
	msg := Describe(&ghsearch.AuthError{Status: 401, Message: "Bad credentials"})
	if !strings.HasPrefix(msg, "authentication: ") {
		t.Errorf("msg = %q", msg)
	}
}
