package stash

import (
	"context"
	"errors"
	"fmt"

	"github.com/hazyhaar/ghstash/stash/internal/ghsearch"
	"github.com/hazyhaar/ghstash/stash/internal/repo"
	"github.com/hazyhaar/ghstash/stash/internal/store"
)

// Error kinds recorded in run_history.error_kind.
const (
	KindAuthentication = "authentication"
	KindInvalidQuery   = "invalid_query"
	KindRateLimit      = "rate_limit"
	KindServer         = "server"
	KindNetwork        = "network"
	KindParse          = "parse"
	KindValidation     = "validation"
	KindTableCreation  = "table_creation"
	KindDatabase       = "database"
	KindInternal       = "internal"
)

// ErrorKind classifies err into one of the Kind constants. It returns ""
// for a nil error.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var (
		authErr   *ghsearch.AuthError
		queryErr  *ghsearch.QueryError
		rateErr   *ghsearch.RateLimitError
		serverErr *ghsearch.ServerError
		apiErr    *ghsearch.APIError
		netErr    *ghsearch.NetworkError
		parseErr  *ghsearch.ParseError
		valErr    *repo.ValidationError
		tableErr  *store.TableCreationError
		dbErr     *store.DatabaseError
	)
	switch {
	case errors.As(err, &authErr):
		return KindAuthentication
	case errors.As(err, &queryErr):
		return KindInvalidQuery
	case errors.As(err, &rateErr):
		return KindRateLimit
	case errors.As(err, &serverErr), errors.As(err, &apiErr):
		return KindServer
	case errors.As(err, &netErr):
		return KindNetwork
	case errors.As(err, &parseErr):
		return KindParse
	case errors.As(err, &tableErr):
		return KindTableCreation
	case errors.As(err, &valErr), errors.Is(err, ErrInvalidConfig):
		return KindValidation
	case errors.As(err, &dbErr),
		errors.Is(err, store.ErrInvalidTableName),
		errors.Is(err, store.ErrTableNotFound):
		return KindDatabase
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindNetwork
	}
	return KindInternal
}

// Describe renders err for a terminal: kind first, and the reset time for
// rate limits.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	var rateErr *ghsearch.RateLimitError
	if errors.As(err, &rateErr) && !rateErr.Reset.IsZero() {
		return fmt.Sprintf("%s: %v (resets at %s)", KindRateLimit, err, rateErr.Reset.UTC().Format(ghsearch.ResetLayout))
	}
	return fmt.Sprintf("%s: %v", ErrorKind(err), err)
}
