// Package ghsearch is the GitHub repository search client.
//
// A Client fetches one page of search results, classifies every failure
// into a typed error, and retries the transient ones (5xx, transport
// failures, rate limits that reset soon enough) under a backoff.Policy:
//
//	c, err := ghsearch.New(token, ghsearch.WithLogger(logger))
//	page, err := c.Search(ctx, "language:go stars:>1000", 30, 1)
//
// Every item of a returned page has passed repo.Record.Validate.
package ghsearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/ghstash/backoff"
	"github.com/hazyhaar/ghstash/kit"
	"github.com/hazyhaar/ghstash/stash/internal/repo"
)

const (
	// DefaultBaseURL is the public GitHub REST API.
	DefaultBaseURL = "https://api.github.com"

	// DefaultUserAgent identifies the client to GitHub.
	DefaultUserAgent = "ghstash"

	// DefaultMaxQueryLength matches the length GitHub accepts for q.
	DefaultMaxQueryLength = 256

	// MaxPerPage is the largest page GitHub serves.
	MaxPerPage = 100

	apiVersion   = "2022-11-28"
	maxBodyBytes = 10 << 20
	maxErrBytes  = 4 << 10
)

// SearchPage is one validated page of search results.
type SearchPage struct {
	Query      string        `json:"query"`
	Page       int           `json:"page"`
	PerPage    int           `json:"per_page"`
	TotalCount int64         `json:"total_count"`
	Incomplete bool          `json:"incomplete_results"`
	Items      []repo.Record `json:"items"`
	FetchedAt  time.Time     `json:"fetched_at"`
}

// Client talks to the GitHub REST API. It is safe for concurrent use.
type Client struct {
	token          string
	baseURL        string
	userAgent      string
	maxQueryLength int
	horizon        time.Duration

	http    *http.Client
	policy  backoff.Policy
	limiter *rate.Limiter
	logger  *slog.Logger
	sleep   func(context.Context, time.Duration) error
	now     func() time.Time
	rand    func() float64

	mu        sync.RWMutex
	rateLimit RateLimit
	haveLimit bool
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another API root (GitHub Enterprise, tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the default client (30s timeout).
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithPolicy sets the retry policy. Default: backoff.DefaultPolicy().
func WithPolicy(p backoff.Policy) Option { return func(c *Client) { c.policy = p } }

// WithLogger sets the logger for retry warnings.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option { return func(c *Client) { c.userAgent = ua } }

// WithMaxQueryLength bounds the accepted search expression.
func WithMaxQueryLength(n int) Option { return func(c *Client) { c.maxQueryLength = n } }

// WithRateLimitHorizon sets how far in the future a rate-limit reset may be
// and still be waited for. Default: the policy's MaxDelay.
func WithRateLimitHorizon(d time.Duration) Option { return func(c *Client) { c.horizon = d } }

// WithRequestRate paces outgoing requests client-side. GitHub allows 30
// authenticated search requests per minute.
func WithRequestRate(r rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(r, burst) }
}

// WithSleeper replaces the context-aware sleep between retries.
func WithSleeper(fn func(context.Context, time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithClock replaces time.Now.
func WithClock(fn func() time.Time) Option { return func(c *Client) { c.now = fn } }

// WithRand replaces the jitter source. fn must return values in [0, 1).
func WithRand(fn func() float64) Option { return func(c *Client) { c.rand = fn } }

// New returns a Client authenticating with token.
func New(token string, opts ...Option) (*Client, error) {
	c := &Client{
		token:          strings.TrimSpace(token),
		baseURL:        DefaultBaseURL,
		userAgent:      DefaultUserAgent,
		maxQueryLength: DefaultMaxQueryLength,
		http:           &http.Client{Timeout: 30 * time.Second},
		policy:         backoff.DefaultPolicy(),
		sleep:          sleepContext,
		now:            time.Now,
		rand:           rand.Float64,
	}
	for _, o := range opts {
		o(c)
	}
	if c.token == "" {
		return nil, &AuthError{Message: "no GitHub token configured"}
	}
	if err := c.policy.Validate(); err != nil {
		return nil, err
	}
	if u, err := url.Parse(c.baseURL); err != nil || u.Host == "" {
		return nil, fmt.Errorf("ghsearch: invalid base URL %q", c.baseURL)
	}
	if c.horizon <= 0 {
		c.horizon = c.policy.MaxDelay
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

// Policy returns the retry policy in force.
func (c *Client) Policy() backoff.Policy { return c.policy }

// Search fetches one page of repositories matching query, most recently
// updated first. perPage is clamped into [1, 100]; page must be >= 1.
func (c *Client) Search(ctx context.Context, query string, perPage, page int) (*SearchPage, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &QueryError{Query: query, Reason: "cannot be empty"}
	}
	if n := len([]rune(query)); n > c.maxQueryLength {
		return nil, &QueryError{Query: query, Reason: fmt.Sprintf("length %d exceeds %d", n, c.maxQueryLength)}
	}
	if page <= 0 {
		return nil, &ValidationError{Field: "page", Reason: "must be at least 1"}
	}
	perPage = min(max(perPage, 1), MaxPerPage)

	q := url.Values{}
	q.Set("q", query)
	q.Set("per_page", strconv.Itoa(perPage))
	q.Set("page", strconv.Itoa(page))
	q.Set("sort", "updated")
	q.Set("order", "desc")

	body, err := c.do(ctx, "search", "/search/repositories", q)
	if err != nil {
		if qe, ok := err.(*QueryError); ok && qe.Query == "" {
			qe.Query = query
		}
		return nil, err
	}

	var raw struct {
		TotalCount *int64             `json:"total_count"`
		Incomplete bool               `json:"incomplete_results"`
		Items      *[]json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ParseError{Detail: "decode search response", Cause: err}
	}
	if raw.TotalCount == nil {
		return nil, &ParseError{Detail: "missing total_count"}
	}
	if raw.Items == nil {
		return nil, &ParseError{Detail: "missing items"}
	}

	items := make([]repo.Record, 0, len(*raw.Items))
	for i, data := range *raw.Items {
		it, err := decodeItem(data)
		if err != nil {
			return nil, &ParseError{Detail: fmt.Sprintf("item %d", i), Cause: err}
		}
		rec := it.Sanitized()
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("ghsearch: item %d (%s): %w", i, rec.FullName, err)
		}
		items = append(items, rec)
	}

	return &SearchPage{
		Query:      query,
		Page:       page,
		PerPage:    perPage,
		TotalCount: *raw.TotalCount,
		Incomplete: raw.Incomplete,
		Items:      items,
		FetchedAt:  c.now().UTC(),
	}, nil
}

// itemKeys holds the keys a search item cannot be stored without. A
// missing key would otherwise decode to a zero value.
type itemKeys struct {
	ID        *int64           `json:"id"`
	FullName  *string          `json:"full_name"`
	Name      *string          `json:"name"`
	HTMLURL   *string          `json:"html_url"`
	CreatedAt *time.Time       `json:"created_at"`
	UpdatedAt *time.Time       `json:"updated_at"`
	Owner     *json.RawMessage `json:"owner"`
}

func decodeItem(data []byte) (repo.Record, error) {
	var keys itemKeys
	if err := json.Unmarshal(data, &keys); err != nil {
		return repo.Record{}, err
	}
	missing := []struct {
		field  string
		absent bool
	}{
		{"id", keys.ID == nil},
		{"full_name", keys.FullName == nil},
		{"name", keys.Name == nil},
		{"html_url", keys.HTMLURL == nil},
		{"created_at", keys.CreatedAt == nil},
		{"updated_at", keys.UpdatedAt == nil},
		{"owner", keys.Owner == nil || string(*keys.Owner) == "null"},
	}
	for _, m := range missing {
		if m.absent {
			return repo.Record{}, fmt.Errorf("missing required field %q", m.field)
		}
	}
	var rec repo.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return repo.Record{}, err
	}
	return rec, nil
}

// ValidateCredential checks the token against GET /user.
func (c *Client) ValidateCredential(ctx context.Context) error {
	body, err := c.do(ctx, "validate credential", "/user", nil)
	if err != nil {
		return err
	}
	var u struct {
		Login string `json:"login"`
	}
	if err := json.Unmarshal(body, &u); err != nil {
		return &ParseError{Detail: "decode user", Cause: err}
	}
	if u.Login == "" {
		return &ParseError{Detail: "missing login"}
	}
	return nil
}

// do issues GET path with the retry loop.
func (c *Client) do(ctx context.Context, op, path string, q url.Values) ([]byte, error) {
	st := backoff.NewState(c.policy)
	for {
		body, err := c.once(ctx, op, path, q)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		if !c.retryable(err) {
			return nil, err
		}
		wait, ok := st.Next(c.rand)
		if !ok {
			return nil, err
		}

		attrs := []any{
			"op", op,
			"attempt", st.Attempt,
			"max_retries", c.policy.MaxRetries,
			"backoff_ms", wait.Milliseconds(),
			"error", err,
		}
		if id := kit.GetRunID(ctx); id != "" {
			attrs = append(attrs, "run_id", id)
		}
		c.logger.WarnContext(ctx, "ghsearch: retrying request", attrs...)

		if serr := c.sleep(ctx, wait); serr != nil {
			return nil, err
		}
	}
}

// retryable reports whether err is worth another attempt. A rate limit
// qualifies only when its reset falls within the horizon; the wait itself is
// always the backoff delay.
func (c *Client) retryable(err error) bool {
	var (
		rl *RateLimitError
		se *ServerError
		ne *NetworkError
	)
	switch {
	case errors.As(err, &rl):
		return rl.Reset.IsZero() || rl.Reset.Sub(c.now()) <= c.horizon
	case errors.As(err, &se), errors.As(err, &ne):
		return true
	}
	return false
}

func (c *Client) once(ctx context.Context, op, path string, q url.Values) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &NetworkError{Op: op, Cause: err}
		}
	}

	target := c.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("ghsearch: new request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Cause: err}
	}
	defer resp.Body.Close()

	c.observe(resp.Header)

	if resp.StatusCode == http.StatusOK {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
		if err != nil {
			return nil, &NetworkError{Op: op + ": read body", Cause: err}
		}
		if len(body) > maxBodyBytes {
			return nil, &ParseError{Detail: "response body exceeds 10 MiB"}
		}
		return body, nil
	}

	msg := errorMessage(resp.Body)
	return nil, c.classify(resp.StatusCode, resp.Header, msg)
}

// classify maps a non-200 answer to its error type.
func (c *Client) classify(status int, h http.Header, msg string) error {
	switch {
	case status == http.StatusUnauthorized:
		return &AuthError{Status: status, Message: msg}
	case status == http.StatusTooManyRequests:
		return &RateLimitError{Status: status, Reset: c.resetFrom(h), Message: msg}
	case status == http.StatusForbidden:
		if h.Get("X-RateLimit-Remaining") == "0" || h.Get("Retry-After") != "" ||
			strings.Contains(strings.ToLower(msg), "rate limit") {
			return &RateLimitError{Status: status, Reset: c.resetFrom(h), Message: msg}
		}
		return &AuthError{Status: status, Message: msg}
	case status == http.StatusUnprocessableEntity:
		return &QueryError{Reason: msg}
	case status >= 500:
		return &ServerError{Status: status, Message: msg}
	default:
		return &APIError{Status: status, Message: msg}
	}
}

// resetFrom reads Retry-After (seconds or HTTP-date) first, then
// X-RateLimit-Reset (epoch).
func (c *Client) resetFrom(h http.Header) time.Time {
	if s := strings.TrimSpace(h.Get("Retry-After")); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs >= 0 {
			return c.now().Add(time.Duration(secs) * time.Second)
		}
		if t, err := http.ParseTime(s); err == nil {
			return t.UTC()
		}
	}
	if s := h.Get("X-RateLimit-Reset"); s != "" {
		if epoch, err := strconv.ParseInt(s, 10, 64); err == nil && epoch > 0 {
			return time.Unix(epoch, 0).UTC()
		}
	}
	return time.Time{}
}

// errorMessage extracts GitHub's {"message": ...} or falls back to the raw body.
func errorMessage(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, maxErrBytes))
	var e struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(string(body))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
