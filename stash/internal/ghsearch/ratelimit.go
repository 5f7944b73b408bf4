package ghsearch

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// RateLimit is a snapshot of one GitHub rate-limit resource.
type RateLimit struct {
	Resource  string    `json:"resource"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Used      int       `json:"used"`
	Reset     time.Time `json:"reset"`
}

// CurrentRateLimit returns the snapshot taken from the headers of the last
// response. ok is false until a response carried rate-limit headers.
func (c *Client) CurrentRateLimit() (RateLimit, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rateLimit, c.haveLimit
}

// RateLimitStatus asks GET /rate_limit for the search resource.
func (c *Client) RateLimitStatus(ctx context.Context) (*RateLimit, error) {
	body, err := c.do(ctx, "rate limit", "/rate_limit", nil)
	if err != nil {
		return nil, err
	}
	var raw struct {
		Resources map[string]struct {
			Limit     int   `json:"limit"`
			Remaining int   `json:"remaining"`
			Used      int   `json:"used"`
			Reset     int64 `json:"reset"`
		} `json:"resources"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &ParseError{Detail: "decode rate limit", Cause: err}
	}
	s, ok := raw.Resources["search"]
	if !ok {
		return nil, &ParseError{Detail: "missing resources.search"}
	}
	return &RateLimit{
		Resource:  "search",
		Limit:     s.Limit,
		Remaining: s.Remaining,
		Used:      s.Used,
		Reset:     time.Unix(s.Reset, 0).UTC(),
	}, nil
}

// observe records the X-RateLimit-* headers of a response.
func (c *Client) observe(h http.Header) {
	limit, err := strconv.Atoi(h.Get("X-RateLimit-Limit"))
	if err != nil {
		return
	}
	rl := RateLimit{Resource: h.Get("X-RateLimit-Resource"), Limit: limit}
	rl.Remaining, _ = strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	rl.Used, _ = strconv.Atoi(h.Get("X-RateLimit-Used"))
	if epoch, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		rl.Reset = time.Unix(epoch, 0).UTC()
	}

	c.mu.Lock()
	c.rateLimit = rl
	c.haveLimit = true
	c.mu.Unlock()
}
