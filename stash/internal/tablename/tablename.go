// Package tablename issues the timestamped names of the per-run tables,
// e.g. repos_20240115103000, and recognises them again for listing and
// dropping.
package tablename

import (
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"
)

// DefaultPrefix is used when the configuration leaves the prefix empty.
const DefaultPrefix = "repos"

const layout = "20060102150405"

// ErrInvalidPrefix is returned for prefixes that are not plain lowercase identifiers.
var ErrInvalidPrefix = errors.New("tablename: prefix must match ^[a-z][a-z0-9]*$")

var prefixRe = regexp.MustCompile(`^[a-z][a-z0-9]*$`)

// ValidPrefix reports whether p can start a table name.
func ValidPrefix(p string) bool { return prefixRe.MatchString(p) }

// Format returns prefix_YYYYMMDDHHMMSS for t in UTC.
func Format(prefix string, t time.Time) string {
	return prefix + "_" + t.UTC().Format(layout)
}

// Pattern returns the expression matching every name Format can produce.
func Pattern(prefix string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `_\d{14}$`)
}

// Valid reports whether name is a table name for prefix.
func Valid(prefix, name string) bool {
	return ValidPrefix(prefix) && Pattern(prefix).MatchString(name)
}

// Parse returns the timestamp encoded in name.
func Parse(prefix, name string) (time.Time, error) {
	if !Valid(prefix, name) {
		return time.Time{}, fmt.Errorf("tablename: %q is not a %s table", name, prefix)
	}
	return time.ParseInLocation(layout, name[len(prefix)+1:], time.UTC)
}

// Namer issues strictly increasing table names within one process.
type Namer struct {
	prefix string
	now    func() time.Time

	mu   sync.Mutex
	last time.Time
}

// NewNamer returns a Namer for prefix. A nil clock uses time.Now.
func NewNamer(prefix string, clock func() time.Time) (*Namer, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !ValidPrefix(prefix) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPrefix, prefix)
	}
	if clock == nil {
		clock = time.Now
	}
	return &Namer{prefix: prefix, now: clock}, nil
}

// Prefix returns the prefix of the issued names.
func (n *Namer) Prefix() string { return n.prefix }

// Next returns the name for the current second. When that second was already
// issued (two runs in the same second, or a clock stepping back) the
// timestamp is moved one second past the last issued name.
func (n *Namer) Next() string {
	n.mu.Lock()
	defer n.mu.Unlock()

	t := n.now().UTC().Truncate(time.Second)
	if !n.last.IsZero() && !t.After(n.last) {
		t = n.last.Add(time.Second)
	}
	n.last = t
	return Format(n.prefix, t)
}

// Valid reports whether name belongs to this namer's prefix.
func (n *Namer) Valid(name string) bool { return Valid(n.prefix, name) }
