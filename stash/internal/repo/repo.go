// Package repo defines the repository record persisted by ghstash, as
// returned by the GitHub search API, and the business rules it must satisfy
// before it reaches a table.
package repo

import (
	"fmt"
	"html"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
)

// Record is one repository from a search page. The JSON tags follow the
// GitHub REST API so a search response decodes straight into it.
type Record struct {
	ID              int64      `json:"id"`
	FullName        string     `json:"full_name"`
	Name            string     `json:"name"`
	Description     *string    `json:"description"`
	HTMLURL         string     `json:"html_url"`
	CloneURL        string     `json:"clone_url"`
	SSHURL          string     `json:"ssh_url"`
	Size            int64      `json:"size"`
	StargazersCount int64      `json:"stargazers_count"`
	WatchersCount   int64      `json:"watchers_count"`
	ForksCount      int64      `json:"forks_count"`
	OpenIssuesCount int64      `json:"open_issues_count"`
	Language        *string    `json:"language"`
	DefaultBranch   string     `json:"default_branch"`
	Visibility      string     `json:"visibility"`
	Private         bool       `json:"private"`
	Fork            bool       `json:"fork"`
	Archived        bool       `json:"archived"`
	Disabled        bool       `json:"disabled"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	PushedAt        *time.Time `json:"pushed_at"`
	Owner           Owner      `json:"owner"`
	License         *License   `json:"license"`
	Topics          []string   `json:"topics"`
	HasIssues       bool       `json:"has_issues"`
	HasProjects     bool       `json:"has_projects"`
	HasWiki         bool       `json:"has_wiki"`
	HasPages        bool       `json:"has_pages"`
	HasDownloads    bool       `json:"has_downloads"`
}

// Owner is the account owning a repository.
type Owner struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	Type      string `json:"type"`
	AvatarURL string `json:"avatar_url"`
	HTMLURL   string `json:"html_url"`
	SiteAdmin bool   `json:"site_admin"`
}

// License is the detected license of a repository.
type License struct {
	Key    string  `json:"key"`
	Name   string  `json:"name"`
	SPDXID *string `json:"spdx_id"`
	URL    *string `json:"url"`
}

// ValidationError reports the first field of a record breaking a rule.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

var (
	visibilities = []string{"public", "private", "internal"}
	ownerTypes   = []string{"User", "Organization", "Bot"}
)

// Validate checks the record against the persistence rules and returns a
// *ValidationError naming the first offending field.
func (r Record) Validate() error {
	if r.ID <= 0 {
		return invalid("id", "must be positive")
	}
	required := []struct{ field, value string }{
		{"full_name", r.FullName},
		{"name", r.Name},
		{"html_url", r.HTMLURL},
		{"clone_url", r.CloneURL},
		{"ssh_url", r.SSHURL},
		{"default_branch", r.DefaultBranch},
		{"visibility", r.Visibility},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return invalid(f.field, "cannot be empty")
		}
	}

	if !isWebURL(r.HTMLURL) {
		return invalid("html_url", "must be an absolute http(s) URL")
	}
	if !isWebURL(r.CloneURL) || !strings.HasSuffix(r.CloneURL, ".git") {
		return invalid("clone_url", "must be an http(s) URL ending in .git")
	}
	if !isSSHURL(r.SSHURL) {
		return invalid("ssh_url", "must look like git@host:owner/name.git")
	}
	if !slices.Contains(visibilities, r.Visibility) {
		return invalid("visibility", "must be 'public', 'private', or 'internal'")
	}

	counters := []struct {
		field string
		value int64
	}{
		{"size", r.Size},
		{"stargazers_count", r.StargazersCount},
		{"watchers_count", r.WatchersCount},
		{"forks_count", r.ForksCount},
		{"open_issues_count", r.OpenIssuesCount},
	}
	for _, c := range counters {
		if c.value < 0 {
			return invalid(c.field, "cannot be negative")
		}
	}

	if err := r.Owner.Validate(); err != nil {
		return err
	}
	if r.License != nil {
		if err := r.License.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the owner fields.
func (o Owner) Validate() error {
	switch {
	case o.Login == "":
		return invalid("owner.login", "cannot be empty")
	case o.AvatarURL == "":
		return invalid("owner.avatar_url", "cannot be empty")
	case o.HTMLURL == "":
		return invalid("owner.html_url", "cannot be empty")
	case !slices.Contains(ownerTypes, o.Type):
		return invalid("owner.type", "must be 'User', 'Organization', or 'Bot'")
	case !isWebURL(o.HTMLURL):
		return invalid("owner.html_url", "must be an absolute http(s) URL")
	}
	return nil
}

// Validate checks the license fields.
func (l License) Validate() error {
	if l.Key == "" {
		return invalid("license.key", "cannot be empty")
	}
	if l.Name == "" {
		return invalid("license.name", "cannot be empty")
	}
	return nil
}

func isWebURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

func isSSHURL(s string) bool {
	rest, ok := strings.CutPrefix(s, "git@")
	if !ok {
		return false
	}
	host, path, ok := strings.Cut(rest, ":")
	return ok && host != "" && len(path) > len(".git") && strings.HasSuffix(path, ".git")
}

var strict = bluemonday.StrictPolicy()

// Sanitized returns a copy of r with markup stripped from the description
// and the slices and pointers detached from r.
func (r Record) Sanitized() Record {
	out := r
	if r.Description != nil {
		// StrictPolicy escapes entities; undo that so "a & b" stays readable.
		d := strings.TrimSpace(html.UnescapeString(strict.Sanitize(*r.Description)))
		out.Description = &d
	}
	out.Topics = slices.Clone(r.Topics)
	if out.Topics == nil {
		out.Topics = []string{}
	}
	if r.License != nil {
		l := *r.License
		out.License = &l
	}
	if r.PushedAt != nil {
		p := *r.PushedAt
		out.PushedAt = &p
	}
	if r.Language != nil {
		lang := *r.Language
		out.Language = &lang
	}
	return out
}
