// Package models defines the core data structures used throughout the application.
package models

import (
	"strings"
	"time"
)

// MonitoredRepository is the shared, subscriber-agnostic state of a watched repository.
type MonitoredRepository struct {
	RepoID        string     `db:"repo_id" json:"repo_id"`
	RepoURL       string     `db:"repo_url" json:"repo_url"`
	Branch        string     `db:"branch" json:"branch"`
	LastCommitSHA *string    `db:"last_commit_sha" json:"last_commit_sha,omitempty"`
	LastCommitAt  *time.Time `db:"last_commit_date" json:"last_commit_date,omitempty"`
	LastCheck     *time.Time `db:"last_check" json:"last_check,omitempty"`
}

// Watermark returns the last processed commit, or nil when the repository was never checked.
func (r MonitoredRepository) Watermark() *Watermark {
	if r.LastCommitSHA == nil || r.LastCommitAt == nil {
		return nil
	}
	return &Watermark{SHA: *r.LastCommitSHA, Date: *r.LastCommitAt}
}

// Subscription links a user to a repository.
type Subscription struct {
	UserID    int64      `db:"user_id" json:"user_id"`
	RepoID    string     `db:"repo_id" json:"repo_id"`
	RepoURL   string     `db:"repo_url" json:"repo_url"`
	Branch    string     `db:"branch" json:"branch"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	LastCheck *time.Time `db:"last_check" json:"last_check,omitempty"`
}

// Commit is a detected commit. Once recorded for a repository it is never notified again.
type Commit struct {
	RepoID      string    `db:"repo_id" json:"repo_id"`
	SHA         string    `db:"sha" json:"sha"`
	Message     string    `db:"message" json:"message"`
	AuthorName  string    `db:"author_name" json:"author_name"`
	AuthorEmail string    `db:"author_email" json:"author_email"`
	Date        time.Time `db:"commit_date" json:"commit_date"`
	CommittedAt time.Time `db:"-" json:"committed_at,omitempty"`
	URL         string    `db:"url" json:"url"`
	Added       int       `db:"added" json:"added"`
	Removed     int       `db:"removed" json:"removed"`
	Modified    int       `db:"modified" json:"modified"`
	DetectedAt  time.Time `db:"detected_at" json:"detected_at"`

	// Files holds up to five changed file names. Not persisted.
	Files []string `db:"-" json:"files,omitempty"`
}

// ShortSHA returns the abbreviated hash shown to users.
func (c Commit) ShortSHA() string {
	if len(c.SHA) <= 7 {
		return c.SHA
	}
	return c.SHA[:7]
}

// PushedAt is the committer timestamp, the one the remote filters on. Commits
// without one fall back to the author timestamp.
func (c Commit) PushedAt() time.Time {
	if c.CommittedAt.IsZero() {
		return c.Date
	}
	return c.CommittedAt
}

// NewerThan orders commits by PushedAt, breaking ties by hash.
func (c Commit) NewerThan(other Commit) bool {
	if a, b := c.PushedAt(), other.PushedAt(); !a.Equal(b) {
		return a.After(b)
	}
	return strings.Compare(c.SHA, other.SHA) > 0
}

// Watermark is the newest commit already processed for a repository.
type Watermark struct {
	SHA  string    `db:"last_commit_sha" json:"sha"`
	Date time.Time `db:"last_commit_date" json:"date"`
}

// Before reports whether the watermark is older than the given commit.
func (w *Watermark) Before(c Commit) bool {
	if w == nil {
		return true
	}
	return c.NewerThan(Commit{SHA: w.SHA, Date: w.Date})
}

// User holds per-user preferences.
type User struct {
	UserID      int64     `db:"user_id" json:"user_id"`
	DisplayName string    `db:"display_name" json:"display_name"`
	Locale      string    `db:"locale" json:"locale"`
	JoinedAt    time.Time `db:"joined_at" json:"joined_at"`
}

// RepoInfo is the subset of hosting metadata needed to subscribe to a repository.
type RepoInfo struct {
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
	WebURL        string `json:"html_url"`
	Description   string `json:"description"`
}

// RateLimit represents the remote API's core rate limit.
type RateLimit struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}

// Stats is the payload of the stats command.
type Stats struct {
	UserRepos     int
	TotalRepos    int
	CheckInterval time.Duration
	Connected     bool
	RateLimit     *RateLimit
	RecentRepos   []Subscription
	// CommitCounts holds the recorded commits per recent repository.
	CommitCounts map[string]int
}
