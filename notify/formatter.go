package notify

import (
	"strings"

	"commitwatch/models"
)

const (
	// MaxMessageRunes caps the commit message shown in a notification.
	MaxMessageRunes = 300
	ellipsis        = "..."
	timeLayout      = "2006/01/02 - 15:04:05"
	defaultWebBase  = "https://github.com/"
)

var markdownEscaper = strings.NewReplacer(
	"_", "\\_",
	"*", "\\*",
	"`", "\\`",
	"[", "\\[",
)

// Formatter turns commits into chat messages. All wording lives in the catalog.
type Formatter struct {
	catalog *Catalog
	// ShowFiles appends the first changed file names to each message.
	ShowFiles bool
	// WebBase builds repository links when a repository has no stored URL.
	WebBase string
}

// NewFormatter creates a Formatter.
func NewFormatter(catalog *Catalog) *Formatter {
	return &Formatter{catalog: catalog}
}

// Format renders a single commit notification.
func (f *Formatter) Format(repo models.MonitoredRepository, c models.Commit, locale string) string {
	var b strings.Builder

	b.WriteString(f.catalog.Render("commit_message", locale, Fields{
		"Repo":     repo.RepoID,
		"Message":  EscapeMarkdown(Truncate(strings.TrimSpace(c.Message), MaxMessageRunes)),
		"Author":   EscapeMarkdown(c.AuthorName),
		"Time":     c.Date.UTC().Format(timeLayout),
		"ShortSHA": c.ShortSHA(),
	}))

	if c.Added > 0 || c.Removed > 0 || c.Modified > 0 {
		b.WriteString(f.catalog.Render("commit_changes", locale, nil))
		for _, stat := range []struct {
			key   string
			count int
		}{
			{"commit_added", c.Added},
			{"commit_removed", c.Removed},
			{"commit_modified", c.Modified},
		} {
			if stat.count > 0 {
				b.WriteString(f.catalog.Render(stat.key, locale, Fields{"Count": stat.count}))
			}
		}
	}

	if f.ShowFiles && len(c.Files) > 0 {
		b.WriteString(f.catalog.Render("commit_files", locale, Fields{
			"Files": EscapeMarkdown(strings.Join(c.Files, ", ")),
		}))
	}

	b.WriteString(f.catalog.Render("commit_links", locale, Fields{
		"CommitURL": c.URL,
		"RepoURL":   f.RepoURL(repo),
	}))
	return b.String()
}

// FormatSummary renders the overflow message for commits beyond the batch cap.
func (f *Formatter) FormatSummary(repo models.MonitoredRepository, total, shown int, locale string) string {
	return f.catalog.Render("commit_summary", locale, Fields{
		"Repo":    repo.RepoID,
		"Total":   total,
		"Shown":   shown,
		"Extra":   total - shown,
		"RepoURL": f.RepoURL(repo),
	})
}

// RepoURL is the web address of a repository: its stored URL, or WebBase
// joined with its id.
func (f *Formatter) RepoURL(repo models.MonitoredRepository) string {
	if repo.RepoURL != "" {
		return repo.RepoURL
	}
	base := f.WebBase
	if base == "" {
		base = defaultWebBase
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + repo.RepoID
}

// Truncate shortens s to at most limit runes, ending with an ellipsis when cut.
func Truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-len(ellipsis)]) + ellipsis
}

// EscapeMarkdown escapes the characters legacy Telegram Markdown treats as markup.
func EscapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
