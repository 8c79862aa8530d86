// Package github reads repository metadata and commits from the GitHub REST API.
package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"commitwatch/logger"
	"commitwatch/models"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultPageSize    = 20
	defaultConcurrency = 4
	maxFileNames       = 5
	defaultWebBase     = "https://github.com/"
)

// Options tunes a Client. Zero values fall back to defaults.
type Options struct {
	// BaseURL points the client at a GitHub Enterprise or test server.
	BaseURL           string
	Timeout           time.Duration
	PageSize          int
	DetailConcurrency int
	Logger            *zap.Logger
}

// Client represents a GitHub API client
type Client struct {
	gh          *gh.Client
	webBase     string
	timeout     time.Duration
	pageSize    int
	concurrency int
	log         *zap.Logger
}

// NewClient creates a GitHub client with the following transport stack:
//  1. httpcache (ETag conditional requests)
//  2. go-github-ratelimit (sleeps on secondary rate limits)
//  3. go-github with token auth
func NewClient(token string, opts Options) (*Client, error) {
	cacheTransport := httpcache.NewMemoryCacheTransport()
	rateLimitClient := github_ratelimit.NewClient(cacheTransport)
	return NewClientWithHTTPClient(rateLimitClient, token, opts)
}

// NewClientWithHTTPClient builds a Client on top of a caller-supplied http.Client.
func NewClientWithHTTPClient(httpClient *http.Client, token string, opts Options) (*Client, error) {
	client := gh.NewClient(httpClient)
	if token != "" {
		client = client.WithAuthToken(token)
	}

	if opts.BaseURL != "" {
		base := opts.BaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parsing base URL: %w", err)
		}
		client.BaseURL = u
	}

	c := &Client{
		gh:          client,
		webBase:     WebBaseURL(opts.BaseURL),
		timeout:     opts.Timeout,
		pageSize:    opts.PageSize,
		concurrency: opts.DetailConcurrency,
		log:         logger.OrNop(opts.Logger),
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.pageSize <= 0 {
		c.pageSize = defaultPageSize
	}
	if c.concurrency <= 0 {
		c.concurrency = defaultConcurrency
	}

	c.log.Info("Initializing GitHub client",
		zap.String("base_url", client.BaseURL.String()),
		zap.String("web_base", c.webBase))
	return c, nil
}

// GetRepoInfo fetches the metadata needed to subscribe to a repository.
func (c *Client) GetRepoInfo(ctx context.Context, repoID string) (*models.RepoInfo, error) {
	owner, name, err := splitRepo(repoID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	repo, resp, err := c.gh.Repositories.Get(ctx, owner, name)
	if err != nil {
		c.log.Warn("Failed to fetch repository", zap.String("repo", repoID), zap.Error(err))
		return nil, classify("get repository "+repoID, err)
	}
	c.logRate(resp, "repos.get")

	info := &models.RepoInfo{
		FullName:      repo.GetFullName(),
		DefaultBranch: repo.GetDefaultBranch(),
		WebURL:        repo.GetHTMLURL(),
		Description:   repo.GetDescription(),
	}
	if info.FullName == "" {
		info.FullName = repoID
	}
	if info.DefaultBranch == "" {
		info.DefaultBranch = "main"
	}
	if info.WebURL == "" {
		info.WebURL = c.webBase + repoID
	}
	return info, nil
}

// ListCommitsSince returns up to one page of commits on branch committed after
// since, newest first as the API returns them. Each commit is enriched with its
// per-file change counts; a commit whose detail request fails keeps zero counts.
func (c *Client) ListCommitsSince(ctx context.Context, repoID, branch string, since time.Time) ([]models.Commit, error) {
	owner, name, err := splitRepo(repoID)
	if err != nil {
		return nil, err
	}

	opts := &gh.CommitsListOptions{
		SHA:         branch,
		Since:       since,
		ListOptions: gh.ListOptions{PerPage: c.pageSize},
	}

	listCtx, cancel := context.WithTimeout(ctx, c.timeout)
	list, resp, err := c.gh.Repositories.ListCommits(listCtx, owner, name, opts)
	cancel()
	if err != nil {
		c.log.Warn("Failed to list commits",
			zap.String("repo", repoID),
			zap.String("branch", branch),
			zap.Error(err))
		return nil, classify("list commits "+repoID, err)
	}
	c.logRate(resp, "repos.list_commits")

	commits := make([]models.Commit, len(list))
	for i, rc := range list {
		commits[i] = c.mapCommit(repoID, rc)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i := range commits {
		g.Go(func() error {
			c.fillDetails(gctx, owner, name, &commits[i])
			return nil
		})
	}
	_ = g.Wait()

	c.log.Debug("Fetched commits",
		zap.String("repo", repoID),
		zap.String("branch", branch),
		zap.Time("since", since),
		zap.Int("count", len(commits)))
	return commits, nil
}

func (c *Client) fillDetails(ctx context.Context, owner, name string, commit *models.Commit) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	detail, _, err := c.gh.Repositories.GetCommit(ctx, owner, name, commit.SHA, nil)
	if err != nil {
		c.log.Warn("Failed to fetch commit details",
			zap.String("repo", commit.RepoID),
			zap.String("sha", commit.SHA),
			zap.Error(err))
		return
	}

	for _, f := range detail.Files {
		switch f.GetStatus() {
		case "added":
			commit.Added++
		case "removed":
			commit.Removed++
		default:
			commit.Modified++
		}
		if len(commit.Files) < maxFileNames {
			commit.Files = append(commit.Files, f.GetFilename())
		}
	}
}

// TestConnection checks the token by fetching the authenticated user.
func (c *Client) TestConnection(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	user, _, err := c.gh.Users.Get(ctx, "")
	if err != nil {
		return "", classify("get authenticated user", err)
	}
	return user.GetLogin(), nil
}

// RateLimit reports the core REST quota.
func (c *Client) RateLimit(ctx context.Context) (*models.RateLimit, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	limits, _, err := c.gh.RateLimit.Get(ctx)
	if err != nil {
		return nil, classify("get rate limit", err)
	}
	core := limits.GetCore()
	if core == nil {
		return nil, fmt.Errorf("%w: rate limit response has no core quota", ErrRemoteUnavailable)
	}
	return &models.RateLimit{
		Limit:     core.Limit,
		Remaining: core.Remaining,
		Reset:     core.Reset.Time,
	}, nil
}

func (c *Client) logRate(resp *gh.Response, endpoint string) {
	if resp == nil {
		return
	}
	if resp.Rate.Limit > 0 && resp.Rate.Remaining < 100 {
		c.log.Warn("GitHub rate limit low",
			zap.String("endpoint", endpoint),
			zap.Int("remaining", resp.Rate.Remaining),
			zap.Duration("reset_in", time.Until(resp.Rate.Reset.Time).Round(time.Second)))
	}
}

func (c *Client) mapCommit(repoID string, rc *gh.RepositoryCommit) models.Commit {
	inner := rc.GetCommit()
	author := inner.GetAuthor()

	name := author.GetName()
	if name == "" {
		name = rc.GetAuthor().GetLogin()
	}
	if name == "" {
		name = "Unknown"
	}

	commitURL := rc.GetHTMLURL()
	if commitURL == "" {
		commitURL = c.webBase + repoID + "/commit/" + rc.GetSHA()
	}

	return models.Commit{
		RepoID:      repoID,
		SHA:         rc.GetSHA(),
		Message:     inner.GetMessage(),
		AuthorName:  name,
		AuthorEmail: author.GetEmail(),
		Date:        author.GetDate().Time.UTC(),
		CommittedAt: inner.GetCommitter().GetDate().Time.UTC(),
		URL:         commitURL,
	}
}

func splitRepo(repoID string) (string, string, error) {
	parts := strings.Split(repoID, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %q: expected owner/name", ErrInvalidRepoID, repoID)
	}
	return parts[0], parts[1], nil
}

// WebBaseURL derives the browser address of a GitHub host from its REST API
// base: api.github.com maps to github.com and an Enterprise "/api/v3/" path is
// dropped. An empty or unparsable base yields https://github.com/.
func WebBaseURL(apiBase string) string {
	u, err := url.Parse(strings.TrimSpace(apiBase))
	if err != nil || u.Host == "" {
		return defaultWebBase
	}
	host := u.Host
	if strings.EqualFold(host, "api.github.com") {
		host = "github.com"
	}
	path := strings.TrimSuffix(u.Path, "/")
	path = strings.TrimSuffix(path, "/api/v3")
	return u.Scheme + "://" + host + path + "/"
}

// ParseRepoID normalizes user input such as "owner/name",
// "https://github.com/owner/name", "https://ghe.example.com/owner/name" or
// "owner/name.git" into "owner/name".
func ParseRepoID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if u, err := url.Parse(id); err == nil && u.Host != "" && (u.Scheme == "https" || u.Scheme == "http") {
		id = u.Path
	} else if strings.HasPrefix(strings.ToLower(id), "github.com/") {
		id = id[len("github.com/"):]
	}
	id = strings.TrimPrefix(id, "/")
	id = strings.TrimSuffix(id, "/")
	id = strings.TrimSuffix(id, ".git")

	if _, _, err := splitRepo(id); err != nil {
		return "", err
	}
	return id, nil
}
