package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"commitwatch/config"
	"commitwatch/db"
	"commitwatch/github"
	"commitwatch/models"
	"commitwatch/monitor"
)

// MockDB is a mock implementation of the database interface
type MockDB struct {
	mock.Mock
}

func (m *MockDB) UpsertUser(ctx context.Context, userID int64, displayName, locale string) error {
	args := m.Called(ctx, userID, displayName, locale)
	return args.Error(0)
}

func (m *MockDB) GetUserLocale(ctx context.Context, userID int64) (string, bool, error) {
	args := m.Called(ctx, userID)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockDB) SetUserLocale(ctx context.Context, userID int64, locale string) error {
	args := m.Called(ctx, userID, locale)
	return args.Error(0)
}

func (m *MockDB) AddSubscription(ctx context.Context, userID int64, repoID, repoURL, branch string) error {
	args := m.Called(ctx, userID, repoID, repoURL, branch)
	return args.Error(0)
}

func (m *MockDB) RemoveSubscription(ctx context.Context, userID int64, repoID string) error {
	args := m.Called(ctx, userID, repoID)
	return args.Error(0)
}

func (m *MockDB) ListSubscriptions(ctx context.Context, userID int64) ([]models.Subscription, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Subscription), args.Error(1)
}

func (m *MockDB) ListAllMonitoredRepos(ctx context.Context) ([]models.MonitoredRepository, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.MonitoredRepository), args.Error(1)
}

func (m *MockDB) CountCommits(ctx context.Context, repoID string) (int, error) {
	args := m.Called(ctx, repoID)
	return args.Int(0), args.Error(1)
}

// MockGitHubClient is a mock implementation of the GitHub client
type MockGitHubClient struct {
	mock.Mock
}

func (m *MockGitHubClient) GetRepoInfo(ctx context.Context, repoID string) (*models.RepoInfo, error) {
	args := m.Called(ctx, repoID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RepoInfo), args.Error(1)
}

func (m *MockGitHubClient) TestConnection(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockGitHubClient) RateLimit(ctx context.Context) (*models.RateLimit, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.RateLimit), args.Error(1)
}

// MockMonitor is a mock implementation of the scheduler
type MockMonitor struct {
	mock.Mock
}

func (m *MockMonitor) CheckNow(ctx context.Context, repoIDs []string) monitor.SweepReport {
	args := m.Called(ctx, repoIDs)
	return args.Get(0).(monitor.SweepReport)
}

func (m *MockMonitor) Interval() time.Duration {
	return time.Minute
}

type fakeLocales map[string]bool

func (f fakeLocales) Has(code string) bool  { return f[code] }
func (f fakeLocales) DefaultLocale() string { return "en" }

func newTestCommands() (*Commands, *MockDB, *MockGitHubClient, *MockMonitor) {
	store := new(MockDB)
	remote := new(MockGitHubClient)
	mon := new(MockMonitor)
	return NewCommands(store, remote, mon, fakeLocales{"en": true, "fa": true}, nil), store, remote, mon
}

func TestStart(t *testing.T) {
	testCases := []struct {
		name          string
		known         bool
		lookupErr     error
		upsertErr     error
		expectLocale  bool
		expectedError error
	}{
		{name: "first visit", expectLocale: true},
		{name: "returning user", known: true},
		{name: "lookup failure", lookupErr: db.ErrDatabaseConnection, expectedError: db.ErrStore},
		{name: "upsert failure", upsertErr: db.ErrTransactionFailed, expectedError: db.ErrStore},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c, store, _, _ := newTestCommands()
			store.On("GetUserLocale", mock.Anything, int64(1)).Return("en", tc.known, tc.lookupErr)
			if tc.lookupErr == nil {
				store.On("UpsertUser", mock.Anything, int64(1), "Ada", "").Return(tc.upsertErr)
			}

			needsLocale, err := c.Start(context.Background(), 1, "Ada")

			if tc.expectedError != nil {
				assert.ErrorIs(t, err, tc.expectedError)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tc.expectLocale, needsLocale)
			}
			store.AssertExpectations(t)
		})
	}
}

func TestAddRepository(t *testing.T) {
	info := &models.RepoInfo{
		FullName:      "Acme/Widgets",
		DefaultBranch: "develop",
		WebURL:        "https://github.com/Acme/Widgets",
	}

	testCases := []struct {
		name          string
		input         string
		setupMocks    func(*MockDB, *MockGitHubClient)
		expectedRepo  string
		expectedError error
	}{
		{
			name:  "subscribes with default branch and canonical name",
			input: "https://github.com/acme/widgets.git",
			setupMocks: func(store *MockDB, remote *MockGitHubClient) {
				remote.On("GetRepoInfo", mock.Anything, "acme/widgets").Return(info, nil)
				store.On("AddSubscription", mock.Anything, int64(1), "Acme/Widgets", info.WebURL, "develop").Return(nil)
			},
			expectedRepo: "Acme/Widgets",
		},
		{
			name:          "invalid id",
			input:         "acme/widgets/extra",
			setupMocks:    func(*MockDB, *MockGitHubClient) {},
			expectedError: ErrInvalidRepoID,
		},
		{
			name:  "not found",
			input: "acme/missing",
			setupMocks: func(store *MockDB, remote *MockGitHubClient) {
				remote.On("GetRepoInfo", mock.Anything, "acme/missing").
					Return(nil, fmt.Errorf("%w: get repository: 404", github.ErrRemoteNotFound))
			},
			expectedError: github.ErrRemoteNotFound,
		},
		{
			name:  "store failure",
			input: "acme/widgets",
			setupMocks: func(store *MockDB, remote *MockGitHubClient) {
				remote.On("GetRepoInfo", mock.Anything, "acme/widgets").Return(info, nil)
				store.On("AddSubscription", mock.Anything, int64(1), "Acme/Widgets", info.WebURL, "develop").
					Return(db.ErrTransactionFailed)
			},
			expectedError: db.ErrStore,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c, store, remote, _ := newTestCommands()
			tc.setupMocks(store, remote)

			sub, err := c.AddRepository(context.Background(), 1, tc.input)

			if tc.expectedError != nil {
				assert.ErrorIs(t, err, tc.expectedError)
				assert.Nil(t, sub)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tc.expectedRepo, sub.RepoID)
				assert.Equal(t, "develop", sub.Branch)
			}
			store.AssertExpectations(t)
			remote.AssertExpectations(t)
		})
	}
}

func TestRemoveRepositoryMatchesCase(t *testing.T) {
	c, store, _, _ := newTestCommands()
	store.On("ListSubscriptions", mock.Anything, int64(1)).
		Return([]models.Subscription{{RepoID: "Acme/Widgets"}}, nil)
	store.On("RemoveSubscription", mock.Anything, int64(1), "Acme/Widgets").Return(nil)

	removed, err := c.RemoveRepository(context.Background(), 1, "acme/widgets")

	require.NoError(t, err)
	assert.Equal(t, "Acme/Widgets", removed)
	store.AssertExpectations(t)
}

func TestRemoveRepositoryNotSubscribed(t *testing.T) {
	c, store, _, _ := newTestCommands()
	store.On("ListSubscriptions", mock.Anything, int64(1)).Return([]models.Subscription{}, nil)
	store.On("RemoveSubscription", mock.Anything, int64(1), "acme/widgets").
		Return(fmt.Errorf("%w: 1/acme/widgets", db.ErrSubscriptionNotFound))

	_, err := c.RemoveRepository(context.Background(), 1, "acme/widgets")

	assert.ErrorIs(t, err, ErrNotSubscribed)
}

func TestCheckNow(t *testing.T) {
	c, store, _, mon := newTestCommands()
	store.On("ListSubscriptions", mock.Anything, int64(1)).
		Return([]models.Subscription{{RepoID: "acme/a"}, {RepoID: "acme/b"}}, nil).Once()
	mon.On("CheckNow", mock.Anything, []string{"acme/a", "acme/b"}).
		Return(monitor.SweepReport{Repos: 2, NewCommits: 4})

	report, err := c.CheckNow(context.Background(), 1)

	require.NoError(t, err)
	assert.Equal(t, 4, report.NewCommits)
	mon.AssertExpectations(t)

	store.On("ListSubscriptions", mock.Anything, int64(2)).Return([]models.Subscription{}, nil).Once()
	_, err = c.CheckNow(context.Background(), 2)
	assert.ErrorIs(t, err, ErrNoSubscriptions)
	mon.AssertNumberOfCalls(t, "CheckNow", 1)
}

func TestStats(t *testing.T) {
	base := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	var subs []models.Subscription
	for i := 0; i < 7; i++ {
		subs = append(subs, models.Subscription{
			RepoID:    fmt.Sprintf("acme/r%d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
	}
	rl := &models.RateLimit{Limit: 5000, Remaining: 4321}

	testCases := []struct {
		name          string
		setupMocks    func(*MockGitHubClient)
		expectConn    bool
		expectedLimit *models.RateLimit
	}{
		{
			name: "connected",
			setupMocks: func(remote *MockGitHubClient) {
				remote.On("TestConnection", mock.Anything).Return("octocat", nil)
				remote.On("RateLimit", mock.Anything).Return(rl, nil)
			},
			expectConn:    true,
			expectedLimit: rl,
		},
		{
			name: "rate limit unavailable",
			setupMocks: func(remote *MockGitHubClient) {
				remote.On("TestConnection", mock.Anything).Return("octocat", nil)
				remote.On("RateLimit", mock.Anything).Return(nil, github.ErrRemoteUnavailable)
			},
			expectConn: true,
		},
		{
			name: "disconnected",
			setupMocks: func(remote *MockGitHubClient) {
				remote.On("TestConnection", mock.Anything).Return("", github.ErrRemoteUnavailable)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c, store, remote, _ := newTestCommands()
			store.On("ListSubscriptions", mock.Anything, int64(1)).Return(subs, nil)
			store.On("ListAllMonitoredRepos", mock.Anything).Return(make([]models.MonitoredRepository, 12), nil)
			store.On("CountCommits", mock.Anything, "acme/r6").Return(0, db.ErrDatabaseConnection)
			store.On("CountCommits", mock.Anything, mock.Anything).Return(3, nil)
			tc.setupMocks(remote)

			stats, err := c.Stats(context.Background(), 1)

			require.NoError(t, err)
			assert.Equal(t, 7, stats.UserRepos)
			assert.Equal(t, 12, stats.TotalRepos)
			assert.Equal(t, time.Minute, stats.CheckInterval)
			assert.Equal(t, tc.expectConn, stats.Connected)
			assert.Equal(t, tc.expectedLimit, stats.RateLimit)
			require.Len(t, stats.RecentRepos, 5)
			assert.Equal(t, "acme/r6", stats.RecentRepos[0].RepoID)
			assert.Equal(t, "acme/r2", stats.RecentRepos[4].RepoID)
			assert.Equal(t, 3, stats.CommitCounts["acme/r5"])
			assert.NotContains(t, stats.CommitCounts, "acme/r6")
			remote.AssertExpectations(t)
		})
	}
}

func TestStatsStoreFailure(t *testing.T) {
	c, store, _, _ := newTestCommands()
	store.On("ListSubscriptions", mock.Anything, int64(1)).Return(nil, db.ErrDatabaseConnection)

	_, err := c.Stats(context.Background(), 1)
	assert.ErrorIs(t, err, db.ErrStore)
}

func TestSetLocale(t *testing.T) {
	c, store, _, _ := newTestCommands()
	store.On("SetUserLocale", mock.Anything, int64(1), "fa").Return(nil)

	assert.NoError(t, c.SetLocale(context.Background(), 1, "fa"))
	assert.ErrorIs(t, c.SetLocale(context.Background(), 1, "de"), ErrUnknownLocale)
	store.AssertNumberOfCalls(t, "SetUserLocale", 1)
}

func TestLocale(t *testing.T) {
	testCases := []struct {
		name     string
		locale   string
		known    bool
		err      error
		expected string
	}{
		{name: "stored", locale: "fa", known: true, expected: "fa"},
		{name: "unknown user", expected: "en"},
		{name: "store failure", err: db.ErrDatabaseConnection, expected: "en"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c, store, _, _ := newTestCommands()
			store.On("GetUserLocale", mock.Anything, int64(1)).Return(tc.locale, tc.known, tc.err)

			assert.Equal(t, tc.expected, c.Locale(context.Background(), 1))
		})
	}
}

func TestCheckConnection(t *testing.T) {
	testCases := []struct {
		name          string
		err           error
		expectedError error
	}{
		{name: "connected"},
		{name: "bad token is fatal", err: fmt.Errorf("%w: get user: 401", github.ErrRemoteAuth), expectedError: ErrServiceInit},
		{name: "outage is tolerated", err: fmt.Errorf("%w: get user: 502", github.ErrRemoteUnavailable)},
		{name: "rate limit is tolerated", err: github.ErrRemoteRateLimited},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			remote := new(MockGitHubClient)
			remote.On("TestConnection", mock.Anything).Return("octocat", tc.err)

			err := CheckConnection(context.Background(), remote, nil)

			if tc.expectedError != nil {
				assert.ErrorIs(t, err, tc.expectedError)
				assert.ErrorIs(t, err, github.ErrRemoteAuth)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStoreDSN(t *testing.T) {
	cfg := &config.Config{DBDriver: config.DriverSQLite, DatabasePath: "/tmp/cw.db"}
	assert.Equal(t, db.SQLiteDSN("/tmp/cw.db"), StoreDSN(cfg))

	cfg = &config.Config{
		DBDriver:     config.DriverPostgres,
		PostgresHost: "localhost",
		PostgresPort: "5432",
		PostgresUser: "cw",
		PostgresPass: "secret",
		PostgresDB:   "commitwatch",
	}
	assert.Equal(t, "user=cw password=secret dbname=commitwatch port=5432 host=localhost sslmode=disable", StoreDSN(cfg))
}

func TestOpenStoreMigrates(t *testing.T) {
	cfg := &config.Config{
		DBDriver:      config.DriverSQLite,
		DatabasePath:  t.TempDir() + "/commitwatch.db",
		DefaultLocale: "en",
	}

	store, err := OpenStore(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer store.Close()

	subs, err := store.ListSubscriptions(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, subs)
	assert.NoError(t, store.Ping(context.Background()))
}
