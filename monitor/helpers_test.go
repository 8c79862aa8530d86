package monitor

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"commitwatch/db"
	"commitwatch/detector"
	"commitwatch/models"
	"commitwatch/notify"
)

var now = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

// fakeRemote serves canned commit pages per repository.
type fakeRemote struct {
	mu      sync.Mutex
	commits map[string][]models.Commit
	errs    map[string]error
	since   map[string]time.Time
	calls   int
	// gate, when set, blocks every call until it is closed.
	gate chan struct{}
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		commits: make(map[string][]models.Commit),
		errs:    make(map[string]error),
		since:   make(map[string]time.Time),
	}
}

func (f *fakeRemote) set(repoID string, commits ...models.Commit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits[repoID] = commits
	delete(f.errs, repoID)
}

func (f *fakeRemote) fail(repoID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[repoID] = err
}

func (f *fakeRemote) ListCommitsSince(ctx context.Context, repoID, branch string, since time.Time) ([]models.Commit, error) {
	f.mu.Lock()
	gate := f.gate
	f.calls++
	f.since[repoID] = since
	commits, err := f.commits[repoID], f.errs[repoID]
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return append([]models.Commit(nil), commits...), nil
}

// recordingSink collects delivered messages per user and fails for some users.
type recordingSink struct {
	mu       sync.Mutex
	messages map[int64][]string
	failFor  map[int64]error
	// afterSend, when set, runs after every successful send.
	afterSend func()
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		messages: make(map[int64][]string),
		failFor:  make(map[int64]error),
	}
}

func (s *recordingSink) Send(ctx context.Context, userID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.failFor[userID]; err != nil {
		s.mu.Unlock()
		return err
	}
	s.messages[userID] = append(s.messages[userID], text)
	hook := s.afterSend
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (s *recordingSink) sent(userID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages[userID]...)
}

func (s *recordingSink) summaries(userID int64) int {
	n := 0
	for _, m := range s.sent(userID) {
		if strings.Contains(m, "more new commits") {
			n++
		}
	}
	return n
}

type harness struct {
	store     *db.DB
	remote    *fakeRemote
	sink      *recordingSink
	scheduler *Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	dsn := fmt.Sprintf(
		"file:%s?mode=memory&cache=shared&_pragma=foreign_keys(ON)&_time_format=sqlite",
		url.PathEscape(t.Name()),
	)
	store, err := db.Open(ctx, db.DriverSQLite, dsn, db.Options{DefaultLocale: "en"}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { _ = store.Close() })

	catalog, err := notify.NewCatalog("en", "", nil)
	require.NoError(t, err)

	remote := newFakeRemote()
	sink := newRecordingSink()
	det := detector.New(remote, store, detector.WithClock(clock))
	fanout := notify.NewFanout(sink, notify.NewFormatter(catalog), 5, 0, nil)

	return &harness{
		store:     store,
		remote:    remote,
		sink:      sink,
		scheduler: New(store, det, fanout, Options{Interval: time.Hour, Now: clock}),
	}
}

func (h *harness) subscribe(t *testing.T, userID int64, repoID string) {
	t.Helper()
	require.NoError(t, h.store.AddSubscription(context.Background(), userID, repoID, "https://github.com/"+repoID, "main"))
}

func (h *harness) watermark(t *testing.T, repoID string) *models.Watermark {
	t.Helper()
	wm, err := h.store.GetWatermark(context.Background(), repoID)
	require.NoError(t, err)
	return wm
}

func at(repoID, sha string, ts time.Time) models.Commit {
	return models.Commit{
		RepoID:     repoID,
		SHA:        sha,
		Message:    "commit " + sha,
		AuthorName: "Ada",
		Date:       ts,
		URL:        "https://github.com/" + repoID + "/commit/" + sha,
		Added:      1,
	}
}
