// Package monitor runs the periodic sweep that turns new commits into
// notifications.
package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"commitwatch/detector"
	"commitwatch/logger"
	"commitwatch/models"
	"commitwatch/notify"
)

// DefaultInterval is the time between two sweeps.
const DefaultInterval = 60 * time.Second

// ErrAlreadyRunning is returned by Start on a running scheduler.
var ErrAlreadyRunning = errors.New("scheduler already running")

// State is the lifecycle state of a Scheduler.
type State int32

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "stopped"
}

// DBInterface abstracts the store operations the sweep needs
// (for testability)
type DBInterface interface {
	ListAllMonitoredRepos(ctx context.Context) ([]models.MonitoredRepository, error)
	GetRepository(ctx context.Context, repoID string) (*models.MonitoredRepository, error)
	RecordCommits(ctx context.Context, commits []models.Commit) ([]models.Commit, error)
	SetWatermark(ctx context.Context, repoID, sha string, date, checkedAt time.Time) error
	MarkChecked(ctx context.Context, repoID string, checkedAt time.Time) error
	ListSubscribers(ctx context.Context, repoID string) ([]int64, error)
	GetUserLocale(ctx context.Context, userID int64) (string, bool, error)
}

// DetectorInterface finds new commits of a repository.
type DetectorInterface interface {
	Detect(ctx context.Context, repo models.MonitoredRepository) (detector.Result, error)
}

// FanoutInterface delivers a batch of commits to one subscriber.
type FanoutInterface interface {
	Deliver(ctx context.Context, userID int64, repo models.MonitoredRepository, commits []models.Commit, locale string) (notify.DeliveryReport, error)
}

// Options configures a Scheduler.
type Options struct {
	Interval      time.Duration
	DefaultLocale string
	Logger        *zap.Logger
	// Now overrides the clock used for check timestamps.
	Now func() time.Time
}

// Scheduler drives sweeps on a fixed interval and on demand.
type Scheduler struct {
	store         DBInterface
	detector      DetectorInterface
	fanout        FanoutInterface
	interval      time.Duration
	defaultLocale string
	now           func() time.Time
	log           *zap.Logger

	mu       sync.Mutex
	state    State
	cron     *cron.Cron
	initial  sync.WaitGroup
	stopping atomic.Bool

	locksMu   sync.Mutex
	repoLocks map[string]*sync.Mutex
}

// New creates a stopped Scheduler.
func New(store DBInterface, det DetectorInterface, fanout FanoutInterface, opts Options) *Scheduler {
	s := &Scheduler{
		store:         store,
		detector:      det,
		fanout:        fanout,
		interval:      opts.Interval,
		defaultLocale: opts.DefaultLocale,
		now:           opts.Now,
		log:           logger.OrNop(opts.Logger),
		repoLocks:     make(map[string]*sync.Mutex),
	}
	if s.interval <= 0 {
		s.interval = DefaultInterval
	}
	if s.defaultLocale == "" {
		s.defaultLocale = "en"
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Interval returns the time between sweeps.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Start runs a first sweep immediately and then one every interval. Sweeps
// never overlap: a tick that fires while a sweep is running is skipped.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRunning {
		return ErrAlreadyRunning
	}

	cronLog := logger.CronLogger{L: s.log}
	c := cron.New(cron.WithLogger(cronLog))

	// Sweeps run on a context detached from ctx so an in-flight repository
	// step can finish after shutdown is requested.
	sweepCtx := context.WithoutCancel(ctx)
	job := cron.NewChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)).
		Then(cron.FuncJob(func() { s.Sweep(sweepCtx) }))
	c.Schedule(cron.Every(s.interval), job)

	s.stopping.Store(false)
	c.Start()
	s.cron = c
	s.state = StateRunning

	s.initial.Add(1)
	go func() {
		defer s.initial.Done()
		job.Run()
	}()

	s.log.Info("Monitoring started", zap.Duration("interval", s.interval))
	return nil
}

// Stop prevents new sweeps and new repository steps from starting, then waits
// for the in-flight step to finish or ctx to expire. Stopping a stopped
// scheduler is a no-op.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.stopping.Store(true)
	c := s.cron
	s.cron = nil
	s.state = StateStopped
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		s.initial.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("Monitoring stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("Timed out waiting for the running sweep", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

func (s *Scheduler) repoLock(repoID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.repoLocks[repoID]
	if !ok {
		l = &sync.Mutex{}
		s.repoLocks[repoID] = l
	}
	return l
}
