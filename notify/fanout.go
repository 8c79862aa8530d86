package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"commitwatch/logger"
	"commitwatch/models"
)

const (
	// DefaultBatchCap is how many commits a subscriber gets as individual
	// messages before the rest collapse into a summary.
	DefaultBatchCap = 5
	// DefaultDelay paces consecutive messages to one subscriber.
	DefaultDelay = 500 * time.Millisecond
)

// ErrDelivery wraps every failed send to a subscriber.
var ErrDelivery = errors.New("delivery failed")

// Sink delivers a rendered message to one user.
type Sink interface {
	Send(ctx context.Context, userID int64, text string) error
}

// DeliveryReport counts the messages of one Deliver call.
type DeliveryReport struct {
	Sent   int
	Failed int
}

// Fanout sends a batch of commits to a single subscriber: up to BatchCap
// individual messages, then one summary for the rest, paced by Delay.
type Fanout struct {
	sink      Sink
	formatter *Formatter
	batchCap  int
	delay     time.Duration
	log       *zap.Logger
}

// NewFanout creates a Fanout. Non-positive cap or negative delay use defaults.
func NewFanout(sink Sink, formatter *Formatter, batchCap int, delay time.Duration, log *zap.Logger) *Fanout {
	if batchCap <= 0 {
		batchCap = DefaultBatchCap
	}
	if delay < 0 {
		delay = DefaultDelay
	}
	return &Fanout{
		sink:      sink,
		formatter: formatter,
		batchCap:  batchCap,
		delay:     delay,
		log:       logger.OrNop(log),
	}
}

// Deliver sends commits (newest first) to userID. A failed send is logged and
// counted and the remaining messages are still attempted.
func (f *Fanout) Deliver(ctx context.Context, userID int64, repo models.MonitoredRepository, commits []models.Commit, locale string) (DeliveryReport, error) {
	var report DeliveryReport
	if len(commits) == 0 {
		return report, nil
	}

	shown := commits
	if len(shown) > f.batchCap {
		shown = shown[:f.batchCap]
	}

	messages := make([]string, 0, len(shown)+1)
	for _, c := range shown {
		messages = append(messages, f.formatter.Format(repo, c, locale))
	}
	if extra := len(commits) - len(shown); extra > 0 {
		messages = append(messages, f.formatter.FormatSummary(repo, len(commits), len(shown), locale))
	}

	var firstErr error
	for i, text := range messages {
		if i > 0 {
			if err := sleep(ctx, f.delay); err != nil {
				return report, err
			}
		}

		if err := f.sink.Send(ctx, userID, text); err != nil {
			report.Failed++
			if firstErr == nil {
				firstErr = err
			}
			f.log.Error("Failed to send notification",
				zap.Int64("user_id", userID),
				zap.String("repo", repo.RepoID),
				zap.Int("message", i+1),
				zap.Error(err))
			continue
		}
		report.Sent++
	}

	if report.Failed > 0 {
		return report, fmt.Errorf("%w: %d of %d messages to user %d: %w",
			ErrDelivery, report.Failed, len(messages), userID, firstErr)
	}
	return report, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
