package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"go-ingest-pipeline/internal/model"
)

// ErrCircuitOpen stops the loop after too many consecutive cycles in which
// every feed failed.
var ErrCircuitOpen = errors.New("circuit open")

// CycleFunc runs one cycle over all feeds.
type CycleFunc func(ctx context.Context) *model.CycleResult

// Loop runs cycles until the context ends. A healthy cycle is followed by
// the interval; any failure by an exponential backoff. Only cycles in which
// every feed failed count toward the circuit breaker.
type Loop struct {
	cfg   model.BackoffConfig
	cycle CycleFunc
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a loop; zero fields of cfg take their defaults.
func New(cfg model.BackoffConfig, cycle CycleFunc) *Loop {
	return &Loop{cfg: cfg.WithDefaults(), cycle: cycle, sleep: sleep}
}

// Run blocks until ctx is done (returning nil) or the circuit opens.
func (l *Loop) Run(ctx context.Context) error {
	var failures, allFailed int
	for n := 1; ; n++ {
		result := l.cycle(ctx)
		if ctx.Err() != nil {
			log.WithField("cycles", n).Info("supervisor stopped")
			return nil
		}

		var wait time.Duration
		switch result.Status {
		case model.CycleAllSuccess:
			failures, allFailed = 0, 0
			wait = l.cfg.Interval
		case model.CycleAllFailed:
			failures++
			allFailed++
			wait = l.cfg.Backoff(failures)
		default:
			failures++
			allFailed = 0
			wait = l.cfg.Backoff(failures)
		}

		entry := log.WithFields(log.Fields{
			"cycle":     result.CycleID,
			"status":    result.Status,
			"failures":  failures,
			"allFailed": allFailed,
			"next":      wait.String(),
		})
		if allFailed >= l.cfg.MaxConsecutiveFailures {
			entry.Error("too many consecutive failed cycles, giving up")
			return fmt.Errorf("%w: %d consecutive cycles failed", ErrCircuitOpen, allFailed)
		}
		if failures > 0 {
			entry.Warn("cycle failed, backing off")
		} else {
			entry.Debug("waiting for next cycle")
		}

		if err := l.sleep(ctx, wait); err != nil {
			log.WithField("cycles", n).Info("supervisor stopped")
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
