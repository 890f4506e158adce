package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go-ingest-pipeline/internal/metrics"
	"go-ingest-pipeline/internal/model"
)

// flushTimeout bounds the history write and metric flush after a cycle.
const flushTimeout = 30 * time.Second

// History records finished cycles. Failures are logged, never returned to
// the cycle.
type History interface {
	RecordCycle(ctx context.Context, cycle *model.CycleResult) error
}

// ManagerOptions tune a run cycle.
type ManagerOptions struct {
	// Timeout bounds the wall-clock time of a whole cycle. Zero disables it.
	Timeout time.Duration
	// Parallelism is the number of feeds run at once. Zero runs all at once.
	Parallelism int
	Reporters   *metrics.Reporters
	History     History
}

// Manager runs every feed once per cycle and aggregates the outcome.
type Manager struct {
	coordinators []*Coordinator
	opts         ManagerOptions

	cycleMu sync.Mutex
	mu      sync.RWMutex
	last    *model.CycleResult
}

// NewManager checks that feed names and checkpoint keys are unique.
func NewManager(coordinators []*Coordinator, opts ManagerOptions) (*Manager, error) {
	problems := &ConfigurationError{}
	if len(coordinators) == 0 {
		problems.Addf("at least one feed is required")
	}
	if opts.Timeout < 0 {
		problems.Addf("cycle timeout must not be negative")
	}
	if opts.Parallelism < 0 {
		problems.Addf("cycle parallelism must not be negative")
	}
	names := make(map[string]bool)
	keys := make(map[string]string)
	for _, c := range coordinators {
		feed := c.Feed()
		if names[feed.Name] {
			problems.Addf("duplicate feed name %q", feed.Name)
		}
		names[feed.Name] = true
		if other, ok := keys[feed.Key()]; ok {
			problems.Addf("feeds %q and %q share checkpoint key %q", other, feed.Name, feed.Key())
		} else {
			keys[feed.Key()] = feed.Name
		}
	}
	if err := problems.OrNil(); err != nil {
		return nil, err
	}
	if opts.Parallelism == 0 {
		opts.Parallelism = len(coordinators)
	}
	return &Manager{coordinators: coordinators, opts: opts}, nil
}

// Feeds lists the configured feeds in configuration order.
func (m *Manager) Feeds() []model.Feed {
	out := make([]model.Feed, 0, len(m.coordinators))
	for _, c := range m.coordinators {
		out = append(out, c.Feed())
	}
	return out
}

// LastCycle is the most recent finished cycle, nil before the first one.
func (m *Manager) LastCycle() *model.CycleResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// RunCycle runs every feed once. One feed's failure never stops another;
// feeds aborted or not yet started at the deadline fail with cause timeout.
// Cycles never overlap.
func (m *Manager) RunCycle(ctx context.Context) *model.CycleResult {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()
	return m.runCycle(ctx)
}

// TryRunCycle runs a cycle unless one is already in progress.
func (m *Manager) TryRunCycle(ctx context.Context) (*model.CycleResult, bool) {
	if !m.cycleMu.TryLock() {
		return nil, false
	}
	defer m.cycleMu.Unlock()
	return m.runCycle(ctx), true
}

func (m *Manager) runCycle(ctx context.Context) *model.CycleResult {
	timer := metrics.NewTimer(metrics.CycleLatency, nil)
	cycle := &model.CycleResult{CycleID: uuid.NewString(), StartedAt: time.Now()}
	logger := log.WithField("cycle", cycle.CycleID)
	logger.WithField("feeds", len(m.coordinators)).Info("cycle started")

	cctx, cancel := ctx, context.CancelFunc(func() {})
	if m.opts.Timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, m.opts.Timeout)
	}
	defer cancel()

	runs := make([]*model.RunResult, len(m.coordinators))
	var g errgroup.Group
	g.SetLimit(m.opts.Parallelism)
	for i, c := range m.coordinators {
		// A feed whose turn comes after the deadline fails fast inside Run.
		g.Go(func() error {
			runs[i] = c.Run(cctx)
			return nil
		})
	}
	_ = g.Wait()

	cycle.Runs = runs
	cycle.TimedOut = errors.Is(cctx.Err(), context.DeadlineExceeded) && anyTimeout(runs)
	cycle.Status = aggregate(runs)
	latency := timer.Stop()
	cycle.Elapsed = timer.Elapsed()

	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer fcancel()
	m.report(fctx, cycle, latency)

	if m.opts.History != nil {
		if err := m.opts.History.RecordCycle(fctx, cycle); err != nil {
			logger.WithField("error", err).Warn("recording cycle history failed")
		}
	}
	m.opts.Reporters.Finish(fctx)

	m.mu.Lock()
	m.last = cycle
	m.mu.Unlock()

	entry := logger.WithFields(log.Fields{
		"status":   cycle.Status,
		"failed":   cycle.Failed(),
		"feeds":    len(runs),
		"timedOut": cycle.TimedOut,
		"elapsed":  cycle.Elapsed.String(),
	})
	if cycle.Status == model.CycleAllSuccess {
		entry.Info("cycle finished")
	} else {
		entry.Warn("cycle finished with failures")
	}
	return cycle
}

func (m *Manager) report(ctx context.Context, cycle *model.CycleResult, latency metrics.Metric) {
	ms := []metrics.Metric{
		latency,
		metrics.NewLong(metrics.CycleStatus, int64(cycle.ExitCode()), map[string]string{metrics.TagStatus: string(cycle.Status)}),
	}
	if cycle.TimedOut {
		ms = append(ms, metrics.NewLong(metrics.CycleError, 1, map[string]string{
			metrics.TagModule: ModuleManager,
			metrics.TagCause:  string(CauseTimeout),
		}))
	}
	m.opts.Reporters.Report(ctx, ms...)
}

// Close releases every feed's collaborators.
func (m *Manager) Close() error {
	var errs []error
	for _, c := range m.coordinators {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func anyTimeout(runs []*model.RunResult) bool {
	for _, r := range runs {
		if r.FailureCause == string(CauseTimeout) {
			return true
		}
	}
	return false
}

func aggregate(runs []*model.RunResult) model.CycleStatus {
	failed := 0
	for _, r := range runs {
		if !r.Status.OK() {
			failed++
		}
	}
	switch {
	case failed == 0:
		return model.CycleAllSuccess
	case failed == len(runs):
		return model.CycleAllFailed
	default:
		return model.CyclePartial
	}
}
