package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"go-ingest-pipeline/internal/metrics"
	"go-ingest-pipeline/internal/model"
)

// Source reads raw records. Read delivers the records of unit in offset order
// per partition; it is one-shot and must stop at every range's End.
type Source interface {
	AvailableRange(ctx context.Context) (model.SourceRange, error)
	Read(ctx context.Context, unit model.WorkUnit, fn func(model.RawRecord) error) error
	Close() error
}

// Sink commits a batch atomically. A returned error means nothing of the
// batch is durable; otherwise the outcome accounts for every record.
type Sink interface {
	Commit(ctx context.Context, records []model.ConvertedRecord) (*model.WriteOutcome, error)
	Close() error
}

// CheckpointStore persists one checkpoint per key. Get returns nil when no
// checkpoint exists. CompareAndSet stores next only if the stored version is
// still prior's (zero for nil) and returns model.ErrCheckpointConflict
// otherwise.
type CheckpointStore interface {
	Get(ctx context.Context, key string) (*model.Checkpoint, error)
	CompareAndSet(ctx context.Context, key string, prior, next *model.Checkpoint) (*model.Checkpoint, error)
}

// CoordinatorOptions tune one feed's runs.
type CoordinatorOptions struct {
	MaxUnitSize    int64
	Tolerance      float64
	MaxErrors      int
	ConvertWorkers int
	StartPosition  StartPosition
}

// Coordinator runs one feed: compute the unit, read, convert, write, advance
// the checkpoint. Runs of one coordinator never overlap.
type Coordinator struct {
	feed      model.Feed
	source    Source
	converter Converter
	sink      Sink
	store     CheckpointStore
	reporters *metrics.Reporters
	calc      *WorkUnitCalculator
	opts      CoordinatorOptions

	mu sync.Mutex
}

// NewCoordinator wires the collaborators of a feed.
func NewCoordinator(feed model.Feed, source Source, converter Converter, sink Sink, store CheckpointStore, reporters *metrics.Reporters, opts CoordinatorOptions) (*Coordinator, error) {
	problems := &ConfigurationError{}
	if feed.Name == "" {
		problems.Addf("feed name is required")
	}
	if source == nil || converter == nil || sink == nil || store == nil {
		problems.Addf("feed %q: source, converter, sink and checkpoint store are required", feed.Name)
	}
	if opts.MaxUnitSize <= 0 {
		problems.Addf("feed %q: maxUnitSize must be positive", feed.Name)
	}
	if opts.Tolerance < 0 || opts.Tolerance > 1 {
		problems.Addf("feed %q: tolerance must be within [0,1], got %v", feed.Name, opts.Tolerance)
	}
	if err := problems.OrNil(); err != nil {
		return nil, err
	}
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = model.DefaultMaxErrors
	}
	return &Coordinator{
		feed:      feed,
		source:    source,
		converter: converter,
		sink:      sink,
		store:     store,
		reporters: reporters,
		calc:      NewWorkUnitCalculator(opts.StartPosition),
		opts:      opts,
	}, nil
}

// Feed is the feed this coordinator runs.
func (c *Coordinator) Feed() model.Feed { return c.feed }

// Close releases the source and the sink.
func (c *Coordinator) Close() error {
	return errors.Join(c.source.Close(), c.sink.Close())
}

// run carries the state of one invocation.
type run struct {
	*model.RunResult
	logger     *log.Entry
	stageStart time.Time
	prior      *model.Checkpoint
	conv       *model.ErrorCollector
	outcome    *model.WriteOutcome
}

func (r *run) enter(s model.RunState) {
	now := time.Now()
	r.StageDurations[s] = now.Sub(r.stageStart)
	r.stageStart = now
	r.States = append(r.States, s)
	r.logger.WithField("stage", s).Debug("stage complete")
}

// Run executes one run to a terminal state. It never panics on run-level
// failures; they are reported in the result.
func (c *Coordinator) Run(ctx context.Context) *model.RunResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	r := &run{
		RunResult: &model.RunResult{
			RunID:          uuid.NewString(),
			Feed:           c.feed.Name,
			States:         []model.RunState{model.StateInit},
			StageDurations: make(map[model.RunState]time.Duration),
			StartedAt:      start,
		},
		stageStart: start,
	}
	r.logger = log.WithFields(log.Fields{"feed": c.feed.Name, "run": r.RunID})

	err := c.execute(ctx, r)
	r.Elapsed = time.Since(start)
	c.finish(ctx, r, err)
	return r.RunResult
}

func (c *Coordinator) execute(ctx context.Context, r *run) error {
	key := c.feed.Key()

	// INIT -> WORK_COMPUTED
	if err := ctx.Err(); err != nil {
		return &TimeoutError{Stage: model.StateInit, Err: err}
	}
	prior, err := c.store.Get(ctx, key)
	if err != nil {
		return c.abortOr(ctx, model.StateInit, &CheckpointReadError{Key: key, Err: err})
	}
	r.prior = prior
	r.CheckpointBefore = prior
	r.CheckpointAfter = prior

	available, err := c.source.AvailableRange(ctx)
	if err != nil {
		return c.abortOr(ctx, model.StateInit, &SourceReadError{Err: err})
	}
	unit, err := c.calc.ComputeNextWorkUnit(prior, available, c.opts.MaxUnitSize)
	if err != nil {
		return err
	}
	r.WorkUnit = unit
	r.enter(model.StateWorkComputed)

	if unit.IsEmpty() {
		r.NoOp = true
		if err := c.seed(ctx, r, key, unit); err != nil {
			return err
		}
		r.enter(model.StateDone)
		return nil
	}

	// WORK_COMPUTED -> READ
	raws := make([]model.RawRecord, 0, unit.Count())
	err = c.source.Read(ctx, unit, func(raw model.RawRecord) error {
		raws = append(raws, raw)
		return nil
	})
	if err != nil {
		return c.abortOr(ctx, model.StateWorkComputed, &SourceReadError{Err: err})
	}
	r.RecordsRead = int64(len(raws))
	r.enter(model.StateRead)

	// READ -> CONVERTED
	r.conv = model.NewErrorCollector(c.opts.MaxErrors)
	records, err := convertAll(ctx, c.converter, raws, c.opts.ConvertWorkers, r.conv)
	if err != nil {
		return &TimeoutError{Stage: model.StateRead, Err: err}
	}
	r.RecordsConverted = int64(len(records))
	r.ConversionErrors = r.conv.Count()
	if rate := r.conv.ErrorRate(); rate > c.opts.Tolerance {
		return &ToleranceExceededError{Stage: StageConversion, Errors: r.conv.Count(), Total: r.conv.TotalRecords(), Tolerance: c.opts.Tolerance}
	}
	r.enter(model.StateConverted)

	// CONVERTED -> WRITTEN
	if len(records) > 0 {
		if err := ctx.Err(); err != nil {
			return &TimeoutError{Stage: model.StateConverted, Err: err}
		}
		outcome, err := c.sink.Commit(ctx, records)
		if err != nil {
			return c.abortOr(ctx, model.StateConverted, &WriteCommitError{Err: err})
		}
		if outcome == nil {
			return &WriteCommitError{Err: errors.New("sink returned no outcome")}
		}
		if got := outcome.TotalRecords(); got != int64(len(records)) {
			return &WriteCommitError{Err: fmt.Errorf("sink accounted for %d of %d records", got, len(records))}
		}
		r.outcome = outcome
		r.RecordsWritten = outcome.Successes()
		r.WriteErrors = outcome.Count()
		if rate := outcome.ErrorRate(); rate > c.opts.Tolerance {
			r.enter(model.StateWritten)
			return &ToleranceExceededError{Stage: StageWrite, Errors: outcome.Count(), Total: outcome.TotalRecords(), Tolerance: c.opts.Tolerance}
		}
	}
	r.enter(model.StateWritten)

	// WRITTEN -> CHECKPOINTED
	written := len(records) > 0
	if err := ctx.Err(); err != nil {
		return &TimeoutError{Stage: model.StateWritten, Err: err}
	}
	next := prior.Advance(unit)
	if err := next.NotBefore(prior); err != nil {
		return &CheckpointCommitError{Err: err, Written: written}
	}
	stored, err := c.store.CompareAndSet(ctx, key, prior, next)
	if err != nil {
		return c.abortOr(ctx, model.StateWritten, &CheckpointCommitError{Err: err, Written: written})
	}
	r.CheckpointAfter = stored
	r.enter(model.StateCheckpointed)

	r.enter(model.StateDone)
	return nil
}

// seed commits the partitions a latest start placed at their High watermark
// when the unit is otherwise empty, so later runs resume from there instead
// of from whatever High is by then.
func (c *Coordinator) seed(ctx context.Context, r *run, key string, unit model.WorkUnit) error {
	if c.calc.start != StartLatest {
		return nil
	}
	var fresh []int32
	for _, pr := range unit.Ranges {
		if _, ok := r.prior.Offset(pr.Partition); !ok {
			fresh = append(fresh, pr.Partition)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	stored, err := c.store.CompareAndSet(ctx, key, r.prior, r.prior.Advance(unit))
	if err != nil {
		return c.abortOr(ctx, model.StateWorkComputed, &CheckpointCommitError{Err: fmt.Errorf("seeding partitions %v: %w", fresh, err)})
	}
	r.CheckpointAfter = stored
	r.logger.WithField("partitions", fresh).WithField("checkpoint", stored.String()).Info("seeded checkpoint at latest")
	return nil
}

// abortOr reports a cancelled context as a timeout and err otherwise.
func (c *Coordinator) abortOr(ctx context.Context, stage model.RunState, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return &TimeoutError{Stage: stage, Err: errors.Join(cerr, err)}
	}
	return err
}

func (c *Coordinator) finish(ctx context.Context, r *run, err error) {
	all := model.NewErrorCollector(c.opts.MaxErrors)
	all.Merge(r.conv)
	if r.outcome != nil {
		all.Merge(r.outcome.ErrorCollector)
	}
	r.ErrorsByCause = all.ErrorsByCause()
	r.Errors = all.Errors()
	r.ErrorsTruncated = all.Truncated()

	fields := log.Fields{
		"unit":       r.WorkUnit.String(),
		"read":       r.RecordsRead,
		"converted":  r.RecordsConverted,
		"written":    r.RecordsWritten,
		"convErrors": r.ConversionErrors,
		"writeErrs":  r.WriteErrors,
		"elapsed":    r.Elapsed.String(),
	}

	reached := r.State()
	switch {
	case err != nil:
		r.Status = model.RunFailed
		r.Err = err
		r.Error = err.Error()
		r.FailureCause = string(Classify(err))
		r.CheckpointAfter = r.prior
		r.States = append(r.States, model.StateFailed)

		entry := r.logger.WithFields(fields).WithFields(log.Fields{
			"cause":  r.FailureCause,
			"module": moduleOf(err, reached),
			"error":  err,
		})
		var ckpt *CheckpointCommitError
		if (errors.As(err, &ckpt) && ckpt.Written) || (reached == model.StateWritten && dataWritten(r)) {
			entry.Error("data written, checkpoint not advanced")
		} else {
			entry.Warn("run failed")
		}
	case all.HasErrors():
		r.Status = model.RunPartialFailureWithinTolerance
		r.logger.WithFields(fields).WithField("checkpoint", r.CheckpointAfter.String()).Info("run completed with absorbed errors")
	default:
		r.Status = model.RunSuccess
		if r.NoOp {
			r.logger.Info("no new data")
		} else {
			r.logger.WithFields(fields).WithField("checkpoint", r.CheckpointAfter.String()).Info("run completed")
		}
	}

	c.reporters.Report(ctx, c.runMetrics(r, err, reached)...)
}

func dataWritten(r *run) bool {
	return r.outcome != nil && r.outcome.Successes() > 0
}

func (c *Coordinator) runMetrics(r *run, err error, reached model.RunState) []metrics.Metric {
	feed := map[string]string{metrics.TagFeed: c.feed.Name}
	tagged := func(k, v string) map[string]string {
		return map[string]string{metrics.TagFeed: c.feed.Name, k: v}
	}

	ms := []metrics.Metric{
		metrics.NewLong(metrics.RunCount, 1, tagged(metrics.TagStatus, string(r.Status))),
		metrics.NewLong(metrics.RecordsRead, r.RecordsRead, feed),
		metrics.NewLong(metrics.RecordsConverted, r.RecordsConverted, feed),
		metrics.NewLong(metrics.RecordsWritten, r.RecordsWritten, feed),
		metrics.NewLong(metrics.ConversionErrors, r.ConversionErrors, feed),
		metrics.NewLong(metrics.WriteErrors, r.WriteErrors, feed),
		metrics.NewLong(metrics.RunLatency, r.Elapsed.Milliseconds(), feed),
	}
	for cause, n := range r.ErrorsByCause {
		name := metrics.ConversionErrors
		if cause.IsWriteCause() {
			name = metrics.WriteErrors
		}
		ms = append(ms, metrics.NewLong(name, n, tagged(metrics.TagCause, string(cause))))
	}
	for stage, d := range r.StageDurations {
		ms = append(ms, metrics.NewLong(metrics.StageLatency, d.Milliseconds(), tagged(metrics.TagStage, string(stage))))
	}
	if cp := r.CheckpointAfter; cp != nil {
		for p, off := range cp.Offsets {
			ms = append(ms, metrics.NewLong(metrics.CheckpointOffset, off, tagged(metrics.TagPartition, strconv.Itoa(int(p)))))
		}
	}
	if r.NoOp {
		ms = append(ms, metrics.NewLong(metrics.NoOpRun, 1, feed))
	}
	if err != nil {
		ms = append(ms, metrics.NewLong(metrics.RunError, 1, map[string]string{
			metrics.TagFeed:   c.feed.Name,
			metrics.TagModule: moduleOf(err, reached),
			metrics.TagCause:  string(Classify(err)),
		}))
	}
	return ms
}
