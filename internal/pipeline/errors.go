package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go-ingest-pipeline/internal/model"
)

// Cause is the error cause tag attached to run and cycle error metrics.
type Cause string

const (
	CauseUnknown           Cause = "unknown"
	CauseConfiguration     Cause = "configuration"
	CauseCheckpointInvalid Cause = "checkpoint_invalid"
	CauseSourceRead        Cause = "source_read"
	CauseToleranceExceeded Cause = "tolerance_exceeded"
	CauseWriteCommit       Cause = "write_commit"
	CauseCheckpointRead    Cause = "checkpoint_read"
	CauseCheckpointCommit  Cause = "checkpoint_commit"
	CauseTimeout           Cause = "timeout"
)

// Module tags name the component a run failed in.
const (
	ModuleWorkUnit   = "work_unit"
	ModuleSource     = "source"
	ModuleConverter  = "converter"
	ModuleSink       = "sink"
	ModuleCheckpoint = "checkpoint_store"
	ModuleManager    = "manager"
	ModuleConfig     = "config"
)

// ConfigurationError accumulates every problem found in a configuration. It
// is fatal for the whole cycle.
type ConfigurationError struct {
	problems []error
}

// NewConfigurationError creates an error with a single problem.
func NewConfigurationError(format string, args ...interface{}) *ConfigurationError {
	e := &ConfigurationError{}
	e.Addf(format, args...)
	return e
}

// Add records a problem.
func (e *ConfigurationError) Add(err error) {
	e.problems = append(e.problems, err)
}

// Addf records a formatted problem.
func (e *ConfigurationError) Addf(format string, args ...interface{}) {
	e.problems = append(e.problems, fmt.Errorf(format, args...))
}

// Len is the number of problems recorded.
func (e *ConfigurationError) Len() int { return len(e.problems) }

// OrNil returns e when it holds problems, nil otherwise.
func (e *ConfigurationError) OrNil() error {
	if e == nil || len(e.problems) == 0 {
		return nil
	}
	return e
}

func (e *ConfigurationError) Unwrap() []error { return e.problems }

func (e *ConfigurationError) Error() string {
	if len(e.problems) == 1 {
		return "invalid configuration: " + e.problems[0].Error()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "invalid configuration (%d problems):", len(e.problems))
	for _, p := range e.problems {
		b.WriteString("\n - ")
		b.WriteString(p.Error())
	}
	return b.String()
}

// CheckpointInvalidError reports a committed offset that the source no longer
// holds: below Low (expired), above High (deleted or recreated), or in a
// partition the source stopped reporting (Missing).
type CheckpointInvalidError struct {
	Partition int32
	Offset    int64
	Low       int64
	High      int64
	Missing   bool
}

func (e *CheckpointInvalidError) Error() string {
	if e.Missing {
		return fmt.Sprintf("checkpoint invalid for partition %d: offset %d committed but the partition is gone", e.Partition, e.Offset)
	}
	reason := "ahead of the source"
	if e.Offset < e.Low {
		reason = "expired upstream"
	}
	return fmt.Sprintf("checkpoint invalid for partition %d: offset %d %s (available [%d,%d))",
		e.Partition, e.Offset, reason, e.Low, e.High)
}

// SourceReadError wraps a failure to fetch the range or the records of a unit.
type SourceReadError struct {
	Err error
}

func (e *SourceReadError) Error() string { return "source read failed: " + e.Err.Error() }
func (e *SourceReadError) Unwrap() error { return e.Err }

// Tolerance-checked stages.
const (
	StageConversion = "conversion"
	StageWrite      = "write"
)

// ToleranceExceededError reports a stage whose per-record error rate is above
// the configured threshold.
type ToleranceExceededError struct {
	Stage     string
	Errors    int64
	Total     int64
	Tolerance float64
}

// Rate is the observed error fraction.
func (e *ToleranceExceededError) Rate() float64 {
	if e.Total == 0 {
		return 0
	}
	return float64(e.Errors) / float64(e.Total)
}

func (e *ToleranceExceededError) Error() string {
	return fmt.Sprintf("%s error rate %.4f (%d/%d) exceeds tolerance %.4f",
		e.Stage, e.Rate(), e.Errors, e.Total, e.Tolerance)
}

// WriteCommitError wraps a hard failure of a whole sink commit.
type WriteCommitError struct {
	Err error
}

func (e *WriteCommitError) Error() string { return "sink commit failed: " + e.Err.Error() }
func (e *WriteCommitError) Unwrap() error { return e.Err }

// CheckpointReadError wraps a failure to load the prior checkpoint. Nothing
// has been read or written when it is returned.
type CheckpointReadError struct {
	Key string
	Err error
}

func (e *CheckpointReadError) Error() string {
	return fmt.Sprintf("reading checkpoint %q: %v", e.Key, e.Err)
}

func (e *CheckpointReadError) Unwrap() error { return e.Err }

// CheckpointCommitError wraps a failed checkpoint compare-and-set.
// When Written is set the sink already holds the data of the unit.
type CheckpointCommitError struct {
	Err     error
	Written bool
}

func (e *CheckpointCommitError) Error() string {
	if e.Written {
		return "data written, checkpoint not advanced: " + e.Err.Error()
	}
	return "checkpoint store: " + e.Err.Error()
}

func (e *CheckpointCommitError) Unwrap() error { return e.Err }

// TimeoutError reports a run aborted by cancellation or the cycle deadline.
type TimeoutError struct {
	Stage model.RunState
	Err   error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("run aborted during %s: %v", e.Stage, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Classify maps err to its cause tag. Timeouts win over every wrapped cause.
func Classify(err error) Cause {
	if err == nil {
		return CauseUnknown
	}
	var (
		timeout   *TimeoutError
		cfg       *ConfigurationError
		invalid   *CheckpointInvalidError
		read      *SourceReadError
		tolerance *ToleranceExceededError
		commit    *WriteCommitError
		load      *CheckpointReadError
		ckpt      *CheckpointCommitError
	)
	switch {
	case errors.As(err, &timeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return CauseTimeout
	case errors.As(err, &cfg):
		return CauseConfiguration
	case errors.As(err, &invalid):
		return CauseCheckpointInvalid
	case errors.As(err, &read):
		return CauseSourceRead
	case errors.As(err, &tolerance):
		return CauseToleranceExceeded
	case errors.As(err, &commit):
		return CauseWriteCommit
	case errors.As(err, &load):
		return CauseCheckpointRead
	case errors.As(err, &ckpt):
		return CauseCheckpointCommit
	}
	return CauseUnknown
}

// moduleOf names the component a run failed in, given the last state it
// reached before failing.
func moduleOf(err error, reached model.RunState) string {
	switch Classify(err) {
	case CauseConfiguration:
		return ModuleConfig
	case CauseCheckpointInvalid:
		return ModuleWorkUnit
	case CauseSourceRead:
		return ModuleSource
	case CauseWriteCommit:
		return ModuleSink
	case CauseCheckpointRead, CauseCheckpointCommit:
		return ModuleCheckpoint
	case CauseToleranceExceeded:
		var tolerance *ToleranceExceededError
		if errors.As(err, &tolerance) && tolerance.Stage == StageWrite {
			return ModuleSink
		}
		return ModuleConverter
	}
	switch reached {
	case model.StateInit:
		return ModuleWorkUnit
	case model.StateWorkComputed:
		return ModuleSource
	case model.StateRead:
		return ModuleConverter
	case model.StateConverted:
		return ModuleSink
	case model.StateWritten:
		return ModuleCheckpoint
	}
	return ModuleManager
}
