package model

import "time"

// RunState is a step of the run coordinator's state machine.
type RunState string

const (
	StateInit         RunState = "INIT"
	StateWorkComputed RunState = "WORK_COMPUTED"
	StateRead         RunState = "READ"
	StateConverted    RunState = "CONVERTED"
	StateWritten      RunState = "WRITTEN"
	StateCheckpointed RunState = "CHECKPOINTED"
	StateDone         RunState = "DONE"
	StateFailed       RunState = "FAILED"
)

// Terminal reports whether no transition leaves the state.
func (s RunState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// RunStatus is the outcome of one run.
type RunStatus string

const (
	RunSuccess                       RunStatus = "SUCCESS"
	RunPartialFailureWithinTolerance RunStatus = "PARTIAL_FAILURE_WITHIN_TOLERANCE"
	RunFailed                        RunStatus = "FAILED"
)

// OK reports whether the run completed, with or without absorbed errors.
func (s RunStatus) OK() bool {
	return s == RunSuccess || s == RunPartialFailureWithinTolerance
}

// RunResult is the outcome of one run coordinator invocation.
type RunResult struct {
	RunID  string     `json:"run_id"`
	Feed   string     `json:"feed"`
	Status RunStatus  `json:"status"`
	States []RunState `json:"states"`
	NoOp   bool       `json:"no_op"`

	WorkUnit         WorkUnit `json:"work_unit"`
	RecordsRead      int64    `json:"records_read"`
	RecordsConverted int64    `json:"records_converted"`
	RecordsWritten   int64    `json:"records_written"`
	ConversionErrors int64    `json:"conversion_errors"`
	WriteErrors      int64    `json:"write_errors"`

	ErrorsByCause   map[ErrorCause]int64 `json:"errors_by_cause,omitempty"`
	Errors          []RecordError        `json:"errors,omitempty"`
	ErrorsTruncated bool                 `json:"errors_truncated"`

	StageDurations   map[RunState]time.Duration `json:"stage_durations"`
	CheckpointBefore *Checkpoint                `json:"checkpoint_before,omitempty"`
	CheckpointAfter  *Checkpoint                `json:"checkpoint_after,omitempty"`

	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`

	FailureCause string `json:"failure_cause,omitempty"`
	Error        string `json:"error,omitempty"`
	Err          error  `json:"-"`
}

// State is the last state the run reached.
func (r *RunResult) State() RunState {
	if len(r.States) == 0 {
		return StateInit
	}
	return r.States[len(r.States)-1]
}

// Reached reports whether the run passed through the given state.
func (r *RunResult) Reached(s RunState) bool {
	for _, st := range r.States {
		if st == s {
			return true
		}
	}
	return false
}

// CycleStatus aggregates the runs of one cycle.
type CycleStatus string

const (
	CycleAllSuccess CycleStatus = "ALL_SUCCESS"
	CyclePartial    CycleStatus = "PARTIAL"
	CycleAllFailed  CycleStatus = "ALL_FAILED"
)

// CycleResult is the outcome of one run cycle over all feeds.
type CycleResult struct {
	CycleID   string        `json:"cycle_id"`
	Status    CycleStatus   `json:"status"`
	Runs      []*RunResult  `json:"runs"`
	TimedOut  bool          `json:"timed_out"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
}

// ExitCode maps the cycle status to a process exit status for a supervisor.
func (c *CycleResult) ExitCode() int {
	switch c.Status {
	case CycleAllSuccess:
		return 0
	case CyclePartial:
		return 1
	default:
		return 2
	}
}

// Failed counts the failed runs of the cycle.
func (c *CycleResult) Failed() int {
	n := 0
	for _, r := range c.Runs {
		if !r.Status.OK() {
			n++
		}
	}
	return n
}
