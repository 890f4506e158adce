package metrics

// Run metrics.
const (
	RunCount         = "run_count"
	RecordsRead      = "records_read"
	RecordsConverted = "records_converted"
	RecordsWritten   = "records_written"
	ConversionErrors = "conversion_errors"
	WriteErrors      = "write_errors"
	StageLatency     = "stage_latency_ms"
	RunLatency       = "run_latency_ms"
	CheckpointOffset = "checkpoint_offset"
	NoOpRun          = "no_op_run"
	RunError         = "run_error"
)

// Cycle metrics.
const (
	CycleLatency = "cycle_latency_ms"
	CycleStatus  = "cycle_status"
	CycleError   = "cycle_error"
	ConfigError  = "config_error"
)

// Tag keys.
const (
	TagFeed      = "feed"
	TagStatus    = "status"
	TagStage     = "stage"
	TagCause     = "cause"
	TagModule    = "module"
	TagPartition = "partition"
)
