package model

import (
	"fmt"
	"time"
)

// GenericRecord is a schema-agnostic map for any decoded record payload
type GenericRecord map[string]interface{}

// RawRecord is one unit of data as produced by a source.
type RawRecord struct {
	Partition int32             `json:"partition"`
	Offset    int64             `json:"offset"`
	Key       []byte            `json:"key,omitempty"`
	Value     []byte            `json:"value"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp,omitempty"`
}

// ConvertedRecord is a record in the sink's shape. RecordKey and
// PartitionPath are never empty.
type ConvertedRecord struct {
	RecordKey       string        `json:"record_key"`
	PartitionPath   string        `json:"partition_path"`
	Payload         GenericRecord `json:"payload"`
	SourcePartition int32         `json:"source_partition"`
	SourceOffset    int64         `json:"source_offset"`
}

// ErrorCause classifies a per-record failure.
type ErrorCause string

const (
	CauseMissingField   ErrorCause = "missing_field"
	CauseMalformedValue ErrorCause = "malformed_value"
	CauseWriteRejected  ErrorCause = "write_rejected"
)

// IsWriteCause reports whether the cause was raised by a sink rather than
// by conversion.
func (c ErrorCause) IsWriteCause() bool {
	return c == CauseWriteRejected
}

// RecordError is one conversion or write failure of a single record.
type RecordError struct {
	RecordKey       string     `json:"record_key,omitempty"`
	PartitionPath   string     `json:"partition_path,omitempty"`
	SourcePartition int32      `json:"source_partition"`
	SourceOffset    int64      `json:"source_offset"`
	Cause           ErrorCause `json:"cause"`
	Detail          string     `json:"detail"`
}

func (e RecordError) Error() string {
	return fmt.Sprintf("%s at %d:%d: %s", e.Cause, e.SourcePartition, e.SourceOffset, e.Detail)
}

// NewConversionError builds a RecordError for a raw record that could not be
// converted.
func NewConversionError(raw RawRecord, cause ErrorCause, format string, args ...interface{}) RecordError {
	return RecordError{
		SourcePartition: raw.Partition,
		SourceOffset:    raw.Offset,
		Cause:           cause,
		Detail:          fmt.Sprintf(format, args...),
	}
}

// NewWriteError builds a RecordError for a converted record the sink refused.
func NewWriteError(rec ConvertedRecord, err error) RecordError {
	return RecordError{
		RecordKey:       rec.RecordKey,
		PartitionPath:   rec.PartitionPath,
		SourcePartition: rec.SourcePartition,
		SourceOffset:    rec.SourceOffset,
		Cause:           CauseWriteRejected,
		Detail:          err.Error(),
	}
}
