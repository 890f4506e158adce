package pipeline

import (
	"fmt"
	"math/bits"
	"sort"

	"go-ingest-pipeline/internal/model"
)

// StartPosition selects where a partition without a checkpoint starts.
type StartPosition string

const (
	StartEarliest StartPosition = "earliest"
	StartLatest   StartPosition = "latest"
)

// ParseStartPosition accepts "earliest" (also the empty string) and "latest".
func ParseStartPosition(s string) (StartPosition, error) {
	switch StartPosition(s) {
	case "", StartEarliest:
		return StartEarliest, nil
	case StartLatest:
		return StartLatest, nil
	}
	return "", fmt.Errorf("unknown start position %q (want earliest or latest)", s)
}

// WorkUnitCalculator derives the next bounded unit of work from a checkpoint
// and the range a source currently holds.
type WorkUnitCalculator struct {
	start StartPosition
}

// NewWorkUnitCalculator creates a calculator with the given start policy.
func NewWorkUnitCalculator(start StartPosition) *WorkUnitCalculator {
	if start == "" {
		start = StartEarliest
	}
	return &WorkUnitCalculator{start: start}
}

// ComputeNextWorkUnit returns the ranges following last, capped at
// maxUnitSize records over all partitions. Every available partition gets a
// range, possibly empty, in ascending partition order. When the backlog
// exceeds the cap, capacity is split in proportion to each partition's
// backlog and the remainder goes to the lowest partitions first.
func (c *WorkUnitCalculator) ComputeNextWorkUnit(last *model.Checkpoint, available model.SourceRange, maxUnitSize int64) (model.WorkUnit, error) {
	if maxUnitSize <= 0 {
		return model.WorkUnit{}, NewConfigurationError("maxUnitSize must be positive, got %d", maxUnitSize)
	}

	parts := append([]model.PartitionWatermarks(nil), available.Partitions...)
	sort.Slice(parts, func(i, j int) bool { return parts[i].Partition < parts[j].Partition })

	seen := make(map[int32]bool, len(parts))
	ranges := make([]model.PartitionRange, 0, len(parts))
	backlogs := make([]int64, 0, len(parts))
	var total int64

	for _, p := range parts {
		if seen[p.Partition] {
			return model.WorkUnit{}, &SourceReadError{Err: fmt.Errorf("partition %d reported twice", p.Partition)}
		}
		seen[p.Partition] = true
		if p.High < p.Low {
			return model.WorkUnit{}, &SourceReadError{Err: fmt.Errorf("partition %d has inverted watermarks [%d,%d)", p.Partition, p.Low, p.High)}
		}

		start, ok := last.Offset(p.Partition)
		switch {
		case !ok && c.start == StartLatest:
			start = p.High
		case !ok:
			start = p.Low
		case start < p.Low || start > p.High:
			return model.WorkUnit{}, &CheckpointInvalidError{Partition: p.Partition, Offset: start, Low: p.Low, High: p.High}
		}

		backlog := p.High - start
		ranges = append(ranges, model.PartitionRange{Partition: p.Partition, Start: start, End: p.High})
		backlogs = append(backlogs, backlog)
		total += backlog
	}

	// A committed partition the source no longer reports cannot be resumed.
	if last != nil {
		for p, off := range last.Offsets {
			if !seen[p] {
				return model.WorkUnit{}, &CheckpointInvalidError{Partition: p, Offset: off, Missing: true}
			}
		}
	}

	unit := model.WorkUnit{Ranges: ranges, MaxRecords: maxUnitSize}
	if total <= maxUnitSize {
		return unit, nil
	}

	alloc := make([]int64, len(backlogs))
	var used int64
	for i, b := range backlogs {
		alloc[i] = share(b, maxUnitSize, total)
		used += alloc[i]
	}
	for i := 0; used < maxUnitSize && i < len(alloc); i++ {
		if alloc[i] < backlogs[i] {
			alloc[i]++
			used++
		}
	}
	for i := range unit.Ranges {
		unit.Ranges[i].End = unit.Ranges[i].Start + alloc[i]
	}
	return unit, nil
}

// share is floor(b * limit / total) without overflow; b <= total.
func share(b, limit, total int64) int64 {
	hi, lo := bits.Mul64(uint64(b), uint64(limit))
	q, _ := bits.Div64(hi, lo, uint64(total))
	return int64(q)
}
