package model

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrCheckpointConflict is returned by a compare-and-set whose expected
// version is no longer the stored one.
var ErrCheckpointConflict = errors.New("checkpoint version conflict")

// Checkpoint is the committed progress of a Feed: for every source partition
// the next offset to read. Version is bumped by the store on every
// successful compare-and-set; a zero Version means no checkpoint exists yet.
type Checkpoint struct {
	Offsets   map[int32]int64 `json:"offsets"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Offset returns the committed offset of a partition.
func (c *Checkpoint) Offset(partition int32) (int64, bool) {
	if c == nil || c.Offsets == nil {
		return 0, false
	}
	off, ok := c.Offsets[partition]
	return off, ok
}

// Advance returns a copy of the checkpoint moved to the end of every range
// of the unit. Partitions not covered by the unit keep their offsets.
func (c *Checkpoint) Advance(unit WorkUnit) *Checkpoint {
	next := &Checkpoint{Offsets: make(map[int32]int64)}
	if c != nil {
		for p, off := range c.Offsets {
			next.Offsets[p] = off
		}
		next.Version = c.Version
	}
	for _, r := range unit.Ranges {
		if cur, ok := next.Offsets[r.Partition]; !ok || r.End > cur {
			next.Offsets[r.Partition] = r.End
		}
	}
	return next
}

// NotBefore reports the first partition whose offset in c is lower than in
// prior. A nil prior is always satisfied.
func (c *Checkpoint) NotBefore(prior *Checkpoint) error {
	if prior == nil {
		return nil
	}
	for p, off := range prior.Offsets {
		next, ok := c.Offset(p)
		if !ok {
			return fmt.Errorf("partition %d dropped from checkpoint", p)
		}
		if next < off {
			return fmt.Errorf("partition %d would move backwards: %d < %d", p, next, off)
		}
	}
	return nil
}

func (c *Checkpoint) String() string {
	if c == nil {
		return "<none>"
	}
	parts := make([]int32, 0, len(c.Offsets))
	for p := range c.Offsets {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })

	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "%d:%d", p, c.Offsets[p])
	}
	return b.String()
}

// PartitionWatermarks is the available data of one source partition.
// High is exclusive: the offset the next produced record will get.
type PartitionWatermarks struct {
	Partition int32 `json:"partition"`
	Low       int64 `json:"low"`
	High      int64 `json:"high"`
}

// SourceRange is what a source currently holds, per partition.
type SourceRange struct {
	Partitions []PartitionWatermarks `json:"partitions"`
}

// PartitionRange is the half-open offset range [Start, End) of one partition.
type PartitionRange struct {
	Partition int32 `json:"partition"`
	Start     int64 `json:"start"`
	End       int64 `json:"end"`
}

// Count is the number of offsets covered by the range.
func (r PartitionRange) Count() int64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// WorkUnit is the bounded slice of source data scheduled for one run. It is
// created by the work-unit calculator and read exactly once.
type WorkUnit struct {
	Ranges     []PartitionRange `json:"ranges"`
	MaxRecords int64            `json:"max_records"`
}

// Count is the total number of offsets of the unit.
func (u WorkUnit) Count() int64 {
	var n int64
	for _, r := range u.Ranges {
		n += r.Count()
	}
	return n
}

// IsEmpty reports whether the source had nothing beyond the checkpoint.
func (u WorkUnit) IsEmpty() bool {
	return u.Count() == 0
}

func (u WorkUnit) String() string {
	if u.IsEmpty() {
		return "<empty>"
	}
	var b strings.Builder
	for i, r := range u.Ranges {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "%d:[%d,%d)", r.Partition, r.Start, r.End)
	}
	return b.String()
}
