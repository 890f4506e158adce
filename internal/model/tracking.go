package model

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// DefaultMaxErrors is the number of detailed errors kept per collector when
// no limit is configured.
const DefaultMaxErrors = 200

// digestFactor bounds how many errored keys are remembered as digests once
// the detailed list is full, relative to the detail cap.
const digestFactor = 16

// ErrorCollector accounts for the records of one stage of a run. Totals are
// exact. Detailed errors are capped at maxErrors; successes are only counted.
// It is safe for concurrent use.
type ErrorCollector struct {
	totalRecords      atomic.Int64
	totalErrorRecords atomic.Int64

	mu        sync.Mutex
	maxErrors int
	errors    []RecordError
	byCause   map[ErrorCause]int64
	errored   map[string]struct{}
	digests   map[uint64]struct{}
	overflow  bool // a key was dropped from both errored and digests
}

// NewErrorCollector creates a collector keeping at most maxErrors detailed
// errors. A non-positive maxErrors selects DefaultMaxErrors.
func NewErrorCollector(maxErrors int) *ErrorCollector {
	if maxErrors <= 0 {
		maxErrors = DefaultMaxErrors
	}
	return &ErrorCollector{
		maxErrors: maxErrors,
		byCause:   make(map[ErrorCause]int64),
		errored:   make(map[string]struct{}),
		digests:   make(map[uint64]struct{}),
	}
}

// MarkSuccess counts one successful record.
func (c *ErrorCollector) MarkSuccess() {
	c.totalRecords.Add(1)
}

// MarkSuccesses counts n successful records.
func (c *ErrorCollector) MarkSuccesses(n int64) {
	c.totalRecords.Add(n)
}

// MarkFailure counts one failed record and keeps its detail while under the cap.
func (c *ErrorCollector) MarkFailure(e RecordError) {
	c.totalRecords.Add(1)
	c.totalErrorRecords.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.byCause[e.Cause]++
	c.keepLocked(e)
}

func (c *ErrorCollector) keepLocked(e RecordError) {
	if len(c.errors) < c.maxErrors {
		c.errors = append(c.errors, e)
		if e.RecordKey != "" {
			c.errored[e.RecordKey] = struct{}{}
		}
		return
	}
	if e.RecordKey != "" {
		c.rememberLocked(xxhash.Sum64String(e.RecordKey))
	}
}

func (c *ErrorCollector) rememberLocked(digest uint64) {
	if len(c.digests) < c.maxErrors*digestFactor {
		c.digests[digest] = struct{}{}
	} else {
		c.overflow = true
	}
}

// Merge folds the counts, detailed errors and remembered keys of other into
// c, respecting c's cap.
func (c *ErrorCollector) Merge(other *ErrorCollector) {
	if other == nil || other == c {
		return
	}
	other.mu.Lock()
	errs := append([]RecordError(nil), other.errors...)
	byCause := make(map[ErrorCause]int64, len(other.byCause))
	for k, v := range other.byCause {
		byCause[k] = v
	}
	digests := make([]uint64, 0, len(other.digests))
	for d := range other.digests {
		digests = append(digests, d)
	}
	overflow := other.overflow
	other.mu.Unlock()

	c.totalRecords.Add(other.TotalRecords())
	c.totalErrorRecords.Add(other.TotalErrorRecords())

	c.mu.Lock()
	defer c.mu.Unlock()
	for cause, n := range byCause {
		c.byCause[cause] += n
	}
	for _, e := range errs {
		c.keepLocked(e)
	}
	for _, d := range digests {
		c.rememberLocked(d)
	}
	if overflow {
		c.overflow = true
	}
}

// Count is the exact number of failed records.
func (c *ErrorCollector) Count() int64 { return c.totalErrorRecords.Load() }

// TotalRecords is the exact number of records accounted for.
func (c *ErrorCollector) TotalRecords() int64 { return c.totalRecords.Load() }

// TotalErrorRecords is the exact number of failed records.
func (c *ErrorCollector) TotalErrorRecords() int64 { return c.totalErrorRecords.Load() }

// Successes is TotalRecords minus TotalErrorRecords.
func (c *ErrorCollector) Successes() int64 {
	return c.TotalRecords() - c.TotalErrorRecords()
}

// HasErrors reports whether any record failed.
func (c *ErrorCollector) HasErrors() bool { return c.TotalErrorRecords() > 0 }

// ErrorRate is the fraction of failed records, zero when nothing was counted.
func (c *ErrorCollector) ErrorRate() float64 {
	total := c.TotalRecords()
	if total == 0 {
		return 0
	}
	return float64(c.TotalErrorRecords()) / float64(total)
}

// Errors returns a copy of the detailed errors kept so far.
func (c *ErrorCollector) Errors() []RecordError {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]RecordError(nil), c.errors...)
}

// Truncated reports whether errors were counted but not kept in detail.
func (c *ErrorCollector) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.errors)) < c.totalErrorRecords.Load()
}

// ErrorsByCause returns the exact error count per cause.
func (c *ErrorCollector) ErrorsByCause() map[ErrorCause]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[ErrorCause]int64, len(c.byCause))
	for k, v := range c.byCause {
		out[k] = v
	}
	return out
}

// IsErrored reports whether a record key failed. exact is false when the
// answer cannot be trusted: a negative after keys were dropped, or a
// positive that only matched a digest.
func (c *ErrorCollector) IsErrored(key string) (errored bool, exact bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.errored[key]; ok {
		return true, true
	}
	if _, ok := c.digests[xxhash.Sum64String(key)]; ok {
		return true, false
	}
	if c.overflow {
		return false, false
	}
	return false, true
}

func (c *ErrorCollector) String() string {
	total := c.TotalRecords()
	errs := c.TotalErrorRecords()
	pct := 0.0
	if total > 0 {
		pct = 100 * float64(errs) / float64(total)
	}
	return fmt.Sprintf("records=%d errors=%d errorPct=%.2f truncated=%t", total, errs, pct, c.Truncated())
}
