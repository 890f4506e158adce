package model

import "time"

// WriteOutcome summarises one sink commit. The embedded collector carries
// the accounting: TotalRecords == Successes + TotalErrorRecords.
type WriteOutcome struct {
	*ErrorCollector
	Elapsed time.Duration
}

// NewWriteOutcome returns an empty outcome keeping at most maxErrors
// detailed write errors.
func NewWriteOutcome(maxErrors int) *WriteOutcome {
	return &WriteOutcome{ErrorCollector: NewErrorCollector(maxErrors)}
}
