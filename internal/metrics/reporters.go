package metrics

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Reporter ships metrics to a monitoring backend. Report may buffer; Finish
// flushes whatever is pending.
type Reporter interface {
	Name() string
	Report(ctx context.Context, ms []Metric) error
	Finish(ctx context.Context) error
}

// Reporters fans metrics out to every configured reporter. Reporting is best
// effort: failures are logged and never returned. A nil *Reporters discards
// everything.
type Reporters struct {
	mu        sync.Mutex
	reporters []Reporter
}

// NewReporters creates a fan-out over rs.
func NewReporters(rs ...Reporter) *Reporters {
	return &Reporters{reporters: rs}
}

// Add registers another reporter.
func (r *Reporters) Add(rep Reporter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reporters = append(r.reporters, rep)
}

// Report hands ms to every reporter.
func (r *Reporters) Report(ctx context.Context, ms ...Metric) {
	if r == nil || len(ms) == 0 {
		return
	}
	for _, rep := range r.snapshot() {
		if err := rep.Report(ctx, ms); err != nil {
			log.WithFields(log.Fields{
				"reporter": rep.Name(),
				"metrics":  len(ms),
				"error":    err,
			}).Warn("metrics report failed")
		}
	}
}

// Finish flushes every reporter.
func (r *Reporters) Finish(ctx context.Context) {
	if r == nil {
		return
	}
	for _, rep := range r.snapshot() {
		if err := rep.Finish(ctx); err != nil {
			log.WithFields(log.Fields{
				"reporter": rep.Name(),
				"error":    err,
			}).Warn("metrics flush failed")
		}
	}
}

func (r *Reporters) snapshot() []Reporter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Reporter(nil), r.reporters...)
}

// Recorder keeps every reported metric in memory.
type Recorder struct {
	mu       sync.Mutex
	metrics  []Metric
	finished int
}

func (r *Recorder) Name() string { return "memory" }

func (r *Recorder) Report(_ context.Context, ms []Metric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = append(r.metrics, ms...)
	return nil
}

func (r *Recorder) Finish(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished++
	return nil
}

// Metrics returns a copy of everything recorded.
func (r *Recorder) Metrics() []Metric {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Metric(nil), r.metrics...)
}

// Find returns the recorded metrics with the given name whose tags include
// every pair of match.
func (r *Recorder) Find(name string, match map[string]string) []Metric {
	var out []Metric
	for _, m := range r.Metrics() {
		if m.Name != name {
			continue
		}
		ok := true
		for k, v := range match {
			if m.Tags[k] != v {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, m)
		}
	}
	return out
}

// Finished is the number of Finish calls.
func (r *Recorder) Finished() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finished
}
