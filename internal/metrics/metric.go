package metrics

import (
	"fmt"
	"strings"
	"time"

	"go-ingest-pipeline/pkg/utils"
)

// Metric is one named measurement with a tag map.
type Metric struct {
	Name  string            `json:"name"`
	Value float64           `json:"value"`
	Tags  map[string]string `json:"tags,omitempty"`
	At    time.Time         `json:"@timestamp"`
}

// NewLong creates a counter-like metric from an integer value.
func NewLong(name string, value int64, tags map[string]string) Metric {
	return Metric{Name: name, Value: float64(value), Tags: copyTags(tags), At: time.Now()}
}

// NewGauge creates a metric from a float value.
func NewGauge(name string, value float64, tags map[string]string) Metric {
	return Metric{Name: name, Value: value, Tags: copyTags(tags), At: time.Now()}
}

// WithTag returns a copy of m carrying one more tag.
func (m Metric) WithTag(key, value string) Metric {
	m.Tags = copyTags(m.Tags)
	m.Tags[key] = value
	return m
}

func (m Metric) String() string {
	var b strings.Builder
	b.WriteString(m.Name)
	if len(m.Tags) > 0 {
		b.WriteString("{")
		for i, k := range utils.SortedKeys(m.Tags) {
			if i > 0 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "%s=%s", k, m.Tags[k])
		}
		b.WriteString("}")
	}
	fmt.Fprintf(&b, " %g", m.Value)
	return b.String()
}

// Timer measures a latency in milliseconds.
type Timer struct {
	name  string
	tags  map[string]string
	start time.Time
}

// NewTimer starts a timer.
func NewTimer(name string, tags map[string]string) *Timer {
	return &Timer{name: name, tags: copyTags(tags), start: time.Now()}
}

// Elapsed is the time since the timer started.
func (t *Timer) Elapsed() time.Duration { return time.Since(t.start) }

// Stop returns the elapsed milliseconds as a metric.
func (t *Timer) Stop() Metric {
	return NewLong(t.name, t.Elapsed().Milliseconds(), t.tags)
}

func copyTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags)+1)
	for k, v := range tags {
		out[k] = v
	}
	return out
}
