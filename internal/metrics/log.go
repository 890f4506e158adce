package metrics

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Log writes every metric as a structured log line.
type Log struct {
	level log.Level
}

// NewLog creates a log reporter writing at level.
func NewLog(level log.Level) *Log {
	return &Log{level: level}
}

func (l *Log) Name() string { return "log" }

func (l *Log) Report(_ context.Context, ms []Metric) error {
	for _, m := range ms {
		fields := log.Fields{"metric": m.Name, "value": m.Value}
		for k, v := range m.Tags {
			fields["tag_"+k] = v
		}
		log.WithFields(fields).Log(l.level, "metric")
	}
	return nil
}

func (l *Log) Finish(context.Context) error { return nil }
