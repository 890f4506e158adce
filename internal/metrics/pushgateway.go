package metrics

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// PushGateway buffers metrics and pushes them to a Prometheus push gateway on
// Finish. Each metric name becomes one gauge vector labelled by the union of
// the tag keys seen for that name; the last value per label set wins.
type PushGateway struct {
	url    string
	job    string
	prefix string

	mu      sync.Mutex
	pending []Metric
}

// NewPushGateway creates a reporter pushing under the given job name. prefix
// is prepended to every metric name.
func NewPushGateway(url, job, prefix string) *PushGateway {
	return &PushGateway{url: url, job: job, prefix: prefix}
}

func (p *PushGateway) Name() string { return "pushgateway" }

func (p *PushGateway) Report(_ context.Context, ms []Metric) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, ms...)
	return nil
}

func (p *PushGateway) Finish(ctx context.Context) error {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	reg, err := p.registry(pending)
	if err != nil {
		return err
	}
	if err := push.New(p.url, p.job).Gatherer(reg).PushContext(ctx); err != nil {
		return fmt.Errorf("pushing %d metrics to %s: %w", len(pending), p.url, err)
	}
	return nil
}

// registry builds a fresh registry holding the gauges for ms.
func (p *PushGateway) registry(ms []Metric) (*prometheus.Registry, error) {
	labels := make(map[string]map[string]struct{})
	for _, m := range ms {
		set, ok := labels[m.Name]
		if !ok {
			set = make(map[string]struct{})
			labels[m.Name] = set
		}
		for k := range m.Tags {
			set[k] = struct{}{}
		}
	}

	reg := prometheus.NewRegistry()
	vecs := make(map[string]*prometheus.GaugeVec, len(labels))
	keys := make(map[string][]string, len(labels))
	for name, set := range labels {
		names := make([]string, 0, len(set))
		for k := range set {
			names = append(names, k)
		}
		sort.Strings(names)

		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: p.prefix + name,
			Help: "ingest pipeline metric " + name,
		}, names)
		if err := reg.Register(vec); err != nil {
			return nil, fmt.Errorf("registering %s: %w", name, err)
		}
		vecs[name] = vec
		keys[name] = names
	}

	for _, m := range ms {
		values := make([]string, len(keys[m.Name]))
		for i, k := range keys[m.Name] {
			values[i] = m.Tags[k]
		}
		vecs[m.Name].WithLabelValues(values...).Set(m.Value)
	}
	return reg, nil
}
