package metrics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
	log "github.com/sirupsen/logrus"
)

// Elasticsearch indexes one document per metric, flushed on Finish.
type Elasticsearch struct {
	client     *elasticsearch.Client
	index      string
	newIndexer func(esutil.BulkIndexerConfig) (esutil.BulkIndexer, error)

	mu      sync.Mutex
	pending []Metric
}

// NewElasticsearch creates a reporter writing to index at endpoint.
func NewElasticsearch(endpoint, username, password, index string) (*Elasticsearch, error) {
	var client, err = elasticsearch.NewClient(
		elasticsearch.Config{
			Addresses: []string{endpoint},
			Username:  username,
			Password:  password,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("creating client: %w", err)
	}
	return &Elasticsearch{client: client, index: index, newIndexer: esutil.NewBulkIndexer}, nil
}

func (e *Elasticsearch) Name() string { return "elasticsearch" }

func (e *Elasticsearch) Report(_ context.Context, ms []Metric) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = append(e.pending, ms...)
	return nil
}

func (e *Elasticsearch) Finish(ctx context.Context) error {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	var failed atomic.Int64
	var bi, err = e.newIndexer(esutil.BulkIndexerConfig{
		Client: e.client,
		Index:  e.index,
		OnError: func(_ context.Context, err error) {
			log.Error(fmt.Sprintf("metrics indexer: %v", err))
		},
		// Flushing is triggered by bi.Close.
		FlushInterval: 100 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("building bulkIndexer: %w", err)
	}

	// The indexer's workers run until Close, also when queueing fails.
	abort := func(err error) error {
		if cerr := bi.Close(ctx); cerr != nil {
			log.WithError(cerr).Warn("closing metrics indexer")
		}
		return err
	}

	for _, m := range pending {
		body, err := json.Marshal(m)
		if err != nil {
			return abort(fmt.Errorf("encoding metric %s: %w", m.Name, err))
		}
		item := esutil.BulkIndexerItem{
			Action: "index",
			Body:   bytes.NewReader(body),
			OnFailure: func(_ context.Context, _ esutil.BulkIndexerItem, _ esutil.BulkIndexerResponseItem, _ error) {
				failed.Add(1)
			},
		}
		if err = bi.Add(ctx, item); err != nil {
			return abort(fmt.Errorf("adding item: %w", err))
		}
	}

	if err := bi.Close(ctx); err != nil {
		return fmt.Errorf("flushing metrics: %w", err)
	}
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d metric documents rejected", n, len(pending))
	}
	return nil
}
