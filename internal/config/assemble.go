package config

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"go-ingest-pipeline/internal/metrics"
	"go-ingest-pipeline/internal/pipeline"
	"go-ingest-pipeline/internal/sink"
	"go-ingest-pipeline/internal/source"
	"go-ingest-pipeline/internal/store"
)

// Runtime is everything a validated configuration builds.
type Runtime struct {
	Config    *Config
	Store     store.Store
	Reporters *metrics.Reporters
	Manager   *pipeline.Manager
}

// Close releases every feed and the store.
func (r *Runtime) Close() error {
	var errs []error
	if r.Manager != nil {
		errs = append(errs, r.Manager.Close())
	}
	if r.Store != nil {
		errs = append(errs, r.Store.Close())
	}
	return errors.Join(errs...)
}

// Assemble opens the store, reporters, sources and sinks of cfg and wires
// them into a Manager. On failure everything opened so far is closed and a
// config_error metric is reported.
func Assemble(ctx context.Context, cfg *Config) (rt *Runtime, err error) {
	reporters, err := BuildReporters(cfg.Metrics)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err == nil {
			return
		}
		reporters.Report(ctx, metrics.NewLong(metrics.ConfigError, 1, map[string]string{
			metrics.TagModule: pipeline.ModuleConfig,
			metrics.TagCause:  string(pipeline.Classify(err)),
		}))
		reporters.Finish(context.WithoutCancel(ctx))
	}()

	st, err := store.New(cfg.Store.Type, cfg.Store.Path)
	if err != nil {
		return nil, pipeline.NewConfigurationError("store: %w", err)
	}

	var coordinators []*pipeline.Coordinator
	fail := func(err error) (*Runtime, error) {
		for _, c := range coordinators {
			c.Close()
		}
		st.Close()
		return nil, err
	}
	for i := range cfg.Feeds {
		c, err := buildFeed(ctx, &cfg.Feeds[i], st, reporters)
		if err != nil {
			return fail(err)
		}
		coordinators = append(coordinators, c)
	}

	mgr, err := pipeline.NewManager(coordinators, pipeline.ManagerOptions{
		Timeout:     cfg.Cycle.Timeout,
		Parallelism: cfg.Cycle.Parallelism,
		Reporters:   reporters,
		History:     st,
	})
	if err != nil {
		return fail(err)
	}
	log.WithFields(log.Fields{
		"feeds": len(coordinators),
		"store": cfg.Store.Type,
	}).Info("pipeline assembled")
	return &Runtime{Config: cfg, Store: st, Reporters: reporters, Manager: mgr}, nil
}

// BuildReporters creates the configured metric reporters.
func BuildReporters(cfg MetricsConfig) (*metrics.Reporters, error) {
	reporters := metrics.NewReporters()
	for i, rc := range cfg.Reporters {
		switch rc.Type {
		case ReporterLog:
			level := log.InfoLevel
			if rc.Level != "" {
				lvl, err := log.ParseLevel(rc.Level)
				if err != nil {
					return nil, pipeline.NewConfigurationError("metrics.reporters[%d]: %w", i, err)
				}
				level = lvl
			}
			reporters.Add(metrics.NewLog(level))
		case ReporterPushGateway:
			job := rc.Job
			if job == "" {
				job = "ingest"
			}
			reporters.Add(metrics.NewPushGateway(rc.URL, job, rc.Prefix))
		case ReporterElasticsearch:
			es, err := metrics.NewElasticsearch(rc.Endpoint, rc.Username, rc.Password, rc.Index)
			if err != nil {
				return nil, pipeline.NewConfigurationError("metrics.reporters[%d]: %w", i, err)
			}
			reporters.Add(es)
		default:
			return nil, pipeline.NewConfigurationError("metrics.reporters[%d]: unknown type %q", i, rc.Type)
		}
	}
	return reporters, nil
}

func buildFeed(ctx context.Context, fc *FeedConfig, st store.Store, reporters *metrics.Reporters) (*pipeline.Coordinator, error) {
	start, err := pipeline.ParseStartPosition(fc.Source.StartPosition)
	if err != nil {
		return nil, pipeline.NewConfigurationError("feed %q: %w", fc.Name, err)
	}
	conv, err := pipeline.NewFieldConverter(fc.Converter)
	if err != nil {
		return nil, err
	}
	src, err := buildSource(fc)
	if err != nil {
		return nil, pipeline.NewConfigurationError("feed %q: %w", fc.Name, err)
	}
	snk, err := buildSink(ctx, fc)
	if err != nil {
		src.Close()
		return nil, pipeline.NewConfigurationError("feed %q: %w", fc.Name, err)
	}
	tolerance := 0.0
	if fc.Tolerance != nil {
		tolerance = *fc.Tolerance
	}
	c, err := pipeline.NewCoordinator(fc.Feed(), src, conv, snk, st, reporters, pipeline.CoordinatorOptions{
		MaxUnitSize:    fc.MaxUnitSize,
		Tolerance:      tolerance,
		MaxErrors:      fc.MaxErrors,
		ConvertWorkers: fc.ConvertWorkers,
		StartPosition:  start,
	})
	if err != nil {
		src.Close()
		snk.Close()
		return nil, err
	}
	return c, nil
}

func buildSource(fc *FeedConfig) (pipeline.Source, error) {
	switch fc.Source.Type {
	case SourceKafka:
		if fc.Source.Kafka == nil {
			return nil, errors.New("kafka source is not configured")
		}
		return source.NewKafka(*fc.Source.Kafka)
	case SourceFile:
		if fc.Source.File == nil {
			return nil, errors.New("file source is not configured")
		}
		return source.NewFile(*fc.Source.File)
	}
	return nil, fmt.Errorf("unknown source type %q", fc.Source.Type)
}

func buildSink(ctx context.Context, fc *FeedConfig) (pipeline.Sink, error) {
	switch fc.Sink.Type {
	case SinkSQLite:
		if fc.Sink.SQLite == nil {
			return nil, errors.New("sqlite sink is not configured")
		}
		cfg := *fc.Sink.SQLite
		cfg.MaxErrors = fc.MaxErrors
		return sink.NewSQLite(ctx, cfg)
	case SinkPostgres:
		if fc.Sink.Postgres == nil {
			return nil, errors.New("postgres sink is not configured")
		}
		cfg := *fc.Sink.Postgres
		cfg.MaxErrors = fc.MaxErrors
		return sink.NewPostgres(ctx, cfg)
	case SinkFile:
		if fc.Sink.File == nil {
			return nil, errors.New("file sink is not configured")
		}
		cfg := *fc.Sink.File
		cfg.MaxErrors = fc.MaxErrors
		return sink.NewFile(cfg)
	}
	return nil, fmt.Errorf("unknown sink type %q", fc.Sink.Type)
}
