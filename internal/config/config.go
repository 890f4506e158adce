package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"go-ingest-pipeline/internal/model"
	"go-ingest-pipeline/internal/pipeline"
	"go-ingest-pipeline/internal/sink"
	"go-ingest-pipeline/internal/source"
	"go-ingest-pipeline/internal/store"
)

// Source and sink types.
const (
	SourceKafka = "kafka"
	SourceFile  = "file"

	SinkSQLite   = "sqlite"
	SinkPostgres = "postgres"
	SinkFile     = "file"
)

// Reporter types.
const (
	ReporterLog           = "log"
	ReporterPushGateway   = "pushgateway"
	ReporterElasticsearch = "elasticsearch"
)

// DefaultMaxUnitSize caps a work unit when a feed sets no maxUnitSize.
const DefaultMaxUnitSize = 10000

// Config is the whole configuration file.
type Config struct {
	LogLevel   string              `yaml:"logLevel"`
	LogFormat  string              `yaml:"logFormat"` // text or json
	Store      StoreConfig         `yaml:"store"`
	Cycle      CycleConfig         `yaml:"cycle"`
	Supervisor model.BackoffConfig `yaml:"supervisor"`
	API        APIConfig           `yaml:"api"`
	Metrics    MetricsConfig       `yaml:"metrics"`
	Feeds      []FeedConfig        `yaml:"feeds" jsonschema:"required"`
}

// StoreConfig selects the checkpoint and history store.
type StoreConfig struct {
	Type string `yaml:"type"` // sqlite or memory
	Path string `yaml:"path"`
}

// CycleConfig tunes one run cycle and the pause between cycles.
type CycleConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	Parallelism int           `yaml:"parallelism"`
	Interval    time.Duration `yaml:"interval"`
}

// APIConfig configures the status API.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// MetricsConfig lists the metric reporters.
type MetricsConfig struct {
	Reporters []ReporterConfig `yaml:"reporters"`
}

// ReporterConfig configures one reporter. Which fields apply depends on Type.
type ReporterConfig struct {
	Type string `yaml:"type"`

	// log
	Level string `yaml:"level"`

	// pushgateway
	URL    string `yaml:"url"`
	Job    string `yaml:"job"`
	Prefix string `yaml:"prefix"`

	// elasticsearch
	Endpoint string `yaml:"endpoint"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Index    string `yaml:"index"`
}

// FeedConfig configures one feed.
type FeedConfig struct {
	Name          string `yaml:"name" jsonschema:"required"`
	CheckpointKey string `yaml:"checkpointKey"`
	MaxUnitSize   int64  `yaml:"maxUnitSize"`
	// Tolerance is the highest acceptable error rate per stage, in [0,1].
	Tolerance      *float64 `yaml:"tolerance"`
	MaxErrors      int      `yaml:"maxErrors"`
	ConvertWorkers int      `yaml:"convertWorkers"`

	Source    SourceConfig             `yaml:"source"`
	Sink      SinkConfig               `yaml:"sink"`
	Converter pipeline.ConverterConfig `yaml:"converter"`
}

// SourceConfig selects and configures the source of a feed.
type SourceConfig struct {
	Type          string              `yaml:"type" jsonschema:"required,enum=kafka,enum=file"`
	StartPosition string              `yaml:"startPosition"`
	Kafka         *source.KafkaConfig `yaml:"kafka"`
	File          *source.FileConfig  `yaml:"file"`
}

// SinkConfig selects and configures the sink of a feed.
type SinkConfig struct {
	Type     string           `yaml:"type" jsonschema:"required,enum=sqlite,enum=postgres,enum=file"`
	SQLite   *sink.SQLConfig  `yaml:"sqlite"`
	Postgres *sink.SQLConfig  `yaml:"postgres"`
	File     *sink.FileConfig `yaml:"file"`
}

// Load reads, defaults and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML configuration. Unknown keys are an error.
func Parse(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, pipeline.NewConfigurationError("config is empty")
		}
		return nil, pipeline.NewConfigurationError("decoding config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Store.Type == "" {
		c.Store.Type = store.TypeSQLite
	}
	if c.Store.Type == store.TypeSQLite && c.Store.Path == "" {
		c.Store.Path = "ingest.db"
	}
	for i := range c.Feeds {
		f := &c.Feeds[i]
		if f.MaxUnitSize == 0 {
			f.MaxUnitSize = DefaultMaxUnitSize
		}
		if f.Tolerance == nil {
			zero := 0.0
			f.Tolerance = &zero
		}
		if f.Source.StartPosition == "" {
			f.Source.StartPosition = string(pipeline.StartEarliest)
		}
	}
}

// Validate collects every problem of the configuration into one
// *pipeline.ConfigurationError.
func (c *Config) Validate() error {
	problems := &pipeline.ConfigurationError{}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		problems.Addf("logLevel: %w", err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		problems.Addf("logFormat must be text or json, got %q", c.LogFormat)
	}
	switch c.Store.Type {
	case store.TypeSQLite:
		if c.Store.Path == "" {
			problems.Addf("store: path is required for sqlite")
		}
	case store.TypeMemory:
	default:
		problems.Addf("store: unknown type %q", c.Store.Type)
	}
	if c.Cycle.Timeout < 0 {
		problems.Addf("cycle: timeout must not be negative")
	}
	if c.Cycle.Parallelism < 0 {
		problems.Addf("cycle: parallelism must not be negative")
	}
	if c.Cycle.Interval < 0 {
		problems.Addf("cycle: interval must not be negative")
	}
	if c.Supervisor.Multiplier != 0 && c.Supervisor.Multiplier < 1 {
		problems.Addf("supervisor: multiplier must be at least 1")
	}
	for i, r := range c.Metrics.Reporters {
		validateReporter(problems, i, r)
	}

	if len(c.Feeds) == 0 {
		problems.Addf("at least one feed is required")
	}
	names := make(map[string]bool)
	keys := make(map[string]string)
	for i := range c.Feeds {
		f := &c.Feeds[i]
		if f.Name == "" {
			problems.Addf("feeds[%d]: name is required", i)
		} else if names[f.Name] {
			problems.Addf("feeds[%d]: duplicate feed name %q", i, f.Name)
		}
		names[f.Name] = true
		key := f.Feed().Key()
		if key != "" {
			if other, ok := keys[key]; ok {
				problems.Addf("feeds %q and %q share checkpoint key %q", other, f.Name, key)
			} else {
				keys[key] = f.Name
			}
		}
		f.validate(problems)
	}
	return problems.OrNil()
}

func validateReporter(problems *pipeline.ConfigurationError, i int, r ReporterConfig) {
	switch r.Type {
	case ReporterLog:
		if r.Level != "" {
			if _, err := log.ParseLevel(r.Level); err != nil {
				problems.Addf("metrics.reporters[%d]: %w", i, err)
			}
		}
	case ReporterPushGateway:
		if r.URL == "" {
			problems.Addf("metrics.reporters[%d]: pushgateway url is required", i)
		}
	case ReporterElasticsearch:
		if r.Endpoint == "" || r.Index == "" {
			problems.Addf("metrics.reporters[%d]: elasticsearch endpoint and index are required", i)
		}
	default:
		problems.Addf("metrics.reporters[%d]: unknown type %q", i, r.Type)
	}
}

func (f *FeedConfig) validate(problems *pipeline.ConfigurationError) {
	name := f.Name
	if f.MaxUnitSize <= 0 {
		problems.Addf("feed %q: maxUnitSize must be positive", name)
	}
	if t := *f.Tolerance; t < 0 || t > 1 {
		problems.Addf("feed %q: tolerance must be within [0,1], got %v", name, t)
	}
	if f.MaxErrors < 0 {
		problems.Addf("feed %q: maxErrors must not be negative", name)
	}
	if f.ConvertWorkers < 0 {
		problems.Addf("feed %q: convertWorkers must not be negative", name)
	}
	if _, err := pipeline.ParseStartPosition(f.Source.StartPosition); err != nil {
		problems.Addf("feed %q: %w", name, err)
	}

	switch f.Source.Type {
	case SourceKafka:
		if k := f.Source.Kafka; k == nil || k.Brokers == "" || k.Topic == "" {
			problems.Addf("feed %q: kafka source requires brokers and topic", name)
		}
	case SourceFile:
		if fc := f.Source.File; fc == nil || fc.Path == "" {
			problems.Addf("feed %q: file source requires a path", name)
		}
	default:
		problems.Addf("feed %q: unknown source type %q", name, f.Source.Type)
	}

	switch f.Sink.Type {
	case SinkSQLite:
		if s := f.Sink.SQLite; s == nil || s.DSN == "" || s.Table == "" {
			problems.Addf("feed %q: sqlite sink requires dsn and table", name)
		}
	case SinkPostgres:
		if s := f.Sink.Postgres; s == nil || s.DSN == "" || s.Table == "" {
			problems.Addf("feed %q: postgres sink requires dsn and table", name)
		}
	case SinkFile:
		if s := f.Sink.File; s == nil || s.Dir == "" {
			problems.Addf("feed %q: file sink requires a dir", name)
		}
	default:
		problems.Addf("feed %q: unknown sink type %q", name, f.Sink.Type)
	}

	if _, err := pipeline.NewFieldConverter(f.Converter); err != nil {
		var cfgErr *pipeline.ConfigurationError
		if errors.As(err, &cfgErr) {
			for _, p := range cfgErr.Unwrap() {
				problems.Addf("feed %q: %w", name, p)
			}
		} else {
			problems.Addf("feed %q: %w", name, err)
		}
	}
}

// Feed describes the feed for logs, metrics and the API.
func (f *FeedConfig) Feed() model.Feed {
	feed := model.Feed{Name: f.Name, CheckpointKey: f.CheckpointKey}
	feed.Source.Type = f.Source.Type
	switch {
	case f.Source.Kafka != nil && f.Source.Type == SourceKafka:
		feed.Source.Target = f.Source.Kafka.Topic
	case f.Source.File != nil && f.Source.Type == SourceFile:
		feed.Source.Target = f.Source.File.Path
	}
	feed.Sink.Type = f.Sink.Type
	switch {
	case f.Sink.SQLite != nil && f.Sink.Type == SinkSQLite:
		feed.Sink.Target = f.Sink.SQLite.Table
	case f.Sink.Postgres != nil && f.Sink.Type == SinkPostgres:
		feed.Sink.Target = f.Sink.Postgres.Table
	case f.Sink.File != nil && f.Sink.Type == SinkFile:
		feed.Sink.Target = f.Sink.File.Dir
	}
	return feed
}

// Backoff is the supervisor configuration with the cycle interval applied.
func (c *Config) Backoff() model.BackoffConfig {
	b := c.Supervisor
	b.Interval = c.Cycle.Interval
	return b.WithDefaults()
}

// ConfigureLogging applies the log level and format to the standard logrus
// logger.
func (c *Config) ConfigureLogging() {
	if lvl, err := log.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	if c.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}
