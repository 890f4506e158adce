package source

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	log "github.com/sirupsen/logrus"

	"go-ingest-pipeline/internal/model"
)

// KafkaConfig configures a Kafka source. Offsets are never committed to the
// broker; progress lives in the checkpoint store.
type KafkaConfig struct {
	Brokers string `yaml:"brokers"`
	Topic   string `yaml:"topic"`
	GroupID string `yaml:"groupId"`
	// Properties are passed to librdkafka as is.
	Properties map[string]string `yaml:"properties"`

	PollTimeout     time.Duration `yaml:"pollTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	MetadataTimeout time.Duration `yaml:"metadataTimeout"`
}

func (c *KafkaConfig) withDefaults() {
	if c.GroupID == "" {
		c.GroupID = "ingest-" + c.Topic
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 500 * time.Millisecond
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	if c.MetadataTimeout <= 0 {
		c.MetadataTimeout = 10 * time.Second
	}
}

// consumer is the part of *kafka.Consumer the source uses.
type consumer interface {
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
	QueryWatermarkOffsets(topic string, partition int32, timeoutMs int) (low, high int64, err error)
	Assign(partitions []kafka.TopicPartition) error
	Unassign() error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	Position(partitions []kafka.TopicPartition) ([]kafka.TopicPartition, error)
	Close() error
}

// Kafka reads the partitions of one topic between explicit offsets.
type Kafka struct {
	cfg      KafkaConfig
	consumer consumer
}

// NewKafka connects a consumer for cfg.Topic.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if cfg.Brokers == "" || cfg.Topic == "" {
		return nil, errors.New("kafka source: brokers and topic are required")
	}
	cfg.withDefaults()

	conf := kafka.ConfigMap{
		"bootstrap.servers":  cfg.Brokers,
		"group.id":           cfg.GroupID,
		"enable.auto.commit": false,
		"auto.offset.reset":  "error",
		"isolation.level":    "read_committed",
	}
	for k, v := range cfg.Properties {
		conf[k] = v
	}
	c, err := kafka.NewConsumer(&conf)
	if err != nil {
		return nil, fmt.Errorf("creating kafka consumer: %w", err)
	}
	return newKafka(cfg, c), nil
}

func newKafka(cfg KafkaConfig, c consumer) *Kafka {
	cfg.withDefaults()
	return &Kafka{cfg: cfg, consumer: c}
}

func (k *Kafka) String() string { return "kafka:" + k.cfg.Topic }

// AvailableRange queries the low and high watermark of every partition.
func (k *Kafka) AvailableRange(ctx context.Context) (model.SourceRange, error) {
	timeout := int(k.cfg.MetadataTimeout.Milliseconds())
	topic := k.cfg.Topic

	md, err := k.consumer.GetMetadata(&topic, false, timeout)
	if err != nil {
		return model.SourceRange{}, fmt.Errorf("fetching metadata of %s: %w", topic, err)
	}
	tm, ok := md.Topics[topic]
	if !ok {
		return model.SourceRange{}, fmt.Errorf("topic %s not found", topic)
	}
	if tm.Error.Code() != kafka.ErrNoError {
		return model.SourceRange{}, fmt.Errorf("topic %s: %w", topic, tm.Error)
	}

	out := model.SourceRange{}
	for _, p := range tm.Partitions {
		if err := ctx.Err(); err != nil {
			return model.SourceRange{}, err
		}
		low, high, err := k.consumer.QueryWatermarkOffsets(topic, p.ID, timeout)
		if err != nil {
			return model.SourceRange{}, fmt.Errorf("watermarks of %s/%d: %w", topic, p.ID, err)
		}
		out.Partitions = append(out.Partitions, model.PartitionWatermarks{Partition: p.ID, Low: low, High: high})
	}
	sort.Slice(out.Partitions, func(i, j int) bool { return out.Partitions[i].Partition < out.Partitions[j].Partition })
	return out, nil
}

// Read assigns every non-empty range at its start offset and polls until each
// partition reached its end. Offsets skipped by compaction or transaction
// markers are accepted when the consumer position has passed the end.
func (k *Kafka) Read(ctx context.Context, unit model.WorkUnit, fn func(model.RawRecord) error) error {
	topic := k.cfg.Topic
	ends := make(map[int32]int64)
	var assign []kafka.TopicPartition
	for _, r := range unit.Ranges {
		if r.Count() == 0 {
			continue
		}
		ends[r.Partition] = r.End
		assign = append(assign, kafka.TopicPartition{Topic: &topic, Partition: r.Partition, Offset: kafka.Offset(r.Start)})
	}
	if len(assign) == 0 {
		return nil
	}
	if err := k.consumer.Assign(assign); err != nil {
		return fmt.Errorf("assigning partitions: %w", err)
	}
	defer func() {
		if err := k.consumer.Unassign(); err != nil {
			log.WithFields(log.Fields{"topic": topic, "error": err}).Warn("unassign failed")
		}
	}()

	logger := log.WithFields(log.Fields{"topic": topic, "unit": unit.String()})
	var idle time.Duration
	for len(ends) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := k.consumer.ReadMessage(k.cfg.PollTimeout)
		if err != nil {
			var kerr kafka.Error
			if !errors.As(err, &kerr) || kerr.Code() != kafka.ErrTimedOut {
				return fmt.Errorf("reading %s: %w", topic, err)
			}
			if err := k.dropPassed(ends); err != nil {
				return err
			}
			idle += k.cfg.PollTimeout
			if len(ends) > 0 && idle >= k.cfg.IdleTimeout {
				return fmt.Errorf("no data from %s for %s with %d partitions unfinished", topic, idle, len(ends))
			}
			continue
		}
		idle = 0

		p := msg.TopicPartition.Partition
		off := int64(msg.TopicPartition.Offset)
		end, ok := ends[p]
		if !ok || off >= end {
			if ok {
				delete(ends, p)
			}
			continue
		}

		if err := fn(toRawRecord(msg)); err != nil {
			return err
		}
		if off+1 >= end {
			delete(ends, p)
			logger.WithField("partition", p).Debug("partition range complete")
		}
	}
	return nil
}

// dropPassed removes partitions whose consumer position reached their end.
func (k *Kafka) dropPassed(ends map[int32]int64) error {
	topic := k.cfg.Topic
	query := make([]kafka.TopicPartition, 0, len(ends))
	for p := range ends {
		query = append(query, kafka.TopicPartition{Topic: &topic, Partition: p})
	}
	positions, err := k.consumer.Position(query)
	if err != nil {
		return fmt.Errorf("querying positions: %w", err)
	}
	for _, tp := range positions {
		if end, ok := ends[tp.Partition]; ok && tp.Offset >= 0 && int64(tp.Offset) >= end {
			delete(ends, tp.Partition)
		}
	}
	return nil
}

func toRawRecord(msg *kafka.Message) model.RawRecord {
	meta := make(map[string]string, len(msg.Headers)+1)
	if msg.TopicPartition.Topic != nil {
		meta["topic"] = *msg.TopicPartition.Topic
	}
	for _, h := range msg.Headers {
		meta["header."+h.Key] = string(h.Value)
	}
	return model.RawRecord{
		Partition: msg.TopicPartition.Partition,
		Offset:    int64(msg.TopicPartition.Offset),
		Key:       msg.Key,
		Value:     msg.Value,
		Metadata:  meta,
		Timestamp: msg.Timestamp,
	}
}

// Close closes the consumer.
func (k *Kafka) Close() error {
	return k.consumer.Close()
}
