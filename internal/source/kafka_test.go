package source

import (
	"context"
	"os"
	"sort"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/require"

	"go-ingest-pipeline/internal/model"
)

type fakeMessage struct {
	offset int64
	value  string
}

// fakeConsumer serves fixed partitions. Offsets may have gaps, as after
// compaction; once a partition is drained its position is its high mark.
type fakeConsumer struct {
	topic      string
	partitions map[int32][]fakeMessage
	high       map[int32]int64
	position   map[int32]int64
	stalled    map[int32]bool
	assigned   []int32
	next       int
	closed     bool
}

func newFakeConsumer(topic string) *fakeConsumer {
	return &fakeConsumer{
		topic:      topic,
		partitions: make(map[int32][]fakeMessage),
		high:       make(map[int32]int64),
		position:   make(map[int32]int64),
		stalled:    make(map[int32]bool),
	}
}

func (c *fakeConsumer) add(partition int32, high int64, msgs ...fakeMessage) {
	c.partitions[partition] = append(c.partitions[partition], msgs...)
	c.high[partition] = high
}

func (c *fakeConsumer) GetMetadata(topic *string, _ bool, _ int) (*kafka.Metadata, error) {
	md := &kafka.Metadata{Topics: map[string]kafka.TopicMetadata{}}
	if *topic != c.topic {
		return md, nil
	}
	tm := kafka.TopicMetadata{Topic: c.topic}
	for p := range c.high {
		tm.Partitions = append(tm.Partitions, kafka.PartitionMetadata{ID: p})
	}
	md.Topics[c.topic] = tm
	return md, nil
}

func (c *fakeConsumer) QueryWatermarkOffsets(_ string, partition int32, _ int) (int64, int64, error) {
	msgs := c.partitions[partition]
	low := c.high[partition]
	if len(msgs) > 0 {
		low = msgs[0].offset
	}
	return low, c.high[partition], nil
}

func (c *fakeConsumer) Assign(tps []kafka.TopicPartition) error {
	c.assigned = nil
	for _, tp := range tps {
		c.assigned = append(c.assigned, tp.Partition)
		c.position[tp.Partition] = int64(tp.Offset)
	}
	sort.Slice(c.assigned, func(i, j int) bool { return c.assigned[i] < c.assigned[j] })
	return nil
}

func (c *fakeConsumer) Unassign() error {
	c.assigned = nil
	return nil
}

func (c *fakeConsumer) ReadMessage(time.Duration) (*kafka.Message, error) {
	for range c.assigned {
		p := c.assigned[c.next%len(c.assigned)]
		c.next++
		for _, m := range c.partitions[p] {
			if m.offset < c.position[p] {
				continue
			}
			c.position[p] = m.offset + 1
			topic := c.topic
			return &kafka.Message{
				TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: p, Offset: kafka.Offset(m.offset)},
				Value:          []byte(m.value),
				Key:            []byte("k"),
				Headers:        []kafka.Header{{Key: "source", Value: []byte("test")}},
			}, nil
		}
		if !c.stalled[p] {
			c.position[p] = c.high[p]
		}
	}
	return nil, kafka.NewError(kafka.ErrTimedOut, "timed out", false)
}

func (c *fakeConsumer) Position(tps []kafka.TopicPartition) ([]kafka.TopicPartition, error) {
	out := make([]kafka.TopicPartition, len(tps))
	for i, tp := range tps {
		out[i] = tp
		out[i].Offset = kafka.Offset(c.position[tp.Partition])
	}
	return out, nil
}

func (c *fakeConsumer) Close() error {
	c.closed = true
	return nil
}

func testKafka(c *fakeConsumer) *Kafka {
	return newKafka(KafkaConfig{Topic: c.topic, PollTimeout: time.Millisecond, IdleTimeout: 20 * time.Millisecond}, c)
}

func TestKafkaAvailableRange(t *testing.T) {
	c := newFakeConsumer("events")
	c.add(1, 12, fakeMessage{offset: 10}, fakeMessage{offset: 11})
	c.add(0, 3, fakeMessage{offset: 0}, fakeMessage{offset: 1}, fakeMessage{offset: 2})

	avail, err := testKafka(c).AvailableRange(context.Background())
	require.NoError(t, err)
	require.Equal(t, []model.PartitionWatermarks{
		{Partition: 0, Low: 0, High: 3},
		{Partition: 1, Low: 10, High: 12},
	}, avail.Partitions)

	k := newKafka(KafkaConfig{Topic: "other"}, c)
	_, err = k.AvailableRange(context.Background())
	require.ErrorContains(t, err, "not found")
}

func TestKafkaRead(t *testing.T) {
	c := newFakeConsumer("events")
	c.add(0, 5, fakeMessage{0, "a"}, fakeMessage{1, "b"}, fakeMessage{2, "c"}, fakeMessage{3, "d"}, fakeMessage{4, "e"})
	// Offset 2 was compacted away and 4 is a transaction marker.
	c.add(1, 5, fakeMessage{0, "x"}, fakeMessage{1, "y"}, fakeMessage{3, "z"})
	k := testKafka(c)

	u := model.WorkUnit{Ranges: []model.PartitionRange{
		{Partition: 0, Start: 1, End: 3},
		{Partition: 1, Start: 0, End: 5},
		{Partition: 2, Start: 7, End: 7},
	}}
	got := map[int32][]string{}
	err := k.Read(context.Background(), u, func(r model.RawRecord) error {
		got[r.Partition] = append(got[r.Partition], string(r.Value))
		require.Equal(t, "events", r.Metadata["topic"])
		require.Equal(t, "test", r.Metadata["header.source"])
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, map[int32][]string{0: {"b", "c"}, 1: {"x", "y", "z"}}, got)
	require.Empty(t, c.assigned, "partitions are unassigned after a read")
}

func TestKafkaReadIdleTimeout(t *testing.T) {
	c := newFakeConsumer("events")
	c.add(0, 10, fakeMessage{0, "a"})
	// The position stays short of the end while nothing arrives.
	c.stalled[0] = true

	var n int
	err := testKafka(c).Read(context.Background(), model.WorkUnit{Ranges: []model.PartitionRange{{Partition: 0, Start: 0, End: 10}}}, func(model.RawRecord) error {
		n++
		return nil
	})
	require.ErrorContains(t, err, "1 partitions unfinished")
	require.Equal(t, 1, n)
}

func TestKafkaReadCancelled(t *testing.T) {
	c := newFakeConsumer("events")
	c.add(0, 2, fakeMessage{0, "a"}, fakeMessage{1, "b"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := testKafka(c).Read(ctx, model.WorkUnit{Ranges: []model.PartitionRange{{Partition: 0, Start: 0, End: 2}}}, func(model.RawRecord) error { return nil })
	require.ErrorIs(t, err, context.Canceled)
}

func TestKafkaClose(t *testing.T) {
	c := newFakeConsumer("events")
	require.NoError(t, testKafka(c).Close())
	require.True(t, c.closed)
}

func TestKafkaBroker(t *testing.T) {
	brokers := os.Getenv("TEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("TEST_KAFKA_BROKERS not set")
	}
	k, err := NewKafka(KafkaConfig{Brokers: brokers, Topic: "ingest-test"})
	require.NoError(t, err)
	defer k.Close()
	_, err = k.AvailableRange(context.Background())
	require.NoError(t, err)
}
