package kafka

import (
	"context"
	"time"

	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultEventTopic  = "task_events"
	DefaultSignalTopic = "task_signals"
)

// Writer is the part of *kafka.Writer the bus uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reader is the part of *kafka.Reader the bus uses.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// NewWriter creates a producer for topic. Messages are keyed by task id and hashed so every
// event of a task lands on one partition in commit order.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	producer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: int(kafka.RequireOne),
		BatchTimeout: 10 * time.Millisecond,
		Async:        false,
	})
	hlog.Infof("Kafka: producer configured for topic %s", topic)
	return producer
}

// NewReader creates a consumer for topic in its own group. Each runner uses a distinct group
// so every runner sees every message, starting from the newest offset: history comes from
// the task event log, not from Kafka.
func NewReader(brokers []string, topic, groupID string) *kafka.Reader {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
	})
	hlog.Infof("Kafka: consumer configured for topic %s, groupID %s", topic, groupID)
	return reader
}
