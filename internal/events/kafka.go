package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/i474232898/farm-advisory/internal/ingest"
)

// messageWriter is the subset of *kafkago.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaPublisher produces finished ingestion runs to a Kafka topic.
// It implements ingest.RunPublisher.
type KafkaPublisher struct {
	writer messageWriter
	logger *slog.Logger
}

// NewKafkaPublisher creates a producer for topic. Messages are keyed by
// entity id so runs for one entity stay ordered within a partition.
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) *KafkaPublisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newKafkaPublisher(w, logger)
}

func newKafkaPublisher(w messageWriter, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{writer: w, logger: logger}
}

// Publish writes runs in a single WriteMessages call.
func (p *KafkaPublisher) Publish(ctx context.Context, runs ...ingest.Run) error {
	if len(runs) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(runs))
	for i := range runs {
		msg, err := serializeRun(runs[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d runs: %w", len(msgs), err)
	}
	p.logger.Debug("runs published", "count", len(msgs))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func serializeRun(run ingest.Run) (kafkago.Message, error) {
	data, err := json.Marshal(run)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize run %s: %w", run.ID, err)
	}
	return kafkago.Message{
		Key:   []byte(run.EntityID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "kind", Value: []byte(run.Kind)},
			{Key: "outcome", Value: []byte(run.Outcome)},
			{Key: "finished_at", Value: []byte(run.FinishedAt.UTC().Format(time.RFC3339))},
		},
	}, nil
}

// Discard drops every run. It is used when no brokers are configured.
type Discard struct{}

func (Discard) Publish(context.Context, ...ingest.Run) error { return nil }
