package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/triage-ai/palisade-gateway/internal/tracing"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes spans and traces as JSON Events. Messages are keyed by
// trace id so one trace's records land on one partition in order.
type KafkaSink struct {
	writer messageWriter
}

// NewKafkaSink creates a sink for a comma-separated broker list.
func NewKafkaSink(brokers, topic string) *KafkaSink {
	var addrs []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(addrs...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

func (k *KafkaSink) WriteSpans(ctx context.Context, spans []tracing.Span) error {
	msgs := make([]kafka.Message, 0, len(spans))
	for i := range spans {
		m, err := eventMessage(spans[i].TraceID, Event{Type: EventSpan, Span: &spans[i]}, spans[i].EndedAt)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}
	return k.write(ctx, msgs)
}

func (k *KafkaSink) WriteTraces(ctx context.Context, traces []tracing.Trace) error {
	msgs := make([]kafka.Message, 0, len(traces))
	for i := range traces {
		m, err := eventMessage(traces[i].ID, Event{Type: EventTrace, Trace: &traces[i]}, traces[i].EndedAt)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}
	return k.write(ctx, msgs)
}

func (k *KafkaSink) write(ctx context.Context, msgs []kafka.Message) error {
	if err := k.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write (%d): %w", len(msgs), err)
	}
	return nil
}

func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

func eventMessage(key string, e Event, at time.Time) (kafka.Message, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal %s event: %w", e.Type, err)
	}
	return kafka.Message{Key: []byte(key), Value: data, Time: at}, nil
}
