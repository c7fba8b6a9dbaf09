package messaging

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var consumerTracer = otel.Tracer("messaging/consumer")

// Message is a consumed event as handed to a Handler.
type Message struct {
	Key     string
	Kind    string
	Payload []byte
}

type Handler func(ctx context.Context, msg Message) error

type Consumer struct {
	reader  *kafka.Reader
	topic   string
	groupID string
}

type ConsumerOption func(*kafka.ReaderConfig)

func WithStartOffset(offset int64) ConsumerOption {
	return func(cfg *kafka.ReaderConfig) {
		cfg.StartOffset = offset
	}
}

// WithMaxWait bounds how long a fetch waits for new data.
func WithMaxWait(d time.Duration) ConsumerOption {
	return func(cfg *kafka.ReaderConfig) {
		cfg.MaxWait = d
	}
}

func NewConsumer(brokers []string, topic, groupID string, opts ...ConsumerOption) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return &Consumer{
		reader:  kafka.NewReader(cfg),
		topic:   topic,
		groupID: groupID,
	}
}

// Consume hands every message to handler and commits it once handled. A
// handler error stops consumption without committing, so the message is
// redelivered after restart. Cancelling ctx stops consumption with a nil
// error.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch from %s: %w", c.topic, err)
		}

		if err := c.process(ctx, msg, handler); err != nil {
			return fmt.Errorf("handle %s offset %d: %w", c.topic, msg.Offset, err)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit %s offset %d: %w", c.topic, msg.Offset, err)
		}
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message, handler Handler) error {
	kind := headerValue(msg.Headers, EventKindHeader)

	ctx = otel.GetTextMapPropagator().Extract(ctx, carrierFor(&msg))
	ctx, span := consumerTracer.Start(ctx, "process "+c.topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(c.attributes(msg, kind)...),
	)
	defer span.End()

	err := handler(ctx, Message{Key: string(msg.Key), Kind: kind, Payload: msg.Value})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (c *Consumer) attributes(msg kafka.Message, kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		semconv.MessagingSystemKafka,
		semconv.MessagingOperationName("process"),
		semconv.MessagingOperationTypeDeliver,
		semconv.MessagingDestinationName(c.topic),
		semconv.MessagingKafkaConsumerGroup(c.groupID),
		semconv.MessagingKafkaMessageOffset(int(msg.Offset)),
		semconv.MessagingDestinationPartitionID(strconv.Itoa(msg.Partition)),
		semconv.MessagingKafkaMessageKey(string(msg.Key)),
		attribute.String("event.kind", kind),
		attribute.String("event.id", headerValue(msg.Headers, EventIDHeader)),
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
