package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/harborline/internal/domain"
)

var producerTracer = otel.Tracer("messaging/producer")

// MessageWriter is the subset of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer MessageWriter
	topic  string
}

func NewProducer(brokers []string, topic string) *Producer {
	return NewProducerWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           100 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
	}, topic)
}

func NewProducerWithWriter(writer MessageWriter, topic string) *Producer {
	return &Producer{writer: writer, topic: topic}
}

// Publish writes e keyed by its order id, so events of one order stay on one
// partition and keep their relative order.
func (p *Producer) Publish(ctx context.Context, e domain.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(e.OrderID),
		Value: data,
		Headers: []kafka.Header{
			{Key: EventKindHeader, Value: []byte(e.Kind)},
			{Key: EventIDHeader, Value: []byte(e.ID)},
		},
		Time: e.Timestamp,
	}

	ctx, span := producerTracer.Start(ctx, "send "+p.topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("send"),
			semconv.MessagingOperationTypePublish,
			semconv.MessagingDestinationName(p.topic),
			semconv.MessagingKafkaMessageKey(e.OrderID),
			semconv.MessagingMessageID(e.ID),
			attribute.String("event.kind", string(e.Kind)),
		),
	)
	defer span.End()

	otel.GetTextMapPropagator().Inject(ctx, carrierFor(&msg))

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
