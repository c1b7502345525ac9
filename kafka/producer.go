package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/riferrei/srclient"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rescue-service/domain"
)

const tracerName = "rescue-service"

// Producer publishes emergency lifecycle events to one topic
type Producer struct {
	kafkaProducer *kafka.Producer
	encoder       *Encoder
	topic         string
	logger        *slog.Logger
	tracer        trace.Tracer
}

// NewProducer connects to Kafka and registers the event schema under
// "<topic>-value"
func NewProducer(bootstrapServers, schemaRegistryURL, topic string, logger *slog.Logger) (*Producer, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": bootstrapServers,
		"compression.type":  "snappy",
		"acks":              "all",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	srClient := srclient.CreateSchemaRegistryClient(schemaRegistryURL)
	schemaObj, err := srClient.CreateSchema(topic+"-value", EmergencyEventSchema, srclient.Avro)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to register schema: %w", err)
	}
	encoder, err := NewEncoder(EmergencyEventSchema, schemaObj.ID())
	if err != nil {
		p.Close()
		return nil, err
	}
	logger.Info("Schema registered", "schemaID", schemaObj.ID(), "subject", topic+"-value")

	return &Producer{
		kafkaProducer: p,
		encoder:       encoder,
		topic:         topic,
		logger:        logger,
		tracer:        otel.Tracer(tracerName),
	}, nil
}

// PublishOutboxEvent produces one event keyed by emergency ID and waits for
// the delivery report
func (p *Producer) PublishOutboxEvent(ctx context.Context, event *domain.OutboxEvent) error {
	ctx, span := p.tracer.Start(ctx, "PublishOutboxEvent")
	defer span.End()
	span.SetAttributes(
		attribute.String("eventID", event.ID),
		attribute.String("eventType", event.EventType),
	)

	value, err := p.encoder.Encode(&event.Event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to encode event")
		return err
	}

	deliveryChan := make(chan kafka.Event, 1)
	err = p.kafkaProducer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(event.Event.EmergencyID),
		Value:          value,
		Headers:        []kafka.Header{{Key: "event_type", Value: []byte(event.EventType)}},
	}, deliveryChan)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to produce message")
		p.logger.Error("Failed to produce message", "eventID", event.ID, "error", err)
		return fmt.Errorf("failed to produce message: %w", err)
	}

	var m *kafka.Message
	select {
	case <-ctx.Done():
		return ctx.Err()
	case e := <-deliveryChan:
		var ok bool
		if m, ok = e.(*kafka.Message); !ok {
			return fmt.Errorf("unexpected delivery event %v", e)
		}
	}
	if m.TopicPartition.Error != nil {
		span.RecordError(m.TopicPartition.Error)
		span.SetStatus(codes.Error, "Delivery failed")
		p.logger.Error("Delivery failed", "eventID", event.ID, "error", m.TopicPartition.Error)
		return fmt.Errorf("delivery failed: %w", m.TopicPartition.Error)
	}

	p.logger.Info("Published emergency event",
		"eventID", event.ID,
		"eventType", event.EventType,
		"topic", *m.TopicPartition.Topic,
		"partition", m.TopicPartition.Partition,
		"offset", m.TopicPartition.Offset)
	span.SetAttributes(
		attribute.String("topic", *m.TopicPartition.Topic),
		attribute.Int("partition", int(m.TopicPartition.Partition)),
		attribute.Int64("offset", int64(m.TopicPartition.Offset)),
	)
	return nil
}

// Close flushes pending messages and shuts down the Kafka producer
func (p *Producer) Close() {
	p.logger.Info("Closing Kafka producer")
	p.kafkaProducer.Flush(5000)
	p.kafkaProducer.Close()
}
