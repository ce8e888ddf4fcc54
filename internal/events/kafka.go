package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"bookwise/internal/metrics"
)

const (
	headerEventID   = "event_id"
	headerEventType = "event_type"
	headerSource    = "source"
)

// SplitBrokers parses a comma separated broker list.
func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// HeaderValue returns the first header with the given key.
func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// ReadyCheck dials the first broker.
func ReadyCheck(brokers []string) func(context.Context) error {
	return func(ctx context.Context) error {
		if len(brokers) == 0 {
			return errors.New("kafka brokers not configured")
		}
		dialer := kafka.Dialer{Timeout: 2 * time.Second}
		conn, err := dialer.DialContext(ctx, "tcp", brokers[0])
		if err != nil {
			return err
		}
		_ = conn.Close()
		return nil
	}
}

// InjectTraceHeaders appends W3C trace context headers to Kafka headers.
func InjectTraceHeaders(ctx context.Context, headers []kafka.Header) []kafka.Header {
	carrier := &headerCarrier{headers: headers}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier.headers
}

// ExtractTraceContext returns ctx enriched with the trace context carried by msg.
func ExtractTraceContext(ctx context.Context, msg kafka.Message) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, &headerCarrier{headers: msg.Headers})
}

type headerCarrier struct {
	headers []kafka.Header
}

var _ propagation.TextMapCarrier = (*headerCarrier)(nil)

func (c *headerCarrier) Get(key string) string {
	return HeaderValue(c.headers, key)
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for _, h := range c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}

func (c *headerCarrier) Set(key, value string) {
	for i := range c.headers {
		if c.headers[i].Key == key {
			c.headers[i].Value = []byte(value)
			return
		}
	}
	c.headers = append(c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher forwards bus events to a Kafka topic so other instances can
// drop their cached availability.
type KafkaPublisher struct {
	writer messageWriter
	logger *zerolog.Logger
}

// NewKafkaPublisher creates a synchronous writer for topic.
func NewKafkaPublisher(brokers []string, topic string, logger *zerolog.Logger) *KafkaPublisher {
	// Hash on the shop key keeps events of one shop in order.
	return newKafkaPublisher(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
		MaxAttempts:            3,
		WriteTimeout:           5 * time.Second,
	}, logger)
}

func newKafkaPublisher(w messageWriter, logger *zerolog.Logger) *KafkaPublisher {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &KafkaPublisher{writer: w, logger: logger}
}

// Handle writes event to Kafka. It has the Handler signature so it can be
// subscribed to a Bus.
func (p *KafkaPublisher) Handle(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	headers := InjectTraceHeaders(ctx, []kafka.Header{
		{Key: headerEventID, Value: []byte(event.ID)},
		{Key: headerEventType, Value: []byte(event.Type)},
		{Key: headerSource, Value: []byte(event.Source)},
	})
	msg := kafka.Message{
		Key:     []byte(event.TenantID + "/" + event.ShopID),
		Value:   data,
		Headers: headers,
		Time:    event.OccurredAt,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		metrics.IncEvent(event.Type, "kafka_failed")
		return fmt.Errorf("publish event %s: %w", event.ID, err)
	}
	metrics.IncEvent(event.Type, "kafka_sent")
	p.logger.Debug().Str("event_id", event.ID).Str("type", event.Type).Msg("event sent to kafka")
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaConsumer reads events published by other instances and hands them to
// a Handler. Events stamped with the local source are skipped.
type KafkaConsumer struct {
	reader  messageReader
	source  string
	handler Handler
	backoff time.Duration
	tracer  trace.Tracer
	logger  *zerolog.Logger
}

// NewKafkaConsumer creates a group reader for topic. Each instance should use
// its own groupID so every instance sees every event.
func NewKafkaConsumer(brokers []string, topic, groupID, source string, handler Handler, logger *zerolog.Logger) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       1e6,
		MaxWait:        time.Second,
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
	})
	return newKafkaConsumer(reader, source, handler, logger)
}

func newKafkaConsumer(r messageReader, source string, handler Handler, logger *zerolog.Logger) *KafkaConsumer {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &KafkaConsumer{
		reader:  r,
		source:  source,
		handler: handler,
		backoff: time.Second,
		tracer:  otel.Tracer("bookwise/events"),
		logger:  logger,
	}
}

// Run consumes until ctx is canceled.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	c.logger.Info().Msg("kafka consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info().Msg("kafka consumer stopped")
				return nil
			}
			c.logger.Error().Err(err).Msg("fetch kafka message")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
			continue
		}

		c.process(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("commit kafka message")
		}
	}
}

// process never fails the message: invalidation is best effort and the cache
// TTL bounds staleness when it is lost.
func (c *KafkaConsumer) process(ctx context.Context, msg kafka.Message) {
	if HeaderValue(msg.Headers, headerSource) == c.source && c.source != "" {
		metrics.IncEvent(HeaderValue(msg.Headers, headerEventType), "skipped")
		return
	}

	var event Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.logger.Warn().Err(err).
			Str("topic", msg.Topic).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Msg("invalid event payload")
		metrics.IncEvent("unknown", "invalid")
		return
	}
	if event.Source == c.source && c.source != "" {
		metrics.IncEvent(event.Type, "skipped")
		return
	}

	ctx = ExtractTraceContext(ctx, msg)
	ctx, span := c.tracer.Start(ctx, "kafka.consume", trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("event.id", event.ID),
			attribute.String("event.type", event.Type),
		))
	defer span.End()

	metrics.IncEvent(event.Type, "consumed")
	if err := c.handler(ctx, event); err != nil {
		span.RecordError(err)
		c.logger.Warn().Err(err).Str("event_id", event.ID).Str("type", event.Type).Msg("event handler failed")
	}
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
