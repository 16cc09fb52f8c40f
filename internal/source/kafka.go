package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/JakeFAU/magnet-dispatcher/internal/clock/system"
	"github.com/JakeFAU/magnet-dispatcher/internal/telemetry"
	"github.com/JakeFAU/magnet-dispatcher/internal/torrent"
)

// KafkaConfig selects the topic holding raw text messages.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes raw text from a topic. Offsets are committed only
// after the snapshot was handed on, so delivery is at-least-once; the pump's
// suppression and the de-dup set absorb redelivery.
type KafkaSource struct {
	reader messageReader
	topic  string
	clock  torrent.Clock
	logger *zap.Logger
}

// NewKafkaSource builds a consumer-group reader for cfg.
func NewKafkaSource(cfg KafkaConfig, clock torrent.Clock, logger *zap.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("kafka source: brokers and topic are required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "magnetd"
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
	return newKafkaSource(r, cfg.Topic, clock, logger), nil
}

func newKafkaSource(r messageReader, topic string, clock torrent.Clock, logger *zap.Logger) *KafkaSource {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSource{reader: r, topic: topic, clock: clock, logger: logger}
}

// Name identifies the source in task records.
func (s *KafkaSource) Name() string { return "kafka:" + s.topic }

// Run fetches until ctx ends, then closes the reader.
func (s *KafkaSource) Run(ctx context.Context, out chan<- Snapshot) error {
	defer func() {
		if err := s.reader.Close(); err != nil {
			s.logger.Warn("close kafka reader", zap.Error(err))
		}
	}()
	for {
		m, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		carrier := HeaderCarrier(m.Headers)
		msgCtx := otel.GetTextMapPropagator().Extract(ctx, &carrier)
		_, span := telemetry.Tracer().Start(msgCtx, "source.KafkaConsume")

		text := strings.TrimSpace(string(m.Value))
		if text != "" {
			discovered := m.Time
			if discovered.IsZero() {
				discovered = s.clock.Now()
			}
			if err := emit(ctx, out, Snapshot{Text: text, Source: s.Name(), DiscoveredAt: discovered}); err != nil {
				span.End()
				return nil
			}
		}
		span.End()

		if err := s.reader.CommitMessages(ctx, m); err != nil {
			s.logger.Error("failed to commit kafka offset",
				zap.String("topic", m.Topic),
				zap.Int64("offset", m.Offset),
				zap.Error(err),
			)
		}
	}
}

// HeaderCarrier adapts Kafka headers to the OpenTelemetry text map carrier.
type HeaderCarrier []kafka.Header

// Get returns the first header value for key.
func (c HeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set replaces any header named key.
func (c *HeaderCarrier) Set(key, value string) {
	filtered := (*c)[:0]
	for _, h := range *c {
		if h.Key != key {
			filtered = append(filtered, h)
		}
	}
	*c = append(filtered, kafka.Header{Key: key, Value: []byte(value)})
}

// Keys lists every header key.
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = h.Key
	}
	return keys
}
