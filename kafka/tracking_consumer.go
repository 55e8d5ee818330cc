package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"shipment-svc/config"
	"shipment-svc/middleware"
	"shipment-svc/models"
	"shipment-svc/resilience"
	"shipment-svc/saga"
	"shipment-svc/terminal"

	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type StatusApplier interface {
	ApplyCarrierStatus(ctx context.Context, carrierShipmentID string, status models.ShipmentStatus) ([]saga.Transition, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// TrackingConsumer ingests carrier webhook events that an edge relay has
// forwarded onto the tracking topic.
type TrackingConsumer struct {
	reader  messageReader
	applier StatusApplier
	retry   resilience.RetryConfig
	// fetchBackoff is the first pause after a failed fetch. It doubles up to
	// maxFetchBackoff.
	fetchBackoff time.Duration
	logger       *zap.Logger
}

const maxFetchBackoff = 30 * time.Second

func NewTrackingConsumer(cfg config.KafkaConfig, applier StatusApplier, logger *zap.Logger) *TrackingConsumer {
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.TrackingTopic,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		MaxWait:        time.Second,
		CommitInterval: 0,
	})
	return &TrackingConsumer{
		reader:  reader,
		applier: applier,
		retry: resilience.RetryConfig{
			Name:          "tracking-consumer",
			MaxAttempts:   5,
			InitialDelay:  500 * time.Millisecond,
			MaxDelay:      10 * time.Second,
			BackoffFactor: 2,
			Retryable:     func(err error) bool { return true },
			Logger:        logger,
		},
		fetchBackoff: time.Second,
		logger:       logger,
	}
}

// trackingMessage accepts both the flat relay shape and the carrier's
// {"event": ..., "data": {...}} webhook envelope.
type trackingMessage struct {
	Event      string `json:"event"`
	ShipmentID string `json:"shipment_id"`
	Status     string `json:"status"`
	Data       *struct {
		ShipmentID string `json:"shipment_id"`
		ID         string `json:"id"`
		Status     string `json:"status"`
	} `json:"data"`
}

func (m trackingMessage) carrierID() string {
	if m.ShipmentID != "" {
		return m.ShipmentID
	}
	if m.Data != nil {
		if m.Data.ShipmentID != "" {
			return m.Data.ShipmentID
		}
		return m.Data.ID
	}
	return ""
}

func (m trackingMessage) rawStatus() string {
	if m.Status != "" {
		return m.Status
	}
	if m.Data != nil {
		return m.Data.Status
	}
	return ""
}

// Run consumes until ctx is cancelled or the reader is closed. A message is
// committed only once it has been applied. One that keeps failing holds its
// partition, since committing a later offset would skip it.
func (c *TrackingConsumer) Run(ctx context.Context) error {
	c.logger.Info("Tracking consumer started")

	backoff := c.fetchBackoff
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			c.logger.Error("Error fetching message", zap.Error(err), zap.Duration("backoff", backoff))
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, maxFetchBackoff)
			continue
		}
		backoff = c.fetchBackoff

		if err := c.process(ctx, msg); err != nil {
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("Error committing message", zap.Error(err))
		}
	}
}

// process applies msg, retrying until it succeeds or ctx is done.
func (c *TrackingConsumer) process(ctx context.Context, msg kafkago.Message) error {
	for {
		err := resilience.Retry(ctx, c.retry, func(ctx context.Context) error {
			return c.handle(ctx, msg)
		})
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Error("Failed to apply tracking event, holding partition",
			zap.String("topic", msg.Topic),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err),
		)
		if !sleep(ctx, c.retry.MaxDelay) {
			return ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *TrackingConsumer) handle(ctx context.Context, msg kafkago.Message) error {
	ctx = otel.GetTextMapPropagator().Extract(ctx, kafkaHeaderCarrier(msg.Headers))
	ctx, span := otel.Tracer("shipment-service").Start(ctx, "ProcessTrackingEvent")
	defer span.End()

	var event trackingMessage
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.logger.Warn("Dropping unreadable tracking event", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	carrierID := event.carrierID()
	raw := event.rawStatus()
	if carrierID == "" || raw == "" {
		c.logger.Warn("Dropping tracking event without shipment id or status",
			zap.String("event", event.Event),
			zap.Int64("offset", msg.Offset),
		)
		return nil
	}

	status := terminal.NormalizeStatus(raw)
	span.SetAttributes(
		attribute.String("carrier_shipment_id", carrierID),
		attribute.String("status", string(status)),
	)

	transitions, err := c.applier.ApplyCarrierStatus(ctx, carrierID, status)
	if errors.Is(err, saga.ErrNotFound) {
		c.logger.Warn("Tracking event for unknown shipment", zap.String("carrier_shipment_id", carrierID))
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("apply status for %s: %w", carrierID, err)
	}

	c.logger.Info("Tracking event applied",
		zap.String("trace_id", middleware.GetTraceID(ctx)),
		zap.String("carrier_shipment_id", carrierID),
		zap.String("raw_status", raw),
		zap.Int("transitions", len(transitions)),
	)
	return nil
}

func (c *TrackingConsumer) Close() error {
	return c.reader.Close()
}

type kafkaHeaderCarrier []kafkago.Header

func (c kafkaHeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c kafkaHeaderCarrier) Set(key, value string) {}

func (c kafkaHeaderCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = h.Key
	}
	return keys
}
