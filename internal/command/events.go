package command

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/qms/internal/observability"
)

// DefaultEventChannel is the pub/sub channel record events are published on.
const DefaultEventChannel = "qms.record.events"

// EventPublisher broadcasts successful record commands over Redis pub/sub.
type EventPublisher struct {
	client  redis.UniversalClient
	channel string
	logger  *zap.Logger
}

// NewEventPublisher creates a publisher on channel. An empty channel selects
// DefaultEventChannel.
func NewEventPublisher(client redis.UniversalClient, channel string, logger *zap.Logger) *EventPublisher {
	if channel == "" {
		channel = DefaultEventChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventPublisher{client: client, channel: channel, logger: logger}
}

// Channel returns the channel events are published on.
func (p *EventPublisher) Channel() string {
	return p.channel
}

// Publish serializes event to JSON and publishes it.
func (p *EventPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal record event: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish record event: %w", err)
	}
	return nil
}

// OnRecordCommand publishes successful commands. Failed commands change no
// record and are not broadcast. Publish errors are logged, never returned.
func (p *EventPublisher) OnRecordCommand(ctx context.Context, event Event) {
	if !event.Success {
		return
	}
	if err := p.Publish(ctx, event); err != nil {
		observability.LoggerFrom(ctx, p.logger).Warn("record event not published",
			zap.String("event_id", event.ID),
			zap.String("record_id", event.RecordID),
			zap.Error(err),
		)
	}
}

// Subscribe streams decoded events from the channel until ctx is cancelled.
// Undecodable payloads are skipped.
func (p *EventPublisher) Subscribe(ctx context.Context) (<-chan Event, error) {
	pubsub := p.client.Subscribe(ctx, p.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", p.channel, err)
	}

	out := make(chan Event)
	go func() {
		defer close(out)
		defer func() { _ = pubsub.Close() }()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					p.logger.Warn("skip undecodable record event", zap.Error(err))
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// MetricsObserver records command outcomes as Prometheus metrics.
type MetricsObserver struct {
	metrics *observability.Metrics
}

// NewMetricsObserver creates an observer that reports to metrics.
func NewMetricsObserver(metrics *observability.Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: metrics}
}

// OnRecordCommand records the operation counter and latency.
func (o *MetricsObserver) OnRecordCommand(_ context.Context, event Event) {
	outcome := "success"
	if !event.Success {
		outcome = event.ErrorCode
	}
	o.metrics.RecordOperation(string(event.RecordType), event.Operation, outcome, event.Duration)
}
