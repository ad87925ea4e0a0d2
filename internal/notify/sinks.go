package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/harborwatch/credits/pkg/credits"
)

// LogSink writes events to the structured log. It is the default consumer in
// deployments without a message bus.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Deliver logs the event.
func (sink *LogSink) Deliver(ctx context.Context, event credits.BalanceEvent) error {
	sink.logger.Info("balance event",
		zap.String("kind", string(event.Kind)),
		zap.String("account_id", event.AccountID.String()),
		zap.Int64("available", event.Available.Int64()),
		zap.Int64("delta", event.Delta),
		zap.Int64("threshold", event.Threshold.Int64()),
	)
	return nil
}

const natsSubjectPrefix = "credits.events"

// eventPayload is the wire form published to the bus. The WebSocket gateway
// subscribes to credits.events.> and forwards to connected dashboards.
type eventPayload struct {
	Kind      string `json:"kind"`
	AccountID string `json:"account_id"`
	Available int64  `json:"available"`
	Delta     int64  `json:"delta,omitempty"`
	Threshold int64  `json:"threshold,omitempty"`
}

// NATSSink publishes events to a NATS subject per event kind.
type NATSSink struct {
	conn *nats.Conn
}

// NewNATSSink wires a NATSSink over an established connection.
func NewNATSSink(conn *nats.Conn) (*NATSSink, error) {
	if conn == nil {
		return nil, fmt.Errorf("nats connection is nil")
	}
	return &NATSSink{conn: conn}, nil
}

// Deliver publishes the event as JSON.
func (sink *NATSSink) Deliver(ctx context.Context, event credits.BalanceEvent) error {
	payload, err := json.Marshal(eventPayload{
		Kind:      string(event.Kind),
		AccountID: event.AccountID.String(),
		Available: event.Available.Int64(),
		Delta:     event.Delta,
		Threshold: event.Threshold.Int64(),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", natsSubjectPrefix, event.Kind)
	if err := sink.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
