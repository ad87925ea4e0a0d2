// Package telemetry records ledger operations as structured logs and
// Prometheus metrics through the service's operation-log hook.
package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/harborwatch/credits/pkg/credits"
)

// Collector implements credits.OperationLogger, logging every operation and
// updating counters by operation and status.
type Collector struct {
	logger *zap.Logger

	registry        *prometheus.Registry
	operationsTotal *prometheus.CounterVec
	creditsMoved    *prometheus.CounterVec
	lowBalanceSeen  *prometheus.CounterVec
}

// NewCollector wires a Collector with its own registry.
func NewCollector(logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := prometheus.NewRegistry()
	return &Collector{
		logger:   logger,
		registry: registry,
		operationsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "credits_operations_total",
			Help: "Ledger operations by operation and status",
		}, []string{"operation", "status"}),
		creditsMoved: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "credits_moved_total",
			Help: "Credits moved by successful operations, by operation",
		}, []string{"operation"}),
		lowBalanceSeen: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "credits_low_balance_events_total",
			Help: "Low balance warnings emitted, by account",
		}, []string{"account_id"}),
	}
}

var _ credits.OperationLogger = (*Collector)(nil)

// LogOperation records one ledger operation.
func (collector *Collector) LogOperation(ctx context.Context, entry credits.OperationLog) {
	collector.operationsTotal.WithLabelValues(entry.Operation, entry.Status).Inc()
	if entry.Error == nil && entry.Amount > 0 {
		collector.creditsMoved.WithLabelValues(entry.Operation).Add(float64(entry.Amount.Int64()))
	}
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("account_id", entry.AccountID.String()),
		zap.Int64("amount", entry.Amount.Int64()),
	}
	if entry.ReservationID.String() != "" {
		fields = append(fields, zap.String("reservation_id", entry.ReservationID.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		collector.logger.Warn("ledger operation failed", fields...)
		return
	}
	collector.logger.Info("ledger operation", fields...)
}

// Deliver counts low-balance warnings, letting the Collector double as a
// notification sink.
func (collector *Collector) Deliver(ctx context.Context, event credits.BalanceEvent) error {
	if event.Kind == credits.EventLowBalanceWarning {
		collector.lowBalanceSeen.WithLabelValues(event.AccountID.String()).Inc()
	}
	return nil
}

// Handler exposes the registry for the /metrics endpoint.
func (collector *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(collector.registry, promhttp.HandlerOpts{})
}
