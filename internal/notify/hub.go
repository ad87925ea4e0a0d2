// Package notify fans balance events out to the platform's push channels.
// Delivery is at-most-once and best-effort: when the queue is full the event
// is dropped, never blocking the ledger's critical sections.
package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/harborwatch/credits/pkg/credits"
)

const defaultQueueSize = 1024

// Sink delivers one event to a concrete channel (log, NATS, ...).
type Sink interface {
	Deliver(ctx context.Context, event credits.BalanceEvent) error
}

// Hub queues events from the ledger and dispatches them to sinks on worker
// goroutines. It implements credits.Notifier.
type Hub struct {
	sinks   []Sink
	queue   chan credits.BalanceEvent
	workers int
	logger  *zap.Logger

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// HubOption configures a Hub instance.
type HubOption func(*Hub)

// WithQueueSize overrides the event queue capacity.
func WithQueueSize(size int) HubOption {
	return func(hub *Hub) {
		if size > 0 {
			hub.queue = make(chan credits.BalanceEvent, size)
		}
	}
}

// WithWorkers overrides the dispatch worker count.
func WithWorkers(workers int) HubOption {
	return func(hub *Hub) {
		if workers > 0 {
			hub.workers = workers
		}
	}
}

// NewHub wires a Hub over the given sinks and starts its workers.
func NewHub(logger *zap.Logger, sinks []Sink, options ...HubOption) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	hub := &Hub{
		sinks:   sinks,
		queue:   make(chan credits.BalanceEvent, defaultQueueSize),
		workers: 2,
		logger:  logger,
		stop:    make(chan struct{}),
	}
	for _, option := range options {
		if option != nil {
			option(hub)
		}
	}
	for workerIndex := 0; workerIndex < hub.workers; workerIndex++ {
		hub.wg.Add(1)
		go hub.worker()
	}
	return hub
}

var _ credits.Notifier = (*Hub)(nil)

// Notify enqueues an event without blocking. Full queue drops the event.
func (hub *Hub) Notify(ctx context.Context, event credits.BalanceEvent) {
	select {
	case hub.queue <- event:
	default:
		hub.logger.Warn("event queue full, dropping notification",
			zap.String("kind", string(event.Kind)),
			zap.String("account_id", event.AccountID.String()),
		)
	}
}

// Shutdown stops the workers after draining queued events.
func (hub *Hub) Shutdown(ctx context.Context) error {
	hub.stopOnce.Do(func() { close(hub.stop) })
	done := make(chan struct{})
	go func() {
		hub.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (hub *Hub) worker() {
	defer hub.wg.Done()
	for {
		select {
		case event := <-hub.queue:
			hub.dispatch(event)
		case <-hub.stop:
			// drain what is already queued
			for {
				select {
				case event := <-hub.queue:
					hub.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

func (hub *Hub) dispatch(event credits.BalanceEvent) {
	for _, sink := range hub.sinks {
		if err := sink.Deliver(context.Background(), event); err != nil {
			hub.logger.Warn("event delivery failed",
				zap.String("kind", string(event.Kind)),
				zap.String("account_id", event.AccountID.String()),
				zap.Error(err),
			)
		}
	}
}
