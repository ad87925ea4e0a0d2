package credits

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sweeper releases pending reservations whose TTL has elapsed. It is the
// ledger's resource-leak defense: a caller that disappears between Reserve
// and Confirm gets its hold returned here. Expiry runs under the same
// per-account serialization as Cancel, so a concurrent Confirm either beats
// the sweep or observes the expired state.
type Sweeper struct {
	service   *Service
	interval  time.Duration
	batchSize int
}

// SweeperOption configures a Sweeper instance.
type SweeperOption func(*Sweeper)

// WithSweepBatchSize caps how many lapsed reservations one pass releases.
func WithSweepBatchSize(batchSize int) SweeperOption {
	return func(sweeper *Sweeper) {
		if batchSize > 0 {
			sweeper.batchSize = batchSize
		}
	}
}

// NewSweeper wires a Sweeper over the ledger service.
func NewSweeper(service *Service, interval time.Duration, options ...SweeperOption) (*Sweeper, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: service dependency is nil", ErrInvalidServiceConfig)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("%w: sweep interval must be positive", ErrInvalidServiceConfig)
	}
	sweeper := &Sweeper{service: service, interval: interval, batchSize: defaultSweepBatchSize}
	for _, option := range options {
		if option != nil {
			option(sweeper)
		}
	}
	return sweeper, nil
}

// Run sweeps on the configured interval until the context is cancelled.
func (sweeper *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := sweeper.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				sweeper.service.logOperation(ctx, OperationLog{
					Operation: operationExpire,
					Error:     err,
				})
			}
		}
	}
}

// SweepOnce releases one batch of lapsed pending reservations and returns
// how many were expired.
func (sweeper *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	service := sweeper.service
	lapsed, err := service.store.ListExpiredReservations(ctx, service.now(), sweeper.batchSize)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, candidate := range lapsed {
		operationError := service.store.WithAccount(ctx, candidate.AccountID, func(ctx context.Context, txStore Store) error {
			reservation, err := txStore.GetReservation(ctx, candidate.ID)
			if err != nil {
				if errors.Is(err, ErrReservationNotFound) {
					return nil
				}
				return err
			}
			// First mover wins: if a Confirm or Cancel got the account
			// lock before us, the reservation is no longer pending.
			if reservation.Status != ReservationStatusPending {
				return nil
			}
			if service.now().Before(reservation.ExpiresAt) {
				return nil
			}
			if err := service.expirePending(ctx, txStore, reservation); err != nil {
				return err
			}
			expired++
			return nil
		})
		service.logOperation(ctx, OperationLog{
			Operation:     operationExpire,
			AccountID:     candidate.AccountID,
			ReservationID: candidate.ID,
			Amount:        candidate.Amount,
			Error:         operationError,
		})
		if operationError != nil {
			return expired, operationError
		}
	}
	return expired, nil
}
