package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harborwatch/credits/pkg/pricing"
)

// Reserve places a time-bounded hold on the account's available balance. The
// amount leaves available immediately; it is restored only by Cancel or
// expiry, and is written to the ledger only at Confirm.
func (service *Service) Reserve(ctx context.Context, accountID AccountID, amount Credits, serviceType pricing.ServiceType, ttl time.Duration) (Reservation, error) {
	reservation, heldAvailable, operationError := service.reserve(ctx, accountID, amount, serviceType, ttl)
	service.logOperation(ctx, OperationLog{
		Operation:     operationReserve,
		AccountID:     accountID,
		ReservationID: reservation.ID,
		Amount:        amount,
		Error:         operationError,
	})
	if operationError != nil {
		return Reservation{}, operationError
	}
	service.notifyBalanceChanged(ctx, accountID, heldAvailable, -amount.Int64())
	return reservation, nil
}

func (service *Service) reserve(ctx context.Context, accountID AccountID, amount Credits, serviceType pricing.ServiceType, ttl time.Duration) (Reservation, Credits, error) {
	if _, err := NewCredits(amount.Int64()); err != nil {
		return Reservation{}, 0, err
	}
	if ttl <= 0 {
		return Reservation{}, 0, fmt.Errorf("%w: must be positive, got %s", ErrInvalidReservationTTL, ttl)
	}
	if _, err := pricing.ParseServiceType(serviceType.String()); err != nil {
		return Reservation{}, 0, err
	}
	var reservation Reservation
	var heldAvailable Credits
	operationError := service.store.WithAccount(ctx, accountID, func(ctx context.Context, txStore Store) error {
		balance, err := txStore.GetBalance(ctx, accountID)
		if err != nil {
			return err
		}
		if balance.Available < amount {
			return &InsufficientCreditsError{Shortfall: amount - balance.Available}
		}
		updated, err := txStore.ApplyBalance(ctx, accountID, -amount.Int64(), 0)
		if err != nil {
			return err
		}
		now := service.now()
		reservationID, err := NewReservationID(service.newID())
		if err != nil {
			return err
		}
		reservation = Reservation{
			ID:          reservationID,
			AccountID:   accountID,
			Amount:      amount,
			ServiceType: serviceType,
			Status:      ReservationStatusPending,
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}
		heldAvailable = updated.Available
		return txStore.CreateReservation(ctx, reservation)
	})
	if operationError != nil {
		return Reservation{}, 0, operationError
	}
	return reservation, heldAvailable, nil
}

// Confirm finalizes a pending reservation, appending the deduction
// transaction that records the held amount in the ledger. The available
// balance is not touched again: it was already decremented at reserve time.
func (service *Service) Confirm(ctx context.Context, reservationID ReservationID, description string) (Transaction, error) {
	var transaction Transaction
	var accountID AccountID
	operationError := service.finalizeReservation(ctx, reservationID, func(ctx context.Context, txStore Store, reservation Reservation) error {
		accountID = reservation.AccountID
		if err := txStore.UpdateReservationStatus(ctx, reservationID, ReservationStatusPending, ReservationStatusConfirmed); err != nil {
			return err
		}
		balance, err := txStore.GetBalance(ctx, reservation.AccountID)
		if err != nil {
			return err
		}
		transaction = Transaction{
			ID:           service.newID(),
			AccountID:    reservation.AccountID,
			Type:         TransactionDeduction,
			Amount:       -reservation.Amount.Int64(),
			BalanceAfter: balance.Available,
			Description:  description,
			ServiceRef:   reservationID.String(),
			CreatedAt:    service.now(),
		}
		return txStore.AppendTransaction(ctx, transaction)
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationConfirm,
		AccountID:     accountID,
		ReservationID: reservationID,
		Amount:        Credits(-transaction.Amount),
		Error:         operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	return transaction, nil
}

// Cancel releases a pending reservation, restoring the held amount to the
// available balance. No transaction is written: a cancelled hold never
// appears in history.
func (service *Service) Cancel(ctx context.Context, reservationID ReservationID) error {
	var accountID AccountID
	var restored Credits
	var available Credits
	operationError := service.finalizeReservation(ctx, reservationID, func(ctx context.Context, txStore Store, reservation Reservation) error {
		accountID = reservation.AccountID
		restored = reservation.Amount
		if err := txStore.UpdateReservationStatus(ctx, reservationID, ReservationStatusPending, ReservationStatusCancelled); err != nil {
			return err
		}
		updated, err := txStore.ApplyBalance(ctx, reservation.AccountID, reservation.Amount.Int64(), 0)
		if err != nil {
			return err
		}
		available = updated.Available
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:     operationCancel,
		AccountID:     accountID,
		ReservationID: reservationID,
		Amount:        restored,
		Error:         operationError,
	})
	if operationError != nil {
		return operationError
	}
	service.notifyBalanceChanged(ctx, accountID, available, restored.Int64())
	return nil
}

// finalizeReservation runs fn against a still-pending reservation under the
// owning account's serialization. Whichever of confirm, cancel, or expiry
// acquires the account first determines the terminal state; the losers
// observe it and fail without side effects. A reservation found pending but
// past its deadline is expired on the spot, mirroring the sweeper.
func (service *Service) finalizeReservation(ctx context.Context, reservationID ReservationID, fn func(ctx context.Context, txStore Store, reservation Reservation) error) error {
	located, err := service.store.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	return service.store.WithAccount(ctx, located.AccountID, func(ctx context.Context, txStore Store) error {
		reservation, err := txStore.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		switch reservation.Status {
		case ReservationStatusPending:
			// fallthrough to the deadline check below
		case ReservationStatusExpired:
			return ErrReservationExpired
		case ReservationStatusConfirmed, ReservationStatusCancelled:
			return ErrReservationFinalized
		default:
			return fmt.Errorf("%w: %q", ErrInvalidReservationStatus, reservation.Status)
		}
		if !service.now().Before(reservation.ExpiresAt) {
			if err := service.expirePending(ctx, txStore, reservation); err != nil {
				return err
			}
			return ErrReservationExpired
		}
		return fn(ctx, txStore, reservation)
	})
}

// expirePending transitions a pending reservation to expired and restores
// its amount. Callers must hold the account serialization.
func (service *Service) expirePending(ctx context.Context, txStore Store, reservation Reservation) error {
	if err := txStore.UpdateReservationStatus(ctx, reservation.ID, ReservationStatusPending, ReservationStatusExpired); err != nil {
		if errors.Is(err, ErrReservationFinalized) {
			// lost the race to a concurrent finalizer
			return nil
		}
		return err
	}
	updated, err := txStore.ApplyBalance(ctx, reservation.AccountID, reservation.Amount.Int64(), 0)
	if err != nil {
		return err
	}
	service.notifyBalanceChanged(ctx, reservation.AccountID, updated.Available, reservation.Amount.Int64())
	return nil
}
