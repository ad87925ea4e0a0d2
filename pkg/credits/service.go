package credits

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service orchestrates the credit ledger over a Store: purchases, immediate
// deductions, and the reserve/confirm/cancel protocol. Every mutation of one
// account runs under the Store's per-account serialization, so the
// check-then-act sequences in Deduct and Reserve are atomic with respect to
// all other operations on that account.
type Service struct {
	store               Store
	nowFn               func() time.Time
	newID               func() string
	logger              OperationLogger
	notifier            Notifier
	lowBalanceThreshold Credits
}

// NewService wires a Service.
func NewService(store Store, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now, newID: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// Balance returns the account's available and lifetime totals. Lapsed
// expiring lots are pruned from the snapshot.
func (service *Service) Balance(ctx context.Context, accountID AccountID) (Balance, error) {
	balance, err := service.store.GetBalance(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	now := service.now()
	activeLots := make([]ExpiringLot, 0, len(balance.ExpiringLots))
	for _, lot := range balance.ExpiringLots {
		if lot.ExpiresAt.After(now) {
			activeLots = append(activeLots, lot)
		}
	}
	balance.ExpiringLots = activeLots
	return balance, nil
}

// Purchase credits the account, increasing both available and lifetime
// totals, and appends a purchase transaction. A non-nil expiresAt records
// the amount as an expiring lot.
func (service *Service) Purchase(ctx context.Context, accountID AccountID, amount Credits, description string, expiresAt *time.Time) (Transaction, error) {
	if _, err := NewCredits(amount.Int64()); err != nil {
		return Transaction{}, err
	}
	transaction, operationError := service.commitCredit(ctx, accountID, TransactionPurchase, amount, description, "", expiresAt)
	service.logOperation(ctx, OperationLog{
		Operation: operationPurchase,
		AccountID: accountID,
		Amount:    amount,
		Error:     operationError,
	})
	return transaction, operationError
}

// Refund returns credits to the account without touching the lifetime total
// and appends a refund transaction referencing the originating service call.
func (service *Service) Refund(ctx context.Context, accountID AccountID, amount Credits, description string, serviceRef string) (Transaction, error) {
	if _, err := NewCredits(amount.Int64()); err != nil {
		return Transaction{}, err
	}
	transaction, operationError := service.commitCredit(ctx, accountID, TransactionRefund, amount, description, serviceRef, nil)
	service.logOperation(ctx, OperationLog{
		Operation: operationRefund,
		AccountID: accountID,
		Amount:    amount,
		Error:     operationError,
	})
	return transaction, operationError
}

// Deduct atomically checks the available balance and debits it, appending a
// deduction transaction. On a shortfall it fails with an
// InsufficientCreditsError and makes no state change.
func (service *Service) Deduct(ctx context.Context, accountID AccountID, amount Credits, description string, serviceRef string) (Transaction, error) {
	if _, err := NewCredits(amount.Int64()); err != nil {
		return Transaction{}, err
	}
	var transaction Transaction
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
		transaction = Transaction{
			ID:           service.newID(),
			AccountID:    accountID,
			Type:         TransactionDeduction,
			Amount:       -amount.Int64(),
			BalanceAfter: updated.Available,
			Description:  description,
			ServiceRef:   serviceRef,
			CreatedAt:    service.now(),
		}
		return txStore.AppendTransaction(ctx, transaction)
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationDeduct,
		AccountID: accountID,
		Amount:    amount,
		Error:     operationError,
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	service.notifyBalanceChanged(ctx, accountID, transaction.BalanceAfter, transaction.Amount)
	return transaction, nil
}

// Transactions lists committed ledger entries for the account, newest first,
// narrowed by filter and sliced by page.
func (service *Service) Transactions(ctx context.Context, accountID AccountID, filter TransactionFilter, page Page) ([]Transaction, error) {
	return service.store.ListTransactions(ctx, accountID, filter, page.Normalize())
}

func (service *Service) commitCredit(ctx context.Context, accountID AccountID, transactionType TransactionType, amount Credits, description string, serviceRef string, expiresAt *time.Time) (Transaction, error) {
	var transaction Transaction
	operationError := service.store.WithAccount(ctx, accountID, func(ctx context.Context, txStore Store) error {
		lifetimeDelta := int64(0)
		if transactionType == TransactionPurchase {
			lifetimeDelta = amount.Int64()
		}
		updated, err := txStore.ApplyBalance(ctx, accountID, amount.Int64(), lifetimeDelta)
		if err != nil {
			return err
		}
		if expiresAt != nil {
			lot := ExpiringLot{Amount: amount, ExpiresAt: expiresAt.UTC()}
			if err := txStore.AddExpiringLot(ctx, accountID, lot); err != nil {
				return err
			}
		}
		transaction = Transaction{
			ID:           service.newID(),
			AccountID:    accountID,
			Type:         transactionType,
			Amount:       amount.Int64(),
			BalanceAfter: updated.Available,
			Description:  description,
			ServiceRef:   serviceRef,
			CreatedAt:    service.now(),
		}
		return txStore.AppendTransaction(ctx, transaction)
	})
	if operationError != nil {
		return Transaction{}, operationError
	}
	service.notifyBalanceChanged(ctx, accountID, transaction.BalanceAfter, transaction.Amount)
	return transaction, nil
}
