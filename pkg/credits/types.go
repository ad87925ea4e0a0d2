package credits

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harborwatch/credits/pkg/pricing"
)

// Credits is an integer amount of the platform's spendable unit.
type Credits int64

// Int64 returns the raw credit amount.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// NewCredits validates an amount and ensures it is strictly positive.
func NewCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Credits(raw), nil
}

// AccountID identifies an account owner. Authentication happens upstream;
// the ledger treats the identifier as opaque.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// ReservationID identifies a reservation.
type ReservationID struct {
	value string
}

// NewReservationID validates and normalizes a reservation id.
func NewReservationID(raw string) (ReservationID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ReservationID{}, fmt.Errorf("%w: empty value", ErrInvalidReservationID)
	}
	return ReservationID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id ReservationID) String() string {
	return id.value
}

// ReservationStatus defines the reservation lifecycle.
type ReservationStatus string

const (
	ReservationStatusPending   ReservationStatus = "pending"
	ReservationStatusConfirmed ReservationStatus = "confirmed"
	ReservationStatusCancelled ReservationStatus = "cancelled"
	ReservationStatusExpired   ReservationStatus = "expired"
)

// String returns the wire form of the status.
func (status ReservationStatus) String() string {
	return string(status)
}

// ParseReservationStatus validates a stored status string.
func ParseReservationStatus(raw string) (ReservationStatus, error) {
	switch ReservationStatus(raw) {
	case ReservationStatusPending, ReservationStatusConfirmed, ReservationStatusCancelled, ReservationStatusExpired:
		return ReservationStatus(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidReservationStatus, raw)
	}
}

// Reservation is a time-bounded hold of credits against a future commitment.
// Its amount leaves the available balance the instant the reservation becomes
// pending and is restored only by cancellation or expiry.
type Reservation struct {
	ID          ReservationID
	AccountID   AccountID
	Amount      Credits
	ServiceType pricing.ServiceType
	Status      ReservationStatus
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// TransactionType enumerates committed balance-change kinds.
type TransactionType string

const (
	TransactionPurchase  TransactionType = "purchase"
	TransactionDeduction TransactionType = "deduction"
	TransactionRefund    TransactionType = "refund"
)

// String returns the wire form of the transaction type.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// ParseTransactionType validates a stored transaction type string.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(raw) {
	case TransactionPurchase, TransactionDeduction, TransactionRefund:
		return TransactionType(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// Transaction is a single immutable line in the ledger. Amount is signed:
// purchases and refunds are positive, deductions negative. Replaying
// transactions in commit order from zero reproduces the available balance
// modulo still-pending holds.
type Transaction struct {
	ID           string
	AccountID    AccountID
	Type         TransactionType
	Amount       int64
	BalanceAfter Credits
	Description  string
	ServiceRef   string
	CreatedAt    time.Time
}

// Delta returns the signed balance change the transaction committed.
func (transaction Transaction) Delta() int64 {
	return transaction.Amount
}

// ExpiringLot records credits that lapse if unused by a date. Lots are
// informational: they do not constrain spending order.
type ExpiringLot struct {
	Amount    Credits
	ExpiresAt time.Time
}

// Balance is the per-account view of spendable and lifetime credits.
type Balance struct {
	AccountID    AccountID
	Available    Credits
	Lifetime     Credits
	ExpiringLots []ExpiringLot
}

// TransactionFilter narrows a ledger listing. Zero values mean "no filter".
type TransactionFilter struct {
	Types []TransactionType
	From  time.Time
	To    time.Time
}

// Matches reports whether a transaction passes the filter.
func (filter TransactionFilter) Matches(transaction Transaction) bool {
	if len(filter.Types) > 0 {
		known := false
		for _, transactionType := range filter.Types {
			if transaction.Type == transactionType {
				known = true
				break
			}
		}
		if !known {
			return false
		}
	}
	if !filter.From.IsZero() && transaction.CreatedAt.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && transaction.CreatedAt.After(filter.To) {
		return false
	}
	return true
}

// Page selects a slice of a ledger listing. Page numbers start at 1.
type Page struct {
	Number int
	Limit  int
}

// Normalize clamps the page to sane defaults.
func (page Page) Normalize() Page {
	if page.Number < 1 {
		page.Number = 1
	}
	if page.Limit <= 0 {
		page.Limit = defaultPageLimit
	}
	if page.Limit > maxPageLimit {
		page.Limit = maxPageLimit
	}
	return page
}

// Offset returns the number of records to skip.
func (page Page) Offset() int {
	return (page.Number - 1) * page.Limit
}

// Store is the persistence contract used by Service. WithAccount must
// serialize the closure against every other WithAccount call for the same
// account; operations on different accounts must not block each other. A
// non-nil error returned from the closure must leave no partial state.
type Store interface {
	WithAccount(ctx context.Context, accountID AccountID, fn func(ctx context.Context, txStore Store) error) error
	GetBalance(ctx context.Context, accountID AccountID) (Balance, error)
	ApplyBalance(ctx context.Context, accountID AccountID, availableDelta int64, lifetimeDelta int64) (Balance, error)
	AddExpiringLot(ctx context.Context, accountID AccountID, lot ExpiringLot) error
	AppendTransaction(ctx context.Context, transaction Transaction) error
	ListTransactions(ctx context.Context, accountID AccountID, filter TransactionFilter, page Page) ([]Transaction, error)
	CreateReservation(ctx context.Context, reservation Reservation) error
	GetReservation(ctx context.Context, reservationID ReservationID) (Reservation, error)
	UpdateReservationStatus(ctx context.Context, reservationID ReservationID, from, to ReservationStatus) error
	ListExpiredReservations(ctx context.Context, cutoff time.Time, limit int) ([]Reservation, error)
}
