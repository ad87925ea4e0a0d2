// Package memstore implements the credits.Store contract with an in-process
// map guarded by one mutex per account. Operations on different accounts
// never contend; any two operations on the same account are fully
// serialized, which is the consistency contract the ledger requires.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/harborwatch/credits/pkg/credits"
)

const (
	errorOperationStore     = "memstore"
	errorSubjectBalance     = "balance"
	errorSubjectReservation = "reservation"
)

type accountState struct {
	mu           sync.Mutex
	available    int64
	lifetime     int64
	lots         []credits.ExpiringLot
	transactions []credits.Transaction
}

type reservationRecord struct {
	reservation credits.Reservation
}

// Store holds every account's balance, ledger, and reservations in memory.
type Store struct {
	mu           sync.RWMutex
	accounts     map[string]*accountState
	reservations map[string]*reservationRecord
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		accounts:     make(map[string]*accountState),
		reservations: make(map[string]*reservationRecord),
	}
}

var _ credits.Store = (*Store)(nil)

// WithAccount serializes fn against all other operations on the account. The
// closure receives a view that reuses the held lock, so nested calls for the
// same account do not deadlock.
func (store *Store) WithAccount(ctx context.Context, accountID credits.AccountID, fn func(ctx context.Context, txStore credits.Store) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state := store.account(accountID)
	state.mu.Lock()
	defer state.mu.Unlock()
	return fn(ctx, &lockedView{store: store, accountID: accountID, state: state})
}

// GetBalance returns a snapshot of the account's balance.
func (store *Store) GetBalance(ctx context.Context, accountID credits.AccountID) (credits.Balance, error) {
	state := store.account(accountID)
	state.mu.Lock()
	defer state.mu.Unlock()
	return snapshotBalance(accountID, state), nil
}

// ApplyBalance adjusts the account's totals outside any WithAccount closure.
func (store *Store) ApplyBalance(ctx context.Context, accountID credits.AccountID, availableDelta int64, lifetimeDelta int64) (credits.Balance, error) {
	state := store.account(accountID)
	state.mu.Lock()
	defer state.mu.Unlock()
	return applyBalanceLocked(accountID, state, availableDelta, lifetimeDelta)
}

// AddExpiringLot records an expiring credit lot on the account.
func (store *Store) AddExpiringLot(ctx context.Context, accountID credits.AccountID, lot credits.ExpiringLot) error {
	state := store.account(accountID)
	state.mu.Lock()
	defer state.mu.Unlock()
	addLotLocked(state, lot)
	return nil
}

// AppendTransaction appends to the account's immutable ledger.
func (store *Store) AppendTransaction(ctx context.Context, transaction credits.Transaction) error {
	state := store.account(transaction.AccountID)
	state.mu.Lock()
	defer state.mu.Unlock()
	state.transactions = append(state.transactions, transaction)
	return nil
}

// ListTransactions returns the account's ledger newest first.
func (store *Store) ListTransactions(ctx context.Context, accountID credits.AccountID, filter credits.TransactionFilter, page credits.Page) ([]credits.Transaction, error) {
	state := store.account(accountID)
	state.mu.Lock()
	defer state.mu.Unlock()
	return listTransactionsLocked(state, filter, page), nil
}

// CreateReservation stores a new reservation record.
func (store *Store) CreateReservation(ctx context.Context, reservation credits.Reservation) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	key := reservation.ID.String()
	if _, exists := store.reservations[key]; exists {
		return credits.WrapError(errorOperationStore, errorSubjectReservation, "duplicate", credits.ErrReservationExists)
	}
	store.reservations[key] = &reservationRecord{reservation: reservation}
	return nil
}

// GetReservation looks a reservation up by id.
func (store *Store) GetReservation(ctx context.Context, reservationID credits.ReservationID) (credits.Reservation, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	record, exists := store.reservations[reservationID.String()]
	if !exists {
		return credits.Reservation{}, credits.WrapError(errorOperationStore, errorSubjectReservation, "get", credits.ErrReservationNotFound)
	}
	return record.reservation, nil
}

// UpdateReservationStatus transitions a reservation if and only if it is
// still in the expected state.
func (store *Store) UpdateReservationStatus(ctx context.Context, reservationID credits.ReservationID, from, to credits.ReservationStatus) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	record, exists := store.reservations[reservationID.String()]
	if !exists {
		return credits.WrapError(errorOperationStore, errorSubjectReservation, "update_status", credits.ErrReservationNotFound)
	}
	if record.reservation.Status != from {
		return credits.WrapError(errorOperationStore, errorSubjectReservation, "update_status", credits.ErrReservationFinalized)
	}
	record.reservation.Status = to
	return nil
}

// ListExpiredReservations returns up to limit pending reservations whose
// deadline is at or before cutoff.
func (store *Store) ListExpiredReservations(ctx context.Context, cutoff time.Time, limit int) ([]credits.Reservation, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	lapsed := make([]credits.Reservation, 0)
	for _, record := range store.reservations {
		reservation := record.reservation
		if reservation.Status != credits.ReservationStatusPending {
			continue
		}
		if reservation.ExpiresAt.After(cutoff) {
			continue
		}
		lapsed = append(lapsed, reservation)
	}
	sort.Slice(lapsed, func(left, right int) bool {
		return lapsed[left].ExpiresAt.Before(lapsed[right].ExpiresAt)
	})
	if limit > 0 && len(lapsed) > limit {
		lapsed = lapsed[:limit]
	}
	return lapsed, nil
}

func (store *Store) account(accountID credits.AccountID) *accountState {
	key := accountID.String()
	store.mu.RLock()
	state, exists := store.accounts[key]
	store.mu.RUnlock()
	if exists {
		return state
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if state, exists = store.accounts[key]; exists {
		return state
	}
	state = &accountState{}
	store.accounts[key] = state
	return state
}

// lockedView is the Store handed to WithAccount closures: balance and ledger
// access for the locked account goes straight to the state without
// re-locking, while reservation records keep using the table lock.
type lockedView struct {
	store     *Store
	accountID credits.AccountID
	state     *accountState
}

var _ credits.Store = (*lockedView)(nil)

func (view *lockedView) WithAccount(ctx context.Context, accountID credits.AccountID, fn func(ctx context.Context, txStore credits.Store) error) error {
	if accountID == view.accountID {
		return fn(ctx, view)
	}
	return view.store.WithAccount(ctx, accountID, fn)
}

func (view *lockedView) GetBalance(ctx context.Context, accountID credits.AccountID) (credits.Balance, error) {
	if accountID != view.accountID {
		return view.store.GetBalance(ctx, accountID)
	}
	return snapshotBalance(accountID, view.state), nil
}

func (view *lockedView) ApplyBalance(ctx context.Context, accountID credits.AccountID, availableDelta int64, lifetimeDelta int64) (credits.Balance, error) {
	if accountID != view.accountID {
		return view.store.ApplyBalance(ctx, accountID, availableDelta, lifetimeDelta)
	}
	return applyBalanceLocked(accountID, view.state, availableDelta, lifetimeDelta)
}

func (view *lockedView) AddExpiringLot(ctx context.Context, accountID credits.AccountID, lot credits.ExpiringLot) error {
	if accountID != view.accountID {
		return view.store.AddExpiringLot(ctx, accountID, lot)
	}
	addLotLocked(view.state, lot)
	return nil
}

func (view *lockedView) AppendTransaction(ctx context.Context, transaction credits.Transaction) error {
	if transaction.AccountID != view.accountID {
		return view.store.AppendTransaction(ctx, transaction)
	}
	view.state.transactions = append(view.state.transactions, transaction)
	return nil
}

func (view *lockedView) ListTransactions(ctx context.Context, accountID credits.AccountID, filter credits.TransactionFilter, page credits.Page) ([]credits.Transaction, error) {
	if accountID != view.accountID {
		return view.store.ListTransactions(ctx, accountID, filter, page)
	}
	return listTransactionsLocked(view.state, filter, page), nil
}

func (view *lockedView) CreateReservation(ctx context.Context, reservation credits.Reservation) error {
	return view.store.CreateReservation(ctx, reservation)
}

func (view *lockedView) GetReservation(ctx context.Context, reservationID credits.ReservationID) (credits.Reservation, error) {
	return view.store.GetReservation(ctx, reservationID)
}

func (view *lockedView) UpdateReservationStatus(ctx context.Context, reservationID credits.ReservationID, from, to credits.ReservationStatus) error {
	return view.store.UpdateReservationStatus(ctx, reservationID, from, to)
}

func (view *lockedView) ListExpiredReservations(ctx context.Context, cutoff time.Time, limit int) ([]credits.Reservation, error) {
	return view.store.ListExpiredReservations(ctx, cutoff, limit)
}

func snapshotBalance(accountID credits.AccountID, state *accountState) credits.Balance {
	lots := make([]credits.ExpiringLot, len(state.lots))
	copy(lots, state.lots)
	return credits.Balance{
		AccountID:    accountID,
		Available:    credits.Credits(state.available),
		Lifetime:     credits.Credits(state.lifetime),
		ExpiringLots: lots,
	}
}

func applyBalanceLocked(accountID credits.AccountID, state *accountState, availableDelta int64, lifetimeDelta int64) (credits.Balance, error) {
	if state.available+availableDelta < 0 {
		return credits.Balance{}, credits.WrapError(errorOperationStore, errorSubjectBalance, "negative_available", credits.ErrInvalidBalance)
	}
	if lifetimeDelta < 0 {
		return credits.Balance{}, credits.WrapError(errorOperationStore, errorSubjectBalance, "lifetime_decrease", credits.ErrInvalidBalance)
	}
	state.available += availableDelta
	state.lifetime += lifetimeDelta
	return snapshotBalance(accountID, state), nil
}

func addLotLocked(state *accountState, lot credits.ExpiringLot) {
	state.lots = append(state.lots, lot)
}

func listTransactionsLocked(state *accountState, filter credits.TransactionFilter, page credits.Page) []credits.Transaction {
	page = page.Normalize()
	matched := make([]credits.Transaction, 0, len(state.transactions))
	for index := len(state.transactions) - 1; index >= 0; index-- {
		transaction := state.transactions[index]
		if filter.Matches(transaction) {
			matched = append(matched, transaction)
		}
	}
	offset := page.Offset()
	if offset >= len(matched) {
		return []credits.Transaction{}
	}
	end := offset + page.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end]
}
