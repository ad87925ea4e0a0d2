package credits

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/harborwatch/credits/pkg/pricing"
)

// stubStore is an in-memory Store for service tests. One mutex serializes
// every account, which satisfies the per-account contract.
type stubStore struct {
	mu           sync.Mutex
	available    map[string]int64
	lifetime     map[string]int64
	lots         map[string][]ExpiringLot
	transactions map[string][]Transaction
	reservations map[string]Reservation
}

func newStubStore() *stubStore {
	return &stubStore{
		available:    make(map[string]int64),
		lifetime:     make(map[string]int64),
		lots:         make(map[string][]ExpiringLot),
		transactions: make(map[string][]Transaction),
		reservations: make(map[string]Reservation),
	}
}

func (store *stubStore) seed(accountID AccountID, available int64) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.available[accountID.String()] = available
	store.lifetime[accountID.String()] = available
}

func (store *stubStore) WithAccount(ctx context.Context, accountID AccountID, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return fn(ctx, &stubView{store: store})
}

func (store *stubStore) GetBalance(ctx context.Context, accountID AccountID) (Balance, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubView{store: store}).GetBalance(ctx, accountID)
}

func (store *stubStore) ApplyBalance(ctx context.Context, accountID AccountID, availableDelta int64, lifetimeDelta int64) (Balance, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubView{store: store}).ApplyBalance(ctx, accountID, availableDelta, lifetimeDelta)
}

func (store *stubStore) AddExpiringLot(ctx context.Context, accountID AccountID, lot ExpiringLot) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubView{store: store}).AddExpiringLot(ctx, accountID, lot)
}

func (store *stubStore) AppendTransaction(ctx context.Context, transaction Transaction) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubView{store: store}).AppendTransaction(ctx, transaction)
}

func (store *stubStore) ListTransactions(ctx context.Context, accountID AccountID, filter TransactionFilter, page Page) ([]Transaction, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubView{store: store}).ListTransactions(ctx, accountID, filter, page)
}

func (store *stubStore) CreateReservation(ctx context.Context, reservation Reservation) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubView{store: store}).CreateReservation(ctx, reservation)
}

func (store *stubStore) GetReservation(ctx context.Context, reservationID ReservationID) (Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubView{store: store}).GetReservation(ctx, reservationID)
}

func (store *stubStore) UpdateReservationStatus(ctx context.Context, reservationID ReservationID, from, to ReservationStatus) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubView{store: store}).UpdateReservationStatus(ctx, reservationID, from, to)
}

func (store *stubStore) ListExpiredReservations(ctx context.Context, cutoff time.Time, limit int) ([]Reservation, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return (&stubView{store: store}).ListExpiredReservations(ctx, cutoff, limit)
}

// stubView runs with the store mutex already held.
type stubView struct {
	store *stubStore
}

func (view *stubView) WithAccount(ctx context.Context, accountID AccountID, fn func(ctx context.Context, txStore Store) error) error {
	return fn(ctx, view)
}

func (view *stubView) GetBalance(ctx context.Context, accountID AccountID) (Balance, error) {
	key := accountID.String()
	lots := make([]ExpiringLot, len(view.store.lots[key]))
	copy(lots, view.store.lots[key])
	return Balance{
		AccountID:    accountID,
		Available:    Credits(view.store.available[key]),
		Lifetime:     Credits(view.store.lifetime[key]),
		ExpiringLots: lots,
	}, nil
}

func (view *stubView) ApplyBalance(ctx context.Context, accountID AccountID, availableDelta int64, lifetimeDelta int64) (Balance, error) {
	key := accountID.String()
	if view.store.available[key]+availableDelta < 0 {
		return Balance{}, WrapError("stub", "balance", "negative_available", ErrInvalidBalance)
	}
	view.store.available[key] += availableDelta
	view.store.lifetime[key] += lifetimeDelta
	return view.GetBalance(ctx, accountID)
}

func (view *stubView) AddExpiringLot(ctx context.Context, accountID AccountID, lot ExpiringLot) error {
	key := accountID.String()
	view.store.lots[key] = append(view.store.lots[key], lot)
	return nil
}

func (view *stubView) AppendTransaction(ctx context.Context, transaction Transaction) error {
	key := transaction.AccountID.String()
	view.store.transactions[key] = append(view.store.transactions[key], transaction)
	return nil
}

func (view *stubView) ListTransactions(ctx context.Context, accountID AccountID, filter TransactionFilter, page Page) ([]Transaction, error) {
	page = page.Normalize()
	stored := view.store.transactions[accountID.String()]
	matched := make([]Transaction, 0, len(stored))
	for index := len(stored) - 1; index >= 0; index-- {
		if filter.Matches(stored[index]) {
			matched = append(matched, stored[index])
		}
	}
	offset := page.Offset()
	if offset >= len(matched) {
		return []Transaction{}, nil
	}
	end := offset + page.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (view *stubView) CreateReservation(ctx context.Context, reservation Reservation) error {
	key := reservation.ID.String()
	if _, exists := view.store.reservations[key]; exists {
		return ErrReservationExists
	}
	view.store.reservations[key] = reservation
	return nil
}

func (view *stubView) GetReservation(ctx context.Context, reservationID ReservationID) (Reservation, error) {
	reservation, exists := view.store.reservations[reservationID.String()]
	if !exists {
		return Reservation{}, ErrReservationNotFound
	}
	return reservation, nil
}

func (view *stubView) UpdateReservationStatus(ctx context.Context, reservationID ReservationID, from, to ReservationStatus) error {
	reservation, exists := view.store.reservations[reservationID.String()]
	if !exists {
		return ErrReservationNotFound
	}
	if reservation.Status != from {
		return ErrReservationFinalized
	}
	reservation.Status = to
	view.store.reservations[reservationID.String()] = reservation
	return nil
}

func (view *stubView) ListExpiredReservations(ctx context.Context, cutoff time.Time, limit int) ([]Reservation, error) {
	lapsed := make([]Reservation, 0)
	for _, reservation := range view.store.reservations {
		if reservation.Status == ReservationStatusPending && !reservation.ExpiresAt.After(cutoff) {
			lapsed = append(lapsed, reservation)
		}
	}
	sort.Slice(lapsed, func(left, right int) bool {
		return lapsed[left].ExpiresAt.Before(lapsed[right].ExpiresAt)
	})
	if limit > 0 && len(lapsed) > limit {
		lapsed = lapsed[:limit]
	}
	return lapsed, nil
}

// fakeClock is a manually advanced clock for TTL tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)}
}

func (clock *fakeClock) Now() time.Time {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	return clock.now
}

func (clock *fakeClock) Advance(delta time.Duration) {
	clock.mu.Lock()
	defer clock.mu.Unlock()
	clock.now = clock.now.Add(delta)
}

// recordingNotifier captures emitted balance events.
type recordingNotifier struct {
	mu     sync.Mutex
	events []BalanceEvent
}

func (notifier *recordingNotifier) Notify(ctx context.Context, event BalanceEvent) {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	notifier.events = append(notifier.events, event)
}

func (notifier *recordingNotifier) byKind(kind EventKind) []BalanceEvent {
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	matched := make([]BalanceEvent, 0)
	for _, event := range notifier.events {
		if event.Kind == kind {
			matched = append(matched, event)
		}
	}
	return matched
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	accountID, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustNewService(test *testing.T, store Store, clock *fakeClock, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustPurchase(test *testing.T, service *Service, accountID AccountID, amount int64) Transaction {
	test.Helper()
	transaction, err := service.Purchase(context.Background(), accountID, Credits(amount), "credit pack", nil)
	if err != nil {
		test.Fatalf("purchase: %v", err)
	}
	return transaction
}

func mustReserve(test *testing.T, service *Service, accountID AccountID, amount int64, ttl time.Duration) Reservation {
	test.Helper()
	reservation, err := service.Reserve(context.Background(), accountID, Credits(amount), pricing.ServiceReportGeneration, ttl)
	if err != nil {
		test.Fatalf("reserve: %v", err)
	}
	return reservation
}

func availableOf(test *testing.T, service *Service, accountID AccountID) int64 {
	test.Helper()
	balance, err := service.Balance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	return balance.Available.Int64()
}
