package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harborwatch/credits/pkg/credits"
	"github.com/harborwatch/credits/pkg/pricing"
)

func mustAccountID(test *testing.T, raw string) credits.AccountID {
	test.Helper()
	accountID, err := credits.NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return accountID
}

func mustReservationID(test *testing.T, raw string) credits.ReservationID {
	test.Helper()
	reservationID, err := credits.NewReservationID(raw)
	if err != nil {
		test.Fatalf("reservation id: %v", err)
	}
	return reservationID
}

func mustApply(test *testing.T, store *Store, accountID credits.AccountID, availableDelta, lifetimeDelta int64) credits.Balance {
	test.Helper()
	balance, err := store.ApplyBalance(context.Background(), accountID, availableDelta, lifetimeDelta)
	if err != nil {
		test.Fatalf("apply balance: %v", err)
	}
	return balance
}

func pendingReservation(test *testing.T, id string, accountID credits.AccountID, amount int64, expiresAt time.Time) credits.Reservation {
	test.Helper()
	return credits.Reservation{
		ID:          mustReservationID(test, id),
		AccountID:   accountID,
		Amount:      credits.Credits(amount),
		ServiceType: pricing.ServiceReportGeneration,
		Status:      credits.ReservationStatusPending,
		CreatedAt:   expiresAt.Add(-time.Minute),
		ExpiresAt:   expiresAt,
	}
}

func TestApplyBalanceRejectsNegativeAvailable(test *testing.T) {
	test.Parallel()

	store := New()
	accountID := mustAccountID(test, "acct-1")
	mustApply(test, store, accountID, 100, 100)

	if _, err := store.ApplyBalance(context.Background(), accountID, -150, 0); !errors.Is(err, credits.ErrInvalidBalance) {
		test.Fatalf("expected ErrInvalidBalance, got %v", err)
	}
	balance, err := store.GetBalance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("get balance: %v", err)
	}
	if balance.Available != 100 {
		test.Fatalf("expected untouched 100, got %d", balance.Available)
	}
}

func TestApplyBalanceRejectsLifetimeDecrease(test *testing.T) {
	test.Parallel()

	store := New()
	accountID := mustAccountID(test, "acct-1")
	if _, err := store.ApplyBalance(context.Background(), accountID, 0, -10); !errors.Is(err, credits.ErrInvalidBalance) {
		test.Fatalf("expected ErrInvalidBalance, got %v", err)
	}
}

func TestWithAccountNestedCallsReuseLock(test *testing.T) {
	test.Parallel()

	store := New()
	accountID := mustAccountID(test, "acct-1")
	mustApply(test, store, accountID, 500, 500)

	err := store.WithAccount(context.Background(), accountID, func(ctx context.Context, txStore credits.Store) error {
		balance, err := txStore.GetBalance(ctx, accountID)
		if err != nil {
			return err
		}
		if balance.Available != 500 {
			test.Fatalf("expected 500 inside closure, got %d", balance.Available)
		}
		if _, err := txStore.ApplyBalance(ctx, accountID, -200, 0); err != nil {
			return err
		}
		// nested same-account call must not deadlock
		return txStore.WithAccount(ctx, accountID, func(ctx context.Context, inner credits.Store) error {
			_, err := inner.ApplyBalance(ctx, accountID, -100, 0)
			return err
		})
	})
	if err != nil {
		test.Fatalf("with account: %v", err)
	}

	balance, err := store.GetBalance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("get balance: %v", err)
	}
	if balance.Available != 200 {
		test.Fatalf("expected 200, got %d", balance.Available)
	}
}

func TestWithAccountSerializesCheckThenDebit(test *testing.T) {
	test.Parallel()

	store := New()
	accountID := mustAccountID(test, "acct-1")
	mustApply(test, store, accountID, 1000, 1000)

	tryDebit := func(amount int64) error {
		return store.WithAccount(context.Background(), accountID, func(ctx context.Context, txStore credits.Store) error {
			balance, err := txStore.GetBalance(ctx, accountID)
			if err != nil {
				return err
			}
			if balance.Available.Int64() < amount {
				return credits.ErrInsufficientCredits
			}
			_, err = txStore.ApplyBalance(ctx, accountID, -amount, 0)
			return err
		})
	}

	results := make([]error, 2)
	var group sync.WaitGroup
	for index := range results {
		group.Add(1)
		go func(slot int) {
			defer group.Done()
			results[slot] = tryDebit(600)
		}(index)
	}
	group.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else if !errors.Is(err, credits.ErrInsufficientCredits) {
			test.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		test.Fatalf("expected exactly one debit to win, got %d", succeeded)
	}
	balance, err := store.GetBalance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("get balance: %v", err)
	}
	if balance.Available != 400 {
		test.Fatalf("expected 400, got %d", balance.Available)
	}
}

func TestWithAccountDifferentAccountsDoNotContend(test *testing.T) {
	test.Parallel()

	store := New()
	first := mustAccountID(test, "acct-1")
	second := mustAccountID(test, "acct-2")
	release := make(chan struct{})
	entered := make(chan struct{})

	go func() {
		_ = store.WithAccount(context.Background(), first, func(ctx context.Context, txStore credits.Store) error {
			close(entered)
			<-release
			return nil
		})
	}()

	<-entered
	done := make(chan error, 1)
	go func() {
		done <- store.WithAccount(context.Background(), second, func(ctx context.Context, txStore credits.Store) error {
			_, err := txStore.ApplyBalance(ctx, second, 50, 50)
			return err
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			test.Fatalf("second account: %v", err)
		}
	case <-time.After(2 * time.Second):
		test.Fatal("operation on a different account blocked behind an unrelated lock")
	}
	close(release)
}

func TestWithAccountCancelledContext(test *testing.T) {
	test.Parallel()

	store := New()
	accountID := mustAccountID(test, "acct-1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.WithAccount(ctx, accountID, func(ctx context.Context, txStore credits.Store) error {
		test.Fatal("closure must not run on a cancelled context")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		test.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestExpiringLots(test *testing.T) {
	test.Parallel()

	store := New()
	accountID := mustAccountID(test, "acct-1")
	expiresAt := time.Now().Add(time.Hour)
	if err := store.AddExpiringLot(context.Background(), accountID, credits.ExpiringLot{Amount: 100, ExpiresAt: expiresAt}); err != nil {
		test.Fatalf("add lot: %v", err)
	}

	balance, err := store.GetBalance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("get balance: %v", err)
	}
	if len(balance.ExpiringLots) != 1 || balance.ExpiringLots[0].Amount != 100 {
		test.Fatalf("unexpected lots %+v", balance.ExpiringLots)
	}
	// the snapshot must be a copy
	balance.ExpiringLots[0].Amount = 999
	refetched, err := store.GetBalance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("get balance: %v", err)
	}
	if refetched.ExpiringLots[0].Amount != 100 {
		test.Fatal("balance snapshot aliases internal state")
	}
}

func TestListTransactionsNewestFirstWithPaging(test *testing.T) {
	test.Parallel()

	store := New()
	accountID := mustAccountID(test, "acct-1")
	base := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	for index := 0; index < 5; index++ {
		transaction := credits.Transaction{
			ID:          string(rune('a' + index)),
			AccountID:   accountID,
			Type:        credits.TransactionDeduction,
			Amount:      -10,
			Description: "entry",
			CreatedAt:   base.Add(time.Duration(index) * time.Minute),
		}
		if err := store.AppendTransaction(context.Background(), transaction); err != nil {
			test.Fatalf("append: %v", err)
		}
	}

	page, err := store.ListTransactions(context.Background(), accountID, credits.TransactionFilter{}, credits.Page{Number: 1, Limit: 2})
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].ID != "e" || page[1].ID != "d" {
		test.Fatalf("unexpected first page %+v", page)
	}

	page, err = store.ListTransactions(context.Background(), accountID, credits.TransactionFilter{}, credits.Page{Number: 3, Limit: 2})
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(page) != 1 || page[0].ID != "a" {
		test.Fatalf("unexpected last page %+v", page)
	}

	windowed, err := store.ListTransactions(context.Background(), accountID, credits.TransactionFilter{From: base.Add(3 * time.Minute)}, credits.Page{})
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(windowed) != 2 {
		test.Fatalf("expected 2 entries in window, got %d", len(windowed))
	}
}

func TestReservationLifecycle(test *testing.T) {
	test.Parallel()

	store := New()
	accountID := mustAccountID(test, "acct-1")
	expiresAt := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	reservation := pendingReservation(test, "res-1", accountID, 300, expiresAt)

	if err := store.CreateReservation(context.Background(), reservation); err != nil {
		test.Fatalf("create: %v", err)
	}
	if err := store.CreateReservation(context.Background(), reservation); !errors.Is(err, credits.ErrReservationExists) {
		test.Fatalf("expected ErrReservationExists, got %v", err)
	}

	stored, err := store.GetReservation(context.Background(), reservation.ID)
	if err != nil {
		test.Fatalf("get: %v", err)
	}
	if stored.Status != credits.ReservationStatusPending || stored.Amount != 300 {
		test.Fatalf("unexpected reservation %+v", stored)
	}

	if err := store.UpdateReservationStatus(context.Background(), reservation.ID, credits.ReservationStatusPending, credits.ReservationStatusConfirmed); err != nil {
		test.Fatalf("update: %v", err)
	}
	err = store.UpdateReservationStatus(context.Background(), reservation.ID, credits.ReservationStatusPending, credits.ReservationStatusExpired)
	if !errors.Is(err, credits.ErrReservationFinalized) {
		test.Fatalf("expected ErrReservationFinalized on stale transition, got %v", err)
	}

	missing := mustReservationID(test, "res-missing")
	if _, err := store.GetReservation(context.Background(), missing); !errors.Is(err, credits.ErrReservationNotFound) {
		test.Fatalf("expected ErrReservationNotFound, got %v", err)
	}
	err = store.UpdateReservationStatus(context.Background(), missing, credits.ReservationStatusPending, credits.ReservationStatusExpired)
	if !errors.Is(err, credits.ErrReservationNotFound) {
		test.Fatalf("expected ErrReservationNotFound, got %v", err)
	}
}

func TestListExpiredReservations(test *testing.T) {
	test.Parallel()

	store := New()
	accountID := mustAccountID(test, "acct-1")
	cutoff := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	oldest := pendingReservation(test, "res-oldest", accountID, 100, cutoff.Add(-2*time.Hour))
	lapsed := pendingReservation(test, "res-lapsed", accountID, 100, cutoff.Add(-time.Hour))
	atCutoff := pendingReservation(test, "res-at-cutoff", accountID, 100, cutoff)
	fresh := pendingReservation(test, "res-fresh", accountID, 100, cutoff.Add(time.Hour))
	finalized := pendingReservation(test, "res-finalized", accountID, 100, cutoff.Add(-time.Hour))
	finalized.Status = credits.ReservationStatusConfirmed

	for _, reservation := range []credits.Reservation{oldest, lapsed, atCutoff, fresh, finalized} {
		if err := store.CreateReservation(context.Background(), reservation); err != nil {
			test.Fatalf("create %s: %v", reservation.ID, err)
		}
	}

	listed, err := store.ListExpiredReservations(context.Background(), cutoff, 0)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(listed) != 3 {
		test.Fatalf("expected 3 lapsed reservations, got %d", len(listed))
	}
	if listed[0].ID != oldest.ID {
		test.Fatalf("expected oldest deadline first, got %s", listed[0].ID)
	}

	limited, err := store.ListExpiredReservations(context.Background(), cutoff, 2)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if len(limited) != 2 {
		test.Fatalf("expected limit of 2, got %d", len(limited))
	}
}

func TestLedgerReplayConsistencyUnderConcurrency(test *testing.T) {
	test.Parallel()

	store := New()
	accountID := mustAccountID(test, "acct-1")
	mustApply(test, store, accountID, 10000, 10000)

	var group sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		group.Add(1)
		go func(worker int) {
			defer group.Done()
			for round := 0; round < 25; round++ {
				_ = store.WithAccount(context.Background(), accountID, func(ctx context.Context, txStore credits.Store) error {
					balance, err := txStore.GetBalance(ctx, accountID)
					if err != nil {
						return err
					}
					if balance.Available < 10 {
						return nil
					}
					updated, err := txStore.ApplyBalance(ctx, accountID, -10, 0)
					if err != nil {
						return err
					}
					return txStore.AppendTransaction(ctx, credits.Transaction{
						ID:           "t",
						AccountID:    accountID,
						Type:         credits.TransactionDeduction,
						Amount:       -10,
						BalanceAfter: updated.Available,
						CreatedAt:    time.Now(),
					})
				})
			}
		}(worker)
	}
	group.Wait()

	balance, err := store.GetBalance(context.Background(), accountID)
	if err != nil {
		test.Fatalf("get balance: %v", err)
	}
	transactions, err := store.ListTransactions(context.Background(), accountID, credits.TransactionFilter{}, credits.Page{Number: 1, Limit: 200})
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	replayed := int64(10000)
	for _, transaction := range transactions {
		replayed += transaction.Amount
	}
	if balance.Available.Int64() != replayed {
		test.Fatalf("replay mismatch: balance %d, replay %d", balance.Available, replayed)
	}
	if balance.Available != 8000 {
		test.Fatalf("expected 8000 after 200 debits of 10, got %d", balance.Available)
	}
}
