// Package gormstore implements the credits.Store contract on a relational
// database through GORM. Per-account serialization is a database transaction
// holding a row lock on the account, so the check-then-act sequences the
// ledger runs stay atomic across processes.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/harborwatch/credits/pkg/credits"
	"github.com/harborwatch/credits/pkg/pricing"
)

const (
	pgUniqueViolationCode   = "23505"
	sqliteConstraintCode    = 19
	errorOperationStore     = "store"
	errorSubjectAccount     = "account"
	errorSubjectBalance     = "balance"
	errorSubjectTransaction = "transaction"
	errorSubjectReservation = "reservation"
	errorCodeCreate         = "create"
	errorCodeDuplicate      = "duplicate"
	errorCodeGet            = "get"
	errorCodeInsert         = "insert"
	errorCodeInvalid        = "invalid"
	errorCodeList           = "list"
	errorCodeLookup         = "lookup"
	errorCodeUpdate         = "update"
	errorCodeUpdateStatus   = "update_status"
)

// Store implements credits.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

var _ credits.Store = (*Store)(nil)

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &LedgerTransaction{}, &Reservation{})
}

// WithAccount executes fn inside a transaction that holds a FOR UPDATE lock
// on the account row, creating the row on first touch.
func (store *Store) WithAccount(ctx context.Context, accountID credits.AccountID, fn func(ctx context.Context, txStore credits.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		if _, err := lockAccount(transaction, accountID); err != nil {
			return err
		}
		return fn(ctx, &Store{db: transaction})
	})
}

// GetBalance returns the account's balance tuple, zero-initialized for
// accounts never seen before.
func (store *Store) GetBalance(ctx context.Context, accountID credits.AccountID) (credits.Balance, error) {
	var account Account
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return credits.Balance{AccountID: accountID, ExpiringLots: []credits.ExpiringLot{}}, nil
	}
	if err != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeGet, err)
	}
	return mapBalance(accountID, account)
}

// ApplyBalance adjusts the account's totals, rejecting any change that would
// drive available negative before it commits.
func (store *Store) ApplyBalance(ctx context.Context, accountID credits.AccountID, availableDelta int64, lifetimeDelta int64) (credits.Balance, error) {
	account, err := lockAccount(store.db.WithContext(ctx), accountID)
	if err != nil {
		return credits.Balance{}, err
	}
	if account.Available+availableDelta < 0 {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, credits.ErrInvalidBalance)
	}
	if lifetimeDelta < 0 {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeInvalid, credits.ErrInvalidBalance)
	}
	account.Available += availableDelta
	account.Lifetime += lifetimeDelta
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Updates(map[string]interface{}{
			"available": account.Available,
			"lifetime":  account.Lifetime,
		})
	if result.Error != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	return mapBalance(accountID, *account)
}

// AddExpiringLot appends a lot to the account's JSON lot list.
func (store *Store) AddExpiringLot(ctx context.Context, accountID credits.AccountID, lot credits.ExpiringLot) error {
	account, err := lockAccount(store.db.WithContext(ctx), accountID)
	if err != nil {
		return err
	}
	lots, err := decodeLots(account.ExpiringLots)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	lots = append(lots, expiringLotRow{Amount: lot.Amount.Int64(), ExpiresAt: lot.ExpiresAt.UTC()})
	encoded, err := json.Marshal(lots)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("account_id = ?", accountID.String()).
		Update("expiring_lots", datatypes.JSON(encoded))
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	return nil
}

// AppendTransaction inserts an immutable ledger row.
func (store *Store) AppendTransaction(ctx context.Context, transaction credits.Transaction) error {
	var serviceRef *string
	if transaction.ServiceRef != "" {
		value := transaction.ServiceRef
		serviceRef = &value
	}
	row := LedgerTransaction{
		TransactionID: transaction.ID,
		AccountID:     transaction.AccountID.String(),
		Type:          transaction.Type.String(),
		Amount:        transaction.Amount,
		BalanceAfter:  transaction.BalanceAfter.Int64(),
		Description:   transaction.Description,
		ServiceRef:    serviceRef,
		CreatedAt:     transaction.CreatedAt.UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectTransaction, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	return nil
}

// ListTransactions returns the account's ledger newest first.
func (store *Store) ListTransactions(ctx context.Context, accountID credits.AccountID, filter credits.TransactionFilter, page credits.Page) ([]credits.Transaction, error) {
	page = page.Normalize()
	query := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String())
	if len(filter.Types) > 0 {
		types := make([]string, 0, len(filter.Types))
		for _, transactionType := range filter.Types {
			types = append(types, transactionType.String())
		}
		query = query.Where("type IN ?", types)
	}
	if !filter.From.IsZero() {
		query = query.Where("created_at >= ?", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		query = query.Where("created_at <= ?", filter.To.UTC())
	}
	var rows []LedgerTransaction
	err := query.
		Order("created_at DESC").
		Offset(page.Offset()).
		Limit(page.Limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}
	transactions := make([]credits.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

// CreateReservation stores a new reservation row.
func (store *Store) CreateReservation(ctx context.Context, reservation credits.Reservation) error {
	row := Reservation{
		ReservationID: reservation.ID.String(),
		AccountID:     reservation.AccountID.String(),
		Amount:        reservation.Amount.Int64(),
		ServiceType:   reservation.ServiceType.String(),
		Status:        reservation.Status.String(),
		CreatedAt:     reservation.CreatedAt.UTC(),
		ExpiresAt:     reservation.ExpiresAt.UTC(),
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err) {
		return wrapStoreError(errorSubjectReservation, errorCodeDuplicate, credits.ErrReservationExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeCreate, err)
	}
	return nil
}

// GetReservation looks a reservation up by id.
func (store *Store) GetReservation(ctx context.Context, reservationID credits.ReservationID) (credits.Reservation, error) {
	var row Reservation
	err := store.db.WithContext(ctx).
		Where("reservation_id = ?", reservationID.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, credits.ErrReservationNotFound)
		}
		return credits.Reservation{}, wrapStoreError(errorSubjectReservation, errorCodeGet, err)
	}
	return mapReservation(row)
}

// UpdateReservationStatus transitions a reservation with a guarded update, so
// a finalizer racing the sweeper fails cleanly instead of double-applying.
func (store *Store) UpdateReservationStatus(ctx context.Context, reservationID credits.ReservationID, from, to credits.ReservationStatus) error {
	result := store.db.WithContext(ctx).
		Model(&Reservation{}).
		Where("reservation_id = ? AND status = ?", reservationID.String(), from.String()).
		Update("status", to.String())
	if result.Error != nil {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectReservation, errorCodeUpdateStatus, credits.ErrReservationFinalized)
	}
	return nil
}

// ListExpiredReservations returns up to limit pending reservations whose
// deadline is at or before cutoff, oldest deadline first.
func (store *Store) ListExpiredReservations(ctx context.Context, cutoff time.Time, limit int) ([]credits.Reservation, error) {
	var rows []Reservation
	query := store.db.WithContext(ctx).
		Where("status = ? AND expires_at <= ?", credits.ReservationStatusPending.String(), cutoff.UTC()).
		Order("expires_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectReservation, errorCodeList, err)
	}
	reservations := make([]credits.Reservation, 0, len(rows))
	for _, row := range rows {
		reservation, err := mapReservation(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectReservation, errorCodeInvalid, err)
		}
		reservations = append(reservations, reservation)
	}
	return reservations, nil
}

func lockAccount(db *gorm.DB, accountID credits.AccountID) (*Account, error) {
	var account Account
	err := db.
		Clauses(clause.Locking{Strength: "UPDATE"}).
		FirstOrCreate(&account, Account{AccountID: accountID.String()}).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	return &account, nil
}

type expiringLotRow struct {
	Amount    int64     `json:"amount"`
	ExpiresAt time.Time `json:"expires_at"`
}

func decodeLots(raw datatypes.JSON) ([]expiringLotRow, error) {
	if len(raw) == 0 {
		return []expiringLotRow{}, nil
	}
	var lots []expiringLotRow
	if err := json.Unmarshal(raw, &lots); err != nil {
		return nil, err
	}
	return lots, nil
}

func mapBalance(accountID credits.AccountID, account Account) (credits.Balance, error) {
	lots, err := decodeLots(account.ExpiringLots)
	if err != nil {
		return credits.Balance{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	expiringLots := make([]credits.ExpiringLot, 0, len(lots))
	for _, lot := range lots {
		expiringLots = append(expiringLots, credits.ExpiringLot{
			Amount:    credits.Credits(lot.Amount),
			ExpiresAt: lot.ExpiresAt,
		})
	}
	return credits.Balance{
		AccountID:    accountID,
		Available:    credits.Credits(account.Available),
		Lifetime:     credits.Credits(account.Lifetime),
		ExpiringLots: expiringLots,
	}, nil
}

func mapTransaction(row LedgerTransaction) (credits.Transaction, error) {
	accountID, err := credits.NewAccountID(row.AccountID)
	if err != nil {
		return credits.Transaction{}, err
	}
	transactionType, err := credits.ParseTransactionType(row.Type)
	if err != nil {
		return credits.Transaction{}, err
	}
	serviceRef := ""
	if row.ServiceRef != nil {
		serviceRef = *row.ServiceRef
	}
	return credits.Transaction{
		ID:           row.TransactionID,
		AccountID:    accountID,
		Type:         transactionType,
		Amount:       row.Amount,
		BalanceAfter: credits.Credits(row.BalanceAfter),
		Description:  row.Description,
		ServiceRef:   serviceRef,
		CreatedAt:    row.CreatedAt,
	}, nil
}

func mapReservation(row Reservation) (credits.Reservation, error) {
	reservationID, err := credits.NewReservationID(row.ReservationID)
	if err != nil {
		return credits.Reservation{}, err
	}
	accountID, err := credits.NewAccountID(row.AccountID)
	if err != nil {
		return credits.Reservation{}, err
	}
	status, err := credits.ParseReservationStatus(row.Status)
	if err != nil {
		return credits.Reservation{}, err
	}
	serviceType, err := pricing.ParseServiceType(row.ServiceType)
	if err != nil {
		return credits.Reservation{}, err
	}
	return credits.Reservation{
		ID:          reservationID,
		AccountID:   accountID,
		Amount:      credits.Credits(row.Amount),
		ServiceType: serviceType,
		Status:      status,
		CreatedAt:   row.CreatedAt,
		ExpiresAt:   row.ExpiresAt,
	}, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}
