package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table. Available and Lifetime are the
// mutable balance tuple; ExpiringLots is an informational JSON list.
type Account struct {
	AccountID    string         `gorm:"primaryKey"`
	Available    int64          `gorm:"not null;default:0"`
	Lifetime     int64          `gorm:"not null;default:0"`
	ExpiringLots datatypes.JSON `gorm:"not null"`
	CreatedAt    time.Time      `gorm:"not null"`
	UpdatedAt    time.Time      `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if len(account.ExpiringLots) == 0 {
		account.ExpiringLots = datatypes.JSON([]byte("[]"))
	}
	return nil
}

// LedgerTransaction mirrors the transactions table. Rows are append-only.
type LedgerTransaction struct {
	TransactionID string    `gorm:"type:uuid;primaryKey"`
	AccountID     string    `gorm:"not null;index:idx_transactions_account_created,priority:1"`
	Type          string    `gorm:"not null;index"`
	Amount        int64     `gorm:"not null"`
	BalanceAfter  int64     `gorm:"not null"`
	Description   string    `gorm:"not null"`
	ServiceRef    *string   `gorm:""`
	CreatedAt     time.Time `gorm:"not null;index:idx_transactions_account_created,priority:2"`
}

func (LedgerTransaction) TableName() string { return "transactions" }

func (transaction *LedgerTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// Reservation mirrors the reservations table.
type Reservation struct {
	ReservationID string    `gorm:"primaryKey"`
	AccountID     string    `gorm:"not null;index"`
	Amount        int64     `gorm:"not null"`
	ServiceType   string    `gorm:"not null"`
	Status        string    `gorm:"not null;index:idx_reservations_status_expires,priority:1"`
	CreatedAt     time.Time `gorm:"not null"`
	ExpiresAt     time.Time `gorm:"not null;index:idx_reservations_status_expires,priority:2"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (Reservation) TableName() string { return "reservations" }
