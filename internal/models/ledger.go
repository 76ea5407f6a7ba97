package models

import (
	"time"

	"github.com/google/uuid"
)

// Ledger entry_type enums. Amounts are always positive; the type carries the
// sign (debit subtracts, credit and refund add).
const (
	LedgerEntryDebit  = "debit"
	LedgerEntryCredit = "credit"
	LedgerEntryRefund = "refund"
)

type LedgerEntry struct {
	ID          uuid.UUID `json:"id"`
	AccountID   uuid.UUID `json:"account_id"`
	EntryType   string    `json:"entry_type"`
	Amount      int64     `json:"amount"`
	ReferenceID string    `json:"reference_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// Signed returns the entry's contribution to the account balance.
func (e *LedgerEntry) Signed() int64 {
	if e.EntryType == LedgerEntryDebit {
		return -e.Amount
	}
	return e.Amount
}

type Balance struct {
	AccountID uuid.UUID `json:"account_id"`
	Tokens    int64     `json:"tokens"`
	UpdatedAt time.Time `json:"updated_at"`
}
