package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/reelforge/backend/internal/models"
)

// ErrInsufficientBalance is returned when the account balance is too low for
// the requested debit.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Store is the minimal persistence interface the ledger needs. DeductTokens
// must be atomic: check and subtract in one statement, never read-then-write.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	DeductTokens(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64) error
	AddTokens(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64) error
	InsertEntry(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error
	EntryByReference(ctx context.Context, entryType, referenceID string) (*models.LedgerEntry, error)
	Balance(ctx context.Context, accountID uuid.UUID) (int64, error)
	Entries(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
	CountCreditsSince(ctx context.Context, accountID uuid.UUID, since time.Time) (int, error)
}

// Service owns all balance movement. Every mutation appends exactly one
// ledger entry, so the balance always equals the signed sum of entries.
type Service struct {
	store Store
	log   *slog.Logger
}

func NewService(store Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, log: log}
}

// Debit charges the account inside the caller's transaction so the charge
// commits or rolls back together with the record that references it.
// Returns ErrInsufficientBalance without touching anything when the balance
// is too low.
func (s *Service) Debit(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64, referenceID string) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	if err := s.store.DeductTokens(ctx, tx, accountID, amount); err != nil {
		return nil, err
	}
	e := &models.LedgerEntry{
		ID:          uuid.New(),
		AccountID:   accountID,
		EntryType:   models.LedgerEntryDebit,
		Amount:      amount,
		ReferenceID: referenceID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.InsertEntry(ctx, tx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Refund returns a charge to the account, at most once per reference. A
// repeat call returns the original entry and leaves the balance alone; two
// concurrent calls race on the ledger's unique index and exactly one wins.
func (s *Service) Refund(ctx context.Context, accountID uuid.UUID, amount int64, referenceID string) (*models.LedgerEntry, error) {
	return s.settleOnce(ctx, accountID, amount, models.LedgerEntryRefund, referenceID)
}

// CreditFromEvent adds purchased tokens, keyed by the payment provider's
// event ID. Redelivered events credit nothing; credited reports whether this
// call moved the balance.
func (s *Service) CreditFromEvent(ctx context.Context, accountID uuid.UUID, amount int64, eventID string) (credited bool, err error) {
	existing, err := s.store.EntryByReference(ctx, models.LedgerEntryCredit, eventID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}
	if _, err := s.settleOnce(ctx, accountID, amount, models.LedgerEntryCredit, eventID); err != nil {
		return false, err
	}
	return true, nil
}

// settleOnce appends a balance-increasing entry unless one already exists for
// the (entryType, referenceID) pair. The pre-check keeps repeats cheap; the
// unique index catches the window the pre-check cannot see.
func (s *Service) settleOnce(ctx context.Context, accountID uuid.UUID, amount int64, entryType, referenceID string) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%s amount must be positive, got %d", entryType, amount)
	}
	existing, err := s.store.EntryByReference(ctx, entryType, referenceID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	e := &models.LedgerEntry{
		ID:          uuid.New(),
		AccountID:   accountID,
		EntryType:   entryType,
		Amount:      amount,
		ReferenceID: referenceID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.AddTokens(ctx, tx, accountID, amount); err != nil {
		return nil, err
	}
	if err := s.store.InsertEntry(ctx, tx, e); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			// Lost the race to a concurrent settlement. The open tx rolls
			// back, so the AddTokens above never lands.
			s.log.Info("settlement already recorded", "entry_type", entryType, "reference_id", referenceID)
			return s.store.EntryByReference(ctx, entryType, referenceID)
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// Balance returns the current token balance; accounts with no balance row
// read as zero.
func (s *Service) Balance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	return s.store.Balance(ctx, accountID)
}

// History returns the most recent entries, newest first.
func (s *Service) History(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.Entries(ctx, accountID, limit)
}

// CountCreditsSince reports how many purchase credits landed on the account
// in the window. The billing webhook uses it as its abuse ceiling.
func (s *Service) CountCreditsSince(ctx context.Context, accountID uuid.UUID, since time.Time) (int, error) {
	return s.store.CountCreditsSince(ctx, accountID, since)
}
