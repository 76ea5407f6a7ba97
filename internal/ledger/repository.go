package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reelforge/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ Store = (*Repository)(nil)

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// DeductTokens verifies and subtracts in a single conditional UPDATE so two
// concurrent debits can never both pass a stale balance check.
func (r *Repository) DeductTokens(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64) error {
	result, err := tx.Exec(ctx, `
		UPDATE balances
		SET tokens = tokens - $1, updated_at = NOW()
		WHERE account_id = $2 AND tokens >= $1
	`, amount, accountID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// AddTokens upserts so the first credit for an account creates its balance row.
func (r *Repository) AddTokens(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO balances (account_id, tokens)
		VALUES ($1, $2)
		ON CONFLICT (account_id)
		DO UPDATE SET tokens = balances.tokens + EXCLUDED.tokens, updated_at = NOW()
	`, accountID, amount)
	return err
}

func (r *Repository) InsertEntry(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, account_id, entry_type, amount, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, e.ID, e.AccountID, e.EntryType, e.Amount, e.ReferenceID, e.CreatedAt)
	return err
}

// EntryByReference returns the entry for (entryType, referenceID), or nil when
// none exists. Only credit and refund entries are unique on this pair.
func (r *Repository) EntryByReference(ctx context.Context, entryType, referenceID string) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	row := r.pool.QueryRow(ctx, `
		SELECT id, account_id, entry_type, amount, reference_id, created_at
		FROM ledger_entries
		WHERE entry_type = $1 AND reference_id = $2
	`, entryType, referenceID)
	err := row.Scan(&e.ID, &e.AccountID, &e.EntryType, &e.Amount, &e.ReferenceID, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *Repository) Balance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var tokens int64
	row := r.pool.QueryRow(ctx, `SELECT tokens FROM balances WHERE account_id = $1`, accountID)
	err := row.Scan(&tokens)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return tokens, nil
}

func (r *Repository) Entries(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, entry_type, amount, reference_id, created_at
		FROM ledger_entries
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.EntryType, &e.Amount, &e.ReferenceID, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r *Repository) CountCreditsSince(ctx context.Context, accountID uuid.UUID, since time.Time) (int, error) {
	var n int
	row := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM ledger_entries
		WHERE account_id = $1 AND entry_type = $2 AND created_at >= $3
	`, accountID, models.LedgerEntryCredit, since)
	if err := row.Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}
