package creations

import (
	"context"
	"errors"

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

const creationColumns = `id, owner_id, kind, prompt, params, cost_tokens, status,
	output_key, debit_entry_id, refunded, failure_reason, created_at, updated_at`

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, c *models.Creation) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO creations (id, owner_id, kind, prompt, params, cost_tokens, status, debit_entry_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, c.ID, c.OwnerID, c.Kind, c.Prompt, c.Params, c.CostTokens, c.Status, c.DebitEntryID, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Creation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+creationColumns+` FROM creations WHERE id = $1`, id)
	return scanCreation(row)
}

func (r *Repository) GetOwned(ctx context.Context, ownerID, id uuid.UUID) (*models.Creation, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+creationColumns+` FROM creations WHERE id = $1 AND owner_id = $2`, id, ownerID)
	return scanCreation(row)
}

func (r *Repository) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]*models.Creation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+creationColumns+` FROM creations
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Creation
	for rows.Next() {
		c, err := scanCreation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repository) SetProcessing(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE creations SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, models.CreationStatusProcessing, id, models.CreationStatusPending)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// SetReady accepts completions from pending too, because the processing
// signal can be lost while the output still lands.
func (r *Repository) SetReady(ctx context.Context, id uuid.UUID, outputKey string) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE creations SET status = $1, output_key = $2, updated_at = NOW()
		WHERE id = $3 AND status IN ($4, $5)
	`, models.CreationStatusReady, outputKey, id, models.CreationStatusPending, models.CreationStatusProcessing)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (r *Repository) SetFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE creations SET status = $1, failure_reason = $2, updated_at = NOW()
		WHERE id = $3 AND status IN ($4, $5)
	`, models.CreationStatusFailed, reason, id, models.CreationStatusPending, models.CreationStatusProcessing)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (r *Repository) SetPublished(ctx context.Context, ownerID, id uuid.UUID) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE creations SET status = $1, updated_at = NOW()
		WHERE id = $2 AND owner_id = $3 AND status = $4
	`, models.CreationStatusPublished, id, ownerID, models.CreationStatusReady)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (r *Repository) MarkRefunded(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE creations SET refunded = TRUE, updated_at = NOW()
		WHERE id = $1 AND refunded = FALSE
	`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCreation(row rowScanner) (*models.Creation, error) {
	var c models.Creation
	err := row.Scan(&c.ID, &c.OwnerID, &c.Kind, &c.Prompt, &c.Params, &c.CostTokens, &c.Status,
		&c.OutputKey, &c.DebitEntryID, &c.Refunded, &c.FailureReason, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}
