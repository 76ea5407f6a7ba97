package stitch

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

const jobColumns = `id, target_id, owner_id, input_ids, status, execution_ref,
	output_key, cost_tokens, debit_entry_id, refunded, failure_reason, created_at, updated_at`

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, job *models.StitchJob) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO stitch_jobs (id, target_id, owner_id, input_ids, status, output_key, cost_tokens, debit_entry_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, job.ID, job.TargetID, job.OwnerID, job.InputIDs, job.Status, job.OutputKey, job.CostTokens, job.DebitEntryID, job.CreatedAt, job.UpdatedAt)
	return err
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.StitchJob, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM stitch_jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (r *Repository) ActiveByTarget(ctx context.Context, targetID uuid.UUID) (*models.StitchJob, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM stitch_jobs
		WHERE target_id = $1 AND status IN ($2, $3)
	`, targetID, models.StitchStatusQueued, models.StitchStatusRunning)
	return scanJob(row)
}

func (r *Repository) LatestByTarget(ctx context.Context, ownerID, targetID uuid.UUID) (*models.StitchJob, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM stitch_jobs
		WHERE target_id = $1 AND owner_id = $2
		ORDER BY created_at DESC
		LIMIT 1
	`, targetID, ownerID)
	return scanJob(row)
}

func (r *Repository) ListUnsettled(ctx context.Context, limit int) ([]*models.StitchJob, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM stitch_jobs
		WHERE status IN ($1, $2)
		ORDER BY updated_at ASC
		LIMIT $3
	`, models.StitchStatusQueued, models.StitchStatusRunning, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.StitchJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (r *Repository) MarkRunning(ctx context.Context, id uuid.UUID, executionRef string) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE stitch_jobs SET status = $1, execution_ref = $2, updated_at = NOW()
		WHERE id = $3 AND status = $4
	`, models.StitchStatusRunning, executionRef, id, models.StitchStatusQueued)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// MarkCompleted accepts queued jobs too: a lost MarkRunning update must not
// keep reconciliation from settling a job whose output already exists.
func (r *Repository) MarkCompleted(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE stitch_jobs SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status IN ($3, $4)
	`, models.StitchStatusCompleted, id, models.StitchStatusQueued, models.StitchStatusRunning)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE stitch_jobs SET status = $1, failure_reason = $2, updated_at = NOW()
		WHERE id = $3 AND status IN ($4, $5)
	`, models.StitchStatusFailed, reason, id, models.StitchStatusQueued, models.StitchStatusRunning)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

func (r *Repository) MarkRefunded(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE stitch_jobs SET refunded = TRUE, updated_at = NOW()
		WHERE id = $1 AND refunded = FALSE
	`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.StitchJob, error) {
	var j models.StitchJob
	err := row.Scan(&j.ID, &j.TargetID, &j.OwnerID, &j.InputIDs, &j.Status, &j.ExecutionRef,
		&j.OutputKey, &j.CostTokens, &j.DebitEntryID, &j.Refunded, &j.FailureReason, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}
