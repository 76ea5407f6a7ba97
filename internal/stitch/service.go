package stitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/errgroup"

	"github.com/reelforge/backend/internal/models"
	"github.com/reelforge/backend/internal/runner"
	"github.com/reelforge/backend/internal/storage"
)

// sweepConcurrency bounds how many jobs a single sweep reconciles in parallel.
// Each reconcile can hit both the object store and the runner, so this also
// caps outbound pressure on them.
const sweepConcurrency = 4

var (
	// ErrAlreadyRunning is returned when the target already has a non-terminal
	// job after reconciliation. The caller should retry once that job settles.
	ErrAlreadyRunning = errors.New("stitch already in progress")

	// ErrNotFound is returned when the target has no job matching the query.
	ErrNotFound = errors.New("stitch job not found")

	// ErrInvalidInput is returned when the requested segments cannot be
	// stitched (too few, wrong kind, not rendered, or not owned by the caller).
	ErrInvalidInput = errors.New("invalid stitch input")

	// ErrSubmit is returned when the runner rejected the job. The charge has
	// already been refunded by the time callers see it.
	ErrSubmit = errors.New("failed to submit stitch job")
)

// Pricing maps a stitch request to its token cost.
type Pricing struct {
	SegmentTokens int64
}

func DefaultPricing() Pricing {
	return Pricing{SegmentTokens: 10}
}

func (p Pricing) CostFor(segments int) int64 {
	return p.SegmentTokens * int64(segments)
}

type Service interface {
	Enqueue(ctx context.Context, ownerID, targetID uuid.UUID, inputIDs []uuid.UUID) (*models.StitchJob, error)
	ActiveJob(ctx context.Context, targetID uuid.UUID) (*models.StitchJob, error)
	Latest(ctx context.Context, ownerID, targetID uuid.UUID) (*models.StitchJob, error)
	Reconcile(ctx context.Context, job *models.StitchJob) (*models.StitchJob, error)
	ReconcileAll(ctx context.Context, limit int) (int, error)
}

// TokenLedger is the slice of the ledger the orchestrator uses.
type TokenLedger interface {
	Debit(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64, referenceID string) (*models.LedgerEntry, error)
	Refund(ctx context.Context, accountID uuid.UUID, amount int64, referenceID string) (*models.LedgerEntry, error)
}

// CreationSource resolves the segments a reel is stitched from.
type CreationSource interface {
	GetOwned(ctx context.Context, ownerID, id uuid.UUID) (*models.Creation, error)
}

// Store is the persistence surface for stitch jobs. CreateTx must surface the
// partial-unique violation for a second active job on the same target, and the
// Mark* methods are conditional transitions reporting whether the row moved.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateTx(ctx context.Context, tx pgx.Tx, job *models.StitchJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.StitchJob, error)
	ActiveByTarget(ctx context.Context, targetID uuid.UUID) (*models.StitchJob, error)
	LatestByTarget(ctx context.Context, ownerID, targetID uuid.UUID) (*models.StitchJob, error)
	ListUnsettled(ctx context.Context, limit int) ([]*models.StitchJob, error)
	MarkRunning(ctx context.Context, id uuid.UUID, executionRef string) (bool, error)
	MarkCompleted(ctx context.Context, id uuid.UUID) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	MarkRefunded(ctx context.Context, id uuid.UUID) error
}

type service struct {
	store      Store
	ledger     TokenLedger
	creations  CreationSource
	objects    storage.ObjectStore
	runner     runner.Client
	pricing    Pricing
	staleAfter time.Duration
	log        *slog.Logger
}

func NewService(store Store, ledger TokenLedger, creations CreationSource, objects storage.ObjectStore, run runner.Client, pricing Pricing, staleAfter time.Duration, log *slog.Logger) Service {
	if log == nil {
		log = slog.Default()
	}
	return &service{
		store:      store,
		ledger:     ledger,
		creations:  creations,
		objects:    objects,
		runner:     run,
		pricing:    pricing,
		staleAfter: staleAfter,
		log:        log,
	}
}

var _ Service = (*service)(nil)

// Enqueue charges the owner and starts a stitch for the target. The target's
// previous job is reconciled first so a lost completion signal cannot block
// new work forever. Concurrent submissions are decided by the storage layer:
// the partial unique index admits one queued/running job per target, and the
// loser's debit rolls back with its transaction.
func (s *service) Enqueue(ctx context.Context, ownerID, targetID uuid.UUID, inputIDs []uuid.UUID) (*models.StitchJob, error) {
	inputKeys, err := s.validateInputs(ctx, ownerID, inputIDs)
	if err != nil {
		return nil, err
	}

	if _, err := s.ActiveJob(ctx, targetID); err == nil {
		return nil, ErrAlreadyRunning
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	job := &models.StitchJob{
		ID:         uuid.New(),
		TargetID:   targetID,
		OwnerID:    ownerID,
		InputIDs:   inputIDs,
		Status:     models.StitchStatusQueued,
		CostTokens: s.pricing.CostFor(len(inputIDs)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	job.OutputKey = fmt.Sprintf("reels/%s/%s.mp4", targetID, job.ID)

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	entry, err := s.ledger.Debit(ctx, tx, ownerID, job.CostTokens, job.ID.String())
	if err != nil {
		return nil, err
	}
	job.DebitEntryID = &entry.ID
	if err := s.store.CreateTx(ctx, tx, job); err != nil {
		// Unique violation on the one-active-job index: a concurrent submit
		// won. The rollback takes this debit with it.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrAlreadyRunning
		}
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	ref, err := s.runner.Submit(ctx, runner.JobSpec{
		JobID:     job.ID,
		InputKeys: inputKeys,
		OutputKey: job.OutputKey,
	})
	if err != nil {
		if failErr := s.fail(ctx, job, fmt.Sprintf("runner submit failed: %v", err)); failErr != nil {
			return nil, fmt.Errorf("%w: %v AND failed to settle job: %v", ErrSubmit, err, failErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrSubmit, err)
	}

	moved, err := s.store.MarkRunning(ctx, job.ID, ref)
	if err != nil || !moved {
		// The runner has the job either way; reconciliation will settle the
		// record from the output object or the execution status.
		s.log.Warn("stitch job submitted but status update did not land",
			"job_id", job.ID, "execution_ref", ref, "moved", moved, "error", err)
		return job, nil
	}
	job.Status = models.StitchStatusRunning
	job.ExecutionRef = &ref
	return job, nil
}

// ActiveJob returns the target's non-terminal job, reconciling it first so
// callers never see stale "active" state. ErrNotFound means the target is free
// to accept a new stitch.
func (s *service) ActiveJob(ctx context.Context, targetID uuid.UUID) (*models.StitchJob, error) {
	job, err := s.store.ActiveByTarget(ctx, targetID)
	if err != nil {
		return nil, err
	}
	job, err = s.Reconcile(ctx, job)
	if err != nil {
		return nil, err
	}
	if job.Terminal() {
		return nil, ErrNotFound
	}
	return job, nil
}

// Latest returns the owner's most recent job for the target, reconciled if it
// is still in flight.
func (s *service) Latest(ctx context.Context, ownerID, targetID uuid.UUID) (*models.StitchJob, error) {
	job, err := s.store.LatestByTarget(ctx, ownerID, targetID)
	if err != nil {
		return nil, err
	}
	if job.Terminal() {
		return job, nil
	}
	return s.Reconcile(ctx, job)
}

// Reconcile re-derives the job's status from the signals that cannot lie: the
// output object in durable storage and the runner's own view of the
// execution. The stored status is never trusted on its own. Observation is
// lazy so an existing output settles the job without contacting the runner.
func (s *service) Reconcile(ctx context.Context, job *models.StitchJob) (*models.StitchJob, error) {
	if job.Terminal() {
		return job, nil
	}

	sig := Signals{RunnerStatus: runner.StatusUnknown}
	sig.OutputExists, sig.OutputErr = s.objects.Exists(ctx, job.OutputKey)
	if sig.OutputErr != nil {
		s.log.Warn("reconcile: output check failed", "job_id", job.ID, "error", sig.OutputErr)
	}
	if !(sig.OutputErr == nil && sig.OutputExists) && job.ExecutionRef != nil {
		sig.RunnerStatus, sig.RunnerErr = s.runner.Status(ctx, *job.ExecutionRef)
		if sig.RunnerErr != nil {
			s.log.Warn("reconcile: runner status check failed", "job_id", job.ID, "error", sig.RunnerErr)
		}
	}

	switch res := resolve(job, sig, time.Now().UTC(), s.staleAfter); res.Outcome {
	case OutcomeCompleted:
		moved, err := s.store.MarkCompleted(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		if moved {
			s.log.Info("stitch job reconciled to completed", "job_id", job.ID, "target_id", job.TargetID)
		}
		return s.store.GetByID(ctx, job.ID)
	case OutcomeFailed:
		if err := s.fail(ctx, job, res.Reason); err != nil {
			return nil, err
		}
		s.log.Info("stitch job reconciled to failed",
			"job_id", job.ID, "target_id", job.TargetID, "reason", res.Reason)
		return s.store.GetByID(ctx, job.ID)
	default:
		return job, nil
	}
}

// ReconcileAll sweeps every non-terminal job once, a few at a time. Errors on
// individual jobs are logged and skipped so one bad record cannot stall the
// rest; the count of jobs that reached a terminal status is returned.
func (s *service) ReconcileAll(ctx context.Context, limit int) (int, error) {
	jobs, err := s.store.ListUnsettled(ctx, limit)
	if err != nil {
		return 0, err
	}

	var settled atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, job := range jobs {
		g.Go(func() error {
			after, err := s.Reconcile(ctx, job)
			if err != nil {
				s.log.Warn("sweep: reconcile failed", "job_id", job.ID, "error", err)
				return nil
			}
			if after.Terminal() {
				settled.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(settled.Load()), err
	}
	return int(settled.Load()), nil
}

// fail settles the job as failed and refunds the charge exactly once. The
// conditional status update decides races: if another writer completed the job
// first, nothing is refunded. The refunded flag is only set after the refund
// entry durably exists, and the ledger dedupes by reference underneath.
func (s *service) fail(ctx context.Context, job *models.StitchJob, reason string) error {
	if !job.Terminal() {
		moved, err := s.store.MarkFailed(ctx, job.ID, reason)
		if err != nil {
			return err
		}
		if !moved {
			cur, err := s.store.GetByID(ctx, job.ID)
			if err != nil {
				return err
			}
			if cur.Status != models.StitchStatusFailed {
				s.log.Info("not failing settled stitch job", "job_id", job.ID, "status", cur.Status)
				return nil
			}
			job = cur
		}
	}
	if job.Refunded || job.CostTokens == 0 {
		return nil
	}
	if _, err := s.ledger.Refund(ctx, job.OwnerID, job.CostTokens, job.ID.String()); err != nil {
		return fmt.Errorf("refund stitch job %s: %w", job.ID, err)
	}
	return s.store.MarkRefunded(ctx, job.ID)
}

// validateInputs checks that every requested segment is a rendered video owned
// by the caller and returns the object keys in stitch order. Published
// segments qualify alongside ready ones since both have an output.
func (s *service) validateInputs(ctx context.Context, ownerID uuid.UUID, inputIDs []uuid.UUID) ([]string, error) {
	if len(inputIDs) < 2 {
		return nil, fmt.Errorf("%w: a reel needs at least 2 segments", ErrInvalidInput)
	}
	seen := make(map[uuid.UUID]bool, len(inputIDs))
	keys := make([]string, 0, len(inputIDs))
	for _, id := range inputIDs {
		if seen[id] {
			return nil, fmt.Errorf("%w: segment %s listed twice", ErrInvalidInput, id)
		}
		seen[id] = true
		c, err := s.creations.GetOwned(ctx, ownerID, id)
		if err != nil {
			return nil, fmt.Errorf("%w: segment %s not found", ErrInvalidInput, id)
		}
		if c.Kind != models.CreationKindVideo {
			return nil, fmt.Errorf("%w: segment %s is not a video", ErrInvalidInput, id)
		}
		if c.Status != models.CreationStatusReady && c.Status != models.CreationStatusPublished {
			return nil, fmt.Errorf("%w: segment %s is not rendered yet", ErrInvalidInput, id)
		}
		if c.OutputKey == nil {
			return nil, fmt.Errorf("%w: segment %s has no output", ErrInvalidInput, id)
		}
		keys = append(keys, *c.OutputKey)
	}
	return keys, nil
}
