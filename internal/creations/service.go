package creations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/reelforge/backend/internal/generation"
	"github.com/reelforge/backend/internal/models"
)

var (
	// ErrEnqueue is returned when the generation task could not be queued.
	// The charge has already been refunded by the time callers see it.
	ErrEnqueue = errors.New("failed to enqueue generation")

	// ErrNotFound is returned for creations that do not exist or belong to
	// someone else.
	ErrNotFound = errors.New("creation not found")

	// ErrNotReady is returned when publishing a creation that has no output yet.
	ErrNotReady = errors.New("creation is not ready to publish")
)

// Pricing maps creation kinds to their token cost.
type Pricing struct {
	ImageTokens int64
	VideoTokens int64
}

func DefaultPricing() Pricing {
	return Pricing{ImageTokens: 5, VideoTokens: 25}
}

func (p Pricing) CostFor(kind string) (int64, error) {
	switch kind {
	case models.CreationKindImage:
		return p.ImageTokens, nil
	case models.CreationKindVideo:
		return p.VideoTokens, nil
	default:
		return 0, fmt.Errorf("kind %q cannot be submitted", kind)
	}
}

type Service interface {
	Submit(ctx context.Context, ownerID uuid.UUID, kind, prompt string, params json.RawMessage) (*models.Creation, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	Complete(ctx context.Context, id uuid.UUID, outputKey string) error
	Fail(ctx context.Context, id uuid.UUID, reason string) error
	Publish(ctx context.Context, ownerID, id uuid.UUID) (*models.Creation, error)
	Get(ctx context.Context, ownerID, id uuid.UUID) (*models.Creation, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Creation, error)
}

// TokenLedger is the slice of the ledger the creations service uses.
type TokenLedger interface {
	Debit(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64, referenceID string) (*models.LedgerEntry, error)
	Refund(ctx context.Context, accountID uuid.UUID, amount int64, referenceID string) (*models.LedgerEntry, error)
}

// Store is the persistence surface for creations. The Set* methods are
// conditional single-statement transitions; they report whether the row moved
// so callers can tell a transition from a late duplicate.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateTx(ctx context.Context, tx pgx.Tx, c *models.Creation) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Creation, error)
	GetOwned(ctx context.Context, ownerID, id uuid.UUID) (*models.Creation, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]*models.Creation, error)
	SetProcessing(ctx context.Context, id uuid.UUID) (bool, error)
	SetReady(ctx context.Context, id uuid.UUID, outputKey string) (bool, error)
	SetFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	SetPublished(ctx context.Context, ownerID, id uuid.UUID) (bool, error)
	MarkRefunded(ctx context.Context, id uuid.UUID) error
}

// EnqueueGenerationFunc enqueues the generation task after the debit
// transaction commits. Provided by main using river.Client.Insert.
type EnqueueGenerationFunc func(ctx context.Context, args generation.GenerateArgs) error

type service struct {
	store     Store
	ledger    TokenLedger
	enqueue   EnqueueGenerationFunc
	validator *Validator
	pricing   Pricing
	log       *slog.Logger
}

// NewService creates a creations service. validator may be nil to skip
// param-schema checks. Returns *service so it can double as
// generation.CreationService for the river worker.
func NewService(store Store, ledger TokenLedger, enqueue EnqueueGenerationFunc, validator *Validator, pricing Pricing, log *slog.Logger) *service {
	if log == nil {
		log = slog.Default()
	}
	return &service{store: store, ledger: ledger, enqueue: enqueue, validator: validator, pricing: pricing, log: log}
}

var _ Service = (*service)(nil)
var _ generation.CreationService = (*service)(nil)

// Submit charges the owner and records the pending creation in one
// transaction, then queues the generation task. A queue failure after the
// commit refunds the charge before the error is returned, so the caller never
// pays for work that was never scheduled.
func (s *service) Submit(ctx context.Context, ownerID uuid.UUID, kind, prompt string, params json.RawMessage) (*models.Creation, error) {
	cost, err := s.pricing.CostFor(kind)
	if err != nil {
		return nil, err
	}
	if prompt == "" {
		return nil, errors.New("prompt is required")
	}
	if s.validator != nil {
		if err := s.validator.ValidateParams(kind, params); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	c := &models.Creation{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		Kind:       kind,
		Prompt:     prompt,
		Params:     params,
		CostTokens: cost,
		Status:     models.CreationStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	entry, err := s.ledger.Debit(ctx, tx, ownerID, cost, c.ID.String())
	if err != nil {
		return nil, err
	}
	c.DebitEntryID = &entry.ID
	if err := s.store.CreateTx(ctx, tx, c); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if err := s.enqueue(ctx, generation.GenerateArgs{
		CreationID: c.ID,
		MediaKind:  c.Kind,
		Prompt:     c.Prompt,
		Params:     c.Params,
	}); err != nil {
		if failErr := s.Fail(ctx, c.ID, fmt.Sprintf("enqueue failed: %v", err)); failErr != nil {
			return nil, fmt.Errorf("%w: %v AND failed to settle creation: %v", ErrEnqueue, err, failErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrEnqueue, err)
	}
	return c, nil
}

// MarkProcessing moves pending to processing. Anything else means the signal
// arrived late or twice, which is normal for queue redelivery, so it is
// logged and dropped.
func (s *service) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	moved, err := s.store.SetProcessing(ctx, id)
	if err != nil {
		return err
	}
	if !moved {
		s.log.Info("ignoring processing signal for non-pending creation", "creation_id", id)
	}
	return nil
}

// Complete records the output and moves the creation to ready. The first
// writer wins: repeats and conflicting completions change nothing.
func (s *service) Complete(ctx context.Context, id uuid.UUID, outputKey string) error {
	moved, err := s.store.SetReady(ctx, id, outputKey)
	if err != nil {
		return err
	}
	if !moved {
		s.log.Info("ignoring completion for settled creation", "creation_id", id, "output_key", outputKey)
	}
	return nil
}

// Fail settles the creation as failed and refunds the charge exactly once.
// Safe to call repeatedly and concurrently: the status update is conditional,
// the ledger dedupes the refund by reference, and the refunded flag is only
// set after the refund entry durably exists.
func (s *service) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	c, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if c.Status == models.CreationStatusReady || c.Status == models.CreationStatusPublished {
		s.log.Info("ignoring failure signal for delivered creation", "creation_id", id, "reason", reason)
		return nil
	}
	if c.Status != models.CreationStatusFailed {
		moved, err := s.store.SetFailed(ctx, id, reason)
		if err != nil {
			return err
		}
		if !moved {
			// Lost a race with another settlement; only refund if the winner
			// also failed it.
			c, err = s.store.GetByID(ctx, id)
			if err != nil {
				return err
			}
			if c.Status != models.CreationStatusFailed {
				s.log.Info("ignoring failure signal for delivered creation", "creation_id", id, "reason", reason)
				return nil
			}
		}
	}
	if c.Refunded {
		return nil
	}
	if _, err := s.ledger.Refund(ctx, c.OwnerID, c.CostTokens, c.ID.String()); err != nil {
		return fmt.Errorf("refund creation %s: %w", id, err)
	}
	return s.store.MarkRefunded(ctx, id)
}

// Publish makes a ready creation publicly visible.
func (s *service) Publish(ctx context.Context, ownerID, id uuid.UUID) (*models.Creation, error) {
	moved, err := s.store.SetPublished(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if !moved {
		c, err := s.store.GetOwned(ctx, ownerID, id)
		if err != nil {
			return nil, err
		}
		if c.Status == models.CreationStatusPublished {
			return c, nil
		}
		return nil, ErrNotReady
	}
	return s.store.GetOwned(ctx, ownerID, id)
}

func (s *service) Get(ctx context.Context, ownerID, id uuid.UUID) (*models.Creation, error) {
	return s.store.GetOwned(ctx, ownerID, id)
}

func (s *service) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Creation, error) {
	return s.store.ListByOwner(ctx, ownerID, 100)
}
