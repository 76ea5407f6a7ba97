package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"strings"

	"github.com/google/uuid"
	"github.com/riverqueue/river"

	"github.com/reelforge/backend/internal/storage"
)

type GenerateArgs struct {
	CreationID uuid.UUID       `json:"creation_id"`
	MediaKind  string          `json:"media_kind"`
	Prompt     string          `json:"prompt"`
	Params     json.RawMessage `json:"params,omitempty"`
}

func (GenerateArgs) Kind() string { return "generate_creation" }

// CreationService defines the contract the worker needs to advance a
// creation's lifecycle. All three methods tolerate duplicate delivery.
type CreationService interface {
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	Complete(ctx context.Context, id uuid.UUID, outputKey string) error
	Fail(ctx context.Context, id uuid.UUID, reason string) error
}

type GenerateWorker struct {
	river.WorkerDefaults[GenerateArgs]
	creations CreationService
	provider  Provider
	store     storage.ObjectStore
	log       *slog.Logger
}

func NewGenerateWorker(creations CreationService, provider Provider, store storage.ObjectStore, log *slog.Logger) *GenerateWorker {
	if log == nil {
		log = slog.Default()
	}
	return &GenerateWorker{creations: creations, provider: provider, store: store, log: log}
}

func (w *GenerateWorker) Work(ctx context.Context, job *river.Job[GenerateArgs]) error {
	args := job.Args

	if err := w.creations.MarkProcessing(ctx, args.CreationID); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	res, err := w.provider.Invoke(ctx, Request{
		CreationID: args.CreationID,
		MediaKind:  args.MediaKind,
		Prompt:     args.Prompt,
		Params:     args.Params,
	})
	if err != nil {
		if errors.Is(err, ErrContentPolicy) || errors.Is(err, ErrQuotaExceeded) {
			return w.failCreation(ctx, args.CreationID, err.Error())
		}
		return w.retryOrFail(ctx, job, err)
	}

	key, err := w.store.Put(ctx, outputKey(args.CreationID, res.ContentType), res.Data)
	if err != nil {
		return w.retryOrFail(ctx, job, fmt.Errorf("store output: %w", err))
	}

	if err := w.creations.Complete(ctx, args.CreationID, key); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return nil
}

// retryOrFail returns the error to river while attempts remain; on the last
// attempt it settles the creation instead so the refund is not lost to a
// forever-errored queue row.
func (w *GenerateWorker) retryOrFail(ctx context.Context, job *river.Job[GenerateArgs], cause error) error {
	if job.Attempt < job.MaxAttempts {
		w.log.Warn("generation attempt failed, will retry",
			"creation_id", job.Args.CreationID, "attempt", job.Attempt, "error", cause)
		return cause
	}
	reason := fmt.Sprintf("generation failed after %d attempts: %v", job.Attempt, cause)
	return w.failCreation(ctx, job.Args.CreationID, reason)
}

func (w *GenerateWorker) failCreation(ctx context.Context, creationID uuid.UUID, reason string) error {
	if err := w.creations.Fail(ctx, creationID, reason); err != nil {
		return fmt.Errorf("generation failed (%s) AND failed to settle creation: %w", reason, err)
	}
	return nil
}

// outputKey derives the storage key from the creation and the returned MIME
// type, defaulting to .bin for anything unrecognized.
func outputKey(creationID uuid.UUID, contentType string) string {
	ext := ".bin"
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mt {
		case "image/png":
			ext = ".png"
		case "image/jpeg":
			ext = ".jpg"
		case "image/webp":
			ext = ".webp"
		case "video/mp4":
			ext = ".mp4"
		case "video/webm":
			ext = ".webm"
		}
	}
	return strings.Join([]string{"creations", creationID.String(), "output" + ext}, "/")
}
