package creations

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/reelforge/backend/internal/generation"
	"github.com/reelforge/backend/internal/ledger"
	"github.com/reelforge/backend/internal/models"
)

// ---------------------------------------------------------------------------
// In-memory mocks. The store mirrors the repository's conditional transitions
// so the service is tested against the same first-writer-wins contract the
// SQL provides.
// ---------------------------------------------------------------------------

type mockStore struct {
	mu        sync.Mutex
	creations map[uuid.UUID]*models.Creation
}

func newMockStore() *mockStore {
	return &mockStore{creations: make(map[uuid.UUID]*models.Creation)}
}

func (m *mockStore) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

func (m *mockStore) CreateTx(_ context.Context, _ pgx.Tx, c *models.Creation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.creations[c.ID] = &cp
	return nil
}

func (m *mockStore) GetByID(_ context.Context, id uuid.UUID) (*models.Creation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *mockStore) GetOwned(_ context.Context, ownerID, id uuid.UUID) (*models.Creation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creations[id]
	if !ok || c.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *mockStore) ListByOwner(_ context.Context, ownerID uuid.UUID, _ int) ([]*models.Creation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Creation
	for _, c := range m.creations {
		if c.OwnerID == ownerID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockStore) SetProcessing(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creations[id]
	if !ok || c.Status != models.CreationStatusPending {
		return false, nil
	}
	c.Status = models.CreationStatusProcessing
	return true, nil
}

func (m *mockStore) SetReady(_ context.Context, id uuid.UUID, outputKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creations[id]
	if !ok || (c.Status != models.CreationStatusPending && c.Status != models.CreationStatusProcessing) {
		return false, nil
	}
	c.Status = models.CreationStatusReady
	c.OutputKey = &outputKey
	return true, nil
}

func (m *mockStore) SetFailed(_ context.Context, id uuid.UUID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creations[id]
	if !ok || (c.Status != models.CreationStatusPending && c.Status != models.CreationStatusProcessing) {
		return false, nil
	}
	c.Status = models.CreationStatusFailed
	c.FailureReason = &reason
	return true, nil
}

func (m *mockStore) SetPublished(_ context.Context, ownerID, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creations[id]
	if !ok || c.OwnerID != ownerID || c.Status != models.CreationStatusReady {
		return false, nil
	}
	c.Status = models.CreationStatusPublished
	return true, nil
}

func (m *mockStore) MarkRefunded(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.creations[id]; ok {
		c.Refunded = true
	}
	return nil
}

// mockLedger tracks a single balance and dedupes refunds by reference, the
// same guarantee the real ledger's unique index provides.
type mockLedger struct {
	mu      sync.Mutex
	balance int64
	debits  []*models.LedgerEntry
	refunds []*models.LedgerEntry
}

func (m *mockLedger) Debit(_ context.Context, _ pgx.Tx, accountID uuid.UUID, amount int64, referenceID string) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balance < amount {
		return nil, ledger.ErrInsufficientBalance
	}
	m.balance -= amount
	e := &models.LedgerEntry{ID: uuid.New(), AccountID: accountID, EntryType: models.LedgerEntryDebit, Amount: amount, ReferenceID: referenceID}
	m.debits = append(m.debits, e)
	return e, nil
}

func (m *mockLedger) Refund(_ context.Context, accountID uuid.UUID, amount int64, referenceID string) (*models.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.refunds {
		if e.ReferenceID == referenceID {
			return e, nil
		}
	}
	m.balance += amount
	e := &models.LedgerEntry{ID: uuid.New(), AccountID: accountID, EntryType: models.LedgerEntryRefund, Amount: amount, ReferenceID: referenceID}
	m.refunds = append(m.refunds, e)
	return e, nil
}

type capturedEnqueue struct {
	mu   sync.Mutex
	args []generation.GenerateArgs
	err  error
}

func (c *capturedEnqueue) fn(_ context.Context, args generation.GenerateArgs) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.args = append(c.args, args)
	return nil
}

// --- noopTx satisfies pgx.Tx for test use; only Commit/Rollback are called. ---

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

func newTestService(balance int64) (*service, *mockStore, *mockLedger, *capturedEnqueue) {
	store := newMockStore()
	led := &mockLedger{balance: balance}
	enq := &capturedEnqueue{}
	svc := NewService(store, led, enq.fn, nil, DefaultPricing(), nil)
	return svc, store, led, enq
}

// ---------------------------------------------------------------------------
// 1. TestSubmit
// ---------------------------------------------------------------------------

func TestSubmit(t *testing.T) {
	owner := uuid.New()
	svc, store, led, enq := newTestService(100)
	ctx := context.Background()

	c, err := svc.Submit(ctx, owner, models.CreationKindVideo, "sunset over the bay", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if c.Status != models.CreationStatusPending {
		t.Errorf("status: got %s, want pending", c.Status)
	}
	if c.CostTokens != 25 {
		t.Errorf("cost: got %d, want 25", c.CostTokens)
	}
	if led.balance != 75 {
		t.Errorf("balance after submit: got %d, want 75", led.balance)
	}
	if len(led.debits) != 1 || led.debits[0].ReferenceID != c.ID.String() {
		t.Error("debit entry should reference the creation")
	}
	if c.DebitEntryID == nil || *c.DebitEntryID != led.debits[0].ID {
		t.Error("creation should record its debit entry")
	}
	if len(enq.args) != 1 || enq.args[0].CreationID != c.ID {
		t.Error("generation task should be enqueued for the creation")
	}
	if _, err := store.GetByID(ctx, c.ID); err != nil {
		t.Errorf("creation should be persisted: %v", err)
	}
}

func TestSubmitInsufficientBalance(t *testing.T) {
	owner := uuid.New()
	svc, store, led, enq := newTestService(3)
	ctx := context.Background()

	_, err := svc.Submit(ctx, owner, models.CreationKindImage, "a fox", nil)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got: %v", err)
	}
	if led.balance != 3 {
		t.Errorf("balance must be untouched: got %d, want 3", led.balance)
	}
	if len(store.creations) != 0 {
		t.Error("no creation record should exist")
	}
	if len(enq.args) != 0 {
		t.Error("nothing should be enqueued")
	}
}

func TestSubmitRejectsReelKind(t *testing.T) {
	svc, _, _, _ := newTestService(100)
	if _, err := svc.Submit(context.Background(), uuid.New(), models.CreationKindReel, "x", nil); err == nil {
		t.Fatal("reels are produced by stitching, direct submit must fail")
	}
}

// ---------------------------------------------------------------------------
// 2. TestSubmitEnqueueFailure
//    The queue dies after the debit committed: the caller gets an error, the
//    balance is restored, and exactly one refund entry references the charge.
// ---------------------------------------------------------------------------

func TestSubmitEnqueueFailure(t *testing.T) {
	owner := uuid.New()
	svc, store, led, enq := newTestService(100)
	enq.err = fmt.Errorf("queue unavailable")
	ctx := context.Background()

	_, err := svc.Submit(ctx, owner, models.CreationKindVideo, "city at night", nil)
	if !errors.Is(err, ErrEnqueue) {
		t.Fatalf("expected ErrEnqueue, got: %v", err)
	}

	if led.balance != 100 {
		t.Errorf("balance must be restored: got %d, want 100", led.balance)
	}
	if len(led.refunds) != 1 {
		t.Fatalf("refund entries: got %d, want 1", len(led.refunds))
	}
	if len(led.debits) != 1 || led.refunds[0].ReferenceID != led.debits[0].ReferenceID {
		t.Error("refund must reference the original charge")
	}

	// The record survives as failed and refunded, not silently deleted.
	var stored *models.Creation
	for _, c := range store.creations {
		stored = c
	}
	if stored == nil {
		t.Fatal("creation record should exist")
	}
	if stored.Status != models.CreationStatusFailed || !stored.Refunded {
		t.Errorf("creation should be failed+refunded, got status=%s refunded=%v", stored.Status, stored.Refunded)
	}
}

// ---------------------------------------------------------------------------
// 3. TestFailRefundsOnce
// ---------------------------------------------------------------------------

func TestFailRefundsOnce(t *testing.T) {
	owner := uuid.New()
	svc, store, led, _ := newTestService(100)
	ctx := context.Background()

	c, err := svc.Submit(ctx, owner, models.CreationKindVideo, "waves", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := svc.MarkProcessing(ctx, c.ID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}

	if err := svc.Fail(ctx, c.ID, "provider reported failure"); err != nil {
		t.Fatalf("first Fail: %v", err)
	}
	if err := svc.Fail(ctx, c.ID, "provider reported failure"); err != nil {
		t.Fatalf("second Fail: %v", err)
	}

	if led.balance != 100 {
		t.Errorf("balance after double fail: got %d, want 100", led.balance)
	}
	if len(led.refunds) != 1 {
		t.Errorf("refund entries: got %d, want 1", len(led.refunds))
	}
	got, _ := store.GetByID(ctx, c.ID)
	if got.Status != models.CreationStatusFailed || !got.Refunded {
		t.Errorf("creation should be failed+refunded, got status=%s refunded=%v", got.Status, got.Refunded)
	}
	if got.FailureReason == nil || *got.FailureReason == "" {
		t.Error("failure reason should be recorded")
	}
}

func TestFailAfterReadyIsNoOp(t *testing.T) {
	owner := uuid.New()
	svc, store, led, _ := newTestService(100)
	ctx := context.Background()

	c, _ := svc.Submit(ctx, owner, models.CreationKindImage, "a fox", nil)
	if err := svc.Complete(ctx, c.ID, "creations/x/output.png"); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if err := svc.Fail(ctx, c.ID, "late failure signal"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	got, _ := store.GetByID(ctx, c.ID)
	if got.Status != models.CreationStatusReady {
		t.Errorf("delivered creation must not fail, got %s", got.Status)
	}
	if len(led.refunds) != 0 {
		t.Error("delivered work must not be refunded")
	}
}

// ---------------------------------------------------------------------------
// 4. TestCompleteFirstWriterWins
// ---------------------------------------------------------------------------

func TestCompleteFirstWriterWins(t *testing.T) {
	owner := uuid.New()
	svc, store, _, _ := newTestService(100)
	ctx := context.Background()

	c, _ := svc.Submit(ctx, owner, models.CreationKindImage, "a fox", nil)
	if err := svc.Complete(ctx, c.ID, "creations/a/output.png"); err != nil {
		t.Fatalf("first Complete: %v", err)
	}
	if err := svc.Complete(ctx, c.ID, "creations/b/output.png"); err != nil {
		t.Fatalf("second Complete: %v", err)
	}

	got, _ := store.GetByID(ctx, c.ID)
	if got.OutputKey == nil || *got.OutputKey != "creations/a/output.png" {
		t.Errorf("first writer must win, got %v", got.OutputKey)
	}
}

func TestMarkProcessingLateSignal(t *testing.T) {
	owner := uuid.New()
	svc, store, _, _ := newTestService(100)
	ctx := context.Background()

	c, _ := svc.Submit(ctx, owner, models.CreationKindImage, "a fox", nil)
	if err := svc.Complete(ctx, c.ID, "creations/a/output.png"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	// Redelivered processing signal after completion: no error, no change.
	if err := svc.MarkProcessing(ctx, c.ID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	got, _ := store.GetByID(ctx, c.ID)
	if got.Status != models.CreationStatusReady {
		t.Errorf("status must remain ready, got %s", got.Status)
	}
}

// ---------------------------------------------------------------------------
// 5. TestPublish
// ---------------------------------------------------------------------------

func TestPublish(t *testing.T) {
	owner := uuid.New()
	svc, _, _, _ := newTestService(100)
	ctx := context.Background()

	c, _ := svc.Submit(ctx, owner, models.CreationKindImage, "a fox", nil)

	// Not ready yet.
	if _, err := svc.Publish(ctx, owner, c.ID); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got: %v", err)
	}

	if err := svc.Complete(ctx, c.ID, "creations/a/output.png"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	pub, err := svc.Publish(ctx, owner, c.ID)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if pub.Status != models.CreationStatusPublished {
		t.Errorf("status: got %s, want published", pub.Status)
	}

	// Publishing again is idempotent.
	again, err := svc.Publish(ctx, owner, c.ID)
	if err != nil {
		t.Fatalf("repeat Publish: %v", err)
	}
	if again.Status != models.CreationStatusPublished {
		t.Errorf("repeat publish status: got %s", again.Status)
	}

	// Someone else's creation is invisible.
	if _, err := svc.Publish(ctx, uuid.New(), c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("foreign publish: expected ErrNotFound, got %v", err)
	}
}
