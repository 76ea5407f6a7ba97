package stitch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/reelforge/backend/internal/ledger"
	"github.com/reelforge/backend/internal/models"
	"github.com/reelforge/backend/internal/runner"
)

// ---------------------------------------------------------------------------
// In-memory mocks. Writes made through a transaction stay invisible until
// Commit, and the job store enforces the same one-active-job-per-target
// constraint the partial unique index provides, so the concurrent-submit
// paths behave like they do against Postgres.
// ---------------------------------------------------------------------------

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

type stagedDebit struct {
	entry  *models.LedgerEntry
	amount int64
}

type memTx struct {
	noopTx
	led    *mockLedger
	store  *mockStore
	debits []stagedDebit
	jobs   []*models.StitchJob
}

func (t *memTx) Commit(context.Context) error {
	t.led.apply(t.debits)
	t.store.apply(t.jobs)
	return nil
}

func (t *memTx) Rollback(context.Context) error { return nil }

type mockLedger struct {
	mu      sync.Mutex
	balance int64
	debits  []*models.LedgerEntry
	refunds []*models.LedgerEntry
}

func (l *mockLedger) Debit(_ context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64, referenceID string) (*models.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	if l.balance < amount {
		return nil, ledger.ErrInsufficientBalance
	}
	e := &models.LedgerEntry{ID: uuid.New(), AccountID: accountID, EntryType: models.LedgerEntryDebit, Amount: amount, ReferenceID: referenceID}
	mt := tx.(*memTx)
	mt.debits = append(mt.debits, stagedDebit{entry: e, amount: amount})
	return e, nil
}

func (l *mockLedger) Refund(_ context.Context, accountID uuid.UUID, amount int64, referenceID string) (*models.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.refunds {
		if e.ReferenceID == referenceID {
			return e, nil
		}
	}
	l.balance += amount
	e := &models.LedgerEntry{ID: uuid.New(), AccountID: accountID, EntryType: models.LedgerEntryRefund, Amount: amount, ReferenceID: referenceID}
	l.refunds = append(l.refunds, e)
	return e, nil
}

func (l *mockLedger) apply(debits []stagedDebit) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, d := range debits {
		l.balance -= d.amount
		l.debits = append(l.debits, d.entry)
	}
}

type mockStore struct {
	mu   sync.Mutex
	led  *mockLedger
	jobs []*models.StitchJob
}

func (m *mockStore) Begin(context.Context) (pgx.Tx, error) {
	return &memTx{led: m.led, store: m}, nil
}

func (m *mockStore) CreateTx(_ context.Context, tx pgx.Tx, job *models.StitchJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.TargetID == job.TargetID && !j.Terminal() {
			return &pgconn.PgError{Code: "23505", ConstraintName: "idx_stitch_jobs_one_active"}
		}
	}
	cp := *job
	tx.(*memTx).jobs = append(tx.(*memTx).jobs, &cp)
	return nil
}

func (m *mockStore) apply(jobs []*models.StitchJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, jobs...)
}

func (m *mockStore) seed(job *models.StitchJob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs = append(m.jobs, &cp)
}

func (m *mockStore) GetByID(_ context.Context, id uuid.UUID) (*models.StitchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ID == id {
			cp := *j
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockStore) ActiveByTarget(_ context.Context, targetID uuid.UUID) (*models.StitchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.TargetID == targetID && !j.Terminal() {
			cp := *j
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockStore) LatestByTarget(_ context.Context, ownerID, targetID uuid.UUID) (*models.StitchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.jobs) - 1; i >= 0; i-- {
		if m.jobs[i].TargetID == targetID && m.jobs[i].OwnerID == ownerID {
			cp := *m.jobs[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockStore) ListUnsettled(_ context.Context, limit int) ([]*models.StitchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.StitchJob
	for _, j := range m.jobs {
		if !j.Terminal() && len(out) < limit {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockStore) MarkRunning(_ context.Context, id uuid.UUID, executionRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ID == id && j.Status == models.StitchStatusQueued {
			j.Status = models.StitchStatusRunning
			j.ExecutionRef = &executionRef
			j.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

func (m *mockStore) MarkCompleted(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ID == id && !j.Terminal() {
			j.Status = models.StitchStatusCompleted
			j.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

func (m *mockStore) MarkFailed(_ context.Context, id uuid.UUID, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ID == id && !j.Terminal() {
			j.Status = models.StitchStatusFailed
			j.FailureReason = &reason
			j.UpdatedAt = time.Now().UTC()
			return true, nil
		}
	}
	return false, nil
}

func (m *mockStore) MarkRefunded(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ID == id {
			j.Refunded = true
		}
	}
	return nil
}

// blindStore hides active jobs from the pre-insert check for a number of
// calls, simulating a submission that raced past the check before the
// winner's transaction committed. The insert constraint still applies.
type blindStore struct {
	*mockStore
	blindMu sync.Mutex
	blind   int
}

func (b *blindStore) ActiveByTarget(ctx context.Context, targetID uuid.UUID) (*models.StitchJob, error) {
	b.blindMu.Lock()
	if b.blind > 0 {
		b.blind--
		b.blindMu.Unlock()
		return nil, ErrNotFound
	}
	b.blindMu.Unlock()
	return b.mockStore.ActiveByTarget(ctx, targetID)
}

type mockCreations struct {
	mu    sync.Mutex
	items map[uuid.UUID]*models.Creation
}

func (m *mockCreations) GetOwned(_ context.Context, ownerID, id uuid.UUID) (*models.Creation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[id]
	if !ok || c.OwnerID != ownerID {
		return nil, errors.New("creation not found")
	}
	cp := *c
	return &cp, nil
}

func (m *mockCreations) addSegment(ownerID uuid.UUID, kind, status string) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	key := fmt.Sprintf("creations/%s/output.mp4", id)
	m.items[id] = &models.Creation{ID: id, OwnerID: ownerID, Kind: kind, Status: status, OutputKey: &key}
	return id
}

type mockObjects struct {
	mu     sync.Mutex
	keys   map[string]bool
	err    error
	checks int
}

func (m *mockObjects) Put(_ context.Context, key string, _ []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys[key] = true
	return key, nil
}

func (m *mockObjects) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks++
	if m.err != nil {
		return false, m.err
	}
	return m.keys[key], nil
}

func (m *mockObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

func (m *mockObjects) SignedURL(key string, _ time.Duration) (string, error) {
	return "http://signed/" + key, nil
}

type mockRunner struct {
	mu          sync.Mutex
	submitErr   error
	status      runner.Status
	statusErr   error
	submits     []runner.JobSpec
	statusCalls int
}

func (m *mockRunner) Submit(_ context.Context, spec runner.JobSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return "", m.submitErr
	}
	m.submits = append(m.submits, spec)
	return fmt.Sprintf("exec-%d", len(m.submits)), nil
}

func (m *mockRunner) Status(_ context.Context, _ string) (runner.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCalls++
	return m.status, m.statusErr
}

type fixture struct {
	svc       Service
	store     *mockStore
	led       *mockLedger
	creations *mockCreations
	objects   *mockObjects
	runner    *mockRunner
}

func newFixture(balance int64) *fixture {
	led := &mockLedger{balance: balance}
	store := &mockStore{led: led}
	f := &fixture{
		store:     store,
		led:       led,
		creations: &mockCreations{items: make(map[uuid.UUID]*models.Creation)},
		objects:   &mockObjects{keys: make(map[string]bool)},
		runner:    &mockRunner{status: runner.StatusRunning},
	}
	f.svc = NewService(store, led, f.creations, f.objects, f.runner, DefaultPricing(), staleAfter, nil)
	return f
}

func (f *fixture) readySegments(ownerID uuid.UUID, n int) []uuid.UUID {
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		ids = append(ids, f.creations.addSegment(ownerID, models.CreationKindVideo, models.CreationStatusReady))
	}
	return ids
}

func (f *fixture) seedRunningJob(ownerID, targetID uuid.UUID, updatedAgo time.Duration) *models.StitchJob {
	now := time.Now().UTC()
	ref := "exec-seeded"
	job := &models.StitchJob{
		ID:           uuid.New(),
		TargetID:     targetID,
		OwnerID:      ownerID,
		InputIDs:     []uuid.UUID{uuid.New(), uuid.New()},
		Status:       models.StitchStatusRunning,
		ExecutionRef: &ref,
		CostTokens:   20,
		CreatedAt:    now.Add(-updatedAgo),
		UpdatedAt:    now.Add(-updatedAgo),
	}
	job.OutputKey = fmt.Sprintf("reels/%s/%s.mp4", targetID, job.ID)
	f.store.seed(job)
	return job
}

// ---------------------------------------------------------------------------
// 1. TestEnqueue
// ---------------------------------------------------------------------------

func TestEnqueue(t *testing.T) {
	owner := uuid.New()
	target := uuid.New()
	f := newFixture(100)
	ctx := context.Background()

	inputs := f.readySegments(owner, 3)
	job, err := f.svc.Enqueue(ctx, owner, target, inputs)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if job.Status != models.StitchStatusRunning {
		t.Errorf("status: got %s, want running", job.Status)
	}
	if job.ExecutionRef == nil {
		t.Fatal("execution ref should be persisted")
	}
	if job.CostTokens != 30 {
		t.Errorf("cost: got %d, want 30 (10 per segment)", job.CostTokens)
	}
	if f.led.balance != 70 {
		t.Errorf("balance: got %d, want 70", f.led.balance)
	}
	if len(f.led.debits) != 1 || f.led.debits[0].ReferenceID != job.ID.String() {
		t.Error("debit entry should reference the job")
	}
	if len(f.runner.submits) != 1 {
		t.Fatalf("runner submits: got %d, want 1", len(f.runner.submits))
	}
	spec := f.runner.submits[0]
	if len(spec.InputKeys) != 3 {
		t.Errorf("input keys: got %d, want 3", len(spec.InputKeys))
	}
	if spec.OutputKey != job.OutputKey || !strings.HasPrefix(spec.OutputKey, "reels/"+target.String()+"/") {
		t.Errorf("output key: got %q", spec.OutputKey)
	}
	stored, err := f.store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("job should be persisted: %v", err)
	}
	if stored.Status != models.StitchStatusRunning {
		t.Errorf("stored status: got %s, want running", stored.Status)
	}
}

func TestEnqueueRejectsBadInputs(t *testing.T) {
	owner := uuid.New()
	f := newFixture(100)
	ctx := context.Background()

	video := f.creations.addSegment(owner, models.CreationKindVideo, models.CreationStatusReady)
	image := f.creations.addSegment(owner, models.CreationKindImage, models.CreationStatusReady)
	pending := f.creations.addSegment(owner, models.CreationKindVideo, models.CreationStatusPending)
	foreign := f.creations.addSegment(uuid.New(), models.CreationKindVideo, models.CreationStatusReady)

	cases := []struct {
		name   string
		inputs []uuid.UUID
	}{
		{name: "one segment", inputs: []uuid.UUID{video}},
		{name: "image segment", inputs: []uuid.UUID{video, image}},
		{name: "unrendered segment", inputs: []uuid.UUID{video, pending}},
		{name: "foreign segment", inputs: []uuid.UUID{video, foreign}},
		{name: "duplicate segment", inputs: []uuid.UUID{video, video}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.Enqueue(ctx, owner, uuid.New(), tc.inputs)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got: %v", err)
			}
		})
	}
	if f.led.balance != 100 {
		t.Errorf("rejected requests must not charge: balance %d", f.led.balance)
	}
	if len(f.runner.submits) != 0 {
		t.Error("rejected requests must not reach the runner")
	}
}

func TestEnqueueInsufficientBalance(t *testing.T) {
	owner := uuid.New()
	f := newFixture(5)
	ctx := context.Background()

	_, err := f.svc.Enqueue(ctx, owner, uuid.New(), f.readySegments(owner, 2))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got: %v", err)
	}
	if f.led.balance != 5 {
		t.Errorf("balance must be untouched: got %d", f.led.balance)
	}
	if len(f.store.jobs) != 0 {
		t.Error("no job should be persisted")
	}
	if len(f.runner.submits) != 0 {
		t.Error("nothing should reach the runner")
	}
}

// ---------------------------------------------------------------------------
// 2. TestEnqueueWhileActive: second submit is rejected by the reconciled
//    pre-check; the blind variant loses on the insert constraint instead.
// ---------------------------------------------------------------------------

func TestEnqueueWhileActive(t *testing.T) {
	owner := uuid.New()
	target := uuid.New()
	f := newFixture(100)
	ctx := context.Background()

	if _, err := f.svc.Enqueue(ctx, owner, target, f.readySegments(owner, 2)); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	_, err := f.svc.Enqueue(ctx, owner, target, f.readySegments(owner, 2))
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got: %v", err)
	}
	if f.led.balance != 80 {
		t.Errorf("only the first submit may charge: balance %d, want 80", f.led.balance)
	}
	if len(f.runner.submits) != 1 {
		t.Errorf("runner submits: got %d, want 1", len(f.runner.submits))
	}
}

func TestEnqueueConcurrentSingleWinner(t *testing.T) {
	owner := uuid.New()
	target := uuid.New()
	f := newFixture(100)
	ctx := context.Background()

	// Both submissions see "no active job"; the unique index decides.
	blind := &blindStore{mockStore: f.store, blind: 2}
	svc := NewService(blind, f.led, f.creations, f.objects, f.runner, DefaultPricing(), staleAfter, nil)

	if _, err := svc.Enqueue(ctx, owner, target, f.readySegments(owner, 2)); err != nil {
		t.Fatalf("winner Enqueue: %v", err)
	}
	_, err := svc.Enqueue(ctx, owner, target, f.readySegments(owner, 2))
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("loser should see ErrAlreadyRunning, got: %v", err)
	}

	active := 0
	for _, j := range f.store.jobs {
		if j.TargetID == target && !j.Terminal() {
			active++
		}
	}
	if active != 1 {
		t.Errorf("active jobs for target: got %d, want 1", active)
	}
	if f.led.balance != 80 {
		t.Errorf("loser's debit must roll back: balance %d, want 80", f.led.balance)
	}
	if len(f.led.debits) != 1 {
		t.Errorf("committed debits: got %d, want 1", len(f.led.debits))
	}
}

// ---------------------------------------------------------------------------
// 3. TestEnqueueRunnerRejects: the charge is committed when the runner says
//    no, so the job fails and the refund lands before the caller sees it.
// ---------------------------------------------------------------------------

func TestEnqueueRunnerRejects(t *testing.T) {
	owner := uuid.New()
	target := uuid.New()
	f := newFixture(100)
	f.runner.submitErr = errors.New("413 spec too large")
	ctx := context.Background()

	_, err := f.svc.Enqueue(ctx, owner, target, f.readySegments(owner, 2))
	if !errors.Is(err, ErrSubmit) {
		t.Fatalf("expected ErrSubmit, got: %v", err)
	}
	if f.led.balance != 100 {
		t.Errorf("balance must be restored: got %d, want 100", f.led.balance)
	}
	if len(f.led.refunds) != 1 {
		t.Fatalf("refund entries: got %d, want 1", len(f.led.refunds))
	}

	job, err := f.store.LatestByTarget(ctx, owner, target)
	if err != nil {
		t.Fatalf("job record should exist: %v", err)
	}
	if job.Status != models.StitchStatusFailed || !job.Refunded {
		t.Errorf("job should be failed+refunded, got status=%s refunded=%v", job.Status, job.Refunded)
	}
	if job.FailureReason == nil || !strings.Contains(*job.FailureReason, "runner submit failed") {
		t.Errorf("failure reason should name the submit failure, got %v", job.FailureReason)
	}
}

// ---------------------------------------------------------------------------
// 4. Reconciliation through reads
// ---------------------------------------------------------------------------

func TestReconcileOutputExistsSkipsRunner(t *testing.T) {
	owner := uuid.New()
	target := uuid.New()
	f := newFixture(100)
	ctx := context.Background()

	job := f.seedRunningJob(owner, target, time.Minute)
	f.objects.keys[job.OutputKey] = true

	got, err := f.svc.Latest(ctx, owner, target)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got.Status != models.StitchStatusCompleted {
		t.Errorf("status: got %s, want completed", got.Status)
	}
	if f.runner.statusCalls != 0 {
		t.Errorf("the output object already answers; runner was asked %d times", f.runner.statusCalls)
	}
	if len(f.led.refunds) != 0 {
		t.Error("completed work must not be refunded")
	}
}

func TestReconcileRunnerFailureRefunds(t *testing.T) {
	owner := uuid.New()
	target := uuid.New()
	// Seeded job already carries a 20 token charge, so the account holds 80.
	f := newFixture(80)
	f.runner.status = runner.StatusFailed
	ctx := context.Background()

	job := f.seedRunningJob(owner, target, time.Minute)

	got, err := f.svc.Latest(ctx, owner, target)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got.Status != models.StitchStatusFailed || !got.Refunded {
		t.Errorf("job should be failed+refunded, got status=%s refunded=%v", got.Status, got.Refunded)
	}
	if len(f.led.refunds) != 1 || f.led.refunds[0].ReferenceID != job.ID.String() {
		t.Fatalf("want one refund referencing the job, got %d", len(f.led.refunds))
	}
	if f.led.balance != 100 {
		t.Errorf("balance: got %d, want 100", f.led.balance)
	}
}

func TestReconcileStaleJobForceFails(t *testing.T) {
	owner := uuid.New()
	target := uuid.New()
	f := newFixture(80)
	f.runner.statusErr = errors.New("runner unreachable")
	f.runner.status = runner.StatusUnknown
	ctx := context.Background()

	f.seedRunningJob(owner, target, staleAfter+time.Minute)

	got, err := f.svc.Latest(ctx, owner, target)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got.Status != models.StitchStatusFailed {
		t.Fatalf("status: got %s, want failed", got.Status)
	}
	if got.FailureReason == nil || *got.FailureReason != "timed out" {
		t.Errorf("reason: got %v, want timed out", got.FailureReason)
	}
	if len(f.led.refunds) != 1 {
		t.Fatalf("refund entries: got %d, want 1", len(f.led.refunds))
	}

	// A second read of the settled job must not refund again.
	if _, err := f.svc.Latest(ctx, owner, target); err != nil {
		t.Fatalf("second Latest: %v", err)
	}
	if len(f.led.refunds) != 1 || f.led.balance != 100 {
		t.Errorf("refund must happen once: entries=%d balance=%d", len(f.led.refunds), f.led.balance)
	}
}

func TestReconcileInFlightUnchanged(t *testing.T) {
	owner := uuid.New()
	target := uuid.New()
	f := newFixture(100)
	ctx := context.Background()

	job := f.seedRunningJob(owner, target, time.Minute)

	active, err := f.svc.ActiveJob(ctx, target)
	if err != nil {
		t.Fatalf("ActiveJob: %v", err)
	}
	if active.ID != job.ID || active.Status != models.StitchStatusRunning {
		t.Errorf("job should still be running, got %s", active.Status)
	}
	if len(f.led.refunds) != 0 {
		t.Error("nothing to refund while in flight")
	}
}

func TestActiveJobSettlesStaleState(t *testing.T) {
	owner := uuid.New()
	target := uuid.New()
	f := newFixture(100)
	ctx := context.Background()

	job := f.seedRunningJob(owner, target, time.Minute)
	f.objects.keys[job.OutputKey] = true

	// The stored row says running, but the output object proves otherwise.
	// Callers asking for the active job get the truth: there is none.
	if _, err := f.svc.ActiveJob(ctx, target); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after settlement, got: %v", err)
	}
	stored, _ := f.store.GetByID(ctx, job.ID)
	if stored.Status != models.StitchStatusCompleted {
		t.Errorf("stored status: got %s, want completed", stored.Status)
	}
}

// ---------------------------------------------------------------------------
// 5. TestSweep: abandoned jobs settle without anyone polling.
// ---------------------------------------------------------------------------

func TestSweepSettlesAbandonedJobs(t *testing.T) {
	owner := uuid.New()
	f := newFixture(100)
	f.runner.statusErr = errors.New("runner unreachable")
	f.runner.status = runner.StatusUnknown
	ctx := context.Background()

	f.seedRunningJob(owner, uuid.New(), staleAfter+time.Hour)
	f.seedRunningJob(owner, uuid.New(), staleAfter+time.Hour)
	fresh := f.seedRunningJob(owner, uuid.New(), time.Minute)

	settled, err := f.svc.ReconcileAll(ctx, sweepBatchSize)
	if err != nil {
		t.Fatalf("ReconcileAll: %v", err)
	}
	if settled != 2 {
		t.Errorf("settled: got %d, want 2", settled)
	}
	if len(f.led.refunds) != 2 {
		t.Errorf("refunds: got %d, want 2", len(f.led.refunds))
	}
	got, _ := f.store.GetByID(ctx, fresh.ID)
	if got.Status != models.StitchStatusRunning {
		t.Errorf("fresh job must survive the sweep, got %s", got.Status)
	}
}
