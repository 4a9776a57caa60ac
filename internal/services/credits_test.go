package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/inreelio/backend/internal/auth"
	"github.com/inreelio/backend/internal/models"
	"github.com/inreelio/backend/internal/pricing"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

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

// --- combined account + ledger store with row-lock semantics ---

// mockStore mimics the repository layer: GetForUpdate takes a per-key
// lock that Commit/Rollback on the returned tx releases, so concurrent
// service calls serialize exactly as they would on Postgres row locks.
type mockStore struct {
	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	accounts map[string]*models.CreditAccount
	gens     map[string]*models.Generation
	applied  map[string]bool
}

func newStore() *mockStore {
	return &mockStore{
		locks:    make(map[string]*sync.Mutex),
		accounts: make(map[string]*models.CreditAccount),
		gens:     make(map[string]*models.Generation),
		applied:  make(map[string]bool),
	}
}

func (s *mockStore) keyLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

type mockTx struct {
	noopTx
	store   *mockStore
	held    []*sync.Mutex
	created []string
	done    bool
}

func (t *mockTx) lock(key string) {
	l := t.store.keyLock(key)
	l.Lock()
	t.held = append(t.held, l)
}

func (t *mockTx) finish(commit bool) {
	if t.done {
		return
	}
	t.done = true
	if !commit {
		// Rows materialized by GetForUpdateGen roll back with the tx.
		t.store.mu.Lock()
		for _, id := range t.created {
			delete(t.store.gens, id)
		}
		t.store.mu.Unlock()
	}
	for i := len(t.held) - 1; i >= 0; i-- {
		t.held[i].Unlock()
	}
}

func (t *mockTx) Commit(context.Context) error   { t.finish(true); return nil }
func (t *mockTx) Rollback(context.Context) error { t.finish(false); return nil }

func (s *mockStore) Begin(context.Context) (pgx.Tx, error) {
	return &mockTx{store: s}, nil
}

func (s *mockStore) Get(_ context.Context, email string) (*models.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[email]; ok {
		cp := *a
		return &cp, nil
	}
	return &models.CreditAccount{Email: email}, nil
}

func (s *mockStore) GetForUpdate(_ context.Context, tx pgx.Tx, email string) (*models.CreditAccount, error) {
	tx.(*mockTx).lock("acc:" + email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[email]; ok {
		cp := *a
		return &cp, nil
	}
	a := &models.CreditAccount{Email: email}
	s.accounts[email] = a
	cp := *a
	return &cp, nil
}

func (s *mockStore) Update(_ context.Context, _ pgx.Tx, a *models.CreditAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.accounts[a.Email] = &cp
	return nil
}

func (s *mockStore) MarkPaymentApplied(_ context.Context, _ pgx.Tx, email, paymentID string, _ int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := email + "|" + paymentID
	if s.applied[key] {
		return false, nil
	}
	s.applied[key] = true
	return true, nil
}

func (s *mockStore) GetGen(_ context.Context, id string) (*models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gens[id]; ok {
		cp := *g
		return &cp, nil
	}
	return nil, nil
}

// GetForUpdateGen mirrors the repository: when no row exists one is
// created under the lock, because on Postgres SELECT FOR UPDATE with
// no row locks nothing and would not serialize concurrent callers.
func (s *mockStore) GetForUpdateGen(_ context.Context, tx pgx.Tx, id string) (*models.Generation, error) {
	mt := tx.(*mockTx)
	mt.lock("gen:" + id)
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gens[id]
	if !ok {
		g = &models.Generation{ID: id, Status: models.GenerationStatusPending}
		s.gens[id] = g
		mt.created = append(mt.created, id)
	}
	cp := *g
	return &cp, nil
}

func (s *mockStore) Upsert(_ context.Context, _ pgx.Tx, g *models.Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	s.gens[g.ID] = &cp
	return nil
}

// ledgerView adapts mockStore to GenerationLedgerStore (the account
// methods already match CreditAccountStore directly).
type ledgerView struct{ *mockStore }

func (v ledgerView) Get(ctx context.Context, id string) (*models.Generation, error) {
	return v.GetGen(ctx, id)
}

func (v ledgerView) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (*models.Generation, error) {
	return v.GetForUpdateGen(ctx, tx, id)
}

// --- credential gate ---

type stubGate struct {
	status auth.CredentialStatus
	err    error
}

func (g stubGate) EnsureCredential(context.Context, string, string) (auth.CredentialStatus, error) {
	if g.err != nil {
		return auth.CredentialRejected, g.err
	}
	return g.status, nil
}

func newService(store *mockStore, cfg CreditConfig) *CreditService {
	return NewCreditService(store, ledgerView{store}, stubGate{status: auth.CredentialVerified}, cfg, nil)
}

func seedAccount(store *mockStore, email string, credits, held, freeCount int) {
	store.accounts[email] = &models.CreditAccount{Email: email, Credits: credits, Held: held, FreeCount: freeCount}
}

func freeInput() pricing.Input {
	return pricing.Input{Duration: 1, Resolution: "360p", GraphicsQuality: "low", SpeechQuality: "neural"}
}

func paidInput() pricing.Input {
	return pricing.Input{Duration: 2, Resolution: "HD", GraphicsQuality: "high", SpeechQuality: "neural"}
}

func checkInvariant(t *testing.T, store *mockStore, email string) {
	t.Helper()
	a := store.accounts[email]
	if a == nil {
		t.Fatalf("account %q missing", email)
	}
	if a.Held < 0 || a.Held > a.Credits {
		t.Fatalf("invariant violated: credits=%d held=%d", a.Credits, a.Held)
	}
}

// ---------------------------------------------------------------------------
// Admission control
// ---------------------------------------------------------------------------

func TestCanGenerate_Admission(t *testing.T) {
	store := newStore()
	seedAccount(store, "u@example.com", 100, 30, 0)
	svc := newService(store, CreditConfig{})
	ctx := context.Background()

	// 1 min sd with high graphics, low speech: 40*1.0*1.4*0.6 = 33.6 -> 34.
	cheap := pricing.Input{Duration: 1, Resolution: "sd", GraphicsQuality: "high", SpeechQuality: "low"}
	if got := pricing.RequiredCredits(cheap); got != 34 {
		t.Fatalf("fixture cost drifted: %d", got)
	}
	adm, err := svc.CanGenerate(ctx, "u@example.com", cheap)
	if err != nil {
		t.Fatalf("CanGenerate: %v", err)
	}
	if !adm.Allowed || adm.Free || adm.RequiredCredits != 34 || adm.AvailableCredits != 70 {
		t.Errorf("cheap admission: %+v", adm)
	}

	expensive := paidInput() // 202
	adm, err = svc.CanGenerate(ctx, "u@example.com", expensive)
	if err != nil {
		t.Fatalf("CanGenerate: %v", err)
	}
	if adm.Allowed {
		t.Errorf("expensive admission should be denied: %+v", adm)
	}
	if adm.RequiredCredits != 202 || adm.AvailableCredits != 70 {
		t.Errorf("denial should carry the numbers for the upsell: %+v", adm)
	}
}

func TestCanGenerate_FreeTierBoundary(t *testing.T) {
	store := newStore()
	svc := newService(store, CreditConfig{})
	ctx := context.Background()

	seedAccount(store, "nine@example.com", 0, 0, 9)
	adm, err := svc.CanGenerate(ctx, "nine@example.com", freeInput())
	if err != nil {
		t.Fatalf("CanGenerate: %v", err)
	}
	if !adm.Allowed || !adm.Free || adm.RequiredCredits != 0 {
		t.Errorf("free_count=9 should be admitted free: %+v", adm)
	}

	seedAccount(store, "ten@example.com", 0, 0, 10)
	adm, err = svc.CanGenerate(ctx, "ten@example.com", freeInput())
	if err != nil {
		t.Fatalf("CanGenerate: %v", err)
	}
	if adm.Free || adm.Allowed {
		t.Errorf("free_count=10 exhausts the free tier: %+v", adm)
	}
}

func TestCanGenerate_FreeTierKillSwitch(t *testing.T) {
	store := newStore()
	seedAccount(store, "u@example.com", 0, 0, 0)
	svc := newService(store, CreditConfig{DisableFreeTier: true})

	adm, err := svc.CanGenerate(context.Background(), "u@example.com", freeInput())
	if err != nil {
		t.Fatalf("CanGenerate: %v", err)
	}
	if adm.Free || adm.Allowed {
		t.Errorf("kill switch should disable free admission: %+v", adm)
	}
}

// ---------------------------------------------------------------------------
// Hold placement
// ---------------------------------------------------------------------------

func TestHoldCredits_PlacesAndIsIdempotent(t *testing.T) {
	store := newStore()
	seedAccount(store, "u@example.com", 100, 0, 0)
	svc := newService(store, CreditConfig{})
	ctx := context.Background()

	if err := svc.HoldCredits(ctx, "u@example.com", 50, "gen-1", "pw"); err != nil {
		t.Fatalf("HoldCredits: %v", err)
	}
	if got := store.accounts["u@example.com"].Held; got != 50 {
		t.Fatalf("held after hold: %d", got)
	}
	g := store.gens["gen-1"]
	if g == nil || !g.HoldRecorded() || *g.CreditsHeld != 50 || g.CreditsHeldBy != "u@example.com" {
		t.Fatalf("ledger entry after hold: %+v", g)
	}

	// Second call for the same job never double-reserves.
	if err := svc.HoldCredits(ctx, "u@example.com", 50, "gen-1", "pw"); err != nil {
		t.Fatalf("repeat HoldCredits: %v", err)
	}
	if got := store.accounts["u@example.com"].Held; got != 50 {
		t.Errorf("held after repeat hold: %d", got)
	}
	checkInvariant(t, store, "u@example.com")
}

func TestHoldCredits_Insufficient(t *testing.T) {
	store := newStore()
	seedAccount(store, "u@example.com", 100, 60, 0)
	svc := newService(store, CreditConfig{})

	err := svc.HoldCredits(context.Background(), "u@example.com", 50, "gen-1", "pw")
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("got %v, want ErrInsufficientCredits", err)
	}
	if got := store.accounts["u@example.com"].Held; got != 60 {
		t.Errorf("failed hold must not change held: %d", got)
	}
	if store.gens["gen-1"] != nil {
		t.Error("failed hold must not create a ledger entry")
	}
}

func TestHoldCredits_RejectedCredential(t *testing.T) {
	store := newStore()
	seedAccount(store, "u@example.com", 100, 0, 0)
	svc := NewCreditService(store, ledgerView{store}, stubGate{status: auth.CredentialRejected}, CreditConfig{}, nil)

	err := svc.HoldCredits(context.Background(), "u@example.com", 10, "gen-1", "wrong")
	if !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("got %v, want ErrInvalidCredential", err)
	}
	if got := store.accounts["u@example.com"].Held; got != 0 {
		t.Errorf("rejected hold must not change held: %d", got)
	}
}

func TestHoldFreeGeneration_CountsOncePerJob(t *testing.T) {
	store := newStore()
	seedAccount(store, "u@example.com", 0, 0, 3)
	svc := newService(store, CreditConfig{})
	ctx := context.Background()

	if err := svc.HoldFreeGeneration(ctx, "u@example.com", "gen-free", "pw"); err != nil {
		t.Fatalf("HoldFreeGeneration: %v", err)
	}
	if err := svc.HoldFreeGeneration(ctx, "u@example.com", "gen-free", "pw"); err != nil {
		t.Fatalf("repeat HoldFreeGeneration: %v", err)
	}
	if got := store.accounts["u@example.com"].FreeCount; got != 4 {
		t.Errorf("free_count incremented once per job: got %d, want 4", got)
	}
	g := store.gens["gen-free"]
	if g == nil || !g.HoldRecorded() || *g.CreditsHeld != 0 {
		t.Errorf("free hold records a zero-credit hold: %+v", g)
	}
}

func TestHoldFreeGeneration_EnforcesLimit(t *testing.T) {
	store := newStore()
	seedAccount(store, "u@example.com", 0, 0, 10)
	svc := newService(store, CreditConfig{})

	err := svc.HoldFreeGeneration(context.Background(), "u@example.com", "gen-11", "pw")
	if !errors.Is(err, ErrFreeTierExhausted) {
		t.Fatalf("got %v, want ErrFreeTierExhausted", err)
	}
	if got := store.accounts["u@example.com"].FreeCount; got != 10 {
		t.Errorf("failed free hold must not change free_count: %d", got)
	}
}

func TestAttachHoldToGeneration_NeverTouchesBalance(t *testing.T) {
	store := newStore()
	seedAccount(store, "u@example.com", 100, 40, 0)
	svc := newService(store, CreditConfig{})

	if err := svc.AttachHoldToGeneration(context.Background(), "gen-late", 40, "u@example.com"); err != nil {
		t.Fatalf("AttachHoldToGeneration: %v", err)
	}
	if got := store.accounts["u@example.com"].Held; got != 40 {
		t.Errorf("attach must not change held: %d", got)
	}
	g := store.gens["gen-late"]
	if g == nil || *g.CreditsHeld != 40 || g.Email != "u@example.com" {
		t.Errorf("attach metadata: %+v", g)
	}
}

// ---------------------------------------------------------------------------
// Finalization state machine
// ---------------------------------------------------------------------------

func TestFinalize_SuccessDeducts(t *testing.T) {
	store := newStore()
	seedAccount(store, "u@example.com", 300, 0, 0)
	svc := newService(store, CreditConfig{})
	ctx := context.Background()

	in := paidInput() // 202
	if err := svc.HoldCredits(ctx, "u@example.com", 202, "gen-1", "pw"); err != nil {
		t.Fatalf("HoldCredits: %v", err)
	}
	res, err := svc.ProcessGenerationUpdate(ctx, "gen-1", GenerationUpdate{
		Status: models.GenerationStatusSuccess,
		Raw:    &in,
	})
	if err != nil {
		t.Fatalf("ProcessGenerationUpdate: %v", err)
	}
	if !res.Processed || res.Action != models.FinalizeActionDeducted || res.Credits != 202 {
		t.Fatalf("result: %+v", res)
	}
	a := store.accounts["u@example.com"]
	if a.Credits != 98 || a.Held != 0 {
		t.Errorf("after deduct: credits=%d held=%d", a.Credits, a.Held)
	}
	g := store.gens["gen-1"]
	if !g.Finalized() || g.CreditsDeducted == nil || *g.CreditsDeducted != 202 || g.CreditsReleased != nil {
		t.Errorf("ledger after deduct: %+v", g)
	}
	checkInvariant(t, store, "u@example.com")
}

func TestFinalize_FailureReleases(t *testing.T) {
	store := newStore()
	seedAccount(store, "u@example.com", 300, 0, 0)
	svc := newService(store, CreditConfig{})
	ctx := context.Background()

	in := paidInput()
	if err := svc.HoldCredits(ctx, "u@example.com", 202, "gen-1", "pw"); err != nil {
		t.Fatalf("HoldCredits: %v", err)
	}
	res, err := svc.ProcessGenerationUpdate(ctx, "gen-1", GenerationUpdate{
		Status: models.GenerationStatusFailed,
		Raw:    &in,
	})
	if err != nil {
		t.Fatalf("ProcessGenerationUpdate: %v", err)
	}
	if !res.Processed || res.Action != models.FinalizeActionReleased {
		t.Fatalf("result: %+v", res)
	}
	a := store.accounts["u@example.com"]
	if a.Credits != 300 || a.Held != 0 {
		t.Errorf("release must not touch credits: credits=%d held=%d", a.Credits, a.Held)
	}
	g := store.gens["gen-1"]
	if !g.Finalized() || g.CreditsReleased == nil || *g.CreditsReleased != 202 || g.CreditsDeducted != nil {
		t.Errorf("ledger after release: %+v", g)
	}
}

func TestFinalize_LowercaseStatusStillDeducts(t *testing.T) {
	store := newStore()
	seedAccount(store, "u@example.com", 300, 0, 0)
	svc := newService(store, CreditConfig{})
	ctx := context.Background()

	in := paidInput()
	if err := svc.HoldCredits(ctx, "u@example.com", 202, "gen-1", "pw"); err != nil {
		t.Fatalf("HoldCredits: %v", err)
	}
	res, err := svc.ProcessGenerationUpdate(ctx, "gen-1", GenerationUpdate{Status: "success", Raw: &in})
	if err != nil {
		t.Fatalf("ProcessGenerationUpdate: %v", err)
	}
	if !res.Processed || res.Action != models.FinalizeActionDeducted {
		t.Fatalf("lowercase success must still deduct: %+v", res)
	}
	a := store.accounts["u@example.com"]
	if a.Credits != 98 || a.Held != 0 {
		t.Errorf("after deduct: credits=%d held=%d", a.Credits, a.Held)
	}
	if got := store.gens["gen-1"].Status; got != models.GenerationStatusSuccess {
		t.Errorf("status must be stored normalized: %q", got)
	}
	checkInvariant(t, store, "u@example.com")
}

func TestFinalize_IdempotentAgainstRetries(t *testing.T) {
	store := newStore()
	seedAccount(store, "u@example.com", 300, 0, 0)
	svc := newService(store, CreditConfig{})
	ctx := context.Background()

	in := paidInput()
	if err := svc.HoldCredits(ctx, "u@example.com", 202, "gen-1", "pw"); err != nil {
		t.Fatalf("HoldCredits: %v", err)
	}
	if _, err := svc.ProcessGenerationUpdate(ctx, "gen-1", GenerationUpdate{Status: models.GenerationStatusSuccess, Raw: &in}); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	snapshot := *store.accounts["u@example.com"]

	// Same payload retried.
	res, err := svc.ProcessGenerationUpdate(ctx, "gen-1", GenerationUpdate{Status: models.GenerationStatusSuccess, Raw: &in})
	if err != nil {
		t.Fatalf("retry finalize: %v", err)
	}
	if res.Processed || res.Reason != "already_finalized" {
		t.Errorf("retry result: %+v", res)
	}

	// A late, contradictory payload must also be ignored.
	res, err = svc.ProcessGenerationUpdate(ctx, "gen-1", GenerationUpdate{Status: models.GenerationStatusFailed, Raw: &in})
	if err != nil {
		t.Fatalf("contradictory finalize: %v", err)
	}
	if res.Processed {
		t.Errorf("contradictory retry result: %+v", res)
	}

	if got := *store.accounts["u@example.com"]; got != snapshot {
		t.Errorf("account changed by retries: %+v vs %+v", got, snapshot)
	}
}

func TestFinalize_NoEmailKeepsJobOpen(t *testing.T) {
	store := newStore()
	svc := newService(store, CreditConfig{})
	ctx := context.Background()

	res, err := svc.ProcessGenerationUpdate(ctx, "gen-orphan", GenerationUpdate{
		Status: models.GenerationStatusSuccess,
		Output: json.RawMessage(`{"video_url":"https://cdn/x.mp4"}`),
	})
	if err != nil {
		t.Fatalf("ProcessGenerationUpdate: %v", err)
	}
	if res.Processed || res.Reason != "no_email" {
		t.Fatalf("result: %+v", res)
	}
	g := store.gens["gen-orphan"]
	if g == nil || g.Finalized() {
		t.Fatalf("orphan update must persist without finalizing: %+v", g)
	}
	if len(g.Output) == 0 {
		t.Error("raw update should be kept for later reconciliation")
	}

	// A later delivery that carries the email settles the job.
	in := paidInput()
	in.DeliveryEmail = "u@example.com"
	seedAccount(store, "u@example.com", 300, 202, 0)
	res, err = svc.ProcessGenerationUpdate(ctx, "gen-orphan", GenerationUpdate{
		Status: models.GenerationStatusSuccess,
		Email:  "u@example.com",
		Raw:    &in,
	})
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if !res.Processed || res.Action != models.FinalizeActionDeducted {
		t.Errorf("second update result: %+v", res)
	}
}

func TestFinalize_WithoutPriorHold(t *testing.T) {
	store := newStore()
	seedAccount(store, "u@example.com", 250, 0, 0)
	svc := newService(store, CreditConfig{})

	// Worker reports completion for a job the ledger never saw; the
	// cost is recomputed from the payload's raw input.
	in := paidInput()
	in.DeliveryEmail = "u@example.com"
	res, err := svc.ProcessGenerationUpdate(context.Background(), "gen-unseen", GenerationUpdate{
		Status: models.GenerationStatusSuccess,
		Raw:    &in,
	})
	if err != nil {
		t.Fatalf("ProcessGenerationUpdate: %v", err)
	}
	if !res.Processed || res.Credits != 202 {
		t.Fatalf("result: %+v", res)
	}
	a := store.accounts["u@example.com"]
	if a.Credits != 48 || a.Held != 0 {
		t.Errorf("after deduct without hold: credits=%d held=%d", a.Credits, a.Held)
	}
	checkInvariant(t, store, "u@example.com")
}

func TestFinalize_DeductClampsAtZero(t *testing.T) {
	store := newStore()
	seedAccount(store, "u@example.com", 100, 100, 0)
	svc := newService(store, CreditConfig{})

	in := paidInput() // 202 > balance
	in.DeliveryEmail = "u@example.com"
	res, err := svc.ProcessGenerationUpdate(context.Background(), "gen-big", GenerationUpdate{
		Status: models.GenerationStatusSuccess,
		Raw:    &in,
	})
	if err != nil {
		t.Fatalf("ProcessGenerationUpdate: %v", err)
	}
	if !res.Processed {
		t.Fatalf("result: %+v", res)
	}
	a := store.accounts["u@example.com"]
	if a.Credits != 0 || a.Held != 0 {
		t.Errorf("clamped deduct: credits=%d held=%d", a.Credits, a.Held)
	}
	checkInvariant(t, store, "u@example.com")
}

// ---------------------------------------------------------------------------
// Payment application
// ---------------------------------------------------------------------------

func TestAddCredits_AppliesAndDeduplicates(t *testing.T) {
	store := newStore()
	svc := newService(store, CreditConfig{})
	ctx := context.Background()

	res, err := svc.AddCredits(ctx, "u@example.com", 25, "pay-1")
	if err != nil {
		t.Fatalf("AddCredits: %v", err)
	}
	if !res.Applied || res.Credits != 25 {
		t.Fatalf("first apply: %+v", res)
	}
	a := store.accounts["u@example.com"]
	if a.Credits != 25 || a.LastPaymentID == nil || *a.LastPaymentID != "pay-1" {
		t.Fatalf("account after apply: %+v", a)
	}

	res, err = svc.AddCredits(ctx, "u@example.com", 25, "pay-1")
	if err != nil {
		t.Fatalf("duplicate AddCredits: %v", err)
	}
	if res.Applied || res.Reason != "duplicate" {
		t.Errorf("duplicate apply: %+v", res)
	}
	if got := store.accounts["u@example.com"].Credits; got != 25 {
		t.Errorf("duplicate must not double-grant: %d", got)
	}
}

func TestAddCredits_DetectsOldReplays(t *testing.T) {
	store := newStore()
	svc := newService(store, CreditConfig{})
	ctx := context.Background()

	if _, err := svc.AddCredits(ctx, "u@example.com", 10, "pay-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AddCredits(ctx, "u@example.com", 10, "pay-2"); err != nil {
		t.Fatal(err)
	}

	// pay-1 is no longer the last payment id but must still be refused.
	res, err := svc.AddCredits(ctx, "u@example.com", 10, "pay-1")
	if err != nil {
		t.Fatalf("replay AddCredits: %v", err)
	}
	if res.Applied {
		t.Errorf("stale replay applied: %+v", res)
	}
	if got := store.accounts["u@example.com"].Credits; got != 20 {
		t.Errorf("credits after replay: %d", got)
	}
}

func TestAddCredits_Validation(t *testing.T) {
	svc := newService(newStore(), CreditConfig{})
	ctx := context.Background()

	if _, err := svc.AddCredits(ctx, "", 10, "pay-1"); err == nil {
		t.Error("empty email should be rejected")
	}
	if _, err := svc.AddCredits(ctx, "u@example.com", 0, "pay-1"); err == nil {
		t.Error("zero credits should be rejected")
	}
	if _, err := svc.AddCredits(ctx, "u@example.com", 10, ""); err == nil {
		t.Error("empty payment id should be rejected")
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestHoldCredits_ConcurrentHoldsNeverOverspend(t *testing.T) {
	const n = 8
	const perHold = 10

	store := newStore()
	seedAccount(store, "u@example.com", n*perHold, 0, 0)
	svc := newService(store, CreditConfig{})

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.HoldCredits(context.Background(), "u@example.com", perHold, genID(i), "pw")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("hold %d failed: %v", i, err)
		}
	}
	a := store.accounts["u@example.com"]
	if a.Held != n*perHold {
		t.Errorf("held after %d concurrent holds: %d", n, a.Held)
	}
	checkInvariant(t, store, "u@example.com")

	// One more hold must now fail: the account is fully reserved.
	if err := svc.HoldCredits(context.Background(), "u@example.com", perHold, "gen-extra", "pw"); !errors.Is(err, ErrInsufficientCredits) {
		t.Errorf("overspend hold: got %v, want ErrInsufficientCredits", err)
	}
}

func TestConcurrentFinalizeSingleSettlement(t *testing.T) {
	store := newStore()
	seedAccount(store, "u@example.com", 300, 202, 0)
	svc := newService(store, CreditConfig{})

	in := paidInput()
	in.DeliveryEmail = "u@example.com"
	zero := 202
	store.gens["gen-1"] = &models.Generation{ID: "gen-1", Email: "u@example.com", CreditsHeld: &zero, CreditsHeldBy: "u@example.com"}

	const n = 6
	var wg sync.WaitGroup
	results := make([]FinalizeResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = svc.ProcessGenerationUpdate(context.Background(), "gen-1", GenerationUpdate{
				Status: models.GenerationStatusSuccess,
				Raw:    &in,
			})
		}(i)
	}
	wg.Wait()

	processed := 0
	for _, r := range results {
		if r.Processed {
			processed++
		}
	}
	if processed != 1 {
		t.Errorf("exactly one finalize must win, got %d", processed)
	}
	a := store.accounts["u@example.com"]
	if a.Credits != 98 || a.Held != 0 {
		t.Errorf("after concurrent finalize: credits=%d held=%d", a.Credits, a.Held)
	}
	checkInvariant(t, store, "u@example.com")
}

func TestHoldCredits_ConcurrentSameJobReservesOnce(t *testing.T) {
	store := newStore()
	seedAccount(store, "u@example.com", 400, 0, 0)
	svc := newService(store, CreditConfig{})

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = svc.HoldCredits(context.Background(), "u@example.com", 202, "gen-dup", "pw")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("hold %d failed: %v", i, err)
		}
	}
	if got := store.accounts["u@example.com"].Held; got != 202 {
		t.Errorf("held after concurrent holds for one job: %d, want 202", got)
	}
	checkInvariant(t, store, "u@example.com")
}

func TestConcurrentFinalizeWithoutPriorHold(t *testing.T) {
	store := newStore()
	seedAccount(store, "u@example.com", 500, 0, 0)
	svc := newService(store, CreditConfig{})

	// The ledger has never seen this id; concurrent deliveries must
	// still settle it exactly once.
	in := paidInput() // 202
	in.DeliveryEmail = "u@example.com"

	const n = 4
	var wg sync.WaitGroup
	results := make([]FinalizeResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = svc.ProcessGenerationUpdate(context.Background(), "gen-unseen", GenerationUpdate{
				Status: models.GenerationStatusSuccess,
				Raw:    &in,
			})
		}(i)
	}
	wg.Wait()

	processed := 0
	for _, r := range results {
		if r.Processed {
			processed++
		}
	}
	if processed != 1 {
		t.Errorf("job with no prior ledger entry settled %d times, want 1", processed)
	}
	a := store.accounts["u@example.com"]
	if a.Credits != 298 || a.Held != 0 {
		t.Errorf("after concurrent finalize of unseen job: credits=%d held=%d", a.Credits, a.Held)
	}
	checkInvariant(t, store, "u@example.com")
}

func genID(i int) string {
	return "gen-" + string(rune('a'+i))
}

// ---------------------------------------------------------------------------
// Balance
// ---------------------------------------------------------------------------

func TestBalance(t *testing.T) {
	store := newStore()
	seedAccount(store, "u@example.com", 100, 30, 2)
	svc := newService(store, CreditConfig{})

	b, err := svc.Balance(context.Background(), "u@example.com")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	want := Balance{Credits: 100, Held: 30, Available: 70, FreeUsed: 2}
	if b != want {
		t.Errorf("balance: got %+v, want %+v", b, want)
	}

	// Unknown accounts read as zero balances.
	b, err = svc.Balance(context.Background(), "new@example.com")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if b != (Balance{}) {
		t.Errorf("fresh balance: %+v", b)
	}
}
