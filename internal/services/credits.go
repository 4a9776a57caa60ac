package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/inreelio/backend/internal/auth"
	"github.com/inreelio/backend/internal/models"
	"github.com/inreelio/backend/internal/pricing"
)

var (
	// ErrInvalidCredential is returned when the password offered with a
	// hold request does not verify against the account.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrInsufficientCredits is returned when a hold exceeds the
	// available balance. No partial hold is ever applied.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrFreeTierExhausted is returned when a free hold would exceed
	// the account's free generation limit.
	ErrFreeTierExhausted = errors.New("free tier exhausted")
)

// CreditAccountStore is the account persistence the credit service
// needs. Balance mutations run inside a transaction: GetForUpdate locks
// the account row so concurrent holds and finalizations for the same
// email serialize.
type CreditAccountStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Get(ctx context.Context, email string) (*models.CreditAccount, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, email string) (*models.CreditAccount, error)
	Update(ctx context.Context, tx pgx.Tx, a *models.CreditAccount) error
	MarkPaymentApplied(ctx context.Context, tx pgx.Tx, email, paymentID string, credits int) (bool, error)
}

// GenerationLedgerStore persists per-job hold and finalization state.
// GetForUpdate creates the row when absent, so the lock it takes is
// effective even for ids the ledger has never seen.
type GenerationLedgerStore interface {
	Get(ctx context.Context, id string) (*models.Generation, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (*models.Generation, error)
	Upsert(ctx context.Context, tx pgx.Tx, g *models.Generation) error
}

// CredentialGate verifies (or enrolls) the password offered with a
// user-initiated credit mutation.
type CredentialGate interface {
	EnsureCredential(ctx context.Context, email, password string) (auth.CredentialStatus, error)
}

// CreditConfig carries the operational knobs of the credit service.
type CreditConfig struct {
	// DisableFreeTier is the kill-switch: when set, no input qualifies
	// as free regardless of its parameters.
	DisableFreeTier bool
	// FreeGenerationLimit is the number of free generations each
	// account may consume. Zero means use the default.
	FreeGenerationLimit int
}

const defaultFreeGenerationLimit = 10

func (c CreditConfig) freeLimit() int {
	if c.FreeGenerationLimit > 0 {
		return c.FreeGenerationLimit
	}
	return defaultFreeGenerationLimit
}

// Admission is the outcome of an admission check. When not allowed the
// numeric fields let the caller present required vs available without
// a second round trip.
type Admission struct {
	Allowed          bool `json:"allowed"`
	Free             bool `json:"free"`
	RequiredCredits  int  `json:"required_credits"`
	AvailableCredits int  `json:"available_credits"`
}

// ApplyResult is the outcome of a payment application.
type ApplyResult struct {
	Applied bool   `json:"applied"`
	Reason  string `json:"reason,omitempty"`
	Credits int    `json:"credits,omitempty"`
}

// FinalizeResult is the outcome of a finalization attempt. Processed is
// false for idempotent no-ops and unresolved identities; those are
// normal control flow, not errors.
type FinalizeResult struct {
	Processed bool   `json:"processed"`
	Reason    string `json:"reason,omitempty"`
	Action    string `json:"action,omitempty"`
	Credits   int    `json:"credits,omitempty"`
}

// Balance is the account view returned to the owner.
type Balance struct {
	Credits   int `json:"credits"`
	Held      int `json:"held"`
	Available int `json:"available"`
	FreeUsed  int `json:"free_used"`
}

// GenerationUpdate is the job-status payload the worker reports back
// with. Raw carries the original pricing input when the ledger entry
// doesn't have one.
type GenerationUpdate struct {
	Status string          `json:"status"`
	Email  string          `json:"delivery_email,omitempty"`
	Raw    *pricing.Input  `json:"raw,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
}

// CreditService is the single writer of account and ledger state. It
// owns admission control, hold placement, payment application, and the
// exactly-once finalization of each job's hold.
type CreditService struct {
	accounts CreditAccountStore
	ledger   GenerationLedgerStore
	gate     CredentialGate
	cfg      CreditConfig
	log      *slog.Logger
}

func NewCreditService(accounts CreditAccountStore, ledger GenerationLedgerStore, gate CredentialGate, cfg CreditConfig, log *slog.Logger) *CreditService {
	if log == nil {
		log = slog.Default()
	}
	return &CreditService{accounts: accounts, ledger: ledger, gate: gate, cfg: cfg, log: log}
}

// CanGenerate is the advisory admission check. It does not reserve
// anything: HoldCredits is the reservation and must follow promptly.
func (s *CreditService) CanGenerate(ctx context.Context, email string, in pricing.Input) (Admission, error) {
	required := pricing.RequiredCredits(in)

	acc, err := s.accounts.Get(ctx, email)
	if err != nil {
		return Admission{}, fmt.Errorf("load account: %w", err)
	}
	available := acc.Available()

	if !s.cfg.DisableFreeTier && pricing.FreeTier(in) && acc.FreeCount < s.cfg.freeLimit() {
		return Admission{Allowed: true, Free: true, RequiredCredits: 0, AvailableCredits: available}, nil
	}
	if available >= required {
		return Admission{Allowed: true, RequiredCredits: required, AvailableCredits: available}, nil
	}
	return Admission{Allowed: false, RequiredCredits: required, AvailableCredits: available}, nil
}

// HoldCredits reserves amount credits against the account for jobID.
// The password must verify (or enroll, first-write-wins) before any
// balance is touched. A second call for the same jobID is a no-op.
func (s *CreditService) HoldCredits(ctx context.Context, email string, amount int, generationID, password string) error {
	if email == "" || generationID == "" {
		return errors.New("email and generation id required")
	}
	if amount < 0 {
		return errors.New("negative hold amount")
	}
	status, err := s.gate.EnsureCredential(ctx, email, password)
	if err != nil {
		return fmt.Errorf("verify credential: %w", err)
	}
	if status == auth.CredentialRejected {
		return ErrInvalidCredential
	}

	tx, err := s.accounts.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	gen, err := s.ledger.GetForUpdate(ctx, tx, generationID)
	if err != nil {
		return err
	}
	if gen.HoldRecorded() {
		// Never double-reserve for the same job.
		return tx.Commit(ctx)
	}

	acc, err := s.accounts.GetForUpdate(ctx, tx, email)
	if err != nil {
		return err
	}
	if acc.Available() < amount {
		return ErrInsufficientCredits
	}
	acc.Held += amount
	if err := s.accounts.Update(ctx, tx, acc); err != nil {
		return err
	}

	now := time.Now()
	gen.Email = email
	gen.CreditsHeld = &amount
	gen.CreditsHeldBy = email
	gen.CreditsHoldAt = &now
	if err := s.ledger.Upsert(ctx, tx, gen); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// HoldFreeGeneration consumes one free-tier slot for jobID. The ledger
// entry gets a zero-credit hold so finalization and the double-reserve
// guard work the same as for paid jobs. The counter increment is
// idempotent per job and enforced against the limit under the row
// lock, not just at admission time.
func (s *CreditService) HoldFreeGeneration(ctx context.Context, email, generationID, password string) error {
	if email == "" || generationID == "" {
		return errors.New("email and generation id required")
	}
	status, err := s.gate.EnsureCredential(ctx, email, password)
	if err != nil {
		return fmt.Errorf("verify credential: %w", err)
	}
	if status == auth.CredentialRejected {
		return ErrInvalidCredential
	}
	tx, err := s.accounts.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	gen, err := s.ledger.GetForUpdate(ctx, tx, generationID)
	if err != nil {
		return err
	}
	if gen.HoldRecorded() {
		return tx.Commit(ctx)
	}

	acc, err := s.accounts.GetForUpdate(ctx, tx, email)
	if err != nil {
		return err
	}
	if s.cfg.DisableFreeTier || acc.FreeCount >= s.cfg.freeLimit() {
		return ErrFreeTierExhausted
	}
	acc.FreeCount++
	if err := s.accounts.Update(ctx, tx, acc); err != nil {
		return err
	}

	zero := 0
	now := time.Now()
	gen.Email = email
	gen.CreditsHeld = &zero
	gen.CreditsHeldBy = email
	gen.CreditsHoldAt = &now
	if err := s.ledger.Upsert(ctx, tx, gen); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AttachHoldToGeneration records hold metadata on a job whose id only
// became known after the hold was placed elsewhere. It never touches
// the account's held balance.
func (s *CreditService) AttachHoldToGeneration(ctx context.Context, generationID string, amount int, email string) error {
	if generationID == "" {
		return errors.New("generation id required")
	}
	tx, err := s.accounts.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	gen, err := s.ledger.GetForUpdate(ctx, tx, generationID)
	if err != nil {
		return err
	}
	if gen.HoldRecorded() {
		return tx.Commit(ctx)
	}
	now := time.Now()
	gen.Email = email
	gen.CreditsHeld = &amount
	gen.CreditsHeldBy = email
	gen.CreditsHoldAt = &now
	if err := s.ledger.Upsert(ctx, tx, gen); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AddCredits grants credits for a payment. The payment id is logged in
// applied_payments, so a replayed payment event is a no-op no matter
// how many other payments landed in between.
func (s *CreditService) AddCredits(ctx context.Context, email string, credits int, paymentID string) (ApplyResult, error) {
	if email == "" {
		return ApplyResult{}, errors.New("email required")
	}
	if credits <= 0 {
		return ApplyResult{}, errors.New("non-positive credit grant")
	}
	if paymentID == "" {
		return ApplyResult{}, errors.New("payment id required")
	}
	tx, err := s.accounts.Begin(ctx)
	if err != nil {
		return ApplyResult{}, err
	}
	defer tx.Rollback(ctx)

	acc, err := s.accounts.GetForUpdate(ctx, tx, email)
	if err != nil {
		return ApplyResult{}, err
	}
	fresh, err := s.accounts.MarkPaymentApplied(ctx, tx, email, paymentID, credits)
	if err != nil {
		return ApplyResult{}, err
	}
	if !fresh {
		return ApplyResult{Applied: false, Reason: "duplicate"}, tx.Commit(ctx)
	}
	acc.Credits += credits
	acc.LastPaymentID = &paymentID
	if err := s.accounts.Update(ctx, tx, acc); err != nil {
		return ApplyResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ApplyResult{}, err
	}
	s.log.Info("credits applied", "email", email, "credits", credits, "payment_id", paymentID)
	return ApplyResult{Applied: true, Credits: credits}, nil
}

// ProcessGenerationUpdate finalizes the job's hold exactly once.
// SUCCESS and PARTIAL_SUCCESS deduct the recomputed cost from both
// credits and held; every other terminal status releases the hold
// without touching credits. Duplicate and out-of-order deliveries
// short-circuit on the finalized timestamp.
func (s *CreditService) ProcessGenerationUpdate(ctx context.Context, generationID string, update GenerationUpdate) (FinalizeResult, error) {
	if generationID == "" {
		return FinalizeResult{}, errors.New("generation id required")
	}
	tx, err := s.accounts.Begin(ctx)
	if err != nil {
		return FinalizeResult{}, err
	}
	defer tx.Rollback(ctx)

	gen, err := s.ledger.GetForUpdate(ctx, tx, generationID)
	if err != nil {
		return FinalizeResult{}, err
	}
	if gen.Finalized() {
		return FinalizeResult{Processed: false, Reason: "already_finalized"}, tx.Commit(ctx)
	}

	// Workers are not consistent about status casing.
	status := strings.ToUpper(strings.TrimSpace(update.Status))

	// Resolve the pricing input: ledger first, payload second. The
	// cost is recomputed rather than trusting the held amount so a
	// missing hold record still settles correctly.
	var in pricing.Input
	haveInput := false
	if len(gen.RawInput) > 0 {
		if err := json.Unmarshal(gen.RawInput, &in); err == nil {
			haveInput = true
		}
	}
	if !haveInput && update.Raw != nil {
		in = *update.Raw
		haveInput = true
		raw, err := json.Marshal(update.Raw)
		if err == nil {
			gen.RawInput = raw
		}
	}

	email := gen.Email
	if email == "" {
		email = update.Email
	}
	if email == "" && haveInput {
		email = in.DeliveryEmail
	}

	if status != "" {
		gen.Status = status
	}
	if len(update.Output) > 0 {
		gen.Output = update.Output
	}

	if email == "" {
		// Keep the raw update around for a later delivery that does
		// identify the owner.
		if err := s.ledger.Upsert(ctx, tx, gen); err != nil {
			return FinalizeResult{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return FinalizeResult{}, err
		}
		s.log.Warn("generation update without resolvable email", "generation_id", generationID, "status", status)
		return FinalizeResult{Processed: false, Reason: "no_email"}, nil
	}
	gen.Email = email

	required := 0
	if haveInput {
		required = pricing.RequiredCredits(in)
	} else if gen.CreditsHeld != nil {
		required = *gen.CreditsHeld
	}

	acc, err := s.accounts.GetForUpdate(ctx, tx, email)
	if err != nil {
		return FinalizeResult{}, err
	}

	now := time.Now()
	result := FinalizeResult{Processed: true, Credits: required}
	switch status {
	case models.GenerationStatusSuccess, models.GenerationStatusPartialSuccess:
		acc.Credits -= required
		if acc.Credits < 0 {
			acc.Credits = 0
		}
		acc.Held -= required
		if acc.Held < 0 {
			acc.Held = 0
		}
		if acc.Held > acc.Credits {
			acc.Held = acc.Credits
		}
		gen.CreditsDeducted = &required
		result.Action = models.FinalizeActionDeducted
	default:
		release := required
		if acc.Held < release {
			release = acc.Held
		}
		acc.Held -= release
		gen.CreditsReleased = &required
		result.Action = models.FinalizeActionReleased
	}
	gen.CreditsFinalizedAt = &now

	if err := s.accounts.Update(ctx, tx, acc); err != nil {
		return FinalizeResult{}, err
	}
	if err := s.ledger.Upsert(ctx, tx, gen); err != nil {
		return FinalizeResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return FinalizeResult{}, err
	}
	s.log.Info("generation finalized", "generation_id", generationID, "action", result.Action, "credits", required, "status", status)
	return result, nil
}

// Balance returns the owner's balance view.
func (s *CreditService) Balance(ctx context.Context, email string) (Balance, error) {
	acc, err := s.accounts.Get(ctx, email)
	if err != nil {
		return Balance{}, err
	}
	return Balance{
		Credits:   acc.Credits,
		Held:      acc.Held,
		Available: acc.Available(),
		FreeUsed:  acc.FreeCount,
	}, nil
}
