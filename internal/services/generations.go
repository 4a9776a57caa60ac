package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/inreelio/backend/internal/execution"
	"github.com/inreelio/backend/internal/models"
	"github.com/inreelio/backend/internal/pricing"
)

// ErrNotAdmitted is returned when admission control denies a request.
// The Admission carried alongside has the required/available numbers.
var ErrNotAdmitted = errors.New("not admitted")

// GenerationStore is the generation persistence the flow needs beyond
// what CreditService writes through the ledger.
type GenerationStore interface {
	Get(ctx context.Context, id string) (*models.Generation, error)
	SetRequest(ctx context.Context, id, email, status string, rawInput []byte) error
	UpdateStatus(ctx context.Context, id, status string) error
	ListByEmail(ctx context.Context, email string) ([]*models.Generation, error)
	SoftDelete(ctx context.Context, email, id string) error
}

// CreditGate is the slice of CreditService the generation flow uses.
type CreditGate interface {
	CanGenerate(ctx context.Context, email string, in pricing.Input) (Admission, error)
	HoldCredits(ctx context.Context, email string, amount int, generationID, password string) error
	HoldFreeGeneration(ctx context.Context, email, generationID, password string) error
	ProcessGenerationUpdate(ctx context.Context, generationID string, update GenerationUpdate) (FinalizeResult, error)
}

// InsertDispatchFunc enqueues the background dispatch job.
type InsertDispatchFunc func(ctx context.Context, args execution.DispatchGenerationArgs) error

// GenerationRequestResult is what a successful request returns to the
// caller: the job id plus the admission decision that was applied.
type GenerationRequestResult struct {
	ID        string    `json:"id"`
	Admission Admission `json:"admission"`
}

// GenerationFlow ties validation, admission, hold placement, and job
// dispatch together for incoming generation requests.
type GenerationFlow struct {
	validator      *Validator
	credits        CreditGate
	generations    GenerationStore
	insertDispatch InsertDispatchFunc
	workerURL      string
	callbackURL    string
	log            *slog.Logger
}

func NewGenerationFlow(validator *Validator, credits CreditGate, generations GenerationStore, insertDispatch InsertDispatchFunc, workerURL, callbackURL string, log *slog.Logger) *GenerationFlow {
	if log == nil {
		log = slog.Default()
	}
	return &GenerationFlow{
		validator:      validator,
		credits:        credits,
		generations:    generations,
		insertDispatch: insertDispatch,
		workerURL:      workerURL,
		callbackURL:    callbackURL,
		log:            log,
	}
}

// RequestGeneration validates the raw input, runs admission, places the
// hold (free or paid), records the request, and enqueues the dispatch
// job. A failed enqueue finalizes the job as FAILED so the hold is
// released instead of leaking.
func (f *GenerationFlow) RequestGeneration(ctx context.Context, raw json.RawMessage, password string) (GenerationRequestResult, error) {
	if err := f.validator.ValidateGenerationInput(raw); err != nil {
		return GenerationRequestResult{}, err
	}
	var in pricing.Input
	if err := json.Unmarshal(raw, &in); err != nil {
		return GenerationRequestResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	email := strings.TrimSpace(strings.ToLower(in.DeliveryEmail))
	if email == "" {
		return GenerationRequestResult{}, fmt.Errorf("%w: delivery_email required", ErrValidation)
	}
	in.DeliveryEmail = email

	adm, err := f.credits.CanGenerate(ctx, email, in)
	if err != nil {
		return GenerationRequestResult{}, err
	}
	if !adm.Allowed {
		return GenerationRequestResult{Admission: adm}, ErrNotAdmitted
	}

	id := "gen-" + uuid.NewString()
	if adm.Free {
		err = f.credits.HoldFreeGeneration(ctx, email, id, password)
	} else {
		err = f.credits.HoldCredits(ctx, email, adm.RequiredCredits, id, password)
	}
	if err != nil {
		return GenerationRequestResult{Admission: adm}, err
	}

	if err := f.generations.SetRequest(ctx, id, email, models.GenerationStatusPending, raw); err != nil {
		f.release(ctx, id, "failed to record request")
		return GenerationRequestResult{}, err
	}

	if err := f.insertDispatch(ctx, execution.DispatchGenerationArgs{
		GenerationID: id,
		WorkerURL:    f.workerURL,
		CallbackURL:  f.callbackURL,
		Payload:      raw,
	}); err != nil {
		f.release(ctx, id, "failed to enqueue dispatch")
		return GenerationRequestResult{}, fmt.Errorf("enqueue dispatch: %w", err)
	}

	f.log.Info("generation requested", "generation_id", id, "email", email, "free", adm.Free, "required_credits", adm.RequiredCredits)
	return GenerationRequestResult{ID: id, Admission: adm}, nil
}

// release finalizes the job as FAILED so its hold is given back.
func (f *GenerationFlow) release(ctx context.Context, id, reason string) {
	if _, err := f.credits.ProcessGenerationUpdate(ctx, id, GenerationUpdate{Status: models.GenerationStatusFailed}); err != nil {
		f.log.Error("failed to release hold", "generation_id", id, "reason", reason, "error", err)
	}
}

// MarkGenerationRunning records that the worker accepted the job.
// RUNNING is not terminal, so it bypasses finalization.
func (f *GenerationFlow) MarkGenerationRunning(ctx context.Context, generationID string) error {
	return f.generations.UpdateStatus(ctx, generationID, models.GenerationStatusRunning)
}

// MarkGenerationFailed finalizes the job as FAILED, releasing its hold.
func (f *GenerationFlow) MarkGenerationFailed(ctx context.Context, generationID, reason string) error {
	f.log.Warn("generation dispatch failed", "generation_id", generationID, "reason", reason)
	_, err := f.credits.ProcessGenerationUpdate(ctx, generationID, GenerationUpdate{Status: models.GenerationStatusFailed})
	return err
}

// List returns the user's generations, newest first.
func (f *GenerationFlow) List(ctx context.Context, email string) ([]*models.Generation, error) {
	return f.generations.ListByEmail(ctx, email)
}

// Delete soft-deletes one of the user's generations.
func (f *GenerationFlow) Delete(ctx context.Context, email, id string) error {
	return f.generations.SoftDelete(ctx, email, id)
}
