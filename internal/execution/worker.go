package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/riverqueue/river"
)

type DispatchGenerationArgs struct {
	GenerationID string          `json:"generation_id"`
	WorkerURL    string          `json:"worker_url"`
	CallbackURL  string          `json:"callback_url"`
	Payload      json.RawMessage `json:"payload"`
}

func (DispatchGenerationArgs) Kind() string { return "dispatch_generation" }

// GenerationService defines the contract the worker needs to report
// dispatch outcomes. A failed dispatch releases the job's credit hold.
type GenerationService interface {
	MarkGenerationRunning(ctx context.Context, generationID string) error
	MarkGenerationFailed(ctx context.Context, generationID, reason string) error
}

type DispatchGenerationWorker struct {
	river.WorkerDefaults[DispatchGenerationArgs]
	generations GenerationService
	httpClient  *http.Client
}

func NewDispatchGenerationWorker(gs GenerationService) *DispatchGenerationWorker {
	return &DispatchGenerationWorker{
		generations: gs,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (w *DispatchGenerationWorker) Work(ctx context.Context, job *river.Job[DispatchGenerationArgs]) error {
	args := job.Args

	body := map[string]json.RawMessage{
		"id":           json.RawMessage(fmt.Sprintf("%q", args.GenerationID)),
		"callback_url": json.RawMessage(fmt.Sprintf("%q", args.CallbackURL)),
		"inputs":       args.Payload,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return w.failGeneration(ctx, args.GenerationID, fmt.Sprintf("failed to encode request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, args.WorkerURL, bytes.NewReader(raw))
	if err != nil {
		return w.failGeneration(ctx, args.GenerationID, fmt.Sprintf("failed to create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("network error calling video worker: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return w.failGeneration(ctx, args.GenerationID, fmt.Sprintf("video worker returned non-200 status: %d", resp.StatusCode))
	}

	if err := w.generations.MarkGenerationRunning(ctx, args.GenerationID); err != nil {
		return fmt.Errorf("failed to mark generation running: %w", err)
	}
	return nil
}

func (w *DispatchGenerationWorker) failGeneration(ctx context.Context, generationID, reason string) error {
	markErr := w.generations.MarkGenerationFailed(ctx, generationID, reason)
	if markErr != nil {
		return fmt.Errorf("dispatch failed (%s) AND failed to mark generation failed: %w", reason, markErr)
	}
	return nil
}
