// Package orchestrator drives the receipt workflow: a fixed four-step state
// machine (interpret, estimate, track, recommend) whose position lives in
// the store, not in memory. Every transition is recorded as a step result
// before the run advances, so an interrupted run can be resumed from its
// last completed step.
package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pantryd/pantryd/internal/invoke"
	"github.com/pantryd/pantryd/internal/storage"
	"github.com/pantryd/pantryd/internal/workers"
)

// ErrInvalidReceipt is returned by StartRun when the submitted receipt
// cannot possibly be processed. Mapped to 400 by the API.
var ErrInvalidReceipt = errors.New("invalid receipt")

// ErrNoInventory is returned by Recommend when there are no grocery items
// to cook from.
var ErrNoInventory = errors.New("no grocery items available")

// stepSeq fixes each step's position in the pipeline.
var stepSeq = map[string]int{
	workers.StepInterpret: 1,
	workers.StepEstimate:  2,
	workers.StepTrack:     3,
	workers.StepRecommend: 4,
}

// Store is the persistence the orchestrator depends on.
type Store interface {
	CreateRun(run storage.WorkflowRun) error
	UpdateRunStatus(runID, status string, finishedAt time.Time) error
	GetRun(runID string) (storage.WorkflowRun, error)
	RecordStepResult(sr storage.StepResult) error
	UnfinishedRuns() ([]string, error)
	PurgeRunsBefore(cutoff time.Time) (int, error)
	ListItems() ([]storage.GroceryItem, error)
	ListItemsExpiringWithin(days int, now time.Time) ([]storage.GroceryItem, error)
}

// Invoker runs a worker with retry and circuit breaking.
type Invoker interface {
	Invoke(ctx context.Context, runID string, worker invoke.Worker, payload []byte) (invoke.Result, error)
}

// Workers are the four step implementations, injected so tests can swap in
// fakes.
type Workers struct {
	Interpreter invoke.Worker
	Estimator   invoke.Worker
	Tracker     invoke.Worker
	Recommender invoke.Worker
}

// Options configure an Orchestrator. Zero values fall back to the defaults
// below.
type Options struct {
	// RunDeadline bounds a whole run, across all steps and retries.
	RunDeadline time.Duration
	// EstimatorConcurrency bounds the per-item estimation fan-out.
	EstimatorConcurrency int
	// Retention is how long finished runs are kept before purging.
	Retention time.Duration
	// RetentionInterval is how often the purge loop wakes up.
	RetentionInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.RunDeadline <= 0 {
		o.RunDeadline = 2 * time.Minute
	}
	if o.EstimatorConcurrency <= 0 {
		o.EstimatorConcurrency = 5
	}
	if o.Retention <= 0 {
		o.Retention = 7 * 24 * time.Hour
	}
	if o.RetentionInterval <= 0 {
		o.RetentionInterval = time.Hour
	}
}

// Receipt is one submitted receipt: a base64-encoded photo or PDF, plus an
// optional purchase date (defaults to today).
type Receipt struct {
	ImageBase64  string
	PurchaseDate string
}

// Orchestrator owns run execution. It holds no per-run state: position is
// reconstructed from persisted step results on every entry.
type Orchestrator struct {
	store   Store
	invoker Invoker
	workers Workers
	opts    Options
	logger  *slog.Logger

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(store Store, invoker Invoker, w Workers, opts Options) *Orchestrator {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:   store,
		invoker: invoker,
		workers: w,
		opts:    opts,
		logger:  slog.Default(),
		rootCtx: ctx,
		cancel:  cancel,
	}
}

// Close cancels in-flight runs and waits for them to finish recording.
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

// StartRun validates the receipt, persists a RECEIVED run, and executes the
// pipeline asynchronously. The returned run ID can be polled immediately.
func (o *Orchestrator) StartRun(ctx context.Context, receipt Receipt) (string, error) {
	if receipt.ImageBase64 == "" {
		return "", fmt.Errorf("%w: missing image", ErrInvalidReceipt)
	}
	if _, err := base64.StdEncoding.DecodeString(receipt.ImageBase64); err != nil {
		return "", fmt.Errorf("%w: image is not valid base64", ErrInvalidReceipt)
	}
	if receipt.PurchaseDate != "" {
		if _, err := time.Parse(storage.DateLayout, receipt.PurchaseDate); err != nil {
			return "", fmt.Errorf("%w: purchase_date must be YYYY-MM-DD", ErrInvalidReceipt)
		}
	}

	runID := uuid.New().String()
	now := time.Now().UTC()
	if err := o.store.CreateRun(storage.WorkflowRun{
		RunID:     runID,
		Status:    storage.RunReceived,
		CreatedAt: now,
		Deadline:  now.Add(o.opts.RunDeadline),
	}); err != nil {
		return "", fmt.Errorf("creating run: %w", err)
	}

	payload, err := json.Marshal(workers.InterpretInput{
		ImageBase64:  receipt.ImageBase64,
		PurchaseDate: receipt.PurchaseDate,
	})
	if err != nil {
		return "", err
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(runID, payload)
	}()
	return runID, nil
}

// RunStatus returns the run with its recorded step results.
func (o *Orchestrator) RunStatus(_ context.Context, runID string) (storage.WorkflowRun, error) {
	return o.store.GetRun(runID)
}

// Resume continues an interrupted run from the first step without a
// recorded success. Terminal runs are left alone. The receipt image is not
// persisted, so a run interrupted before interpretation completed cannot be
// replayed and is finalized FAILED.
func (o *Orchestrator) Resume(_ context.Context, runID string) error {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Terminal() {
		return nil
	}
	o.execute(runID, nil)
	return nil
}

// ResumeAll resumes every unfinished run, concurrently. Called once at
// startup.
func (o *Orchestrator) ResumeAll(ctx context.Context) error {
	ids, err := o.store.UnfinishedRuns()
	if err != nil {
		return fmt.Errorf("listing unfinished runs: %w", err)
	}
	for _, id := range ids {
		o.logger.Info("resuming interrupted run", "run_id", id)
		o.wg.Add(1)
		go func(id string) {
			defer o.wg.Done()
			if err := o.Resume(ctx, id); err != nil {
				o.logger.Error("resume failed", "run_id", id, "error", err)
			}
		}(id)
	}
	return nil
}

// Recommend generates recipe suggestions on demand, outside any run. With
// useExpiring, only items expiring within three days are offered to the
// model.
func (o *Orchestrator) Recommend(ctx context.Context, useExpiring bool) (workers.RecommendOutput, error) {
	var (
		items []storage.GroceryItem
		err   error
	)
	if useExpiring {
		items, err = o.store.ListItemsExpiringWithin(3, time.Now().UTC())
	} else {
		items, err = o.store.ListItems()
	}
	if err != nil {
		return workers.RecommendOutput{}, fmt.Errorf("listing items: %w", err)
	}

	names := usableItemNames(items)
	if len(names) == 0 {
		return workers.RecommendOutput{}, ErrNoInventory
	}

	payload, err := json.Marshal(workers.RecommendInput{AvailableItemNames: names})
	if err != nil {
		return workers.RecommendOutput{}, err
	}
	res, err := o.invoker.Invoke(ctx, "on-demand", o.workers.Recommender, payload)
	if err != nil {
		return workers.RecommendOutput{}, err
	}

	var output workers.RecommendOutput
	if err := json.Unmarshal(res.Output, &output); err != nil {
		return workers.RecommendOutput{}, fmt.Errorf("decoding recommendation: %w", err)
	}
	return output, nil
}

// RunRetention purges runs older than the retention window until ctx is
// cancelled.
func (o *Orchestrator) RunRetention(ctx context.Context) {
	ticker := time.NewTicker(o.opts.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-o.opts.Retention)
			n, err := o.store.PurgeRunsBefore(cutoff)
			if err != nil {
				o.logger.Error("run retention purge failed", "error", err)
				continue
			}
			if n > 0 {
				o.logger.Info("purged old runs", "count", n)
			}
		}
	}
}

// estimateStepOutput is the persisted output of the estimation step. The
// failed-item count survives restarts so a resumed run still finalizes
// DEGRADED.
type estimateStepOutput struct {
	Items       []workers.TrackCandidate `json:"items"`
	FailedItems int                      `json:"failed_items,omitempty"`
}

// execute advances the run from its persisted position to a terminal
// status. interpretPayload is nil on resume.
func (o *Orchestrator) execute(runID string, interpretPayload []byte) {
	run, err := o.store.GetRun(runID)
	if err != nil {
		o.logger.Error("loading run", "run_id", runID, "error", err)
		return
	}
	if run.Terminal() {
		return
	}

	ctx, cancel := context.WithDeadline(o.rootCtx, run.Deadline)
	defer cancel()

	completed := make(map[string]storage.StepResult, len(run.Steps))
	for _, sr := range run.Steps {
		if sr.Status == storage.StepSuccess {
			completed[sr.Step] = sr
		}
	}

	// Interpretation.
	var interpretOut workers.InterpretOutput
	if sr, ok := completed[workers.StepInterpret]; ok {
		if err := json.Unmarshal([]byte(sr.Output), &interpretOut); err != nil {
			o.logger.Error("corrupt interpret result", "run_id", runID, "error", err)
			o.finalize(runID, storage.RunFailed)
			return
		}
	} else {
		if interpretPayload == nil {
			o.logger.Warn("receipt payload lost before interpretation; cannot resume", "run_id", runID)
			o.finalize(runID, storage.RunFailed)
			return
		}
		o.setStatus(runID, storage.RunInterpreting)
		res, err := o.invoker.Invoke(ctx, runID, o.workers.Interpreter, interpretPayload)
		o.record(runID, workers.StepInterpret, res, err)
		if err != nil {
			o.finalize(runID, storage.RunFailed)
			return
		}
		if err := json.Unmarshal(res.Output, &interpretOut); err != nil {
			o.logger.Error("corrupt interpret output", "run_id", runID, "error", err)
			o.finalize(runID, storage.RunFailed)
			return
		}
	}

	// Estimation, fanned out per item. A single item's failure does not
	// fail the run; zero successes does.
	degraded := false
	var candidates []workers.TrackCandidate
	if sr, ok := completed[workers.StepEstimate]; ok {
		var est estimateStepOutput
		if err := json.Unmarshal([]byte(sr.Output), &est); err != nil {
			o.logger.Error("corrupt estimate result", "run_id", runID, "error", err)
			o.finalize(runID, storage.RunFailed)
			return
		}
		candidates, degraded = est.Items, est.FailedItems > 0
	} else {
		o.setStatus(runID, storage.RunEstimating)
		var failed, attempts int
		var estErr error
		candidates, failed, attempts, estErr = o.fanOutEstimates(ctx, runID, interpretOut.Items)
		if len(candidates) == 0 {
			o.record(runID, workers.StepEstimate, invoke.Result{Attempts: attempts}, estErr)
			o.finalize(runID, storage.RunFailed)
			return
		}
		degraded = failed > 0
		output, err := json.Marshal(estimateStepOutput{Items: candidates, FailedItems: failed})
		if err != nil {
			o.logger.Error("encoding estimate result", "run_id", runID, "error", err)
			o.finalize(runID, storage.RunFailed)
			return
		}
		o.record(runID, workers.StepEstimate, invoke.Result{Output: output, Attempts: attempts}, nil)
	}

	// Tracking. Interpretation already produced value the caller can read
	// back, so a tracking failure degrades the run instead of failing it:
	// the inventory is not persisted, but the interpreted items remain on
	// the run record.
	if _, ok := completed[workers.StepTrack]; !ok {
		o.setStatus(runID, storage.RunTracking)
		payload, err := json.Marshal(workers.TrackInput{Items: candidates})
		if err != nil {
			o.logger.Error("encoding track input", "run_id", runID, "error", err)
			o.finalize(runID, storage.RunDegraded)
			return
		}
		res, err := o.invoker.Invoke(ctx, runID, o.workers.Tracker, payload)
		o.record(runID, workers.StepTrack, res, err)
		if err != nil {
			o.finalize(runID, storage.RunDegraded)
			return
		}
	}

	// Recommendation. Inventory is already updated, so any failure past
	// this point degrades the run rather than failing it.
	if _, ok := completed[workers.StepRecommend]; !ok {
		o.setStatus(runID, storage.RunRecommending)
		items, err := o.store.ListItems()
		if err != nil {
			o.logger.Error("listing items for recommendation", "run_id", runID, "error", err)
			o.finalize(runID, storage.RunDegraded)
			return
		}
		payload, err := json.Marshal(workers.RecommendInput{AvailableItemNames: usableItemNames(items)})
		if err != nil {
			o.logger.Error("encoding recommend input", "run_id", runID, "error", err)
			o.finalize(runID, storage.RunDegraded)
			return
		}
		res, err := o.invoker.Invoke(ctx, runID, o.workers.Recommender, payload)
		o.record(runID, workers.StepRecommend, res, err)
		if err != nil {
			o.finalize(runID, storage.RunDegraded)
			return
		}
	}

	if degraded {
		o.finalize(runID, storage.RunDegraded)
		return
	}
	o.finalize(runID, storage.RunCompleted)
}

// fanOutEstimates runs one estimator invocation per item, bounded by the
// configured concurrency, and waits for all of them to settle.
func (o *Orchestrator) fanOutEstimates(ctx context.Context, runID string, items []workers.ItemCandidate) (candidates []workers.TrackCandidate, failed, attempts int, firstErr error) {
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(o.opts.EstimatorConcurrency)

	for _, item := range items {
		item := item
		g.Go(func() error {
			payload, err := json.Marshal(workers.EstimateInput{
				ItemName:     item.Name,
				PurchaseDate: item.PurchaseDate,
			})
			if err != nil {
				return err
			}
			res, err := o.invoker.Invoke(ctx, runID, o.workers.Estimator, payload)

			mu.Lock()
			defer mu.Unlock()
			attempts += res.Attempts
			if err != nil {
				failed++
				if firstErr == nil {
					firstErr = err
				}
				o.logger.Warn("item estimate failed", "run_id", runID, "item", item.Name, "error", err)
				return nil
			}

			var out workers.EstimateOutput
			if err := json.Unmarshal(res.Output, &out); err != nil {
				failed++
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			candidates = append(candidates, workers.TrackCandidate{
				Name:           item.Name,
				Quantity:       item.Quantity,
				PurchaseDate:   item.PurchaseDate,
				ExpirationDate: out.ExpirationDate,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil && firstErr == nil {
		firstErr = err
	}

	// Fan-out completion order is nondeterministic; fix the persisted
	// order.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	return candidates, failed, attempts, firstErr
}

// record persists a step's outcome. Recorded before the run advances, so a
// crash between steps never loses a completed step.
func (o *Orchestrator) record(runID, step string, res invoke.Result, stepErr error) {
	sr := storage.StepResult{
		RunID:      runID,
		Step:       step,
		Seq:        stepSeq[step],
		Attempts:   res.Attempts,
		RecordedAt: time.Now().UTC(),
	}
	if stepErr != nil {
		sr.Status = storage.StepFailed
		sr.ErrorKind = string(invoke.KindOf(stepErr))
		msg, err := json.Marshal(map[string]string{"error": stepErr.Error()})
		if err == nil {
			sr.Output = string(msg)
		}
	} else {
		sr.Status = storage.StepSuccess
		sr.Output = string(res.Output)
	}
	if err := o.store.RecordStepResult(sr); err != nil {
		o.logger.Error("recording step result", "run_id", runID, "step", step, "error", err)
	}
}

func (o *Orchestrator) setStatus(runID, status string) {
	if err := o.store.UpdateRunStatus(runID, status, time.Time{}); err != nil {
		o.logger.Error("updating run status", "run_id", runID, "status", status, "error", err)
	}
}

func (o *Orchestrator) finalize(runID, status string) {
	if err := o.store.UpdateRunStatus(runID, status, time.Now().UTC()); err != nil {
		o.logger.Error("finalizing run", "run_id", runID, "status", status, "error", err)
	}
	o.logger.Info("run finished", "run_id", runID, "status", status)
}

// usableItemNames returns the names of items still worth cooking with.
func usableItemNames(items []storage.GroceryItem) []string {
	names := make([]string, 0, len(items))
	for _, item := range items {
		if item.Status == storage.ItemExpired {
			continue
		}
		names = append(names, item.Name)
	}
	return names
}
