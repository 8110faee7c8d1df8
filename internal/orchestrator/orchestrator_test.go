package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pantryd/pantryd/internal/inference"
	"github.com/pantryd/pantryd/internal/invoke"
	"github.com/pantryd/pantryd/internal/recipecache"
	"github.com/pantryd/pantryd/internal/storage"
	"github.com/pantryd/pantryd/internal/workers"
)

const testRecipeJSON = `{"recipes": [
	{"name": "Milk Toast", "ingredients": ["whole milk", "bread"], "instructions": "Soak.", "cooking_time_minutes": 5}
]}`

type stubGateway struct {
	interpretText string
	interpretErr  error
	recommendText string
	recommendErr  error
}

func (g *stubGateway) Interpret(_ context.Context, _, _ string) (string, error) {
	return g.interpretText, g.interpretErr
}

func (g *stubGateway) Recommend(_ context.Context, _ string) (string, error) {
	return g.recommendText, g.recommendErr
}

// stubWorker swaps in for any pipeline step. Call counting is atomic
// because the estimation fan-out invokes workers concurrently.
type stubWorker struct {
	name  string
	fn    func(ctx context.Context, payload []byte) ([]byte, error)
	calls atomic.Int32
}

func (w *stubWorker) Name() string { return w.name }

func (w *stubWorker) Run(ctx context.Context, payload []byte) ([]byte, error) {
	w.calls.Add(1)
	return w.fn(ctx, payload)
}

func succeedWith(name, output string) *stubWorker {
	return &stubWorker{name: name, fn: func(context.Context, []byte) ([]byte, error) {
		return []byte(output), nil
	}}
}

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestInvoker() *invoke.Client {
	return invoke.New(invoke.Options{
		StepTimeout:      time.Second,
		MaxAttempts:      3,
		BreakerThreshold: 100,
		InitialBackoff:   time.Millisecond,
	})
}

func realWorkers(store *storage.Store, gateway *stubGateway) Workers {
	return Workers{
		Interpreter: workers.NewInterpreter(gateway),
		Estimator:   workers.NewEstimator(),
		Tracker:     workers.NewTracker(store),
		Recommender: workers.NewRecommender(gateway, recipecache.NewMemory(), time.Minute),
	}
}

func waitTerminal(t *testing.T, o *Orchestrator, runID string) storage.WorkflowRun {
	t.Helper()
	require.Eventually(t, func() bool {
		run, err := o.RunStatus(context.Background(), runID)
		return err == nil && run.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	run, err := o.RunStatus(context.Background(), runID)
	require.NoError(t, err)
	return run
}

func stepByName(run storage.WorkflowRun, name string) (storage.StepResult, bool) {
	for _, sr := range run.Steps {
		if sr.Step == name {
			return sr, true
		}
	}
	return storage.StepResult{}, false
}

func receipt(text string) Receipt {
	return Receipt{
		ImageBase64:  base64.StdEncoding.EncodeToString([]byte(text)),
		PurchaseDate: "2024-01-01",
	}
}

func TestRunHappyPath(t *testing.T) {
	store := newTestStore(t)
	gateway := &stubGateway{
		interpretText: "Whole Milk $3.49\nBread 2.50",
		recommendText: testRecipeJSON,
	}
	o := New(store, newTestInvoker(), realWorkers(store, gateway), Options{})
	defer o.Close()

	runID, err := o.StartRun(context.Background(), receipt("receipt photo bytes"))
	require.NoError(t, err)

	run := waitTerminal(t, o, runID)
	require.Equal(t, storage.RunCompleted, run.Status)
	require.NotNil(t, run.FinishedAt)

	require.Len(t, run.Steps, 4)
	for i, step := range []string{workers.StepInterpret, workers.StepEstimate, workers.StepTrack, workers.StepRecommend} {
		require.Equal(t, step, run.Steps[i].Step)
		require.Equal(t, storage.StepSuccess, run.Steps[i].Status)
		require.Equal(t, i+1, run.Steps[i].Seq)
	}

	items, err := store.ListItems()
	require.NoError(t, err)
	require.Len(t, items, 2)

	// Milk: 7-day shelf life from the purchase date.
	milk, err := store.GetItem(storage.ItemID("Whole Milk", date(t, "2024-01-01")))
	require.NoError(t, err)
	require.NotNil(t, milk.ExpirationDate)
	require.Equal(t, "2024-01-08", milk.ExpirationDate.Format(storage.DateLayout))

	recommend, ok := stepByName(run, workers.StepRecommend)
	require.True(t, ok)
	var out workers.RecommendOutput
	require.NoError(t, json.Unmarshal([]byte(recommend.Output), &out))
	require.Len(t, out.Recipes, 1)
	require.Equal(t, "Milk Toast", out.Recipes[0].Name)
}

func TestRunPartialEstimateFailureDegrades(t *testing.T) {
	store := newTestStore(t)
	gateway := &stubGateway{
		interpretText: "Whole Milk $3.49\nMystery Goo 1.00",
		recommendText: testRecipeJSON,
	}

	w := realWorkers(store, gateway)
	w.Estimator = &stubWorker{name: workers.StepEstimate, fn: func(_ context.Context, payload []byte) ([]byte, error) {
		var input workers.EstimateInput
		if err := json.Unmarshal(payload, &input); err != nil {
			return nil, invoke.Permanent(err)
		}
		if input.ItemName == "Mystery Goo" {
			return nil, invoke.Permanentf("unestimable item")
		}
		return workers.NewEstimator().Run(context.Background(), payload)
	}}

	o := New(store, newTestInvoker(), w, Options{})
	defer o.Close()

	runID, err := o.StartRun(context.Background(), receipt("img"))
	require.NoError(t, err)

	run := waitTerminal(t, o, runID)
	require.Equal(t, storage.RunDegraded, run.Status)

	// The estimate step still succeeds with the surviving item, and the
	// failure count is persisted.
	estimate, ok := stepByName(run, workers.StepEstimate)
	require.True(t, ok)
	require.Equal(t, storage.StepSuccess, estimate.Status)
	var est estimateStepOutput
	require.NoError(t, json.Unmarshal([]byte(estimate.Output), &est))
	require.Len(t, est.Items, 1)
	require.Equal(t, 1, est.FailedItems)

	items, err := store.ListItems()
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "Whole Milk", items[0].Name)
}

func TestRunAllEstimatesFailedFails(t *testing.T) {
	store := newTestStore(t)
	gateway := &stubGateway{interpretText: "Mystery Goo 1.00"}

	w := realWorkers(store, gateway)
	w.Estimator = &stubWorker{name: workers.StepEstimate, fn: func(context.Context, []byte) ([]byte, error) {
		return nil, invoke.Permanentf("unestimable item")
	}}

	o := New(store, newTestInvoker(), w, Options{})
	defer o.Close()

	runID, err := o.StartRun(context.Background(), receipt("img"))
	require.NoError(t, err)

	run := waitTerminal(t, o, runID)
	require.Equal(t, storage.RunFailed, run.Status)

	estimate, ok := stepByName(run, workers.StepEstimate)
	require.True(t, ok)
	require.Equal(t, storage.StepFailed, estimate.Status)
	require.Equal(t, string(invoke.KindPermanent), estimate.ErrorKind)
}

func TestRunTrackFailureDegrades(t *testing.T) {
	store := newTestStore(t)
	gateway := &stubGateway{interpretText: "Whole Milk $3.49\nBread 2.50"}

	w := realWorkers(store, gateway)
	w.Tracker = &stubWorker{name: workers.StepTrack, fn: func(context.Context, []byte) ([]byte, error) {
		return nil, invoke.Permanentf("inventory store rejected write")
	}}

	o := New(store, newTestInvoker(), w, Options{})
	defer o.Close()

	runID, err := o.StartRun(context.Background(), receipt("img"))
	require.NoError(t, err)

	run := waitTerminal(t, o, runID)
	require.Equal(t, storage.RunDegraded, run.Status)

	// Inventory was not persisted, but the interpreted and estimated items
	// are still on the run record for the caller.
	items, err := store.ListItems()
	require.NoError(t, err)
	require.Empty(t, items)

	interpret, ok := stepByName(run, workers.StepInterpret)
	require.True(t, ok)
	require.Equal(t, storage.StepSuccess, interpret.Status)
	require.Contains(t, interpret.Output, "Whole Milk")

	estimate, ok := stepByName(run, workers.StepEstimate)
	require.True(t, ok)
	require.Equal(t, storage.StepSuccess, estimate.Status)
	require.Contains(t, estimate.Output, "2024-01-08")

	track, ok := stepByName(run, workers.StepTrack)
	require.True(t, ok)
	require.Equal(t, storage.StepFailed, track.Status)
	require.Equal(t, string(invoke.KindPermanent), track.ErrorKind)

	// Recommendation is never attempted against the stale inventory.
	_, ok = stepByName(run, workers.StepRecommend)
	require.False(t, ok)
}

func TestRunInterpretBackpressureFails(t *testing.T) {
	store := newTestStore(t)
	gateway := &stubGateway{interpretErr: inference.ErrBackpressure}

	o := New(store, newTestInvoker(), realWorkers(store, gateway), Options{})
	defer o.Close()

	runID, err := o.StartRun(context.Background(), receipt("img"))
	require.NoError(t, err)

	run := waitTerminal(t, o, runID)
	require.Equal(t, storage.RunFailed, run.Status)

	require.Len(t, run.Steps, 1)
	interpret := run.Steps[0]
	require.Equal(t, workers.StepInterpret, interpret.Step)
	require.Equal(t, storage.StepFailed, interpret.Status)
	require.Equal(t, string(invoke.KindTransient), interpret.ErrorKind)
	require.Equal(t, 3, interpret.Attempts)

	items, err := store.ListItems()
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestRunRecommendFailureDegrades(t *testing.T) {
	store := newTestStore(t)
	gateway := &stubGateway{
		interpretText: "Whole Milk $3.49",
		recommendErr:  errors.New("model unavailable"),
	}

	o := New(store, newTestInvoker(), realWorkers(store, gateway), Options{})
	defer o.Close()

	runID, err := o.StartRun(context.Background(), receipt("img"))
	require.NoError(t, err)

	run := waitTerminal(t, o, runID)
	require.Equal(t, storage.RunDegraded, run.Status)

	// Inventory was still updated before the recommendation failed.
	items, err := store.ListItems()
	require.NoError(t, err)
	require.Len(t, items, 1)

	recommend, ok := stepByName(run, workers.StepRecommend)
	require.True(t, ok)
	require.Equal(t, storage.StepFailed, recommend.Status)
}

func TestRunDeadlineFails(t *testing.T) {
	store := newTestStore(t)

	w := realWorkers(store, &stubGateway{})
	w.Interpreter = &stubWorker{name: workers.StepInterpret, fn: func(ctx context.Context, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	o := New(store, newTestInvoker(), w, Options{RunDeadline: 50 * time.Millisecond})
	defer o.Close()

	runID, err := o.StartRun(context.Background(), receipt("img"))
	require.NoError(t, err)

	run := waitTerminal(t, o, runID)
	require.Equal(t, storage.RunFailed, run.Status)
}

func TestStartRunRejectsBadReceipts(t *testing.T) {
	store := newTestStore(t)
	o := New(store, newTestInvoker(), realWorkers(store, &stubGateway{}), Options{})
	defer o.Close()

	cases := []struct {
		name    string
		receipt Receipt
	}{
		{"missing image", Receipt{}},
		{"bad base64", Receipt{ImageBase64: "!!!"}},
		{"bad purchase date", Receipt{ImageBase64: "aW1n", PurchaseDate: "January 1st"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := o.StartRun(context.Background(), tc.receipt)
			require.ErrorIs(t, err, ErrInvalidReceipt)
		})
	}
}

func TestResumeSkipsCompletedSteps(t *testing.T) {
	store := newTestStore(t)

	interpreter := &stubWorker{name: workers.StepInterpret, fn: func(context.Context, []byte) ([]byte, error) {
		return nil, invoke.Permanentf("must not be called")
	}}
	w := Workers{
		Interpreter: interpreter,
		Estimator:   workers.NewEstimator(),
		Tracker:     workers.NewTracker(store),
		Recommender: succeedWith(workers.StepRecommend, testRecipeJSON),
	}
	o := New(store, newTestInvoker(), w, Options{})
	defer o.Close()

	// An interrupted run: interpret, estimate, and track already recorded.
	now := time.Now().UTC()
	require.NoError(t, store.CreateRun(storage.WorkflowRun{
		RunID: "run-1", Status: storage.RunTracking,
		CreatedAt: now, Deadline: now.Add(time.Minute),
	}))
	seed := []struct {
		step   string
		output string
	}{
		{workers.StepInterpret, `{"items":[{"name":"Whole Milk","price":3.49,"quantity":1,"purchase_date":"2024-01-01"}]}`},
		{workers.StepEstimate, `{"items":[{"name":"Whole Milk","quantity":1,"purchase_date":"2024-01-01","expiration_date":"2024-01-08"}]}`},
		{workers.StepTrack, `{"updated_item_ids":["abc"]}`},
	}
	for _, s := range seed {
		require.NoError(t, store.RecordStepResult(storage.StepResult{
			RunID: "run-1", Step: s.step, Seq: stepSeq[s.step], Attempts: 1,
			Status: storage.StepSuccess, Output: s.output, RecordedAt: now,
		}))
	}

	require.NoError(t, o.Resume(context.Background(), "run-1"))

	run, err := o.RunStatus(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, storage.RunCompleted, run.Status)
	require.Equal(t, int32(0), interpreter.calls.Load())

	recommend, ok := stepByName(run, workers.StepRecommend)
	require.True(t, ok)
	require.Equal(t, storage.StepSuccess, recommend.Status)
}

func TestResumeWithoutPayloadFails(t *testing.T) {
	store := newTestStore(t)
	o := New(store, newTestInvoker(), realWorkers(store, &stubGateway{}), Options{})
	defer o.Close()

	// Interrupted before interpretation completed: the image is gone.
	now := time.Now().UTC()
	require.NoError(t, store.CreateRun(storage.WorkflowRun{
		RunID: "run-lost", Status: storage.RunInterpreting,
		CreatedAt: now, Deadline: now.Add(time.Minute),
	}))

	require.NoError(t, o.Resume(context.Background(), "run-lost"))

	run, err := o.RunStatus(context.Background(), "run-lost")
	require.NoError(t, err)
	require.Equal(t, storage.RunFailed, run.Status)
}

func TestResumeLeavesTerminalRunsAlone(t *testing.T) {
	store := newTestStore(t)
	o := New(store, newTestInvoker(), realWorkers(store, &stubGateway{}), Options{})
	defer o.Close()

	now := time.Now().UTC()
	require.NoError(t, store.CreateRun(storage.WorkflowRun{
		RunID: "run-done", Status: storage.RunReceived,
		CreatedAt: now, Deadline: now.Add(time.Minute),
	}))
	require.NoError(t, store.UpdateRunStatus("run-done", storage.RunCompleted, now))

	require.NoError(t, o.Resume(context.Background(), "run-done"))

	run, err := o.RunStatus(context.Background(), "run-done")
	require.NoError(t, err)
	require.Equal(t, storage.RunCompleted, run.Status)
}

func TestRecommendOnDemand(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.UpsertItem(storage.GroceryItem{
		ItemID: "a", Name: "Whole Milk", Quantity: 1,
		PurchaseDate: date(t, "2024-01-01"), Status: storage.ItemFresh,
	}, false))

	recommender := succeedWith(workers.StepRecommend, testRecipeJSON)
	w := realWorkers(store, &stubGateway{})
	w.Recommender = recommender

	o := New(store, newTestInvoker(), w, Options{})
	defer o.Close()

	out, err := o.Recommend(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, out.Recipes, 1)
	require.Equal(t, int32(1), recommender.calls.Load())
}

func TestRecommendEmptyInventory(t *testing.T) {
	store := newTestStore(t)
	o := New(store, newTestInvoker(), realWorkers(store, &stubGateway{}), Options{})
	defer o.Close()

	_, err := o.Recommend(context.Background(), false)
	require.ErrorIs(t, err, ErrNoInventory)
}

func TestRetentionPurgesOldRuns(t *testing.T) {
	store := newTestStore(t)
	o := New(store, newTestInvoker(), realWorkers(store, &stubGateway{}), Options{
		Retention:         time.Hour,
		RetentionInterval: 10 * time.Millisecond,
	})
	defer o.Close()

	old := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.CreateRun(storage.WorkflowRun{
		RunID: "run-old", Status: storage.RunCompleted,
		CreatedAt: old, Deadline: old.Add(time.Minute),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.RunRetention(ctx)

	require.Eventually(t, func() bool {
		_, err := store.GetRun("run-old")
		return errors.Is(err, storage.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

func date(t *testing.T, s string) time.Time {
	t.Helper()
	parsed, err := time.Parse(storage.DateLayout, s)
	require.NoError(t, err)
	return parsed
}
