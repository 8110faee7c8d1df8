// Package api is the HTTP and MCP surface of the daemon: receipt
// submission, run status, inventory queries, and on-demand recipe
// recommendations.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pantryd/pantryd/internal/inference"
	"github.com/pantryd/pantryd/internal/orchestrator"
	"github.com/pantryd/pantryd/internal/storage"
	"github.com/pantryd/pantryd/internal/workers"
)

// Receipt images are photos or PDFs; 10MB covers both comfortably.
const maxReceiptBodySize = 10 << 20

// RunService is what the handlers need from the orchestrator.
type RunService interface {
	StartRun(ctx context.Context, receipt orchestrator.Receipt) (string, error)
	RunStatus(ctx context.Context, runID string) (storage.WorkflowRun, error)
	Recommend(ctx context.Context, useExpiring bool) (workers.RecommendOutput, error)
}

// InventoryStore is what the handlers need from storage.
type InventoryStore interface {
	ListItems() ([]storage.GroceryItem, error)
	ListItemsExpiringWithin(days int, now time.Time) ([]storage.GroceryItem, error)
	DeleteItem(id string) error
}

// AdmissionGauge reports inference admission pressure so the entry point
// can shed load before starting a run.
type AdmissionGauge interface {
	Saturated() bool
}

type Deps struct {
	Runs      RunService
	Inventory InventoryStore
	Gauge     AdmissionGauge
	// Token guards mutating routes when non-empty.
	Token string
}

func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Get("/receipts/{runID}", handleGetRun(deps))
	r.Get("/grocery", handleListGrocery(deps))
	r.Get("/recipes", handleRecipes(deps))

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Post("/receipts", handleSubmitReceipt(deps))
		r.Delete("/grocery/{itemID}", handleDeleteItem(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type submitReceiptRequest struct {
	ImageBase64  string `json:"image"`
	PurchaseDate string `json:"purchase_date,omitempty"`
}

func handleSubmitReceipt(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxReceiptBodySize)
		defer r.Body.Close()

		if deps.Gauge != nil && deps.Gauge.Saturated() {
			httpError(w, http.StatusServiceUnavailable, "overloaded_error", "inference capacity exhausted, retry later")
			return
		}

		var req submitReceiptRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		runID, err := deps.Runs.StartRun(r.Context(), orchestrator.Receipt{
			ImageBase64:  req.ImageBase64,
			PurchaseDate: req.PurchaseDate,
		})
		if errors.Is(err, orchestrator.ErrInvalidReceipt) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to start run: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{
			"run_id": runID,
			"status": storage.RunReceived,
		})
	}
}

// runView is the wire shape of a workflow run. Interpreted items and
// recommended recipes are lifted out of the step outputs so clients read
// them directly; a DEGRADED run still carries whatever was produced.
type runView struct {
	RunID      string           `json:"run_id"`
	Status     string           `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	Deadline   time.Time        `json:"deadline"`
	FinishedAt *time.Time       `json:"finished_at,omitempty"`
	Steps      []stepView       `json:"steps"`
	Items      []runItemView    `json:"items,omitempty"`
	Recipes    []workers.Recipe `json:"recipes,omitempty"`
}

// runItemView is one item produced by the run. Price is present when the
// item comes straight from interpretation, the expiration date once
// estimation succeeded.
type runItemView struct {
	Name           string  `json:"name"`
	Quantity       float64 `json:"quantity"`
	PurchaseDate   string  `json:"purchase_date"`
	ExpirationDate string  `json:"expiration_date,omitempty"`
	Price          float64 `json:"price,omitempty"`
}

type stepView struct {
	Step       string          `json:"step"`
	Seq        int             `json:"seq"`
	Attempts   int             `json:"attempts"`
	Status     string          `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

func handleGetRun(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runID")

		run, err := deps.Runs.RunStatus(r.Context(), runID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "run not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get run: %v", err)
			return
		}

		view := runView{
			RunID:      run.RunID,
			Status:     run.Status,
			CreatedAt:  run.CreatedAt,
			Deadline:   run.Deadline,
			FinishedAt: run.FinishedAt,
			Steps:      make([]stepView, len(run.Steps)),
		}
		for i, sr := range run.Steps {
			view.Steps[i] = stepView{
				Step:       sr.Step,
				Seq:        sr.Seq,
				Attempts:   sr.Attempts,
				Status:     sr.Status,
				Output:     json.RawMessage(sr.Output),
				ErrorKind:  sr.ErrorKind,
				RecordedAt: sr.RecordedAt,
			}
		}
		view.Items, view.Recipes = runExtras(run)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(view)
	}
}

// runExtras extracts the items and recipes a run produced from its
// successful step outputs. Estimated items win over raw interpreted ones
// because they carry expiration dates.
func runExtras(run storage.WorkflowRun) (items []runItemView, recipes []workers.Recipe) {
	outputs := make(map[string]string, len(run.Steps))
	for _, sr := range run.Steps {
		if sr.Status == storage.StepSuccess {
			outputs[sr.Step] = sr.Output
		}
	}

	if raw, ok := outputs[workers.StepEstimate]; ok {
		var est struct {
			Items []workers.TrackCandidate `json:"items"`
		}
		if json.Unmarshal([]byte(raw), &est) == nil {
			for _, c := range est.Items {
				items = append(items, runItemView{
					Name:           c.Name,
					Quantity:       c.Quantity,
					PurchaseDate:   c.PurchaseDate,
					ExpirationDate: c.ExpirationDate,
				})
			}
		}
	} else if raw, ok := outputs[workers.StepInterpret]; ok {
		var out workers.InterpretOutput
		if json.Unmarshal([]byte(raw), &out) == nil {
			for _, c := range out.Items {
				items = append(items, runItemView{
					Name:         c.Name,
					Quantity:     c.Quantity,
					PurchaseDate: c.PurchaseDate,
					Price:        c.Price,
				})
			}
		}
	}

	if raw, ok := outputs[workers.StepRecommend]; ok {
		var out workers.RecommendOutput
		if json.Unmarshal([]byte(raw), &out) == nil {
			recipes = out.Recipes
		}
	}
	return items, recipes
}

type itemView struct {
	ItemID         string  `json:"item_id"`
	Name           string  `json:"name"`
	Quantity       float64 `json:"quantity"`
	PurchaseDate   string  `json:"purchase_date"`
	ExpirationDate string  `json:"expiration_date,omitempty"`
	Status         string  `json:"status"`
}

func handleListGrocery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			items []storage.GroceryItem
			err   error
		)
		if s := r.URL.Query().Get("expiring_within_days"); s != "" {
			days, convErr := strconv.Atoi(s)
			if convErr != nil || days < 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "expiring_within_days must be a non-negative integer")
				return
			}
			items, err = deps.Inventory.ListItemsExpiringWithin(days, time.Now().UTC())
		} else {
			items, err = deps.Inventory.ListItems()
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list items: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(itemViews(items))
	}
}

func handleDeleteItem(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		itemID := chi.URLParam(r, "itemID")

		err := deps.Inventory.DeleteItem(itemID)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "item not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete item: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
	}
}

func handleRecipes(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		useExpiring := r.URL.Query().Get("use_expiring") == "true"

		output, err := deps.Runs.Recommend(r.Context(), useExpiring)
		if errors.Is(err, orchestrator.ErrNoInventory) {
			httpError(w, http.StatusNotFound, "not_found", "no grocery items available")
			return
		}
		if errors.Is(err, inference.ErrBackpressure) {
			httpError(w, http.StatusServiceUnavailable, "overloaded_error", "inference capacity exhausted, retry later")
			return
		}
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "recommendation failed: %v", err)
			return
		}

		recipes := output.Recipes
		if recipes == nil {
			recipes = []workers.Recipe{}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(recipes)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
