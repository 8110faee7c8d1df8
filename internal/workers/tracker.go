package workers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/pantryd/pantryd/internal/invoke"
	"github.com/pantryd/pantryd/internal/storage"
)

// InventoryStore is the persistence the tracker depends on.
type InventoryStore interface {
	UpsertItem(item storage.GroceryItem, add bool) error
}

// Tracker persists estimated items into the inventory store. Upserts within
// one submission are serialized so concurrent item writes cannot interleave
// into a corrupted partial record. The tracker is idempotent: re-submitting
// the same candidate set after a retry leaves the store unchanged.
type Tracker struct {
	store InventoryStore
	now   func() time.Time

	mu sync.Mutex
}

func NewTracker(store InventoryStore) *Tracker {
	return &Tracker{store: store, now: time.Now}
}

func (t *Tracker) Name() string { return StepTrack }

func (t *Tracker) Run(_ context.Context, payload []byte) ([]byte, error) {
	var input TrackInput
	if err := json.Unmarshal(payload, &input); err != nil {
		return nil, invoke.Permanentf("parsing track input: %v", err)
	}
	if len(input.Items) == 0 {
		return nil, invoke.Permanentf("no items to track")
	}

	items := make([]storage.GroceryItem, 0, len(input.Items))
	now := t.now().UTC()
	for _, candidate := range input.Items {
		item, err := buildItem(candidate, now)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]string, 0, len(items))
	for _, item := range items {
		if err := t.upsertWithRetry(item, input.Add); err != nil {
			return nil, err
		}
		ids = append(ids, item.ItemID)
	}

	return json.Marshal(TrackOutput{UpdatedItemIDs: ids})
}

// upsertWithRetry retries a conflicting upsert once before surfacing the
// conflict; cross-run collisions resolve last-write-wins on retry.
func (t *Tracker) upsertWithRetry(item storage.GroceryItem, add bool) error {
	err := t.store.UpsertItem(item, add)
	if errors.Is(err, storage.ErrConflict) {
		err = t.store.UpsertItem(item, add)
	}
	if err != nil {
		return invoke.Transient(err)
	}
	return nil
}

func buildItem(candidate TrackCandidate, now time.Time) (storage.GroceryItem, error) {
	if strings.TrimSpace(candidate.Name) == "" {
		return storage.GroceryItem{}, invoke.Permanentf("item with empty name")
	}

	purchase, err := time.Parse(storage.DateLayout, candidate.PurchaseDate)
	if err != nil {
		return storage.GroceryItem{}, invoke.Permanentf("invalid purchase_date %q: %v", candidate.PurchaseDate, err)
	}

	var expiration *time.Time
	if candidate.ExpirationDate != "" {
		exp, err := time.Parse(storage.DateLayout, candidate.ExpirationDate)
		if err != nil {
			return storage.GroceryItem{}, invoke.Permanentf("invalid expiration_date %q: %v", candidate.ExpirationDate, err)
		}
		if exp.Before(purchase) {
			return storage.GroceryItem{}, invoke.Permanentf("expiration_date %s before purchase_date %s",
				candidate.ExpirationDate, candidate.PurchaseDate)
		}
		expiration = &exp
	}

	quantity := candidate.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	return storage.GroceryItem{
		ItemID:         storage.ItemID(candidate.Name, purchase),
		Name:           candidate.Name,
		Quantity:       quantity,
		PurchaseDate:   purchase,
		ExpirationDate: expiration,
		Status:         storage.ItemStatus(expiration, now),
	}, nil
}
