package workers

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pantryd/pantryd/internal/invoke"
	"github.com/pantryd/pantryd/internal/storage"
)

// defaultShelfLifeDays is used when no category matches. Matches the
// conservative default of typical pantry guidance.
const defaultShelfLifeDays = 7

// shelfLife maps item-name keywords to typical shelf life in days.
// Longest keyword wins so "almond milk" beats "milk"-adjacent guesses
// only when a longer entry exists.
var shelfLife = map[string]int{
	"milk":     7,
	"yogurt":   14,
	"cheese":   21,
	"butter":   30,
	"egg":      28,
	"chicken":  2,
	"beef":     3,
	"pork":     3,
	"fish":     2,
	"salmon":   2,
	"shrimp":   2,
	"bread":    5,
	"tortilla": 7,
	"apple":    30,
	"banana":   5,
	"orange":   14,
	"berry":    3,
	"grape":    7,
	"lettuce":  7,
	"spinach":  5,
	"tomato":   7,
	"onion":    30,
	"potato":   21,
	"carrot":   21,
	"pepper":   10,
	"mushroom": 7,
	"rice":     365,
	"pasta":    365,
	"flour":    180,
	"sugar":    365,
	"cereal":   90,
	"juice":    10,
	"tofu":     7,
}

// Estimator predicts an expiration date for one grocery item. It is a pure
// function of its input: the same item name and purchase date always yield
// the same estimate, so per-item retries are safe.
type Estimator struct{}

func NewEstimator() *Estimator { return &Estimator{} }

func (e *Estimator) Name() string { return StepEstimate }

func (e *Estimator) Run(_ context.Context, payload []byte) ([]byte, error) {
	var input EstimateInput
	if err := json.Unmarshal(payload, &input); err != nil {
		return nil, invoke.Permanentf("parsing estimate input: %v", err)
	}
	if strings.TrimSpace(input.ItemName) == "" {
		return nil, invoke.Permanentf("empty item name")
	}

	purchase, err := time.Parse(storage.DateLayout, input.PurchaseDate)
	if err != nil {
		return nil, invoke.Permanentf("invalid purchase_date %q: %v", input.PurchaseDate, err)
	}

	days, confidence := estimateShelfLife(input.ItemName)
	expiration := purchase.AddDate(0, 0, days)

	return json.Marshal(EstimateOutput{
		ExpirationDate: expiration.Format(storage.DateLayout),
		ShelfLifeDays:  days,
		Confidence:     confidence,
	})
}

// estimateShelfLife returns the shelf life in days and a confidence score.
// The longest matching keyword wins; unknown items get the conservative
// default at low confidence.
func estimateShelfLife(name string) (days int, confidence float64) {
	lower := strings.ToLower(name)

	bestLen := 0
	days = defaultShelfLifeDays
	confidence = 0.3
	for keyword, d := range shelfLife {
		if strings.Contains(lower, keyword) && len(keyword) > bestLen {
			bestLen = len(keyword)
			days = d
			confidence = 0.8
		}
	}
	return days, confidence
}
