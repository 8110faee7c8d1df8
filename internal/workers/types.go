// Package workers implements the four step functions of the receipt
// pipeline. Each worker is a stateless function of its declared input with
// a narrow JSON contract, invoked through the invocation client.
package workers

import (
	"errors"

	"github.com/pantryd/pantryd/internal/inference"
	"github.com/pantryd/pantryd/internal/invoke"
)

// Step names, as recorded in step results and logs.
const (
	StepInterpret = "interpret"
	StepEstimate  = "estimate"
	StepTrack     = "track"
	StepRecommend = "recommend"
)

// ItemCandidate is one interpreted receipt line, before expiration
// estimation.
type ItemCandidate struct {
	Name         string  `json:"name"`
	Price        float64 `json:"price"`
	Quantity     float64 `json:"quantity"`
	PurchaseDate string  `json:"purchase_date"`
}

type InterpretInput struct {
	ImageBase64 string `json:"image"`
	// PurchaseDate stamps the interpreted items; defaults to today.
	PurchaseDate string `json:"purchase_date,omitempty"`
}

type InterpretOutput struct {
	Items []ItemCandidate `json:"items"`
}

type EstimateInput struct {
	ItemName     string `json:"item_name"`
	PurchaseDate string `json:"purchase_date"`
}

type EstimateOutput struct {
	// ExpirationDate is empty when no estimate could be made. Never
	// before the purchase date.
	ExpirationDate string  `json:"expiration_date,omitempty"`
	ShelfLifeDays  int     `json:"shelf_life_days"`
	Confidence     float64 `json:"confidence"`
}

// TrackCandidate is a fully-estimated item ready for the inventory store.
type TrackCandidate struct {
	Name           string  `json:"name"`
	Quantity       float64 `json:"quantity"`
	PurchaseDate   string  `json:"purchase_date"`
	ExpirationDate string  `json:"expiration_date,omitempty"`
}

type TrackInput struct {
	Items []TrackCandidate `json:"items"`
	// Add switches quantity merging from absolute replacement to an
	// explicit increment.
	Add bool `json:"add,omitempty"`
}

type TrackOutput struct {
	UpdatedItemIDs []string `json:"updated_item_ids"`
}

type RecommendInput struct {
	AvailableItemNames []string `json:"available_item_names"`
}

type Recipe struct {
	RecipeID           string   `json:"recipe_id"`
	Name               string   `json:"name"`
	Ingredients        []string `json:"ingredients"`
	Instructions       string   `json:"instructions,omitempty"`
	CookingTimeMinutes int      `json:"cooking_time_minutes,omitempty"`
	// MatchScore is the fraction of ingredients present in inventory.
	MatchScore float64 `json:"match_score"`
}

type RecommendOutput struct {
	Recipes []Recipe `json:"recipes"`
}

// classifyGateway maps inference errors onto the retry taxonomy: endpoint
// rejections are permanent, everything else (backpressure, network, 5xx)
// is worth retrying.
func classifyGateway(err error) error {
	if errors.Is(err, inference.ErrBadRequest) {
		return invoke.Permanent(err)
	}
	return invoke.Transient(err)
}
