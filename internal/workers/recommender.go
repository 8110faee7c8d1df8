package workers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pantryd/pantryd/internal/invoke"
	"github.com/pantryd/pantryd/internal/recipecache"
)

const recommendPromptTemplate = `You are a creative chef who specializes in creating recipes from available ingredients.
Suggest 3 recipes that can be made using some or all of the following ingredients:

%s

Your output must be ONLY a single valid JSON object with this structure, no other text, prose, or markdown:
{
  "recipes": [
    {
      "name": "Recipe Name",
      "ingredients": ["ingredient 1", "ingredient 2"],
      "instructions": "Brief cooking instructions",
      "cooking_time_minutes": 30
    }
  ]
}`

// RecommendGateway is the inference call the recommender depends on.
type RecommendGateway interface {
	Recommend(ctx context.Context, prompt string) (string, error)
}

// Recommender generates recipe suggestions for the available inventory.
// Results are cached opportunistically; a cache failure never fails the
// step.
type Recommender struct {
	gateway  RecommendGateway
	cache    recipecache.Cache
	cacheTTL time.Duration
	logger   *slog.Logger
}

func NewRecommender(gateway RecommendGateway, cache recipecache.Cache, cacheTTL time.Duration) *Recommender {
	return &Recommender{
		gateway:  gateway,
		cache:    cache,
		cacheTTL: cacheTTL,
		logger:   slog.Default(),
	}
}

func (r *Recommender) Name() string { return StepRecommend }

func (r *Recommender) Run(ctx context.Context, payload []byte) ([]byte, error) {
	var input RecommendInput
	if err := json.Unmarshal(payload, &input); err != nil {
		return nil, invoke.Permanentf("parsing recommend input: %v", err)
	}
	if len(input.AvailableItemNames) == 0 {
		return nil, invoke.Permanentf("no grocery items available")
	}

	key := cacheKey(input.AvailableItemNames)
	if cached, err := r.cache.Get(ctx, key); err == nil {
		return cached, nil
	}

	prompt := fmt.Sprintf(recommendPromptTemplate, strings.Join(input.AvailableItemNames, ", "))
	raw, err := r.gateway.Recommend(ctx, prompt)
	if err != nil {
		return nil, classifyGateway(err)
	}

	recipes, err := parseRecipes(raw)
	if err != nil {
		// Malformed model output: a retry may produce valid JSON.
		return nil, invoke.Transient(err)
	}

	scoreAndSort(recipes, input.AvailableItemNames)

	output, err := json.Marshal(RecommendOutput{Recipes: recipes})
	if err != nil {
		return nil, err
	}

	if err := r.cache.Set(ctx, key, output, r.cacheTTL); err != nil {
		r.logger.Warn("caching recipes failed", "error", err)
	}
	return output, nil
}

// cacheKey derives a stable key from the sorted item-name set, so the same
// inventory always hits the same cache entry.
func cacheKey(names []string) string {
	sorted := make([]string, len(names))
	for i, n := range names {
		sorted[i] = strings.ToLower(strings.TrimSpace(n))
	}
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "|")))
	return "recipes:" + hex.EncodeToString(sum[:8])
}

// modelRecipe mirrors the JSON contract given to the model.
type modelRecipe struct {
	Name               string   `json:"name"`
	Ingredients        []string `json:"ingredients"`
	Instructions       string   `json:"instructions"`
	CookingTimeMinutes int      `json:"cooking_time_minutes"`
}

func parseRecipes(raw string) ([]Recipe, error) {
	cleaned := stripCodeFence(raw)

	var parsed struct {
		Recipes []modelRecipe `json:"recipes"`
	}
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return nil, fmt.Errorf("parsing recipe response: %w", err)
	}
	if len(parsed.Recipes) == 0 {
		return nil, fmt.Errorf("recipe response contained no recipes")
	}

	recipes := make([]Recipe, 0, len(parsed.Recipes))
	for _, mr := range parsed.Recipes {
		if mr.Name == "" || len(mr.Ingredients) == 0 {
			continue
		}
		recipes = append(recipes, Recipe{
			RecipeID:           uuid.New().String(),
			Name:               mr.Name,
			Ingredients:        mr.Ingredients,
			Instructions:       mr.Instructions,
			CookingTimeMinutes: mr.CookingTimeMinutes,
		})
	}
	if len(recipes) == 0 {
		return nil, fmt.Errorf("recipe response contained no usable recipes")
	}
	return recipes, nil
}

// stripCodeFence removes a markdown code fence if the model wrapped its
// JSON in one despite instructions.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// scoreAndSort computes each recipe's match score against the available
// inventory and sorts by score descending, name ascending on ties, for a
// deterministic ordering.
func scoreAndSort(recipes []Recipe, available []string) {
	have := make(map[string]bool, len(available))
	for _, name := range available {
		have[strings.ToLower(strings.TrimSpace(name))] = true
	}

	for i := range recipes {
		matched := 0
		for _, ingredient := range recipes[i].Ingredients {
			if have[strings.ToLower(strings.TrimSpace(ingredient))] {
				matched++
			}
		}
		recipes[i].MatchScore = float64(matched) / float64(len(recipes[i].Ingredients))
	}

	sort.Slice(recipes, func(i, j int) bool {
		if recipes[i].MatchScore != recipes[j].MatchScore {
			return recipes[i].MatchScore > recipes[j].MatchScore
		}
		return recipes[i].Name < recipes[j].Name
	})
}
