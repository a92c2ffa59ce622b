package pricing

import (
	"github.com/tileforge/tileforge/internal/apperr"
	"github.com/tileforge/tileforge/internal/models"
)

// costs maps each supported model to its token price. Consulted by both
// reservation and request creation; unknown models are rejected before any
// state is touched.
var costs = map[models.ModelType]int{
	models.ModelFlux2:      1,
	models.ModelNanoBanana: 3,
}

// Cost returns the token price for model, or UNSUPPORTED_MODEL.
func Cost(model models.ModelType) (int, error) {
	cost, ok := costs[model]
	if !ok {
		return 0, apperr.Newf(apperr.CodeUnsupportedModel, "unsupported model: %s", model)
	}
	return cost, nil
}

// Supported reports whether model has a price.
func Supported(model models.ModelType) bool {
	_, ok := costs[model]
	return ok
}
