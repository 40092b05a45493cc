package adapters

import (
	"context"
	"errors"
	"strings"

	"github.com/tokenwatch/price-oracle/internal/models"
)

// ErrOutOfBounds is returned when a source reports a price outside its
// configured sanity window. Out-of-bounds values are treated as source
// malfunction, never stored.
var ErrOutOfBounds = errors.New("price outside configured bounds")

// SourceAdapter fetches price observations from one upstream source. Fetch
// owns its retries; callers treat any error as "this source has nothing this
// cycle" and move on.
type SourceAdapter interface {
	Name() string
	Fetch(ctx context.Context) ([]models.PriceObservation, error)
	Close()
}

// splitPair separates a configured "BASE/QUOTE" trading pair.
func splitPair(pair string) (base, quote string) {
	base, quote, found := strings.Cut(pair, "/")
	if !found {
		return pair, ""
	}
	return base, quote
}
