// Package enrich is the seam for market-data enrichment. The pipeline
// only depends on the interface; the sole implementation today is a
// no-op.
package enrich

import (
	"context"

	"github.com/sawpanic/callstream/internal/domain"
)

// DexAPIBase is the token endpoint an Enricher implementation would
// query for live price and market-cap data.
const DexAPIBase = "https://api.dexscreener.com/latest/dex/tokens"

// Enricher fills market fields on a call before it is stored.
type Enricher interface {
	Enrich(ctx context.Context, call *domain.CryptoCall) error
}

// NoopEnricher leaves calls untouched.
type NoopEnricher struct{}

func (NoopEnricher) Enrich(context.Context, *domain.CryptoCall) error { return nil }
