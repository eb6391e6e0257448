// Package verify audits the stored call graph: every link must resolve to
// an existing discovery, discoveries must stay unlinked, and every
// normalized record must have its raw capture.
package verify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sawpanic/callstream/internal/persistence/sqlstore"
)

// Store is the slice of the primary store the audit reads.
type Store interface {
	BrokenLinks(ctx context.Context, since time.Time) ([]sqlstore.LinkFinding, error)
	LinkedDiscoveries(ctx context.Context, since time.Time) ([]int64, error)
	CallsWithoutRaw(ctx context.Context, since time.Time) ([]int64, error)
}

// Report collects every violation found in the window.
type Report struct {
	Since             time.Time              `json:"since"`
	BrokenLinks       []sqlstore.LinkFinding `json:"broken_links"`
	LinkedDiscoveries []int64                `json:"linked_discoveries"`
	CallsWithoutRaw   []int64                `json:"calls_without_raw"`
}

// Clean reports whether the audit found nothing.
func (r Report) Clean() bool {
	return len(r.BrokenLinks) == 0 && len(r.LinkedDiscoveries) == 0 && len(r.CallsWithoutRaw) == 0
}

// Violations is the total finding count across all checks.
func (r Report) Violations() int {
	return len(r.BrokenLinks) + len(r.LinkedDiscoveries) + len(r.CallsWithoutRaw)
}

// Auditor runs the integrity checks.
type Auditor struct {
	store Store
	log   zerolog.Logger
}

func New(store Store, logger zerolog.Logger) *Auditor {
	return &Auditor{
		store: store,
		log:   logger.With().Str("component", "verify").Logger(),
	}
}

// Run executes every check since the cutoff and logs one line per class
// of violation found.
func (a *Auditor) Run(ctx context.Context, since time.Time) (Report, error) {
	report := Report{Since: since}

	broken, err := a.store.BrokenLinks(ctx, since)
	if err != nil {
		return report, fmt.Errorf("failed to audit links: %w", err)
	}
	report.BrokenLinks = broken

	linked, err := a.store.LinkedDiscoveries(ctx, since)
	if err != nil {
		return report, fmt.Errorf("failed to audit discoveries: %w", err)
	}
	report.LinkedDiscoveries = linked

	orphans, err := a.store.CallsWithoutRaw(ctx, since)
	if err != nil {
		return report, fmt.Errorf("failed to audit raw coverage: %w", err)
	}
	report.CallsWithoutRaw = orphans

	if len(report.BrokenLinks) > 0 {
		a.log.Warn().Int("count", len(report.BrokenLinks)).Msg("links that do not resolve to a discovery")
	}
	if len(report.LinkedDiscoveries) > 0 {
		a.log.Warn().Int("count", len(report.LinkedDiscoveries)).Msg("discoveries carrying a link")
	}
	if len(report.CallsWithoutRaw) > 0 {
		a.log.Warn().Int("count", len(report.CallsWithoutRaw)).Msg("calls without a raw capture")
	}
	if report.Clean() {
		a.log.Info().Time("since", since).Msg("audit clean")
	}
	return report, nil
}
