package sqlstore

import (
	"context"
	"fmt"
	"time"
)

// LinkFinding is a call whose link target is missing or is not a discovery.
type LinkFinding struct {
	CallID     int64   `db:"id" json:"call_id"`
	LinkedID   int64   `db:"linked_crypto_call_id" json:"linked_id"`
	ParentType *string `db:"parent_type" json:"parent_type,omitempty"`
}

// BrokenLinks lists calls since the cutoff whose linked_crypto_call_id does
// not resolve to an existing discovery row.
func (s *Store) BrokenLinks(ctx context.Context, since time.Time) ([]LinkFinding, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	findings := []LinkFinding{}
	query := s.db.Rebind(`
		SELECT c.id, c.linked_crypto_call_id, p.message_type AS parent_type
		FROM crypto_calls c
		LEFT JOIN crypto_calls p ON p.id = c.linked_crypto_call_id
		WHERE c.linked_crypto_call_id IS NOT NULL
			AND (p.id IS NULL OR p.message_type <> 'discovery')
			AND c.timestamp >= ?
		ORDER BY c.id`)
	if err := s.db.SelectContext(ctx, &findings, query, since.UTC()); err != nil {
		return nil, fmt.Errorf("failed to scan for broken links: %w", err)
	}
	return findings, nil
}

// LinkedDiscoveries lists discoveries that wrongly carry a link; discoveries
// are the roots of the call graph and must stay unlinked.
func (s *Store) LinkedDiscoveries(ctx context.Context, since time.Time) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ids := []int64{}
	query := s.db.Rebind(`
		SELECT id FROM crypto_calls
		WHERE message_type = 'discovery' AND linked_crypto_call_id IS NOT NULL
			AND timestamp >= ?
		ORDER BY id`)
	if err := s.db.SelectContext(ctx, &ids, query, since.UTC()); err != nil {
		return nil, fmt.Errorf("failed to scan for linked discoveries: %w", err)
	}
	return ids, nil
}

// CallsWithoutRaw lists normalized records with no matching raw capture.
// Raw persistence precedes normalized writes, so a hit means manual edits
// or a damaged raw table.
func (s *Store) CallsWithoutRaw(ctx context.Context, since time.Time) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ids := []int64{}
	query := s.db.Rebind(`
		SELECT c.id FROM crypto_calls c
		LEFT JOIN raw_messages r
			ON r.message_id = c.message_id AND r.channel_name = c.channel_name
		WHERE r.id IS NULL AND c.timestamp >= ?
		ORDER BY c.id`)
	if err := s.db.SelectContext(ctx, &ids, query, since.UTC()); err != nil {
		return nil, fmt.Errorf("failed to scan for calls without raw rows: %w", err)
	}
	return ids, nil
}
