package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/callstream/internal/persistence/sqlstore"
)

type fakeAuditStore struct {
	broken  []sqlstore.LinkFinding
	linked  []int64
	orphans []int64
	err     error
	since   time.Time
}

func (s *fakeAuditStore) BrokenLinks(_ context.Context, since time.Time) ([]sqlstore.LinkFinding, error) {
	s.since = since
	return s.broken, s.err
}

func (s *fakeAuditStore) LinkedDiscoveries(context.Context, time.Time) ([]int64, error) {
	return s.linked, s.err
}

func (s *fakeAuditStore) CallsWithoutRaw(context.Context, time.Time) ([]int64, error) {
	return s.orphans, s.err
}

func TestRunCleanReport(t *testing.T) {
	store := &fakeAuditStore{}
	since := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	report, err := New(store, zerolog.Nop()).Run(context.Background(), since)
	require.NoError(t, err)

	assert.True(t, report.Clean())
	assert.Zero(t, report.Violations())
	assert.Equal(t, since, store.since, "window is passed through to the queries")
}

func TestRunCollectsViolations(t *testing.T) {
	parentType := "update"
	store := &fakeAuditStore{
		broken: []sqlstore.LinkFinding{
			{CallID: 10, LinkedID: 4, ParentType: &parentType},
			{CallID: 11, LinkedID: 999},
		},
		linked:  []int64{3},
		orphans: []int64{12, 13},
	}

	report, err := New(store, zerolog.Nop()).Run(context.Background(), time.Now())
	require.NoError(t, err)

	assert.False(t, report.Clean())
	assert.Equal(t, 5, report.Violations())
	assert.Len(t, report.BrokenLinks, 2)
	assert.Equal(t, []int64{3}, report.LinkedDiscoveries)
	assert.Equal(t, []int64{12, 13}, report.CallsWithoutRaw)
}

func TestRunStoreErrorAborts(t *testing.T) {
	store := &fakeAuditStore{err: errors.New("disk I/O error")}

	_, err := New(store, zerolog.Nop()).Run(context.Background(), time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, store.err)
}
