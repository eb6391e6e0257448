package backfill

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/callstream/internal/domain"
	"github.com/sawpanic/callstream/internal/linker"
)

const (
	testChannelID = int64(-1002380293749)
	testChannel   = "Pumpfun Ultimate Alert"

	discoveryText = "[Bean Cabal (CABAL)](https://pump.fun/coin/944XTHEzqvbCdeLpQzswMYEUcR1zt64E6qFNiDVppump) `944XTHEzqvbCdeLpQzswMYEUcR1zt64E6qFNiDVppump` `Cap:` **45.9K**"
	updateText    = "🎉 2.6x | 💹From 45.9K ↗️ 115.0K within 8m"
	junkText      = "gm frens, big day ahead"
)

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	rows       []domain.RawMessage
	inserted   []domain.CryptoCall
	marks      map[string]string
	insertErrs map[int64]error
	listErr    error
	listCalls  int
}

func newFakeStore(rows ...domain.RawMessage) *fakeStore {
	return &fakeStore{
		rows:       rows,
		marks:      map[string]string{},
		insertErrs: map[int64]error{},
	}
}

// ListUnparsedRaw mirrors the production scan: rows without a normalized
// record or a settled mark, newest first, windowed by limit and offset
// over the current set.
func (s *fakeStore) ListUnparsedRaw(_ context.Context, since time.Time, limit, offset int) ([]domain.RawMessage, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	s.listCalls++

	var set []domain.RawMessage
	for _, r := range s.rows {
		if !r.MessageDate.Before(since) && !s.hasCall(r) && !s.settled(r) {
			set = append(set, r)
		}
	}
	if offset >= len(set) {
		return nil, nil
	}
	set = set[offset:]
	if len(set) > limit {
		set = set[:limit]
	}
	return set, nil
}

func (s *fakeStore) settled(raw domain.RawMessage) bool {
	switch s.marks[fmt.Sprintf("%d/%d", raw.ChannelID, raw.MessageID)] {
	case "backfilled", "not_crypto_call", "unparsed":
		return true
	}
	return false
}

func (s *fakeStore) hasCall(raw domain.RawMessage) bool {
	for _, c := range s.inserted {
		if c.MessageID == raw.MessageID && c.ChannelName == raw.ChannelName {
			return true
		}
	}
	return false
}

func (s *fakeStore) InsertCall(_ context.Context, call *domain.CryptoCall) (int64, error) {
	if err := s.insertErrs[call.MessageID]; err != nil {
		return 0, err
	}
	call.ID = int64(len(s.inserted) + 1)
	s.inserted = append(s.inserted, *call)
	return call.ID, nil
}

func (s *fakeStore) MarkRawClassified(_ context.Context, channelID, messageID int64, result string) error {
	s.marks[fmt.Sprintf("%d/%d", channelID, messageID)] = result
	return nil
}

type stubResolver struct {
	method   linker.Method
	parentID int64
	err      error
	calls    int
}

func (r *stubResolver) Link(_ context.Context, call *domain.CryptoCall, _ *int64) (linker.Method, error) {
	r.calls++
	if r.err != nil {
		return linker.MethodNone, r.err
	}
	if call.MessageType == domain.TypeDiscovery || r.method == linker.MethodNone {
		return linker.MethodNone, nil
	}
	call.LinkedCryptoCallID = domain.Int64(r.parentID)
	return r.method, nil
}

func rawRow(id int64, text string, at time.Time) domain.RawMessage {
	return domain.RawMessage{
		MessageID:   id,
		ChannelID:   testChannelID,
		ChannelName: testChannel,
		MessageText: text,
		MessageDate: at,
	}
}

func markKey(id int64) string {
	return fmt.Sprintf("%d/%d", testChannelID, id)
}

func TestRunBackfillsUnparsedRows(t *testing.T) {
	store := newFakeStore(
		rawRow(3, updateText, baseTime),
		rawRow(2, junkText, baseTime.Add(-time.Minute)),
		rawRow(1, discoveryText, baseTime.Add(-2*time.Minute)),
	)
	job := New(store, &stubResolver{}, zerolog.Nop())

	stats, err := job.Run(context.Background(), Options{Since: baseTime.Add(-time.Hour)})
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Scanned)
	assert.Equal(t, 2, stats.Parsed)
	assert.Equal(t, 2, stats.Inserted)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, stats.Errors)

	require.Len(t, store.inserted, 2)
	assert.Equal(t, domain.TypeUpdate, store.inserted[0].MessageType)
	assert.Equal(t, baseTime, store.inserted[0].Timestamp, "timestamp comes from the raw row")
	assert.Equal(t, domain.TypeDiscovery, store.inserted[1].MessageType)

	for _, id := range []int64{1, 2, 3} {
		assert.Equal(t, "backfilled", store.marks[markKey(id)])
	}
}

func TestRunDryRunWritesNothing(t *testing.T) {
	store := newFakeStore(
		rawRow(2, discoveryText, baseTime),
		rawRow(1, junkText, baseTime.Add(-time.Minute)),
	)
	job := New(store, &stubResolver{}, zerolog.Nop())

	stats, err := job.Run(context.Background(), Options{
		Since:  baseTime.Add(-time.Hour),
		DryRun: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Scanned)
	assert.Equal(t, 1, stats.Parsed)
	assert.Zero(t, stats.Inserted)
	assert.Empty(t, store.inserted)
	assert.Empty(t, store.marks)
}

func TestRunHonorsLimit(t *testing.T) {
	var rows []domain.RawMessage
	for i := int64(5); i >= 1; i-- {
		rows = append(rows, rawRow(i, junkText, baseTime.Add(-time.Duration(5-i)*time.Minute)))
	}
	store := newFakeStore(rows...)
	job := New(store, &stubResolver{}, zerolog.Nop())

	stats, err := job.Run(context.Background(), Options{
		Since: baseTime.Add(-time.Hour),
		Limit: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Scanned)
}

func TestRunPaginatesPastRowsThatStay(t *testing.T) {
	// Inserted and marked rows both leave the scan set; the offset must
	// advance only past rows that remain or rows get visited twice or
	// never.
	store := newFakeStore(
		rawRow(4, discoveryText, baseTime),
		rawRow(3, junkText, baseTime.Add(-time.Minute)),
		rawRow(2, updateText, baseTime.Add(-2*time.Minute)),
		rawRow(1, junkText, baseTime.Add(-3*time.Minute)),
	)
	job := New(store, &stubResolver{}, zerolog.Nop())

	stats, err := job.Run(context.Background(), Options{
		Since:     baseTime.Add(-time.Hour),
		BatchSize: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Scanned, "every row visited exactly once")
	assert.Equal(t, 2, stats.Inserted)
	assert.Equal(t, 2, stats.Skipped)
	assert.Len(t, store.marks, 4)
	assert.Equal(t, 3, store.listCalls)
}

func TestRunSecondRunScansNothing(t *testing.T) {
	store := newFakeStore(
		rawRow(3, updateText, baseTime),
		rawRow(2, junkText, baseTime.Add(-time.Minute)),
		rawRow(1, discoveryText, baseTime.Add(-2*time.Minute)),
	)
	job := New(store, &stubResolver{}, zerolog.Nop())
	opts := Options{Since: baseTime.Add(-time.Hour)}

	first, err := job.Run(context.Background(), opts)
	require.NoError(t, err)
	require.Equal(t, 3, first.Scanned)

	second, err := job.Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Zero(t, second.Scanned, "settled rows are not revisited")
	assert.Zero(t, second.Inserted)
	assert.Len(t, store.inserted, 2, "no duplicate inserts across runs")
}

func TestRunCountsLinkMethods(t *testing.T) {
	t.Run("reply", func(t *testing.T) {
		row := rawRow(2, updateText, baseTime)
		row.ReplyToMessageID = domain.Int64(1)
		store := newFakeStore(row)
		job := New(store, &stubResolver{method: linker.MethodReply, parentID: 7}, zerolog.Nop())

		stats, err := job.Run(context.Background(), Options{Since: baseTime.Add(-time.Hour)})
		require.NoError(t, err)

		assert.Equal(t, 1, stats.LinkedByReply)
		assert.Zero(t, stats.LinkedByHeuristic)
		require.Len(t, store.inserted, 1)
		assert.Equal(t, int64(7), *store.inserted[0].LinkedCryptoCallID)
	})

	t.Run("contract heuristic", func(t *testing.T) {
		store := newFakeStore(rawRow(2, updateText, baseTime))
		job := New(store, &stubResolver{method: linker.MethodContract, parentID: 7}, zerolog.Nop())

		stats, err := job.Run(context.Background(), Options{Since: baseTime.Add(-time.Hour)})
		require.NoError(t, err)

		assert.Zero(t, stats.LinkedByReply)
		assert.Equal(t, 1, stats.LinkedByHeuristic)
	})
}

func TestRunContinuesPastInsertErrors(t *testing.T) {
	store := newFakeStore(
		rawRow(2, updateText, baseTime),
		rawRow(1, discoveryText, baseTime.Add(-time.Minute)),
	)
	store.insertErrs[2] = errors.New("database is locked")
	job := New(store, &stubResolver{}, zerolog.Nop())

	stats, err := job.Run(context.Background(), Options{Since: baseTime.Add(-time.Hour)})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Errors)
	assert.Equal(t, 1, stats.Inserted)
	_, marked := store.marks[markKey(2)]
	assert.False(t, marked, "failed rows stay unmarked for the next run")
	assert.Equal(t, "backfilled", store.marks[markKey(1)])
}

func TestRunListErrorAborts(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("disk I/O error")
	job := New(store, &stubResolver{}, zerolog.Nop())

	_, err := job.Run(context.Background(), Options{Since: baseTime.Add(-time.Hour)})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.listErr)
}

func TestRunIDIsStable(t *testing.T) {
	job := New(newFakeStore(), &stubResolver{}, zerolog.Nop())
	assert.Len(t, job.RunID(), 8)
	assert.Equal(t, job.RunID(), job.RunID())
}
