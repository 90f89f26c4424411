package ranking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/epw80/studyhall/pkg/badge"
	"github.com/epw80/studyhall/pkg/keys"
	"github.com/epw80/studyhall/pkg/notify"
	"github.com/epw80/studyhall/pkg/scoring"
	"github.com/epw80/studyhall/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	jan16 = time.Date(2026, 1, 16, 10, 0, 0, 0, time.UTC)
	daily = keys.DailyPeriod(jan16)
)

type recorder struct {
	mu       sync.Mutex
	events   []notify.Event
	notifier *notify.Notifier
}

// newRecorder returns a recorder behind its own notifier.
func newRecorder(t *testing.T) *recorder {
	rec := &recorder{}
	rec.notifier = notify.NewNotifier(rec, nil, nil)
	t.Cleanup(func() { rec.notifier.Close(context.Background()) })
	return rec
}

func (r *recorder) Publish(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) ofType(t notify.Type) []notify.Event {
	r.notifier.Flush()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestAggregator(t *testing.T, opts ...Option) (*Aggregator, *storage.MemoryStore, *recorder) {
	t.Helper()
	store := storage.NewMemoryStore()
	rec := newRecorder(t)
	notifier := rec.notifier
	opts = append([]Option{WithClock(func() time.Time { return jan16 })}, opts...)
	return NewAggregator(store, notifier, nil, opts...), store, rec
}

func record(t *testing.T, a *Aggregator, userID string, score int) {
	t.Helper()
	err := a.Record(context.Background(), scoring.Event{
		Type: scoring.EventGameCorrect, UserID: userID, Score: score, At: jan16,
	})
	require.NoError(t, err)
}

func userIDs(entries []Entry) []string {
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.UserID
	}
	return ids
}

func TestTopN_OrdersByScore(t *testing.T) {
	ctx := context.Background()
	agg, store, _ := newTestAggregator(t)

	record(t, agg, "A", 80)
	record(t, agg, "B", 95)

	top, err := agg.TopN(ctx, keys.PeriodDaily, "2026-01-16", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, userIDs(top))
	assert.Equal(t, 1, top[0].Rank)
	assert.EqualValues(t, 95, top[0].Score)

	record(t, agg, "A", 20)

	top, err = agg.TopN(ctx, keys.PeriodDaily, "2026-01-16", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, userIDs(top))
	assert.EqualValues(t, 100, top[0].Score)

	// the old row of A is gone
	pk, err := keys.RankingPartition(daily)
	require.NoError(t, err)
	page, err := store.QueryByPartition(ctx, pk, storage.QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
}

func TestRecord_UpdatesEveryPeriod(t *testing.T) {
	ctx := context.Background()
	agg, _, _ := newTestAggregator(t)

	record(t, agg, "A", 10)
	require.NoError(t, agg.Record(ctx, scoring.Event{
		Type: scoring.EventQuiz, UserID: "A", Score: 5, At: jan16,
	}))

	for _, p := range keys.PeriodsAt(jan16) {
		stats, err := agg.Stats(ctx, "A", p)
		require.NoError(t, err)
		assert.EqualValues(t, 15, stats.Score, p.String())
		assert.EqualValues(t, 2, stats.EventCount, p.String())
		assert.EqualValues(t, 1, stats.Counts[string(scoring.EventGameCorrect)])
		assert.EqualValues(t, 1, stats.Counts[string(scoring.EventQuiz)])
	}

	top, err := agg.TopN(ctx, keys.PeriodTotal, "", 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.EqualValues(t, 15, top[0].Score)
}

func TestRecord_InvalidScore(t *testing.T) {
	ctx := context.Background()
	agg, store, _ := newTestAggregator(t)

	for _, score := range []int{-1, keys.MaxScore + 1} {
		err := agg.Record(ctx, scoring.Event{
			Type: scoring.EventQuiz, UserID: "A", Score: score, At: jan16,
		})
		assert.ErrorIs(t, err, ErrInvalidScore)
	}
	assert.Zero(t, store.Len())
}

func TestRecord_ZeroScoreStillRanks(t *testing.T) {
	ctx := context.Background()
	agg, _, _ := newTestAggregator(t)

	record(t, agg, "A", 0)
	record(t, agg, "A", 0)

	top, err := agg.TopN(ctx, keys.PeriodDaily, "2026-01-16", 5)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "A", top[0].UserID)
}

func TestRecord_ClampsLeaderboardScore(t *testing.T) {
	ctx := context.Background()
	agg, _, _ := newTestAggregator(t)

	record(t, agg, "A", keys.MaxScore)
	record(t, agg, "A", 10)

	stats, err := agg.Stats(ctx, "A", keys.TotalPeriod())
	require.NoError(t, err)
	assert.EqualValues(t, keys.MaxScore+10, stats.Score)

	top, err := agg.TopN(ctx, keys.PeriodTotal, "", 5)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "A", top[0].UserID)
}

func TestTopN_RepairsStaleRows(t *testing.T) {
	ctx := context.Background()
	agg, store, _ := newTestAggregator(t)

	record(t, agg, "A", 30)
	record(t, agg, "B", 20)

	// a leftover row from an interrupted move
	stale, err := keys.RankingKey(daily, 500, "B")
	require.NoError(t, err)
	require.NoError(t, agg.putRow(ctx, stale, daily, "B", 500, jan16))

	// and a missing row for A
	current, err := keys.RankingKey(daily, 30, "A")
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, current))

	// a ghost row for a user without counters
	ghost, err := keys.RankingKey(daily, 900, "C")
	require.NoError(t, err)
	require.NoError(t, agg.putRow(ctx, ghost, daily, "C", 900, jan16))

	top, err := agg.TopN(ctx, keys.PeriodDaily, "2026-01-16", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, userIDs(top), "A has no row until the next event")

	_, err = store.Get(ctx, stale)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.Get(ctx, ghost)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	record(t, agg, "A", 1)
	top, err = agg.TopN(ctx, keys.PeriodDaily, "2026-01-16", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, userIDs(top))
}

func TestTopN_RewritesRowForCurrentScore(t *testing.T) {
	ctx := context.Background()
	agg, store, _ := newTestAggregator(t)

	record(t, agg, "A", 40)
	record(t, agg, "B", 30)

	// A's row lags behind its counters
	current, err := keys.RankingKey(daily, 40, "A")
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, current))
	lagging, err := keys.RankingKey(daily, 10, "A")
	require.NoError(t, err)
	require.NoError(t, agg.putRow(ctx, lagging, daily, "A", 10, jan16))

	top, err := agg.TopN(ctx, keys.PeriodDaily, "2026-01-16", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, userIDs(top))
	assert.EqualValues(t, 40, top[0].Score)
}

func TestLeaderboard_Pages(t *testing.T) {
	ctx := context.Background()
	agg, _, _ := newTestAggregator(t)

	for i, u := range []string{"A", "B", "C", "D", "E"} {
		record(t, agg, u, (i+1)*10)
	}

	var got []string
	cursor := ""
	for {
		entries, next, err := agg.Leaderboard(ctx, keys.PeriodMonthly, "2026-01", 2, cursor)
		require.NoError(t, err)
		got = append(got, userIDs(entries)...)
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Equal(t, []string{"E", "D", "C", "B", "A"}, got)
}

func TestTopN_BadPeriod(t *testing.T) {
	agg, _, _ := newTestAggregator(t)
	_, err := agg.TopN(context.Background(), keys.PeriodDaily, "16/01/2026", 3)
	assert.ErrorIs(t, err, keys.ErrMalformedKey)
}

func TestRecord_Milestones(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	rec := newRecorder(t)
	notifier := rec.notifier
	badges := badge.NewService(store, notifier, nil)
	agg := NewAggregator(store, notifier, nil,
		WithMilestones([]int64{100, 500}),
		WithBadges(badges))

	record(t, agg, "A", 60)
	assert.Empty(t, rec.ofType(notify.TypeScoreMilestone))

	record(t, agg, "A", 50)
	record(t, agg, "A", 10)

	milestones := rec.ofType(notify.TypeScoreMilestone)
	require.Len(t, milestones, 1)
	assert.Equal(t, int64(100), milestones[0].Payload["milestone"])

	list, _, err := badges.ListUserBadges(ctx, "A", 10, "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, badge.ScoreBadge(100), list[0].BadgeType)
}

func TestRecord_ConcurrentEvents(t *testing.T) {
	ctx := context.Background()
	agg, _, _ := newTestAggregator(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = agg.Record(ctx, scoring.Event{Type: scoring.EventQuiz, UserID: "A", Score: 5, At: jan16})
		}()
	}
	wg.Wait()

	stats, err := agg.Stats(ctx, "A", keys.TotalPeriod())
	require.NoError(t, err)
	assert.EqualValues(t, 100, stats.Score)

	top, err := agg.TopN(ctx, keys.PeriodTotal, "", 5)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.EqualValues(t, 100, top[0].Score)
}
