package badge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/epw80/studyhall/pkg/keys"
	"github.com/epw80/studyhall/pkg/notify"
	"github.com/epw80/studyhall/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	events   []notify.Event
	notifier *notify.Notifier
}

func (r *recorder) Publish(_ context.Context, e notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// published waits for queued notifications and returns them.
func (r *recorder) published() []notify.Event {
	r.notifier.Flush()
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

func newTestService(t *testing.T) (*Service, *recorder, *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 16, 12, 0, 0, 0, time.UTC)
	rec := &recorder{}
	rec.notifier = notify.NewNotifier(rec, nil, nil)
	t.Cleanup(func() { rec.notifier.Close(context.Background()) })
	svc := NewService(storage.NewMemoryStore(), rec.notifier, nil,
		WithClock(func() time.Time { return now }))
	return svc, rec, &now
}

func TestAward_Idempotent(t *testing.T) {
	ctx := context.Background()
	svc, rec, now := newTestService(t)

	first, granted, err := svc.Award(ctx, "u1", TypePerfectRound, map[string]string{"roomId": "r1"})
	require.NoError(t, err)
	assert.True(t, granted)

	*now = now.Add(time.Hour)
	again, granted, err := svc.Award(ctx, "u1", TypePerfectRound, nil)
	require.NoError(t, err)
	assert.False(t, granted)
	assert.Equal(t, first.EarnedAt, again.EarnedAt)
	assert.Equal(t, "r1", again.Detail["roomId"])

	events := rec.published()
	require.Len(t, events, 1, "only the first award notifies")
	assert.Equal(t, notify.TypeBadgeEarned, events[0].Type)
	assert.Equal(t, TypePerfectRound, events[0].Payload["badgeType"])
}

func TestAward_RejectsBadIdentifiers(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, _, err := svc.Award(context.Background(), "u#1", TypeGameWinner, nil)
	assert.ErrorIs(t, err, keys.ErrMalformedKey)
}

func TestListUserBadges(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	for _, bt := range []string{StreakBadge(7), TypeGameWinner, ScoreBadge(100)} {
		_, _, err := svc.Award(ctx, "u1", bt, nil)
		require.NoError(t, err)
	}
	_, _, err := svc.Award(ctx, "u2", TypeGameWinner, nil)
	require.NoError(t, err)

	badges, next, err := svc.ListUserBadges(ctx, "u1", 10, "")
	require.NoError(t, err)
	assert.Empty(t, next)

	var types []string
	for _, b := range badges {
		types = append(types, b.BadgeType)
	}
	assert.Equal(t, []string{TypeGameWinner, "SCORE_100", "STREAK_7"}, types)
}

func TestRecentBadges_NewestFirst(t *testing.T) {
	ctx := context.Background()
	svc, _, now := newTestService(t)

	for _, user := range []string{"u1", "u2", "u3"} {
		_, _, err := svc.Award(ctx, user, TypeGameWinner, nil)
		require.NoError(t, err)
		*now = now.Add(time.Minute)
	}

	page1, next, err := svc.RecentBadges(ctx, 2, "")
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "u3", page1[0].UserID)
	assert.Equal(t, "u2", page1[1].UserID)
	require.NotEmpty(t, next)

	page2, next, err := svc.RecentBadges(ctx, 2, next)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, "u1", page2[0].UserID)
	assert.Empty(t, next)
}
