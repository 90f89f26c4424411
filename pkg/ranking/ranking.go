// Package ranking turns scoring events into per-period statistics counters
// and a leaderboard ordered by an inverted-score sort key.
//
// The counters on the stats records are authoritative. A leaderboard row is
// derived from them with a put of the new row followed by a delete of the
// old one; the pair is not atomic, so readers verify rows against the
// counters and repair what they find stale.
package ranking

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/epw80/studyhall/pkg/badge"
	"github.com/epw80/studyhall/pkg/keys"
	"github.com/epw80/studyhall/pkg/metrics"
	"github.com/epw80/studyhall/pkg/notify"
	"github.com/epw80/studyhall/pkg/scoring"
	"github.com/epw80/studyhall/pkg/storage"
)

// ErrInvalidScore is returned for event scores outside [0, keys.MaxScore].
var ErrInvalidScore = errors.New("score out of range")

// Stats attribute names
const (
	AttrScore      = "score"
	AttrEventCount = "eventCount"
	AttrUpdatedAt  = "updatedAt"

	// counterPrefix starts the per-event-type counter attributes
	counterPrefix = "cnt_"

	maxRepairPasses = 3
)

// Stats is the counter record of one user for one period
type Stats struct {
	UserID      string    `dynamodbav:"userId" json:"userId"`
	PeriodType  string    `dynamodbav:"periodType" json:"periodType"`
	PeriodValue string    `dynamodbav:"periodValue,omitempty" json:"periodValue,omitempty"`
	Score       int64     `dynamodbav:"score" json:"score"`
	EventCount  int64     `dynamodbav:"eventCount" json:"eventCount"`
	UpdatedAt   time.Time `dynamodbav:"updatedAt" json:"updatedAt"`

	// Streak fields live on the TOTAL record only
	CurrentStreak    int    `dynamodbav:"currentStreak,omitempty" json:"currentStreak,omitempty"`
	LongestStreak    int    `dynamodbav:"longestStreak,omitempty" json:"longestStreak,omitempty"`
	LastActivityDate string `dynamodbav:"lastActivityDate,omitempty" json:"lastActivityDate,omitempty"`

	// Counts holds the number of events per scoring.EventType
	Counts map[string]int64 `dynamodbav:"-" json:"counts,omitempty"`
}

// Entry is one leaderboard row
type Entry struct {
	Rank   int    `json:"rank,omitempty"`
	UserID string `json:"userId"`
	Score  int64  `json:"score"`
}

type rankRow struct {
	UserID      string    `dynamodbav:"userId"`
	Score       int64     `dynamodbav:"score"`
	PeriodType  string    `dynamodbav:"periodType"`
	PeriodValue string    `dynamodbav:"periodValue,omitempty"`
	UpdatedAt   time.Time `dynamodbav:"updatedAt"`
}

// Aggregator implements RankingAggregator
type Aggregator struct {
	store      storage.Store
	notifier   *notify.Notifier
	badges     badge.Awarder
	collector  *metrics.Collector
	logger     *slog.Logger
	milestones []int64
	location   *time.Location
	now        func() time.Time
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithMilestones sets the TOTAL score thresholds that notify and award a badge.
func WithMilestones(m []int64) Option {
	return func(a *Aggregator) { a.milestones = append([]int64(nil), m...) }
}

// WithLocation sets the time zone calendar periods are cut in.
func WithLocation(loc *time.Location) Option {
	return func(a *Aggregator) { a.location = loc }
}

func WithBadges(b badge.Awarder) Option {
	return func(a *Aggregator) { a.badges = b }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(a *Aggregator) { a.collector = c }
}

func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

func NewAggregator(store storage.Store, notifier *notify.Notifier, logger *slog.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	a := &Aggregator{
		store:    store,
		notifier: notifier,
		logger:   logger,
		location: time.UTC,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Record implements scoring.Sink.
func (a *Aggregator) Record(ctx context.Context, event scoring.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	return a.RecordEvent(ctx, event.Type, event.UserID, event.Score, event.PeriodContexts(a.location))
}

// RecordEvent adds score to userID's counters in every period context and
// moves the user's leaderboard row in each period. Only counter failures are
// returned; leaderboard and notification failures are logged.
func (a *Aggregator) RecordEvent(ctx context.Context, eventType scoring.EventType, userID string, score int, periods []keys.Period) error {
	if score < 0 || score > keys.MaxScore {
		return fmt.Errorf("%w: %d", ErrInvalidScore, score)
	}
	if eventType == "" || len(periods) == 0 {
		return scoring.ErrInvalidEvent
	}
	if err := keys.ValidateID("userID", userID); err != nil {
		return err
	}

	now := a.now().UTC()
	totals := make([]storage.Item, len(periods))
	for i, p := range periods {
		key, err := keys.UserStatsKey(userID, p)
		if err != nil {
			return err
		}
		patch := storage.NewPatch().
			Add(AttrScore, int64(score)).
			Add(AttrEventCount, 1).
			Add(counterPrefix+string(eventType), 1).
			Set("userId", userID).
			Set("periodType", string(p.Type)).
			Set(AttrUpdatedAt, now)
		if p.Value != "" {
			patch.Set("periodValue", p.Value)
		}
		item, err := a.store.Update(ctx, key, patch)
		if err != nil {
			return fmt.Errorf("failed to update %s stats: %w", p, err)
		}
		totals[i] = item
	}
	a.collector.ObserveScoringEvent(string(eventType))

	for i, p := range periods {
		total := totals[i].Int(AttrScore)
		first := totals[i].Int(AttrEventCount) == 1
		if err := a.moveRow(ctx, p, userID, total-int64(score), total, first, now); err != nil {
			a.logger.Warn("leaderboard row update failed; counters remain authoritative",
				slog.String("error", err.Error()),
				slog.String("userId", userID),
				slog.String("period", p.String()))
		}
		if p.Type == keys.PeriodTotal {
			a.checkMilestones(ctx, userID, total-int64(score), total)
		}
	}
	return nil
}

func clamp(score int64) int {
	switch {
	case score < 0:
		return 0
	case score > keys.MaxScore:
		return keys.MaxScore
	}
	return int(score)
}

// moveRow writes the row for total and removes the row for previous. The
// new row is written first so the user never drops off the board.
func (a *Aggregator) moveRow(ctx context.Context, p keys.Period, userID string, previous, total int64, first bool, now time.Time) error {
	newKey, err := keys.RankingKey(p, clamp(total), userID)
	if err != nil {
		return err
	}
	if err := a.putRow(ctx, newKey, p, userID, total, now); err != nil {
		return err
	}
	if first {
		return nil
	}
	oldKey, err := keys.RankingKey(p, clamp(previous), userID)
	if err != nil {
		return err
	}
	if oldKey == newKey {
		return nil
	}
	return a.store.Delete(ctx, oldKey)
}

func (a *Aggregator) putRow(ctx context.Context, key keys.Key, p keys.Period, userID string, total int64, now time.Time) error {
	item, err := storage.NewItem(key, rankRow{
		UserID:      userID,
		Score:       total,
		PeriodType:  string(p.Type),
		PeriodValue: p.Value,
		UpdatedAt:   now,
	})
	if err != nil {
		return err
	}
	return a.store.Put(ctx, item)
}

func (a *Aggregator) checkMilestones(ctx context.Context, userID string, previous, total int64) {
	for _, m := range a.milestones {
		if previous >= m || total < m {
			continue
		}
		a.logger.Info("score milestone reached",
			slog.String("userId", userID),
			slog.Int64("milestone", m))
		a.notifier.Notify(ctx, notify.Event{
			Type:    notify.TypeScoreMilestone,
			UserID:  userID,
			Payload: map[string]any{"milestone": m, "score": total},
		})
		if a.badges == nil {
			continue
		}
		detail := map[string]string{"score": fmt.Sprint(total)}
		if _, _, err := a.badges.Award(ctx, userID, badge.ScoreBadge(m), detail); err != nil {
			a.logger.Warn("failed to award milestone badge",
				slog.String("error", err.Error()),
				slog.String("userId", userID))
		}
	}
}

// Stats returns the counters of userID for period. A period without events
// yields zero counters.
func (a *Aggregator) Stats(ctx context.Context, userID string, period keys.Period) (Stats, error) {
	key, err := keys.UserStatsKey(userID, period)
	if err != nil {
		return Stats{}, err
	}
	item, err := a.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return Stats{UserID: userID, PeriodType: string(period.Type), PeriodValue: period.Value}, nil
	}
	if err != nil {
		return Stats{}, err
	}
	return decodeStats(item)
}

func decodeStats(item storage.Item) (Stats, error) {
	var s Stats
	if err := item.Unmarshal(&s); err != nil {
		return Stats{}, err
	}
	for name := range item {
		if t, ok := strings.CutPrefix(name, counterPrefix); ok {
			if s.Counts == nil {
				s.Counts = make(map[string]int64)
			}
			s.Counts[t] = item.Int(name)
		}
	}
	return s, nil
}

// TopN returns the n best users of a period. Rank order comes straight from
// the ascending sort key scan; rows that disagree with the counters are
// repaired and the scan is repeated.
func (a *Aggregator) TopN(ctx context.Context, periodType keys.PeriodType, value string, n int) ([]Entry, error) {
	period, err := keys.NewPeriod(periodType, value)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	for pass := 1; ; pass++ {
		entries, repaired, err := a.scan(ctx, period, n)
		if err != nil {
			return nil, err
		}
		if !repaired || pass == maxRepairPasses {
			for i := range entries {
				entries[i].Rank = i + 1
			}
			return entries, nil
		}
	}
}

func (a *Aggregator) scan(ctx context.Context, period keys.Period, n int) ([]Entry, bool, error) {
	pk, err := keys.RankingPartition(period)
	if err != nil {
		return nil, false, err
	}

	entries := make([]Entry, 0, n)
	seen := make(map[string]bool)
	repaired := false
	opts := storage.QueryOptions{Limit: n}
	for {
		page, err := a.store.QueryByPartition(ctx, pk, opts)
		if err != nil {
			return nil, false, err
		}
		for _, item := range page.Items {
			e, valid, fixed, err := a.verify(ctx, period, item)
			if err != nil {
				return nil, false, err
			}
			repaired = repaired || fixed
			if !valid || seen[e.UserID] {
				continue
			}
			seen[e.UserID] = true
			entries = append(entries, e)
			if len(entries) == n {
				return entries, repaired, nil
			}
		}
		if page.NextCursor == "" {
			return entries, repaired, nil
		}
		opts.Cursor = page.NextCursor
	}
}

// verify checks a leaderboard row against the user's counters. A stale row
// is deleted and the row for the current total is written in its place.
func (a *Aggregator) verify(ctx context.Context, period keys.Period, item storage.Item) (Entry, bool, bool, error) {
	key, err := item.Key()
	if err != nil {
		return Entry{}, false, false, err
	}
	_, rowScore, userID, err := keys.DecodeRankingKey(key)
	if err != nil {
		a.logger.Warn("skipping malformed leaderboard row", slog.String("key", key.String()))
		return Entry{}, false, false, nil
	}

	stats, err := a.Stats(ctx, userID, period)
	if err != nil {
		return Entry{}, false, false, err
	}
	if clamp(stats.Score) == rowScore && stats.EventCount > 0 {
		return Entry{UserID: userID, Score: stats.Score}, true, false, nil
	}

	a.logger.Warn("repairing stale leaderboard row",
		slog.String("userId", userID),
		slog.String("period", period.String()),
		slog.Int("rowScore", rowScore),
		slog.Int64("score", stats.Score))
	if err := a.store.Delete(ctx, key); err != nil {
		return Entry{}, false, false, err
	}
	if stats.EventCount == 0 {
		return Entry{}, false, true, nil
	}
	current, err := keys.RankingKey(period, clamp(stats.Score), userID)
	if err != nil {
		return Entry{}, false, false, err
	}
	if err := a.putRow(ctx, current, period, userID, stats.Score, stats.UpdatedAt); err != nil {
		return Entry{}, false, false, err
	}
	return Entry{}, false, true, nil
}

// Leaderboard pages through a period's board. Stale rows are skipped but not
// repaired; TopN does the repair.
func (a *Aggregator) Leaderboard(ctx context.Context, periodType keys.PeriodType, value string, limit int, cursor string) ([]Entry, string, error) {
	period, err := keys.NewPeriod(periodType, value)
	if err != nil {
		return nil, "", err
	}
	pk, err := keys.RankingPartition(period)
	if err != nil {
		return nil, "", err
	}
	page, err := a.store.QueryByPartition(ctx, pk, storage.QueryOptions{Limit: limit, Cursor: cursor})
	if err != nil {
		return nil, "", err
	}

	entries := make([]Entry, 0, len(page.Items))
	for _, item := range page.Items {
		var row rankRow
		if err := item.Unmarshal(&row); err != nil {
			return nil, "", err
		}
		stats, err := a.Stats(ctx, row.UserID, period)
		if err != nil {
			return nil, "", err
		}
		if stats.Score != row.Score {
			continue
		}
		entries = append(entries, Entry{UserID: row.UserID, Score: row.Score})
	}
	return entries, page.NextCursor, nil
}
