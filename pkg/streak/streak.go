// Package streak counts consecutive calendar days with recorded activity.
//
// Streak state lives on the user's TOTAL stats record next to the ranking
// counters. Writes are compare-and-swap on lastActivityDate so two workers
// touching the same user cannot both advance the streak.
package streak

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/epw80/studyhall/pkg/badge"
	"github.com/epw80/studyhall/pkg/keys"
	"github.com/epw80/studyhall/pkg/notify"
	"github.com/epw80/studyhall/pkg/scoring"
	"github.com/epw80/studyhall/pkg/storage"
)

// ErrBackdatedActivity is returned when the activity date lies before the
// last recorded one. Nothing is written.
var ErrBackdatedActivity = errors.New("activity date before last recorded activity")

const (
	AttrCurrent      = "currentStreak"
	AttrLongest      = "longestStreak"
	AttrLastActivity = "lastActivityDate"

	dateLayout  = "2006-01-02"
	maxAttempts = 3
)

// Streak is the streak state of one user
type Streak struct {
	Current          int    `json:"currentStreak"`
	Longest          int    `json:"longestStreak"`
	LastActivityDate string `json:"lastActivityDate,omitempty"`
}

// Calculator implements StreakCalculator
type Calculator struct {
	store      storage.Store
	notifier   *notify.Notifier
	badges     badge.Awarder
	logger     *slog.Logger
	thresholds []int
	location   *time.Location
}

type Option func(*Calculator)

// WithBadgeThresholds sets the streak lengths that award a badge.
func WithBadgeThresholds(days []int) Option {
	return func(c *Calculator) { c.thresholds = append([]int(nil), days...) }
}

func WithBadges(b badge.Awarder) Option {
	return func(c *Calculator) { c.badges = b }
}

// WithLocation sets the time zone calendar days are cut in.
func WithLocation(loc *time.Location) Option {
	return func(c *Calculator) { c.location = loc }
}

func NewCalculator(store storage.Store, notifier *notify.Notifier, logger *slog.Logger, opts ...Option) *Calculator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Calculator{store: store, notifier: notifier, logger: logger, location: time.UTC}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Date returns the calendar day of t in the calculator's time zone.
func (c *Calculator) Date(t time.Time) string {
	return t.In(c.location).Format(dateLayout)
}

// Touch records activity for userID on the calendar day of activity and
// returns the resulting current and longest streak.
func (c *Calculator) Touch(ctx context.Context, userID string, activity time.Time) (int, int, error) {
	return c.TouchDate(ctx, userID, c.Date(activity))
}

// TouchDate is Touch for a calendar day given as YYYY-MM-DD.
func (c *Calculator) TouchDate(ctx context.Context, userID, date string) (int, int, error) {
	day, err := time.Parse(dateLayout, date)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid activity date %q: %w", date, err)
	}
	key, err := keys.UserStatsKey(userID, keys.TotalPeriod())
	if err != nil {
		return 0, 0, err
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		prev, err := c.load(ctx, key)
		if err != nil {
			return 0, 0, err
		}
		next, changed, err := advance(prev, day)
		if err != nil {
			return prev.Current, prev.Longest, err
		}
		if !changed {
			return next.Current, next.Longest, nil
		}

		guard := storage.NotExists(AttrLastActivity)
		if prev.LastActivityDate != "" {
			guard = storage.Equals(AttrLastActivity, prev.LastActivityDate)
		}
		patch := storage.NewPatch().
			Set(AttrCurrent, next.Current).
			Set(AttrLongest, next.Longest).
			Set(AttrLastActivity, next.LastActivityDate).
			Set("userId", userID).
			Set("periodType", string(keys.PeriodTotal)).
			When(guard)
		_, err = c.store.Update(ctx, key, patch)
		if errors.Is(err, storage.ErrConditionFailed) {
			c.logger.Debug("streak changed concurrently, retrying",
				slog.String("userId", userID),
				slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return 0, 0, fmt.Errorf("failed to update streak: %w", err)
		}

		if next.Current > prev.Current || prev.LastActivityDate == "" {
			c.checkThresholds(ctx, userID, next)
		}
		return next.Current, next.Longest, nil
	}
	return 0, 0, fmt.Errorf("streak for %s: %w", userID, storage.ErrConditionFailed)
}

// advance applies one activity day to a streak state. The boolean reports
// whether the state changed.
func advance(prev Streak, day time.Time) (Streak, bool, error) {
	next := Streak{Current: 1, Longest: prev.Longest, LastActivityDate: day.Format(dateLayout)}
	if prev.LastActivityDate != "" {
		last, err := time.Parse(dateLayout, prev.LastActivityDate)
		if err != nil {
			return prev, false, fmt.Errorf("stored activity date %q: %w", prev.LastActivityDate, err)
		}
		switch days := daysBetween(last, day); {
		case days < 0:
			return prev, false, ErrBackdatedActivity
		case days == 0:
			return prev, false, nil
		case days == 1:
			next.Current = prev.Current + 1
		}
	}
	next.Longest = max(next.Longest, next.Current)
	return next, true, nil
}

// daysBetween counts calendar days between two dates parsed in UTC.
func daysBetween(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}

func (c *Calculator) load(ctx context.Context, key keys.Key) (Streak, error) {
	item, err := c.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return Streak{}, nil
	}
	if err != nil {
		return Streak{}, err
	}
	return Streak{
		Current:          int(item.Int(AttrCurrent)),
		Longest:          int(item.Int(AttrLongest)),
		LastActivityDate: item.String(AttrLastActivity),
	}, nil
}

func (c *Calculator) checkThresholds(ctx context.Context, userID string, s Streak) {
	if !slices.Contains(c.thresholds, s.Current) {
		return
	}
	c.logger.Info("streak milestone reached",
		slog.String("userId", userID),
		slog.Int("days", s.Current))
	c.notifier.Notify(ctx, notify.Event{
		Type:    notify.TypeStreakMilestone,
		UserID:  userID,
		Payload: map[string]any{"days": s.Current, "date": s.LastActivityDate},
	})
	if c.badges == nil {
		return
	}
	if _, _, err := c.badges.Award(ctx, userID, badge.StreakBadge(s.Current), map[string]string{"date": s.LastActivityDate}); err != nil {
		c.logger.Warn("failed to award streak badge",
			slog.String("error", err.Error()),
			slog.String("userId", userID))
	}
}

// Get returns the streak of userID as of the given day. A streak whose last
// activity is older than the previous day reads as broken.
func (c *Calculator) Get(ctx context.Context, userID string, asOf time.Time) (Streak, error) {
	key, err := keys.UserStatsKey(userID, keys.TotalPeriod())
	if err != nil {
		return Streak{}, err
	}
	s, err := c.load(ctx, key)
	if err != nil || s.LastActivityDate == "" {
		return s, err
	}
	last, err := time.Parse(dateLayout, s.LastActivityDate)
	if err != nil {
		return Streak{}, err
	}
	today, _ := time.Parse(dateLayout, c.Date(asOf))
	if daysBetween(last, today) > 1 {
		s.Current = 0
	}
	return s, nil
}

// Record implements scoring.Sink. The activity day comes from the event
// time, or from its DAILY period when only periods are given.
func (c *Calculator) Record(ctx context.Context, event scoring.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	date := ""
	if !event.At.IsZero() {
		date = c.Date(event.At)
	} else {
		for _, p := range event.Periods {
			if p.Type == keys.PeriodDaily {
				date = p.Value
			}
		}
	}
	if date == "" {
		return nil
	}
	_, _, err := c.TouchDate(ctx, event.UserID, date)
	return err
}
