// Package badge awards one-time achievements and keeps the global feed of
// recently earned badges.
package badge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/epw80/studyhall/pkg/keys"
	"github.com/epw80/studyhall/pkg/notify"
	"github.com/epw80/studyhall/pkg/storage"
)

// Badge types with a fixed name. Threshold badges are built with StreakBadge and ScoreBadge.
const (
	TypePerfectRound = "PERFECT_ROUND"
	TypeGameWinner   = "GAME_WINNER"
)

// StreakBadge names the badge for a streak of days consecutive days.
func StreakBadge(days int) string {
	return fmt.Sprintf("STREAK_%d", days)
}

// ScoreBadge names the badge for reaching a total score threshold.
func ScoreBadge(threshold int64) string {
	return fmt.Sprintf("SCORE_%d", threshold)
}

// Badge is one earned achievement
type Badge struct {
	UserID    string            `dynamodbav:"userId" json:"userId"`
	BadgeType string            `dynamodbav:"badgeType" json:"badgeType"`
	EarnedAt  time.Time         `dynamodbav:"earnedAt" json:"earnedAt"`
	Detail    map[string]string `dynamodbav:"detail,omitempty" json:"detail,omitempty"`
}

// Awarder is what other components need to hand out badges.
type Awarder interface {
	Award(ctx context.Context, userID, badgeType string, detail map[string]string) (Badge, bool, error)
}

type Service struct {
	store    storage.Store
	notifier *notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store storage.Store, notifier *notify.Notifier, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Service{store: store, notifier: notifier, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Award grants badgeType to userID once. The boolean reports whether this call
// granted it; a repeated award returns the original badge.
func (s *Service) Award(ctx context.Context, userID, badgeType string, detail map[string]string) (Badge, bool, error) {
	key, err := keys.BadgeKey(userID, badgeType)
	if err != nil {
		return Badge{}, false, err
	}

	b := Badge{UserID: userID, BadgeType: badgeType, EarnedAt: s.now().UTC(), Detail: detail}
	item, err := storage.NewItem(key, b)
	if err != nil {
		return Badge{}, false, err
	}
	if err := item.SetProjection(keys.IndexGSI1, keys.BadgeFeedProjection(b.EarnedAt)); err != nil {
		return Badge{}, false, err
	}

	err = s.store.Put(ctx, item, storage.IfNotExists())
	if errors.Is(err, storage.ErrAlreadyExists) {
		existing, err := s.get(ctx, key)
		return existing, false, err
	}
	if err != nil {
		return Badge{}, false, fmt.Errorf("failed to award badge: %w", err)
	}

	s.logger.Info("badge awarded",
		slog.String("userId", userID),
		slog.String("badgeType", badgeType))
	s.notifier.Notify(ctx, notify.Event{
		Type:   notify.TypeBadgeEarned,
		UserID: userID,
		Payload: map[string]any{
			"badgeType": badgeType,
			"earnedAt":  b.EarnedAt,
		},
		At: b.EarnedAt,
	})
	return b, true, nil
}

func (s *Service) get(ctx context.Context, key keys.Key) (Badge, error) {
	item, err := s.store.Get(ctx, key)
	if err != nil {
		return Badge{}, err
	}
	var b Badge
	if err := item.Unmarshal(&b); err != nil {
		return Badge{}, err
	}
	return b, nil
}

// ListUserBadges returns a user's badges ordered by badge type.
func (s *Service) ListUserBadges(ctx context.Context, userID string, limit int, cursor string) ([]Badge, string, error) {
	pk, err := keys.BadgePartition(userID)
	if err != nil {
		return nil, "", err
	}
	page, err := s.store.QueryByPartition(ctx, pk, storage.QueryOptions{Limit: limit, Cursor: cursor})
	if err != nil {
		return nil, "", err
	}
	return decodePage(page)
}

// RecentBadges returns the most recently earned badges across all users.
func (s *Service) RecentBadges(ctx context.Context, limit int, cursor string) ([]Badge, string, error) {
	page, err := s.store.QueryByIndex(ctx, keys.IndexGSI1, keys.BadgeFeedPartition, storage.QueryOptions{
		Limit:      limit,
		Cursor:     cursor,
		Descending: true,
	})
	if err != nil {
		return nil, "", err
	}
	return decodePage(page)
}

func decodePage(page *storage.Page) ([]Badge, string, error) {
	out := make([]Badge, 0, len(page.Items))
	for _, item := range page.Items {
		var b Badge
		if err := item.Unmarshal(&b); err != nil {
			return nil, "", err
		}
		out = append(out, b)
	}
	return out, page.NextCursor, nil
}
