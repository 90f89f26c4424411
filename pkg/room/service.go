package room

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/epw80/studyhall/pkg/crypto"
	"github.com/epw80/studyhall/pkg/keys"
	"github.com/epw80/studyhall/pkg/message"
	"github.com/epw80/studyhall/pkg/storage"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const maxAttempts = 3

var validate = validator.New()

// CreateRequest describes a new room
type CreateRequest struct {
	OwnerID    string `validate:"required,max=128,excludesall=#"`
	Name       string `validate:"required,max=100"`
	Level      string `validate:"required,max=20,excludesall=#"`
	MaxMembers int
	IsPrivate  bool
	Password   string `validate:"required_if=IsPrivate true,max=128"`
}

// SettingsUpdate changes owner-controlled room fields. Nil fields are kept.
type SettingsUpdate struct {
	Name       *string `validate:"omitempty,min=1,max=100"`
	Level      *string `validate:"omitempty,min=1,max=20,excludesall=#"`
	MaxMembers *int
}

// Service implements RoomLifecycle
type Service struct {
	store    storage.Store
	hasher   crypto.Hasher
	settings Settings
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store storage.Store, hasher crypto.Hasher, settings Settings, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Service{store: store, hasher: hasher, settings: settings, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func invalid(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidRoom, strings.Join(msgs, "; "))
}

func (s *Service) checkCapacity(n int) error {
	if n < 2 || n > s.settings.MaxMembersCeiling {
		return fmt.Errorf("%w: %d not in [2, %d]", ErrInvalidCapacity, n, s.settings.MaxMembersCeiling)
	}
	return nil
}

// CreateRoom creates a room owned and joined by req.OwnerID. Passwords of
// private rooms are stored as argon2id hashes.
func (s *Service) CreateRoom(ctx context.Context, req CreateRequest) (*Room, error) {
	if err := validate.Struct(req); err != nil {
		return nil, invalid(err)
	}
	if err := s.checkCapacity(req.MaxMembers); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	r := &Room{
		RoomID:         uuid.New().String(),
		Name:           req.Name,
		Level:          req.Level,
		OwnerID:        req.OwnerID,
		IsPrivate:      req.IsPrivate,
		MaxMembers:     req.MaxMembers,
		CurrentMembers: 1,
		MemberIDs:      []string{req.OwnerID},
		RoomStatus:     StatusWaiting,
		GameStatus:     GameNone,
		TotalRounds:    s.settings.TotalRounds,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastMessageAt:  now,
		ExpiresAt:      now.Add(s.settings.TTL).Unix(),
	}
	if req.IsPrivate {
		hash, err := s.hasher.Hash(req.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to hash room password: %w", err)
		}
		r.PasswordHash = hash
	}

	key, err := keys.RoomKey(r.RoomID)
	if err != nil {
		return nil, err
	}
	item, err := storage.NewItem(key, r)
	if err != nil {
		return nil, err
	}
	if err := s.store.Put(ctx, item, storage.IfNotExists()); err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}

	s.logger.Info("room created",
		slog.String("roomId", r.RoomID),
		slog.String("ownerId", r.OwnerID),
		slog.String("level", r.Level),
		slog.Int("maxMembers", r.MaxMembers))
	return r, nil
}

func (s *Service) GetRoom(ctx context.Context, roomID string) (*Room, error) {
	key, err := keys.RoomKey(roomID)
	if err != nil {
		return nil, err
	}
	item, err := s.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	if err != nil {
		return nil, err
	}
	return decode(item)
}

// ListRooms returns rooms newest first. A non-empty level restricts the
// listing to that level.
func (s *Service) ListRooms(ctx context.Context, level string, limit int, cursor string) ([]*Room, string, error) {
	prefix, err := keys.RoomLevelPrefix(level)
	if err != nil {
		return nil, "", err
	}
	page, err := s.store.QueryByIndex(ctx, keys.IndexGSI1, keys.RoomsPartition, storage.QueryOptions{
		SortKeyPrefix: prefix,
		Limit:         limit,
		Cursor:        cursor,
		Descending:    true,
	})
	if err != nil {
		return nil, "", err
	}
	return decodePage(page)
}

func decodePage(page *storage.Page) ([]*Room, string, error) {
	rooms := make([]*Room, 0, len(page.Items))
	for _, item := range page.Items {
		r, err := decode(item)
		if err != nil {
			return nil, "", err
		}
		rooms = append(rooms, r)
	}
	return rooms, page.NextCursor, nil
}

// Join adds userID to the room. Joining twice is a no-op that returns the
// current room. A closed room inside its reconnect window is reopened.
func (s *Service) Join(ctx context.Context, roomID, userID, password string) (*Room, error) {
	if err := keys.ValidateID("userID", userID); err != nil {
		return nil, err
	}
	key, err := keys.RoomKey(roomID)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		r, err := s.GetRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if r.HasMember(userID) {
			return r, nil
		}
		if r.CurrentMembers >= r.MaxMembers {
			return nil, fmt.Errorf("%w: %d/%d", ErrRoomFull, r.CurrentMembers, r.MaxMembers)
		}
		if err := s.checkPassword(r, password); err != nil {
			return nil, err
		}

		now := s.now().UTC()
		patch := storage.NewPatch().
			Add(attrCurrentMembers, 1).
			AddToSet(attrMemberIDs, userID).
			Set(attrUpdatedAt, now).
			When(
				storage.ItemExists(),
				storage.NotContains(attrMemberIDs, userID),
				storage.LessThan(attrCurrentMembers, r.MaxMembers),
				storage.Equals(attrMaxMembers, r.MaxMembers),
			)
		reopen := r.Closed()
		if reopen {
			patch.Set(attrRoomStatus, StatusWaiting).
				Set(attrOwnerID, userID).
				Set(storage.AttrTTL, now.Add(s.settings.TTL).Unix()).
				When(storage.Equals(attrRoomStatus, StatusFinished))
		} else {
			patch.When(storage.NotEquals(attrRoomStatus, StatusFinished))
		}

		item, err := s.store.Update(ctx, key, patch)
		if errors.Is(err, storage.ErrConditionFailed) {
			s.logger.Debug("join condition failed, re-reading room",
				slog.String("roomId", roomID),
				slog.String("userId", userID),
				slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to join room: %w", err)
		}

		joined, err := decode(item)
		if err != nil {
			return nil, err
		}
		s.logger.Info("user joined room",
			slog.String("roomId", roomID),
			slog.String("userId", userID),
			slog.Int("currentMembers", joined.CurrentMembers),
			slog.Bool("reopened", reopen))
		s.announce(ctx, roomID, message.TypeJoin, userID+" joined the room")
		return joined, nil
	}
	return nil, ErrConcurrentUpdate
}

func (s *Service) checkPassword(r *Room, password string) error {
	if !r.IsPrivate {
		return nil
	}
	ok, err := s.hasher.Compare(r.PasswordHash, password)
	if err != nil {
		return fmt.Errorf("failed to verify room password: %w", err)
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

// Leave removes userID from the room. The last member closes the room: it
// expires after the reconnect window and any running game is finished.
// An owner leaving a non-empty room hands ownership to the first remaining
// member by id.
func (s *Service) Leave(ctx context.Context, roomID, userID string) (*Room, error) {
	key, err := keys.RoomKey(roomID)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		r, err := s.GetRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if !r.HasMember(userID) {
			return nil, fmt.Errorf("%w: %s", ErrNotMember, userID)
		}

		now := s.now().UTC()
		patch := storage.NewPatch().
			Add(attrCurrentMembers, -1).
			DeleteFromSet(attrMemberIDs, userID).
			Set(attrUpdatedAt, now).
			When(
				storage.Contains(attrMemberIDs, userID),
				storage.Equals(attrCurrentMembers, r.CurrentMembers),
			)

		last := r.CurrentMembers <= 1
		switch {
		case last:
			patch.Set(attrRoomStatus, StatusFinished).
				Set(storage.AttrTTL, now.Add(s.settings.ReconnectWindow).Unix())
			if r.GameStatus != GameNone {
				patch.Set(attrGameStatus, GameFinished)
				unlistPlaying(patch)
			}
		case r.OwnerID == userID:
			patch.Set(attrOwnerID, nextOwner(r.MemberIDs, userID)).
				When(storage.Equals(attrOwnerID, userID))
		}

		item, err := s.store.Update(ctx, key, patch)
		if errors.Is(err, storage.ErrConditionFailed) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to leave room: %w", err)
		}

		left, err := decode(item)
		if err != nil {
			return nil, err
		}
		s.logger.Info("user left room",
			slog.String("roomId", roomID),
			slog.String("userId", userID),
			slog.Int("currentMembers", left.CurrentMembers),
			slog.Bool("closed", last))
		if !last {
			s.announce(ctx, roomID, message.TypeLeave, userID+" left the room")
		}
		return left, nil
	}
	return nil, ErrConcurrentUpdate
}

func nextOwner(members []string, leaving string) string {
	rest := make([]string, 0, len(members))
	for _, m := range members {
		if m != leaving {
			rest = append(rest, m)
		}
	}
	if len(rest) == 0 {
		return leaving
	}
	sort.Strings(rest)
	return rest[0]
}

// UpdateSettings changes name, level or capacity. Only the owner may do
// this; capacity cannot drop below the current member count.
func (s *Service) UpdateSettings(ctx context.Context, roomID, userID string, upd SettingsUpdate) (*Room, error) {
	if err := validate.Struct(upd); err != nil {
		return nil, invalid(err)
	}
	key, err := keys.RoomKey(roomID)
	if err != nil {
		return nil, err
	}

	patch := storage.NewPatch().
		Set(attrUpdatedAt, s.now().UTC()).
		When(storage.ItemExists(), storage.Equals(attrOwnerID, userID))
	if upd.Name != nil {
		patch.Set(attrName, *upd.Name)
	}
	if upd.Level != nil {
		patch.Set(keys.FieldLevel, *upd.Level)
	}
	if upd.MaxMembers != nil {
		if err := s.checkCapacity(*upd.MaxMembers); err != nil {
			return nil, err
		}
		patch.Set(attrMaxMembers, *upd.MaxMembers).
			When(storage.LessThan(attrCurrentMembers, *upd.MaxMembers+1))
	}

	item, err := s.store.Update(ctx, key, patch)
	if errors.Is(err, storage.ErrConditionFailed) {
		r, getErr := s.GetRoom(ctx, roomID)
		switch {
		case getErr != nil:
			return nil, getErr
		case r.OwnerID != userID:
			return nil, ErrForbidden
		case upd.MaxMembers != nil && r.CurrentMembers > *upd.MaxMembers:
			return nil, fmt.Errorf("%w: %d members already joined", ErrInvalidCapacity, r.CurrentMembers)
		}
		return nil, ErrConcurrentUpdate
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update room: %w", err)
	}
	return decode(item)
}

// DeleteRoom removes the room and everything stored under it. Only the
// owner may delete a room.
func (s *Service) DeleteRoom(ctx context.Context, roomID, userID string) error {
	key, err := keys.RoomKey(roomID)
	if err != nil {
		return err
	}
	err = s.store.Delete(ctx, key, storage.ItemExists(), storage.Equals(attrOwnerID, userID))
	if errors.Is(err, storage.ErrConditionFailed) {
		if _, getErr := s.GetRoom(ctx, roomID); getErr != nil {
			return getErr
		}
		return ErrForbidden
	}
	if err != nil {
		return fmt.Errorf("failed to delete room: %w", err)
	}

	removed, err := s.purge(ctx, key.PK)
	if err != nil {
		s.logger.Warn("room deleted but children remain until they expire",
			slog.String("roomId", roomID),
			slog.String("error", err.Error()))
	}
	s.logger.Info("room deleted",
		slog.String("roomId", roomID),
		slog.Int("childrenRemoved", removed))
	return nil
}

// purge deletes every item left in a room partition.
func (s *Service) purge(ctx context.Context, pk string) (int, error) {
	removed := 0
	for {
		page, err := s.store.QueryByPartition(ctx, pk, storage.QueryOptions{Limit: storage.MaxQueryLimit})
		if err != nil {
			return removed, err
		}
		for _, item := range page.Items {
			k, err := item.Key()
			if err != nil {
				return removed, err
			}
			if err := s.store.Delete(ctx, k); err != nil {
				return removed, err
			}
			removed++
		}
		if page.NextCursor == "" {
			return removed, nil
		}
	}
}
