package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/epw80/studyhall/pkg/keys"
	"github.com/epw80/studyhall/pkg/storage"
)

// Mutator adds fields to a game status transition. It sees the room as read
// before the transition and writes into the same conditional update.
type Mutator func(r *Room, p *storage.Patch) error

// TransitionGameStatus moves the room's game session to `to`. Invalid moves
// fail with ErrIllegalTransition and change nothing.
func (s *Service) TransitionGameStatus(ctx context.Context, roomID string, to GameStatus) (*Room, error) {
	return s.Transition(ctx, roomID, to, nil)
}

// Transition is TransitionGameStatus with extra fields written atomically
// with the status change. The update is conditional on the status and round
// read, so concurrent transitions cannot both succeed from the same state.
func (s *Service) Transition(ctx context.Context, roomID string, to GameStatus, mutate Mutator) (*Room, error) {
	key, err := keys.RoomKey(roomID)
	if err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		r, err := s.GetRoom(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if err := r.CheckTransition(to); err != nil {
			return nil, err
		}

		now := s.now().UTC()
		patch := storage.NewPatch().
			Set(attrGameStatus, to).
			Set(attrRoomStatus, roomStatusFor(to)).
			Set(attrUpdatedAt, now).
			Set(attrLastMessageAt, now).
			When(
				storage.ItemExists(),
				storage.Equals(attrGameStatus, r.GameStatus),
				storage.Equals(AttrCurrentRound, r.CurrentRound),
				storage.NotEquals(attrRoomStatus, StatusFinished),
			)
		if r.GameStatus == GameWaiting && to == GamePlaying {
			// a new session
			patch.Add(attrGameSession, 1).
				Set(AttrCurrentRound, 0).
				Set(attrTotalRounds, s.settings.TotalRounds)
		}
		if to == GamePlaying {
			if err := listPlaying(patch, roomID); err != nil {
				return nil, err
			}
		} else {
			unlistPlaying(patch)
		}
		if mutate != nil {
			if err := mutate(r, patch); err != nil {
				return nil, err
			}
		}

		item, err := s.store.Update(ctx, key, patch)
		if errors.Is(err, storage.ErrConditionFailed) {
			s.logger.Debug("game status changed concurrently, re-reading room",
				slog.String("roomId", roomID),
				slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to transition game status: %w", err)
		}

		next, err := decode(item)
		if err != nil {
			return nil, err
		}
		s.logger.Info("game status changed",
			slog.String("roomId", roomID),
			slog.String("from", string(r.GameStatus)),
			slog.String("to", string(next.GameStatus)),
			slog.Int("session", next.GameSession),
			slog.Int("round", next.CurrentRound))
		return next, nil
	}
	return nil, ErrConcurrentUpdate
}

// listPlaying adds the room to the active games listing.
func listPlaying(p *storage.Patch, roomID string) error {
	k, err := keys.ActiveGameProjection(roomID)
	if err != nil {
		return err
	}
	p.Set(storage.AttrGSI2PK, k.PK).Set(storage.AttrGSI2SK, k.SK)
	return nil
}

func unlistPlaying(p *storage.Patch) {
	p.Remove(storage.AttrGSI2PK, storage.AttrGSI2SK)
}

// ListActiveGames returns the rooms with an open round.
func (s *Service) ListActiveGames(ctx context.Context, limit int, cursor string) ([]*Room, string, error) {
	page, err := s.store.QueryByIndex(ctx, keys.IndexGSI2, keys.ActiveGamesPartition, storage.QueryOptions{
		Limit:  limit,
		Cursor: cursor,
	})
	if err != nil {
		return nil, "", err
	}
	return decodePage(page)
}

// CanStartGame reports whether a new game session may begin in the room.
func (s *Service) CanStartGame(ctx context.Context, roomID string) (bool, error) {
	r, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return false, err
	}
	return !r.Closed() && r.CanStartGame(), nil
}

func (s *Service) IsGameActive(ctx context.Context, roomID string) (bool, error) {
	r, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return false, err
	}
	return r.IsGameActive(), nil
}
