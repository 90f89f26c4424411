package game

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/epw80/studyhall/pkg/badge"
	"github.com/epw80/studyhall/pkg/keys"
	"github.com/epw80/studyhall/pkg/notify"
	"github.com/epw80/studyhall/pkg/room"
	"github.com/epw80/studyhall/pkg/scoring"
	"github.com/epw80/studyhall/pkg/storage"
)

// EndRound closes the round and moves the room to ROUND_END. When every
// participant answered correctly the round is perfect and each of them
// earns the perfect round badge. Ending the last round also ends the session.
func (e *Engine) EndRound(ctx context.Context, id RoundID, reason string) (*RoundSummary, error) {
	rd, err := e.GetRound(ctx, id)
	recorded := err == nil
	if errors.Is(err, ErrNoOpenRound) {
		rd, err = e.unrecordedRound(ctx, id, err)
	}
	if err != nil {
		return nil, err
	}
	if rd.Closed {
		return nil, fmt.Errorf("%w: %s", ErrRoundClosed, id)
	}

	r, err := e.rooms.Transition(ctx, id.RoomID, room.GameRoundEnd, func(cur *room.Room, _ *storage.Patch) error {
		if cur.GameSession != id.Session || cur.CurrentRound != id.Round {
			return fmt.Errorf("%w: %s is not the current round", ErrRoundClosed, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if recorded {
		e.closeRecord(ctx, id, reason)
	}

	correct, err := e.correctGuessers(ctx, id)
	if err != nil {
		return nil, err
	}
	summary := &RoundSummary{
		RoundID:      id,
		Reason:       reason,
		Participants: rd.Participants,
		Correct:      correct,
		Perfect:      len(rd.Participants) > 0,
	}
	for _, p := range rd.Participants {
		if !slices.Contains(correct, p) {
			summary.Perfect = false
			break
		}
	}

	e.logger.Info("round ended",
		slog.String("round", id.String()),
		slog.String("reason", reason),
		slog.Int("correct", len(correct)),
		slog.Int("participants", len(rd.Participants)),
		slog.Bool("perfect", summary.Perfect))
	if summary.Perfect {
		e.awardAll(ctx, rd.Participants, badge.TypePerfectRound, map[string]string{
			"roomId": id.RoomID,
			"round":  id.String(),
		})
	}
	e.announce(ctx, id.RoomID, fmt.Sprintf("Round %d ended: %d of %d correct", id.Round, len(correct), len(rd.Participants)))

	if !r.RoundsLeft() {
		session, err := e.EndSession(ctx, id.RoomID)
		if err != nil {
			return summary, fmt.Errorf("round ended but session did not: %w", err)
		}
		summary.Session = session
	}
	return summary, nil
}

func (e *Engine) closeRecord(ctx context.Context, id RoundID, reason string) {
	key, err := keys.RoundKey(id.RoomID, id.Session, id.Round)
	if err != nil {
		return
	}
	closePatch := storage.NewPatch().
		Set("closed", true).
		Set("endReason", reason).
		Set("endedAt", e.now().UTC()).
		When(storage.Equals("closed", false))
	if _, err := e.store.Update(ctx, key, closePatch); err != nil {
		e.logger.Warn("failed to close round record",
			slog.String("round", id.String()),
			slog.String("error", err.Error()))
	}
}

// unrecordedRound stands in for the record of the room's open round when
// the write that should have created it failed. Any other missing round
// keeps notFound.
func (e *Engine) unrecordedRound(ctx context.Context, id RoundID, notFound error) (*Round, error) {
	r, err := e.rooms.GetRoom(ctx, id.RoomID)
	if err != nil {
		return nil, err
	}
	if r.GameStatus != room.GamePlaying || r.GameSession != id.Session || r.CurrentRound != id.Round {
		return nil, notFound
	}
	return &Round{
		RoomID:      id.RoomID,
		Session:     id.Session,
		Round:       id.Round,
		StartedAt:   r.UpdatedAt,
		StartedAtMs: r.UpdatedAt.UnixMilli(),
		TimeLimitMs: e.settings.RoundTimeLimit.Milliseconds(),
	}, nil
}

func (e *Engine) correctGuessers(ctx context.Context, id RoundID) ([]string, error) {
	pk, err := keys.RoomPartition(id.RoomID)
	if err != nil {
		return nil, err
	}
	prefix, err := keys.GuessPrefix(id.Session, id.Round)
	if err != nil {
		return nil, err
	}

	var correct []string
	opts := storage.QueryOptions{SortKeyPrefix: prefix, Limit: storage.MaxQueryLimit}
	for {
		page, err := e.store.QueryByPartition(ctx, pk, opts)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			var g GuessOutcome
			if err := item.Unmarshal(&g); err != nil {
				return nil, fmt.Errorf("failed to decode guess: %w", err)
			}
			if g.Correct {
				correct = append(correct, g.UserID)
			}
		}
		if page.NextCursor == "" {
			break
		}
		opts.Cursor = page.NextCursor
	}
	slices.Sort(correct)
	return correct, nil
}

// EndSession finishes the game once all rounds were played and ranks the
// players: higher score first, then the earlier first correct guess, then
// user id.
func (e *Engine) EndSession(ctx context.Context, roomID string) (*SessionSummary, error) {
	r, err := e.rooms.Transition(ctx, roomID, room.GameFinished, nil)
	if err != nil {
		return nil, err
	}

	rankings, err := e.SessionScores(ctx, roomID, r.GameSession)
	if err != nil {
		return nil, err
	}
	summary := &SessionSummary{RoomID: roomID, Session: r.GameSession, Rankings: rankings}
	if len(rankings) > 0 && rankings[0].Score > 0 {
		summary.Winner = rankings[0].UserID
	}

	e.logger.Info("game session finished",
		slog.String("roomId", roomID),
		slog.Int("session", r.GameSession),
		slog.Int("players", len(rankings)),
		slog.String("winner", summary.Winner))

	if summary.Winner != "" {
		e.record(ctx, scoring.Event{
			Type:   scoring.EventGameWin,
			UserID: summary.Winner,
			Score:  e.settings.WinBonus,
			At:     e.now(),
		})
		e.notifier.Notify(ctx, notify.Event{
			Type:   notify.TypeGameWin,
			UserID: summary.Winner,
			Payload: map[string]any{
				"roomId":  roomID,
				"session": r.GameSession,
				"score":   rankings[0].Score,
			},
		})
		e.awardAll(ctx, []string{summary.Winner}, badge.TypeGameWinner, map[string]string{"roomId": roomID})
		e.announce(ctx, roomID, fmt.Sprintf("Game over, %s wins with %d points", summary.Winner, rankings[0].Score))
	} else {
		e.announce(ctx, roomID, "Game over, nobody scored")
	}
	return summary, nil
}

// SessionScores returns the ranked scores of one session.
func (e *Engine) SessionScores(ctx context.Context, roomID string, session int) ([]PlayerScore, error) {
	pk, err := keys.RoomPartition(roomID)
	if err != nil {
		return nil, err
	}
	prefix, err := keys.SessionScorePrefix(session)
	if err != nil {
		return nil, err
	}

	var scores []PlayerScore
	opts := storage.QueryOptions{SortKeyPrefix: prefix, Limit: storage.MaxQueryLimit}
	for {
		page, err := e.store.QueryByPartition(ctx, pk, opts)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			var ps PlayerScore
			if err := item.Unmarshal(&ps); err != nil {
				return nil, fmt.Errorf("failed to decode session score: %w", err)
			}
			scores = append(scores, ps)
		}
		if page.NextCursor == "" {
			break
		}
		opts.Cursor = page.NextCursor
	}
	rank(scores)
	return scores, nil
}

func rank(scores []PlayerScore) {
	slices.SortFunc(scores, func(a, b PlayerScore) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := compareFirstCorrect(a.FirstCorrectAtMs, b.FirstCorrectAtMs); c != 0 {
			return c
		}
		return cmp.Compare(a.UserID, b.UserID)
	})
	for i := range scores {
		scores[i].Rank = i + 1
	}
}

// compareFirstCorrect orders earlier timestamps first; zero means never.
func compareFirstCorrect(a, b int64) int {
	switch {
	case a == b:
		return 0
	case a == 0:
		return 1
	case b == 0:
		return -1
	}
	return cmp.Compare(a, b)
}

func (e *Engine) awardAll(ctx context.Context, userIDs []string, badgeType string, detail map[string]string) {
	if e.badges == nil {
		return
	}
	for _, u := range userIDs {
		if _, _, err := e.badges.Award(ctx, u, badgeType, detail); err != nil {
			e.logger.Warn("failed to award badge",
				slog.String("userId", u),
				slog.String("badgeType", badgeType),
				slog.String("error", err.Error()))
		}
	}
}

// CheckTimeout ends the open round of a room once its time limit passed.
// It returns nil when no round timed out, including when another worker
// ended the round first.
func (e *Engine) CheckTimeout(ctx context.Context, roomID string) (*RoundSummary, error) {
	r, err := e.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if r.GameStatus != room.GamePlaying || r.CurrentRound < 1 {
		return nil, nil
	}

	id := RoundID{RoomID: roomID, Session: r.GameSession, Round: r.CurrentRound}
	rd, err := e.GetRound(ctx, id)
	if errors.Is(err, ErrNoOpenRound) {
		// the room entered PLAYING but the round was never recorded; its
		// clock runs from the transition
		rd, err = e.unrecordedRound(ctx, id, err)
	}
	if errors.Is(err, ErrNoOpenRound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if e.now().UnixMilli()-rd.StartedAtMs < rd.TimeLimitMs {
		return nil, nil
	}

	summary, err := e.EndRound(ctx, id, EndTimeout)
	if errors.Is(err, ErrRoundClosed) || errors.Is(err, room.ErrIllegalTransition) {
		return nil, nil
	}
	return summary, err
}
