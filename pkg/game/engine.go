package game

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/epw80/studyhall/pkg/badge"
	"github.com/epw80/studyhall/pkg/keys"
	"github.com/epw80/studyhall/pkg/message"
	"github.com/epw80/studyhall/pkg/notify"
	"github.com/epw80/studyhall/pkg/room"
	"github.com/epw80/studyhall/pkg/scoring"
	"github.com/epw80/studyhall/pkg/storage"
)

// Engine implements GameRoundEngine
type Engine struct {
	store      storage.Store
	rooms      Rooms
	comparator Comparator
	sink       scoring.Sink
	badges     badge.Awarder
	notifier   *notify.Notifier
	questions  QuestionSource
	settings   Settings
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSink sends scoring events for correct guesses and session wins.
func WithSink(s scoring.Sink) Option {
	return func(e *Engine) { e.sink = s }
}

func WithBadges(b badge.Awarder) Option {
	return func(e *Engine) { e.badges = b }
}

func WithNotifier(n *notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithQuestions sets the source StartNextRound draws questions from.
func WithQuestions(q QuestionSource) Option {
	return func(e *Engine) { e.questions = q }
}

func NewEngine(store storage.Store, rooms Rooms, comparator Comparator, settings Settings, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if comparator == nil {
		comparator = ExactMatch
	}
	e := &Engine{
		store:      store,
		rooms:      rooms,
		comparator: comparator,
		settings:   settings,
		logger:     logger,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) retention() time.Time {
	return e.now().Add(e.settings.SessionRetention)
}

// StartRound opens the next round. From WAITING it starts a new session
// with round 1; from ROUND_END it opens the following round. The room's
// members at this moment are the round's participants.
func (e *Engine) StartRound(ctx context.Context, roomID string, q Question) (RoundID, error) {
	if q.Answer == "" {
		return RoundID{}, errors.New("round question has no answer")
	}

	r, err := e.rooms.Transition(ctx, roomID, room.GamePlaying, func(cur *room.Room, p *storage.Patch) error {
		next := cur.CurrentRound + 1
		if cur.GameStatus == room.GameWaiting {
			next = 1
		}
		p.Set(room.AttrCurrentRound, next)
		return nil
	})
	if err != nil {
		return RoundID{}, err
	}

	now := e.now().UTC()
	rd := &Round{
		RoomID:       roomID,
		Session:      r.GameSession,
		Round:        r.CurrentRound,
		Prompt:       q.Prompt,
		Answer:       q.Answer,
		Participants: append([]string(nil), r.MemberIDs...),
		StartedAt:    now,
		StartedAtMs:  now.UnixMilli(),
		TimeLimitMs:  e.settings.RoundTimeLimit.Milliseconds(),
	}
	key, err := keys.RoundKey(roomID, rd.Session, rd.Round)
	if err != nil {
		return RoundID{}, err
	}
	item, err := storage.NewItem(key, rd)
	if err != nil {
		return RoundID{}, err
	}
	item.ExpireAt(e.retention())
	if err := e.store.Put(ctx, item, storage.IfNotExists()); err != nil {
		// the room already moved on; end the round so the game can continue
		if _, endErr := e.EndRound(ctx, rd.ID(), EndAbandoned); endErr != nil {
			e.logger.Warn("failed to end unrecorded round",
				slog.String("round", rd.ID().String()),
				slog.String("error", endErr.Error()))
		}
		return RoundID{}, fmt.Errorf("failed to record round %s: %w", rd.ID(), err)
	}

	e.logger.Info("round started",
		slog.String("roomId", roomID),
		slog.Int("session", rd.Session),
		slog.Int("round", rd.Round),
		slog.Int("participants", len(rd.Participants)))
	e.announce(ctx, roomID, fmt.Sprintf("Round %d of %d started", rd.Round, r.TotalRounds))
	return rd.ID(), nil
}

// GetRound returns the stored round record.
func (e *Engine) GetRound(ctx context.Context, id RoundID) (*Round, error) {
	key, err := keys.RoundKey(id.RoomID, id.Session, id.Round)
	if err != nil {
		return nil, err
	}
	item, err := e.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoOpenRound, id)
	}
	if err != nil {
		return nil, err
	}
	var rd Round
	if err := item.Unmarshal(&rd); err != nil {
		return nil, fmt.Errorf("failed to decode round: %w", err)
	}
	return &rd, nil
}

// SubmitGuess evaluates a participant's answer. Only the first correct guess
// per user and round scores; later submissions return that outcome.
// Guesses after the round ended or its time limit passed fail with
// ErrRoundClosed.
func (e *Engine) SubmitGuess(ctx context.Context, id RoundID, userID, answer string, submittedAtMs int64) (GuessOutcome, error) {
	rd, err := e.GetRound(ctx, id)
	if err != nil {
		return GuessOutcome{}, err
	}
	guessKey, err := keys.GuessKey(id.RoomID, id.Session, id.Round, userID)
	if err != nil {
		return GuessOutcome{}, err
	}
	if !rd.hasParticipant(userID) {
		return GuessOutcome{}, fmt.Errorf("%w: %s", ErrNotParticipant, userID)
	}

	if prior, ok, err := e.priorOutcome(ctx, guessKey, rd); err != nil || ok {
		return prior, err
	}

	elapsed := max(submittedAtMs-rd.StartedAtMs, 0)
	if rd.Closed || elapsed > rd.TimeLimitMs {
		return GuessOutcome{}, fmt.Errorf("%w: %s", ErrRoundClosed, id)
	}

	correct, err := e.comparator.Correct(ctx, rd, answer)
	if err != nil {
		return GuessOutcome{}, fmt.Errorf("failed to evaluate guess: %w", err)
	}

	out := GuessOutcome{
		RoundID:       id,
		UserID:        userID,
		Correct:       correct,
		SubmittedAtMs: submittedAtMs,
		ElapsedMs:     elapsed,
	}
	if correct {
		out.QuickGuess = elapsed < e.settings.QuickGuessThreshold.Milliseconds()
		out.Points = e.settings.BasePoints
		if out.QuickGuess {
			out.Points += e.settings.QuickGuessBonus
		}
	}

	patch := storage.NewPatch().
		Set("userId", userID).
		Set("correct", out.Correct).
		Set("lastAnswer", answer).
		Set(storage.AttrTTL, e.retention().Unix()).
		Add("attempts", 1).
		When(storage.AnyOf(storage.ItemNotExists(), storage.Equals("correct", false)))
	if correct {
		patch.Set("quickGuess", out.QuickGuess).
			Set("points", out.Points).
			Set("submittedAtMs", out.SubmittedAtMs).
			Set("elapsedMs", out.ElapsedMs)
	}
	item, err := e.store.Update(ctx, guessKey, patch)
	if errors.Is(err, storage.ErrConditionFailed) {
		// a concurrent submission of the same user was correct first
		prior, _, err := e.priorOutcome(ctx, guessKey, rd)
		return prior, err
	}
	if err != nil {
		return GuessOutcome{}, fmt.Errorf("failed to record guess: %w", err)
	}
	out.Attempts = int(item.Int("attempts"))
	if !correct {
		return out, nil
	}
	return e.credit(ctx, rd, guessKey, out)
}

// priorOutcome returns the stored outcome of a correct guess, if any. A
// correct guess whose credit was interrupted is credited now.
func (e *Engine) priorOutcome(ctx context.Context, key keys.Key, rd *Round) (GuessOutcome, bool, error) {
	item, err := e.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return GuessOutcome{}, false, nil
	}
	if err != nil {
		return GuessOutcome{}, false, err
	}
	var out GuessOutcome
	if err := item.Unmarshal(&out); err != nil {
		return GuessOutcome{}, false, fmt.Errorf("failed to decode guess: %w", err)
	}
	if !out.Correct {
		return GuessOutcome{}, false, nil
	}
	out.RoundID = rd.ID()

	if !out.Credited {
		out, err = e.credit(ctx, rd, key, out)
		return out, true, err
	}

	current, err := e.GetRound(ctx, rd.ID())
	if err != nil {
		return GuessOutcome{}, false, err
	}
	out.AllAnswered = current.CorrectCount >= len(current.Participants)
	return out, true, nil
}

// credit adds a stored correct guess to the session score and the round's
// correct count, then marks the guess credited. Both counters remember which
// guesses they hold, so a retry after a partial failure applies only the
// missing part. The scoring event goes with the write that marks the guess.
func (e *Engine) credit(ctx context.Context, rd *Round, guessKey keys.Key, out GuessOutcome) (GuessOutcome, error) {
	id := rd.ID()
	if err := e.addSessionScore(ctx, id, out); err != nil {
		return GuessOutcome{}, err
	}
	roundItem, err := e.bumpCorrectCount(ctx, id, out.UserID)
	if err != nil {
		return GuessOutcome{}, err
	}
	out.AllAnswered = int(roundItem.Int("correctCount")) >= len(rd.Participants)

	mark := storage.NewPatch().
		Set("credited", true).
		When(storage.Equals("correct", true), storage.NotExists("credited"))
	_, err = e.store.Update(ctx, guessKey, mark)
	if errors.Is(err, storage.ErrConditionFailed) {
		// a concurrent retry of the same guess got here first
		out.Credited = true
		return out, nil
	}
	if err != nil {
		return GuessOutcome{}, fmt.Errorf("failed to mark guess credited: %w", err)
	}
	out.Credited = true

	e.logger.Info("correct guess",
		slog.String("round", id.String()),
		slog.String("userId", out.UserID),
		slog.Int("points", out.Points),
		slog.Bool("quickGuess", out.QuickGuess),
		slog.Int64("elapsedMs", out.ElapsedMs))
	e.record(ctx, scoring.Event{
		Type:   scoring.EventGameCorrect,
		UserID: out.UserID,
		Score:  out.Points,
		At:     e.now(),
	})
	return out, nil
}

// addSessionScore adds the guess's points to the player's session score.
// The round number is kept in a set on the score so each round counts once.
func (e *Engine) addSessionScore(ctx context.Context, id RoundID, out GuessOutcome) error {
	key, err := keys.SessionScoreKey(id.RoomID, id.Session, out.UserID)
	if err != nil {
		return err
	}
	round := strconv.Itoa(id.Round)
	patch := storage.NewPatch().
		Set("userId", out.UserID).
		Set(storage.AttrTTL, e.retention().Unix()).
		Add("score", int64(out.Points)).
		Add("correctCount", 1).
		AddToSet("creditedRounds", round).
		SetIfAbsent("firstCorrectAtMs", out.SubmittedAtMs).
		When(storage.NotContains("creditedRounds", round))
	if out.QuickGuess {
		patch.Add("quickCount", 1)
	}
	_, err = e.store.Update(ctx, key, patch)
	if err != nil && !errors.Is(err, storage.ErrConditionFailed) {
		return fmt.Errorf("failed to update session score: %w", err)
	}
	return nil
}

// bumpCorrectCount counts userID's correct guess on the round record once
// and returns the record as it stands.
func (e *Engine) bumpCorrectCount(ctx context.Context, id RoundID, userID string) (storage.Item, error) {
	key, err := keys.RoundKey(id.RoomID, id.Session, id.Round)
	if err != nil {
		return nil, err
	}
	patch := storage.NewPatch().
		Add("correctCount", 1).
		AddToSet("correctUsers", userID).
		When(storage.ItemExists(), storage.NotContains("correctUsers", userID))
	item, err := e.store.Update(ctx, key, patch)
	if errors.Is(err, storage.ErrConditionFailed) {
		item, err = e.store.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNoOpenRound, id)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to count correct guess: %w", err)
	}
	return item, nil
}

// record hands an event to the scoring sink. Aggregation failures never
// undo a game action.
func (e *Engine) record(ctx context.Context, event scoring.Event) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Record(ctx, event); err != nil {
		e.logger.Warn("scoring event not fully recorded",
			slog.String("type", string(event.Type)),
			slog.String("userId", event.UserID),
			slog.String("error", err.Error()))
	}
}

func (e *Engine) announce(ctx context.Context, roomID, content string) {
	if _, err := e.rooms.PostSystemMessage(ctx, roomID, message.TypeGame, content); err != nil {
		e.logger.Warn("failed to post game announcement",
			slog.String("roomId", roomID),
			slog.String("error", err.Error()))
	}
}
