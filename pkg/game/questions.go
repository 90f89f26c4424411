package game

import (
	"context"
	"errors"
	"fmt"

	"github.com/epw80/studyhall/pkg/room"
	"github.com/epw80/studyhall/pkg/word"
)

var ErrNoQuestions = errors.New("no question source configured")

// QuestionSource chooses the question of the next round in a room
type QuestionSource interface {
	Question(ctx context.Context, r *room.Room) (Question, error)
}

// WordPicker chooses a vocabulary word of a level
type WordPicker interface {
	Pick(ctx context.Context, level string) (word.Word, error)
}

// WordQuestions asks for the english form of a korean word at the room's level.
type WordQuestions struct {
	words WordPicker
}

func NewWordQuestions(words WordPicker) *WordQuestions {
	return &WordQuestions{words: words}
}

func (q *WordQuestions) Question(ctx context.Context, r *room.Room) (Question, error) {
	w, err := q.words.Pick(ctx, r.Level)
	if err != nil {
		return Question{}, fmt.Errorf("failed to pick a word for room %s: %w", r.RoomID, err)
	}
	return Question{Prompt: w.Korean, Answer: w.English}, nil
}

// StartNextRound opens the next round with a question from the engine's
// question source.
func (e *Engine) StartNextRound(ctx context.Context, roomID string) (RoundID, error) {
	if e.questions == nil {
		return RoundID{}, ErrNoQuestions
	}
	r, err := e.rooms.GetRoom(ctx, roomID)
	if err != nil {
		return RoundID{}, err
	}
	if err := r.CheckTransition(room.GamePlaying); err != nil {
		return RoundID{}, err
	}
	q, err := e.questions.Question(ctx, r)
	if err != nil {
		return RoundID{}, err
	}
	return e.StartRound(ctx, roomID, q)
}
