// Package scoring defines the events raised by scoring actions and the sinks
// that aggregate them.
package scoring

import (
	"context"
	"errors"
	"time"

	"github.com/epw80/studyhall/pkg/keys"
)

// EventType names a scoring action. It becomes a per-type counter on the
// user's stats records.
type EventType string

const (
	// EventGameCorrect is a first correct guess in a game round
	EventGameCorrect EventType = "GAME_CORRECT"
	// EventGameWin is awarded to the winner of a finished session
	EventGameWin EventType = "GAME_WIN"
	// EventStudySession is a completed study session outside games
	EventStudySession EventType = "STUDY_SESSION"
	// EventQuiz is a graded quiz answer
	EventQuiz EventType = "QUIZ"
)

// ErrInvalidEvent is returned for events missing a type or user.
var ErrInvalidEvent = errors.New("invalid scoring event")

// Event is one discrete scoring action
type Event struct {
	Type   EventType
	UserID string
	Score  int
	At     time.Time
	// Periods overrides the period contexts derived from At.
	Periods []keys.Period
}

// Validate checks the fields every sink relies on.
func (e Event) Validate() error {
	if e.Type == "" {
		return errors.Join(ErrInvalidEvent, errors.New("missing type"))
	}
	if err := keys.ValidateID("userID", e.UserID); err != nil {
		return errors.Join(ErrInvalidEvent, err)
	}
	if e.At.IsZero() && len(e.Periods) == 0 {
		return errors.Join(ErrInvalidEvent, errors.New("missing time"))
	}
	return nil
}

// PeriodContexts returns the DAILY, WEEKLY, MONTHLY and TOTAL contexts the
// event counts towards, with calendar boundaries taken in loc.
func (e Event) PeriodContexts(loc *time.Location) []keys.Period {
	if len(e.Periods) > 0 {
		return e.Periods
	}
	if loc == nil {
		loc = time.UTC
	}
	return keys.PeriodsAt(e.At.In(loc))
}

// Sink consumes scoring events
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Record(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Fanout records an event in every sink, continuing past failures.
type Fanout []Sink

func (f Fanout) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
