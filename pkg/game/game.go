// Package game runs game sessions inside a room: timed rounds, guesses
// scored with a quick-guess bonus, and the session ranking.
//
// Rounds, guesses and per-session scores are stored in the room partition.
// The room's game status is the source of truth for which round is open;
// every round boundary is a conditional transition on the room record.
package game

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/epw80/studyhall/pkg/config"
	"github.com/epw80/studyhall/pkg/message"
	"github.com/epw80/studyhall/pkg/room"
)

var (
	ErrRoundClosed    = errors.New("round is closed")
	ErrNotParticipant = errors.New("user is not a participant of the round")
	ErrNoOpenRound    = errors.New("no open round")
)

// End reasons
const (
	EndTimeout     = "TIMEOUT"
	EndAllAnswered = "ALL_ANSWERED"
	EndManual      = "MANUAL"
	// EndAbandoned ends a round whose record could not be written
	EndAbandoned = "ABANDONED"
)

// RoundID identifies one round of one session in a room
type RoundID struct {
	RoomID  string `json:"roomId"`
	Session int    `json:"session"`
	Round   int    `json:"round"`
}

func (id RoundID) String() string {
	return fmt.Sprintf("%s/%d/%d", id.RoomID, id.Session, id.Round)
}

// Question is what a round asks
type Question struct {
	Prompt string
	Answer string
}

// Round is the stored record of a round
type Round struct {
	RoomID       string     `dynamodbav:"roomId" json:"roomId"`
	Session      int        `dynamodbav:"session" json:"session"`
	Round        int        `dynamodbav:"round" json:"round"`
	Prompt       string     `dynamodbav:"prompt" json:"prompt"`
	Answer       string     `dynamodbav:"answer" json:"-"`
	Participants []string   `dynamodbav:"participants,stringset,omitempty" json:"participants"`
	StartedAt    time.Time  `dynamodbav:"startedAt" json:"startedAt"`
	StartedAtMs  int64      `dynamodbav:"startedAtMs" json:"startedAtMs"`
	TimeLimitMs  int64      `dynamodbav:"timeLimitMs" json:"timeLimitMs"`
	CorrectCount int        `dynamodbav:"correctCount" json:"correctCount"`
	Closed       bool       `dynamodbav:"closed" json:"closed"`
	EndReason    string     `dynamodbav:"endReason,omitempty" json:"endReason,omitempty"`
	EndedAt      *time.Time `dynamodbav:"endedAt,omitempty" json:"endedAt,omitempty"`
}

func (r *Round) ID() RoundID {
	return RoundID{RoomID: r.RoomID, Session: r.Session, Round: r.Round}
}

func (r *Round) hasParticipant(userID string) bool {
	for _, p := range r.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// GuessOutcome is the result of a guess. A repeated submission after a
// correct guess returns the stored outcome.
type GuessOutcome struct {
	RoundID       RoundID `dynamodbav:"-" json:"roundId"`
	UserID        string  `dynamodbav:"userId" json:"userId"`
	Correct       bool    `dynamodbav:"correct" json:"correct"`
	QuickGuess    bool    `dynamodbav:"quickGuess" json:"quickGuess"`
	Points        int     `dynamodbav:"points" json:"points"`
	SubmittedAtMs int64   `dynamodbav:"submittedAtMs" json:"submittedAtMs"`
	ElapsedMs     int64   `dynamodbav:"elapsedMs" json:"elapsedMs"`
	Attempts      int     `dynamodbav:"attempts" json:"attempts"`
	// Credited is set once the points reached the session score
	Credited bool `dynamodbav:"credited" json:"-"`
	// AllAnswered reports that every participant holds a correct guess
	AllAnswered bool `dynamodbav:"-" json:"allAnswered"`
}

// RoundSummary is the result of EndRound
type RoundSummary struct {
	RoundID      RoundID  `json:"roundId"`
	Reason       string   `json:"reason"`
	Participants []string `json:"participants"`
	Correct      []string `json:"correct"`
	Perfect      bool     `json:"perfect"`
	// Session is set when the round was the last one of the session
	Session *SessionSummary `json:"session,omitempty"`
}

// PlayerScore is one row of a session ranking
type PlayerScore struct {
	Rank             int    `dynamodbav:"-" json:"rank"`
	UserID           string `dynamodbav:"userId" json:"userId"`
	Score            int    `dynamodbav:"score" json:"score"`
	CorrectCount     int    `dynamodbav:"correctCount" json:"correctCount"`
	QuickCount       int    `dynamodbav:"quickCount" json:"quickCount"`
	FirstCorrectAtMs int64  `dynamodbav:"firstCorrectAtMs" json:"firstCorrectAtMs"`
}

// SessionSummary is the result of EndSession
type SessionSummary struct {
	RoomID   string        `json:"roomId"`
	Session  int           `json:"session"`
	Rankings []PlayerScore `json:"rankings"`
	Winner   string        `json:"winner,omitempty"`
}

// Comparator decides whether an answer is correct for a round
type Comparator interface {
	Correct(ctx context.Context, round *Round, answer string) (bool, error)
}

// ComparatorFunc adapts a function to Comparator.
type ComparatorFunc func(ctx context.Context, round *Round, answer string) (bool, error)

func (f ComparatorFunc) Correct(ctx context.Context, round *Round, answer string) (bool, error) {
	return f(ctx, round, answer)
}

// ExactMatch compares answers ignoring case and surrounding space.
var ExactMatch = ComparatorFunc(func(_ context.Context, round *Round, answer string) (bool, error) {
	return strings.EqualFold(strings.TrimSpace(answer), strings.TrimSpace(round.Answer)), nil
})

// Rooms is the part of the room lifecycle the engine drives
type Rooms interface {
	GetRoom(ctx context.Context, roomID string) (*room.Room, error)
	Transition(ctx context.Context, roomID string, to room.GameStatus, mutate room.Mutator) (*room.Room, error)
	PostSystemMessage(ctx context.Context, roomID string, t message.Type, content string) (*message.Message, error)
}

// Settings tunes the engine
type Settings struct {
	RoundTimeLimit      time.Duration
	QuickGuessThreshold time.Duration
	BasePoints          int
	QuickGuessBonus     int
	// WinBonus is the score of the GAME_WIN event for a session winner
	WinBonus         int
	SessionRetention time.Duration
}

func SettingsFromConfig(cfg config.GameConfig) Settings {
	return Settings{
		RoundTimeLimit:      cfg.RoundTimeLimit,
		QuickGuessThreshold: time.Duration(cfg.QuickGuessThresholdMs) * time.Millisecond,
		BasePoints:          cfg.BasePoints,
		QuickGuessBonus:     cfg.QuickGuessBonus,
		WinBonus:            cfg.BasePoints * 2,
		SessionRetention:    cfg.SessionRetention,
	}
}
