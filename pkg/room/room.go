// Package room implements the room lifecycle: creation, membership with a
// capacity limit, the game status state machine and the room timeline.
//
// Every mutation is a single conditional store update. Callers never
// read-modify-write a room; a failed condition is re-read and classified.
package room

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/epw80/studyhall/pkg/config"
	"github.com/epw80/studyhall/pkg/storage"
)

var (
	ErrInvalidCapacity   = errors.New("invalid room capacity")
	ErrRoomFull          = errors.New("room is full")
	ErrUnauthorized      = errors.New("wrong room password")
	ErrIllegalTransition = errors.New("illegal game status transition")
	ErrRoomNotFound      = errors.New("room not found")
	ErrNotMember         = errors.New("user is not a member of the room")
	ErrForbidden         = errors.New("only the room owner may do this")
	ErrConcurrentUpdate  = errors.New("room changed concurrently, try again")
	ErrInvalidRoom       = errors.New("invalid room request")
	ErrMessageNotFound   = errors.New("message not found")
)

// RoomStatus is the room-level status
type RoomStatus string

const (
	StatusWaiting  RoomStatus = "WAITING"
	StatusPlaying  RoomStatus = "PLAYING"
	StatusFinished RoomStatus = "FINISHED"
)

// GameStatus is the game session sub-state of a room
type GameStatus string

const (
	GameNone     GameStatus = "NONE"
	GameWaiting  GameStatus = "WAITING"
	GamePlaying  GameStatus = "PLAYING"
	GameRoundEnd GameStatus = "ROUND_END"
	GameFinished GameStatus = "FINISHED"
)

var transitions = map[GameStatus][]GameStatus{
	GameNone:     {GameWaiting},
	GameWaiting:  {GamePlaying},
	GamePlaying:  {GameRoundEnd},
	GameRoundEnd: {GamePlaying, GameFinished},
	GameFinished: {GameWaiting},
}

// CanTransition reports whether the state machine has an edge from -> to.
// Round count guards are checked separately by Room.CheckTransition.
func CanTransition(from, to GameStatus) bool {
	return slices.Contains(transitions[from], to)
}

func (s GameStatus) CanStartGame() bool {
	return s == GameNone || s == GameFinished
}

func (s GameStatus) IsGameActive() bool {
	return s == GamePlaying || s == GameRoundEnd
}

func roomStatusFor(s GameStatus) RoomStatus {
	if s.IsGameActive() {
		return StatusPlaying
	}
	return StatusWaiting
}

// AttrCurrentRound holds the number of the round being played or just ended.
const AttrCurrentRound = "currentRound"

// Attribute names used in conditions and patches
const (
	attrOwnerID        = "ownerId"
	attrName           = "name"
	attrMaxMembers     = "maxMembers"
	attrCurrentMembers = "currentMembers"
	attrMemberIDs      = "memberIds"
	attrRoomStatus     = "roomStatus"
	attrGameStatus     = "gameStatus"
	attrGameSession    = "gameSession"
	attrTotalRounds    = "totalRounds"
	attrUpdatedAt      = "updatedAt"
	attrLastMessageAt  = "lastMessageAt"
)

// Room is a chat room that can host game sessions
type Room struct {
	RoomID         string     `dynamodbav:"roomId" json:"roomId"`
	Name           string     `dynamodbav:"name" json:"name"`
	Level          string     `dynamodbav:"level" json:"level"`
	OwnerID        string     `dynamodbav:"ownerId" json:"ownerId"`
	IsPrivate      bool       `dynamodbav:"isPrivate" json:"isPrivate"`
	PasswordHash   string     `dynamodbav:"passwordHash,omitempty" json:"-"`
	MaxMembers     int        `dynamodbav:"maxMembers" json:"maxMembers"`
	CurrentMembers int        `dynamodbav:"currentMembers" json:"currentMembers"`
	MemberIDs      []string   `dynamodbav:"memberIds,stringset,omitempty" json:"memberIds"`
	RoomStatus     RoomStatus `dynamodbav:"roomStatus" json:"roomStatus"`
	GameStatus     GameStatus `dynamodbav:"gameStatus" json:"gameStatus"`
	GameSession    int        `dynamodbav:"gameSession" json:"gameSession"`
	CurrentRound   int        `dynamodbav:"currentRound" json:"currentRound"`
	TotalRounds    int        `dynamodbav:"totalRounds" json:"totalRounds"`
	CreatedAt      time.Time  `dynamodbav:"createdAt" json:"createdAt"`
	UpdatedAt      time.Time  `dynamodbav:"updatedAt" json:"updatedAt"`
	LastMessageAt  time.Time  `dynamodbav:"lastMessageAt" json:"lastMessageAt"`
	ExpiresAt      int64      `dynamodbav:"expiresAt,omitempty" json:"expiresAt,omitempty"`
}

func (r *Room) HasMember(userID string) bool {
	return slices.Contains(r.MemberIDs, userID)
}

func (r *Room) CanStartGame() bool { return r.GameStatus.CanStartGame() }

func (r *Room) IsGameActive() bool { return r.GameStatus.IsGameActive() }

// Closed reports whether the last member left. A closed room expires after
// the reconnect window unless someone rejoins.
func (r *Room) Closed() bool {
	return r.RoomStatus == StatusFinished
}

// RoundsLeft reports whether the session has rounds left to play.
func (r *Room) RoundsLeft() bool {
	return r.CurrentRound < r.TotalRounds
}

// CheckTransition validates moving the game status to `to`, including the
// round count guards on leaving ROUND_END.
func (r *Room) CheckTransition(to GameStatus) error {
	if r.Closed() {
		return fmt.Errorf("%w: room %s is closed", ErrIllegalTransition, r.RoomID)
	}
	if !CanTransition(r.GameStatus, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, r.GameStatus, to)
	}
	if r.GameStatus == GameRoundEnd {
		if to == GamePlaying && !r.RoundsLeft() {
			return fmt.Errorf("%w: all %d rounds played", ErrIllegalTransition, r.TotalRounds)
		}
		if to == GameFinished && r.RoundsLeft() {
			return fmt.Errorf("%w: round %d of %d", ErrIllegalTransition, r.CurrentRound, r.TotalRounds)
		}
	}
	return nil
}

// Settings holds the room tuning values
type Settings struct {
	// MaxMembersCeiling is the largest capacity a room may be created with
	MaxMembersCeiling int
	TTL               time.Duration
	ReconnectWindow   time.Duration
	MessageTTL        time.Duration
	TotalRounds       int
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		MaxMembersCeiling: cfg.Room.MaxMembers,
		TTL:               cfg.Room.TTL,
		ReconnectWindow:   cfg.Room.ReconnectWindow,
		MessageTTL:        cfg.Room.MessageTTL,
		TotalRounds:       cfg.Game.TotalRounds,
	}
}

func decode(item storage.Item) (*Room, error) {
	var r Room
	if err := item.Unmarshal(&r); err != nil {
		return nil, fmt.Errorf("failed to decode room: %w", err)
	}
	return &r, nil
}
