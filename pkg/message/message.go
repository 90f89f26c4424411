package message

import (
	"encoding/json"
	"errors"
	"time"
)

// Type represents different message types in a room timeline
type Type string

const (
	TypeChat   Type = "chat"
	TypeSystem Type = "system"
	TypeJoin   Type = "join"
	TypeLeave  Type = "leave"
	// TypeGame carries game announcements such as round start and results
	TypeGame Type = "game"
)

// Message is one entry of a room timeline
type Message struct {
	MessageID string    `json:"messageId" dynamodbav:"messageId"`
	RoomID    string    `json:"roomId" dynamodbav:"roomId"`
	Type      Type      `json:"type" dynamodbav:"type"`
	UserID    string    `json:"userId" dynamodbav:"userId"`
	Username  string    `json:"username" dynamodbav:"username"`
	Content   string    `json:"content" dynamodbav:"content"`
	Timestamp time.Time `json:"timestamp" dynamodbav:"timestamp"`
}

// Validation constants
const (
	MaxContentLength  = 1000
	MaxUsernameLength = 50

	// SystemUserID authors system and game messages
	SystemUserID = "system"
)

var (
	ErrEmptyContent    = errors.New("message content cannot be empty")
	ErrContentTooLong  = errors.New("message content exceeds maximum length")
	ErrEmptyUsername   = errors.New("username cannot be empty")
	ErrUsernameTooLong = errors.New("username exceeds maximum length")
	ErrInvalidType     = errors.New("invalid message type")
	ErrEmptyRoom       = errors.New("message has no room")
)

func (t Type) valid() bool {
	switch t {
	case TypeChat, TypeSystem, TypeJoin, TypeLeave, TypeGame:
		return true
	}
	return false
}

// Validate checks if the message meets all requirements
func (m *Message) Validate() error {
	if !m.Type.valid() {
		return ErrInvalidType
	}
	if m.RoomID == "" {
		return ErrEmptyRoom
	}

	if m.Username == "" {
		return ErrEmptyUsername
	}
	if len(m.Username) > MaxUsernameLength {
		return ErrUsernameTooLong
	}

	// Content validation (chat and game announcements)
	if m.Type == TypeChat || m.Type == TypeGame {
		if m.Content == "" {
			return ErrEmptyContent
		}
		if len(m.Content) > MaxContentLength {
			return ErrContentTooLong
		}
	}

	return nil
}

// NewChatMessage creates a new chat message
func NewChatMessage(roomID, userID, username, content string, at time.Time) *Message {
	return &Message{
		RoomID:    roomID,
		Type:      TypeChat,
		UserID:    userID,
		Username:  username,
		Content:   content,
		Timestamp: at.UTC(),
	}
}

// NewSystemMessage creates a new system message
func NewSystemMessage(roomID string, t Type, content string, at time.Time) *Message {
	return &Message{
		RoomID:    roomID,
		Type:      t,
		UserID:    SystemUserID,
		Username:  "System",
		Content:   content,
		Timestamp: at.UTC(),
	}
}

// ToJSON converts message to JSON bytes
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// FromJSON parses JSON bytes into a message
func FromJSON(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
