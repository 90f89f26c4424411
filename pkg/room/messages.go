package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/epw80/studyhall/pkg/keys"
	"github.com/epw80/studyhall/pkg/message"
	"github.com/epw80/studyhall/pkg/storage"
	"github.com/google/uuid"
)

// PostMessage appends a chat message to the room timeline. Only members may
// post.
func (s *Service) PostMessage(ctx context.Context, roomID, userID, username, content string) (*message.Message, error) {
	r, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !r.HasMember(userID) {
		return nil, fmt.Errorf("%w: %s", ErrNotMember, userID)
	}

	msg := message.NewChatMessage(roomID, userID, username, content, s.now())
	if err := s.saveMessage(ctx, msg); err != nil {
		return nil, err
	}
	s.touch(ctx, roomID, msg)
	return msg, nil
}

// PostSystemMessage appends a system, join, leave or game announcement.
func (s *Service) PostSystemMessage(ctx context.Context, roomID string, t message.Type, content string) (*message.Message, error) {
	msg := message.NewSystemMessage(roomID, t, content, s.now())
	if err := s.saveMessage(ctx, msg); err != nil {
		return nil, err
	}
	s.touch(ctx, roomID, msg)
	return msg, nil
}

// announce posts a system message and only logs failures.
func (s *Service) announce(ctx context.Context, roomID string, t message.Type, content string) {
	if _, err := s.PostSystemMessage(ctx, roomID, t, content); err != nil {
		s.logger.Warn("failed to post room announcement",
			slog.String("roomId", roomID),
			slog.String("type", string(t)),
			slog.String("error", err.Error()))
	}
}

func (s *Service) saveMessage(ctx context.Context, msg *message.Message) error {
	msg.MessageID = uuid.New().String()
	if err := msg.Validate(); err != nil {
		return err
	}

	key, err := keys.MessageKey(msg.RoomID, msg.Timestamp, msg.MessageID)
	if err != nil {
		return err
	}
	item, err := storage.NewItem(key, msg)
	if err != nil {
		return err
	}
	byUser, err := keys.MessageUserProjection(msg.UserID, msg.Timestamp)
	if err != nil {
		return err
	}
	byID, err := keys.MessageIDProjection(msg.MessageID, msg.RoomID)
	if err != nil {
		return err
	}
	if err := item.SetProjection(keys.IndexGSI1, byUser); err != nil {
		return err
	}
	if err := item.SetProjection(keys.IndexGSI2, byID); err != nil {
		return err
	}
	item.ExpireAt(msg.Timestamp.Add(s.settings.MessageTTL))

	if err := s.store.Put(ctx, item); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	s.logger.Debug("message saved",
		slog.String("messageId", msg.MessageID),
		slog.String("roomId", msg.RoomID),
		slog.String("userId", msg.UserID))
	return nil
}

// touch bumps the room's lastMessageAt. The message is already stored, so a
// failure here is logged only.
func (s *Service) touch(ctx context.Context, roomID string, msg *message.Message) {
	key, err := keys.RoomKey(roomID)
	if err != nil {
		return
	}
	patch := storage.NewPatch().
		Set(attrLastMessageAt, msg.Timestamp).
		When(storage.ItemExists())
	if _, err := s.store.Update(ctx, key, patch); err != nil && !errors.Is(err, storage.ErrConditionFailed) {
		s.logger.Warn("failed to update room activity",
			slog.String("roomId", roomID),
			slog.String("error", err.Error()))
	}
}

// ListMessages returns a room's timeline newest first.
func (s *Service) ListMessages(ctx context.Context, roomID string, limit int, cursor string) ([]*message.Message, string, error) {
	pk, err := keys.RoomPartition(roomID)
	if err != nil {
		return nil, "", err
	}
	page, err := s.store.QueryByPartition(ctx, pk, storage.QueryOptions{
		SortKeyPrefix: keys.MessagePrefix,
		Limit:         limit,
		Cursor:        cursor,
		Descending:    true,
	})
	if err != nil {
		return nil, "", err
	}
	return decodeMessages(page)
}

// ListUserMessages returns the messages a user posted in any room, newest first.
func (s *Service) ListUserMessages(ctx context.Context, userID string, limit int, cursor string) ([]*message.Message, string, error) {
	pk, err := keys.UserPartition(userID)
	if err != nil {
		return nil, "", err
	}
	page, err := s.store.QueryByIndex(ctx, keys.IndexGSI1, pk, storage.QueryOptions{
		SortKeyPrefix: keys.MessagePrefix,
		Limit:         limit,
		Cursor:        cursor,
		Descending:    true,
	})
	if err != nil {
		return nil, "", err
	}
	return decodeMessages(page)
}

// GetMessage looks a message up by id alone.
func (s *Service) GetMessage(ctx context.Context, messageID string) (*message.Message, error) {
	pk, err := keys.MessageIDPartition(messageID)
	if err != nil {
		return nil, err
	}
	page, err := s.store.QueryByIndex(ctx, keys.IndexGSI2, pk, storage.QueryOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(page.Items) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, messageID)
	}
	msgs, _, err := decodeMessages(page)
	if err != nil {
		return nil, err
	}
	return msgs[0], nil
}

func decodeMessages(page *storage.Page) ([]*message.Message, string, error) {
	msgs := make([]*message.Message, 0, len(page.Items))
	for _, item := range page.Items {
		var m message.Message
		if err := item.Unmarshal(&m); err != nil {
			return nil, "", fmt.Errorf("failed to decode message: %w", err)
		}
		msgs = append(msgs, &m)
	}
	return msgs, page.NextCursor, nil
}
