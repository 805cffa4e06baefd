package chat

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"unicode/utf8"

	"github.com/lmichaud/go-messenger/internal/database"
	"github.com/lmichaud/go-messenger/internal/types"
)

// Content length limit in code points, not bytes.
const MaxMessageLength = 5000

// MessageStore owns message entities: sending, author-only edits,
// author-or-admin deletes and ordered history reads.
type MessageStore struct {
	log       *log.Logger
	db        database.MessengerRepository
	members   *MembershipStore
	publisher EventPublisher
}

func NewMessageStore(logger *log.Logger, db database.MessengerRepository, members *MembershipStore) *MessageStore {
	return &MessageStore{log: logger, db: db, members: members}
}

func (s *MessageStore) SetPublisher(p EventPublisher) {
	s.publisher = p
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("%w: message content is required", ErrValidation)
	}

	if utf8.RuneCountInString(content) > MaxMessageLength {
		return fmt.Errorf("%w: message content exceeds %d characters", ErrValidation, MaxMessageLength)
	}

	return nil
}

// MessageView maps a stored message row to its wire shape.
func MessageView(msg database.Message) types.Message {
	view := types.Message{
		Id:             msg.Id,
		ConversationId: msg.ConversationExternalId,
		Content:        msg.Content,
		Type:           msg.Type,
		IsEdited:       msg.IsEdited,
		Author: types.User{
			Id:       msg.AccountId,
			Username: msg.AuthorName,
		},
		CreatedAt: msg.CreatedAt,
		UpdatedAt: msg.UpdatedAt,
	}

	if msg.ReplyTo.Valid {
		replyTo := int(msg.ReplyTo.Int64)
		view.ReplyTo = &replyTo
	}

	if msg.EditedAt.Valid {
		editedAt := msg.EditedAt.Time
		view.EditedAt = &editedAt
	}

	return view
}

// Send persists a message from author in the conversation. The insert,
// activity bump and author cursor advance commit in one transaction; only
// after that does the event reach the fan-out layer, so a failed send never
// broadcasts and a failed broadcast never fails the send.
func (s *MessageStore) Send(conv database.Conversation, authorId int, content string, replyTo *int) (database.Message, error) {
	membership, err := s.members.RequireMember(conv.Id, authorId)
	if err != nil {
		return database.Message{}, err
	}

	if err := validateContent(content); err != nil {
		return database.Message{}, err
	}

	if replyTo != nil {
		parent, err := s.db.GetMessage(*replyTo)
		if errors.Is(err, sql.ErrNoRows) {
			return database.Message{}, fmt.Errorf("%w: reply target does not exist", ErrInvalidReference)
		}
		if err != nil {
			return database.Message{}, err
		}

		if parent.ConversationId != conv.Id {
			return database.Message{}, fmt.Errorf("%w: reply target belongs to another conversation", ErrInvalidReference)
		}
	}

	msg, err := s.db.CreateMessage(database.CreateMessageParams{
		ConversationId: conv.Id,
		AccountId:      authorId,
		Content:        content,
		Type:           database.MessageTypeText,
		ReplyTo:        replyTo,
	})
	if err != nil {
		return database.Message{}, err
	}

	msg.ConversationExternalId = conv.ExternalId
	msg.AuthorName = membership.Username

	if s.publisher != nil {
		s.publisher.MessageSent(MessageEvent{
			Message:        MessageView(msg),
			ConversationId: conv.Id,
			AuthorId:       authorId,
		})
	}

	return msg, nil
}

// Edit replaces the content of a message. Author only; the creation
// timestamp is untouched.
func (s *MessageStore) Edit(messageId, editorId int, newContent string) (database.Message, error) {
	msg, err := s.db.GetMessage(messageId)
	if errors.Is(err, sql.ErrNoRows) {
		return database.Message{}, ErrNotFound
	}
	if err != nil {
		return database.Message{}, err
	}

	if msg.AccountId != editorId {
		return database.Message{}, ErrForbidden
	}

	if err := validateContent(newContent); err != nil {
		return database.Message{}, err
	}

	updated, err := s.db.UpdateMessageContent(messageId, newContent)
	if err != nil {
		return database.Message{}, err
	}

	if s.publisher != nil {
		s.publisher.MessageUpdated(MessageEvent{
			Message:        MessageView(updated),
			ConversationId: updated.ConversationId,
			AuthorId:       editorId,
		})
	}

	return updated, nil
}

// Delete removes a message. Allowed for its author or an admin of its
// conversation. Replies survive with their reply_to reference cleared by
// the storage layer, never cascade-deleted.
func (s *MessageStore) Delete(messageId, requesterId int) error {
	msg, err := s.db.GetMessage(messageId)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if msg.AccountId != requesterId {
		if _, err := s.members.RequireAdmin(msg.ConversationId, requesterId); err != nil {
			return ErrForbidden
		}
	}

	if err := s.db.DeleteMessage(messageId); err != nil {
		return err
	}

	if s.publisher != nil {
		s.publisher.MessageDeleted(msg.ConversationId, msg.ConversationExternalId, msg.Id)
	}

	return nil
}

// List returns a page of the conversation's history ordered by
// (created_at, id) ascending. Member only. after/before are exclusive
// message id bounds for incremental pagination.
func (s *MessageStore) List(conv database.Conversation, requesterId, after, before, limit int) ([]database.Message, error) {
	if _, err := s.members.RequireMember(conv.Id, requesterId); err != nil {
		return nil, err
	}

	return s.db.ListMessages(conv.Id, after, before, limit)
}
