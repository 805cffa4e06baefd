package chat

import (
	"database/sql"
	"strings"
	"testing"

	"github.com/lmichaud/go-messenger/internal/database"
	"github.com/lmichaud/go-messenger/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newTestMessageStore(t *testing.T, repo database.MessengerRepository) *MessageStore {
	logger := testutil.TestLogger(t)
	return NewMessageStore(logger, repo, NewMembershipStore(logger, repo))
}

func Test_validateContent(t *testing.T) {
	tcases := []struct {
		name    string
		content string
		wantErr bool
	}{
		{
			name:    "plain text",
			content: "hello",
		},
		{
			name:    "empty",
			content: "",
			wantErr: true,
		},
		{
			name:    "whitespace only",
			content: "   \n\t ",
			wantErr: true,
		},
		{
			name:    "at the limit",
			content: strings.Repeat("é", MaxMessageLength),
		},
		{
			name:    "over the limit",
			content: strings.Repeat("é", MaxMessageLength+1),
			wantErr: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateContent(tc.content)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSend(t *testing.T) {
	conv := database.Conversation{Id: 1, ExternalId: "conv", Type: database.ConversationTypeGroup}
	membership := database.Membership{ConversationId: 1, AccountId: 2, Username: "alice", Role: database.RoleMember}

	t.Run("non-member is denied without side effects", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		mockRepo.On("GetMembership", conv.Id, 2).Return(database.Membership{}, sql.ErrNoRows).Once()

		store := newTestMessageStore(t, mockRepo)
		_, err := store.Send(conv, 2, "hello", nil)
		assert.ErrorIs(t, err, ErrForbidden)
		mockRepo.AssertNotCalled(t, "CreateMessage", mock.Anything)
	})
	t.Run("empty content is rejected", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		mockRepo.On("GetMembership", conv.Id, 2).Return(membership, nil).Once()

		store := newTestMessageStore(t, mockRepo)
		_, err := store.Send(conv, 2, "  ", nil)
		assert.ErrorIs(t, err, ErrValidation)
	})
	t.Run("missing reply target", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		replyTo := 42
		mockRepo.On("GetMembership", conv.Id, 2).Return(membership, nil).Once()
		mockRepo.On("GetMessage", replyTo).Return(database.Message{}, sql.ErrNoRows).Once()

		store := newTestMessageStore(t, mockRepo)
		_, err := store.Send(conv, 2, "hello", &replyTo)
		assert.ErrorIs(t, err, ErrInvalidReference)
	})
	t.Run("reply target in another conversation", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		replyTo := 42
		mockRepo.On("GetMembership", conv.Id, 2).Return(membership, nil).Once()
		mockRepo.On("GetMessage", replyTo).Return(database.Message{Id: replyTo, ConversationId: 99}, nil).Once()

		store := newTestMessageStore(t, mockRepo)
		_, err := store.Send(conv, 2, "hello", &replyTo)
		assert.ErrorIs(t, err, ErrInvalidReference)
	})
	t.Run("successful send publishes after commit", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)
		pub := &mockPublisher{}
		defer pub.AssertExpectations(t)

		mockRepo.On("GetMembership", conv.Id, 2).Return(membership, nil).Once()
		mockRepo.On("CreateMessage", database.CreateMessageParams{
			ConversationId: conv.Id,
			AccountId:      2,
			Content:        "hello",
			Type:           database.MessageTypeText,
		}).Return(database.Message{Id: 7, ConversationId: conv.Id, AccountId: 2, Content: "hello", Type: database.MessageTypeText}, nil).Once()
		pub.On("MessageSent", mock.MatchedBy(func(ev MessageEvent) bool {
			return ev.ConversationId == conv.Id && ev.AuthorId == 2 &&
				ev.Message.Id == 7 && ev.Message.ConversationId == conv.ExternalId
		})).Once()

		store := newTestMessageStore(t, mockRepo)
		store.SetPublisher(pub)

		msg, err := store.Send(conv, 2, "hello", nil)
		assert.NoError(t, err)
		assert.Equal(t, conv.ExternalId, msg.ConversationExternalId)
		assert.Equal(t, "alice", msg.AuthorName)
	})
	t.Run("failed send never publishes", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)
		pub := &mockPublisher{}
		defer pub.AssertExpectations(t)

		mockRepo.On("GetMembership", conv.Id, 2).Return(membership, nil).Once()
		mockRepo.On("CreateMessage", mock.AnythingOfType("database.CreateMessageParams")).
			Return(database.Message{}, sql.ErrConnDone).Once()

		store := newTestMessageStore(t, mockRepo)
		store.SetPublisher(pub)

		_, err := store.Send(conv, 2, "hello", nil)
		assert.Error(t, err)
		pub.AssertNotCalled(t, "MessageSent", mock.Anything)
	})
}

func TestEdit(t *testing.T) {
	stored := database.Message{Id: 7, ConversationId: 1, ConversationExternalId: "conv", AccountId: 2, Content: "old"}

	t.Run("author edits", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)
		pub := &mockPublisher{}
		defer pub.AssertExpectations(t)

		updated := stored
		updated.Content = "new"
		updated.IsEdited = true

		mockRepo.On("GetMessage", stored.Id).Return(stored, nil).Once()
		mockRepo.On("UpdateMessageContent", stored.Id, "new").Return(updated, nil).Once()
		pub.On("MessageUpdated", mock.MatchedBy(func(ev MessageEvent) bool {
			return ev.Message.Id == stored.Id && ev.Message.Content == "new" && ev.Message.IsEdited
		})).Once()

		store := newTestMessageStore(t, mockRepo)
		store.SetPublisher(pub)

		msg, err := store.Edit(stored.Id, 2, "new")
		assert.NoError(t, err)
		assert.True(t, msg.IsEdited)
	})
	t.Run("only the author may edit", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		mockRepo.On("GetMessage", stored.Id).Return(stored, nil).Once()

		store := newTestMessageStore(t, mockRepo)
		_, err := store.Edit(stored.Id, 99, "new")
		assert.ErrorIs(t, err, ErrForbidden)
	})
	t.Run("missing message", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		mockRepo.On("GetMessage", 404).Return(database.Message{}, sql.ErrNoRows).Once()

		store := newTestMessageStore(t, mockRepo)
		_, err := store.Edit(404, 2, "new")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDeleteMessage(t *testing.T) {
	stored := database.Message{Id: 7, ConversationId: 1, ConversationExternalId: "conv", AccountId: 2}

	t.Run("author deletes", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)
		pub := &mockPublisher{}
		defer pub.AssertExpectations(t)

		mockRepo.On("GetMessage", stored.Id).Return(stored, nil).Once()
		mockRepo.On("DeleteMessage", stored.Id).Return(nil).Once()
		pub.On("MessageDeleted", stored.ConversationId, stored.ConversationExternalId, stored.Id).Once()

		store := newTestMessageStore(t, mockRepo)
		store.SetPublisher(pub)
		assert.NoError(t, store.Delete(stored.Id, 2))
	})
	t.Run("admin deletes another author's message", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		mockRepo.On("GetMessage", stored.Id).Return(stored, nil).Once()
		mockRepo.On("GetMembership", stored.ConversationId, 99).
			Return(database.Membership{Role: database.RoleAdmin}, nil).Once()
		mockRepo.On("DeleteMessage", stored.Id).Return(nil).Once()

		store := newTestMessageStore(t, mockRepo)
		assert.NoError(t, store.Delete(stored.Id, 99))
	})
	t.Run("plain member cannot delete another author's message", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		mockRepo.On("GetMessage", stored.Id).Return(stored, nil).Once()
		mockRepo.On("GetMembership", stored.ConversationId, 99).
			Return(database.Membership{Role: database.RoleMember}, nil).Once()

		store := newTestMessageStore(t, mockRepo)
		assert.ErrorIs(t, store.Delete(stored.Id, 99), ErrForbidden)
		mockRepo.AssertNotCalled(t, "DeleteMessage", mock.Anything)
	})
}

func TestListMessages(t *testing.T) {
	conv := database.Conversation{Id: 1, ExternalId: "conv", Type: database.ConversationTypeGroup}

	t.Run("member lists history", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		mockRepo.On("GetMembership", conv.Id, 2).
			Return(database.Membership{Role: database.RoleMember}, nil).Once()
		mockRepo.On("ListMessages", conv.Id, 0, 0, 10).
			Return([]database.Message{{Id: 1}, {Id: 2}}, nil).Once()

		store := newTestMessageStore(t, mockRepo)
		msgs, err := store.List(conv, 2, 0, 0, 10)
		assert.NoError(t, err)
		assert.Len(t, msgs, 2)
	})
	t.Run("non-member is denied", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		mockRepo.On("GetMembership", conv.Id, 2).Return(database.Membership{}, sql.ErrNoRows).Once()

		store := newTestMessageStore(t, mockRepo)
		_, err := store.List(conv, 2, 0, 0, 10)
		assert.ErrorIs(t, err, ErrForbidden)
	})
}
