package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lmichaud/go-messenger/internal/chat"
	"github.com/lmichaud/go-messenger/internal/config"
	"github.com/lmichaud/go-messenger/internal/database"
	"github.com/lmichaud/go-messenger/internal/server"
	"github.com/lmichaud/go-messenger/internal/stats"
	"github.com/lmichaud/go-messenger/internal/testutil"
	"github.com/lmichaud/go-messenger/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

func newTestApp(t *testing.T, repo database.MessengerRepository) *MessengerApp {
	logger := testutil.TestLogger(t)
	members := chat.NewMembershipStore(logger, repo)
	registry := chat.NewConversationRegistry(logger, repo, members)
	messages := chat.NewMessageStore(logger, repo, members)
	unread := chat.NewUnreadCalculator(logger, repo, members)
	cs := server.NewChatServer(logger, registry, members, messages, unread, &stats.MockStatsUpdater{})

	cfg := &config.Config{
		ServerAddr: "localhost:0",
		SigningKey: []byte("test-signing-key"),
	}

	return NewMessengerApp(http.NewServeMux(), logger, cs, repo, registry, members, messages, unread, &stats.MockStatsUpdater{}, cfg)
}

func authedRequest(method, target string, body any, userId int) *http.Request {
	buf := &bytes.Buffer{}
	if body != nil {
		json.NewEncoder(buf).Encode(body)
	}

	req := httptest.NewRequest(method, target, buf)
	return req.WithContext(WithUserId(req.Context(), userId))
}

func Test_healthz(t *testing.T) {
	tcases := []struct {
		name         string
		mockErr      error
		expectedCode int
	}{
		{
			name:         "healthy",
			expectedCode: http.StatusOK,
		},
		{
			name:         "database down",
			mockErr:      errors.New("connection refused"),
			expectedCode: http.StatusInternalServerError,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo := &database.MockMessengerRepository{}
			defer mockRepo.AssertExpectations(t)

			mockRepo.On("Ping").Return(tc.mockErr).Once()

			app := newTestApp(t, mockRepo)
			rr := httptest.NewRecorder()
			app.healthz(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tc.expectedCode, rr.Code)
		})
	}
}

func TestCreatePrivateConversationHandler(t *testing.T) {
	t.Run("creates the conversation", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		mockRepo.On("CreatePrivateConversation", mock.AnythingOfType("database.CreatePrivateConversationParams")).
			Return(database.Conversation{Id: 1, ExternalId: "priv", Type: database.ConversationTypePrivate}, true, nil).Once()

		app := newTestApp(t, mockRepo)
		rr := httptest.NewRecorder()
		app.createPrivateConversation(rr, authedRequest(http.MethodPost, "/api/conversations/private",
			CreatePrivateConversationRequest{PeerId: 2}, 1))

		assert.Equal(t, http.StatusCreated, rr.Code)

		var conv types.Conversation
		assert.NoError(t, json.NewDecoder(rr.Body).Decode(&conv))
		assert.Equal(t, "priv", conv.ExternalId)
	})
	t.Run("self-pairing is unprocessable", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		app := newTestApp(t, mockRepo)
		rr := httptest.NewRecorder()
		app.createPrivateConversation(rr, authedRequest(http.MethodPost, "/api/conversations/private",
			CreatePrivateConversationRequest{PeerId: 1}, 1))

		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	})
	t.Run("malformed body", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		app := newTestApp(t, mockRepo)
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/conversations/private", bytes.NewBufferString("{"))
		app.createPrivateConversation(rr, req.WithContext(WithUserId(req.Context(), 1)))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestCreateGroupConversationHandler(t *testing.T) {
	t.Run("missing name is unprocessable", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		app := newTestApp(t, mockRepo)
		rr := httptest.NewRecorder()
		app.createGroupConversation(rr, authedRequest(http.MethodPost, "/api/conversations/group",
			CreateGroupConversationRequest{Name: " ", MemberIds: []int{2}}, 1))

		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	})
}

func TestAddMemberHandler(t *testing.T) {
	conv := database.Conversation{Id: 1, ExternalId: "grp", Type: database.ConversationTypeGroup}

	t.Run("duplicate membership conflicts", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		mockRepo.On("GetConversationByExternalId", "grp").Return(conv, nil).Once()
		mockRepo.On("GetMembership", conv.Id, 1).
			Return(database.Membership{Role: database.RoleAdmin}, nil).Once()
		mockRepo.On("CreateMembership", conv.Id, 2, database.RoleMember).
			Return(database.Membership{}, database.ErrDuplicate).Once()

		app := newTestApp(t, mockRepo)
		rr := httptest.NewRecorder()
		app.addMember(rr, authedRequest(http.MethodPost, "/api/conversations/members",
			AddMemberRequest{ConversationId: "grp", AccountId: 2}, 1))

		assert.Equal(t, http.StatusConflict, rr.Code)
	})
	t.Run("non-admin is forbidden", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		mockRepo.On("GetConversationByExternalId", "grp").Return(conv, nil).Once()
		mockRepo.On("GetMembership", conv.Id, 1).
			Return(database.Membership{Role: database.RoleMember}, nil).Once()

		app := newTestApp(t, mockRepo)
		rr := httptest.NewRecorder()
		app.addMember(rr, authedRequest(http.MethodPost, "/api/conversations/members",
			AddMemberRequest{ConversationId: "grp", AccountId: 2}, 1))

		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
}

func TestLeaveConversationHandler(t *testing.T) {
	t.Run("leaving a private conversation deletes it", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		conv := database.Conversation{Id: 1, ExternalId: "priv", Type: database.ConversationTypePrivate}
		mockRepo.On("GetConversationByExternalId", "priv").Return(conv, nil).Once()
		mockRepo.On("DeleteMembership", conv.Id, 1).Return(1, nil).Once()
		mockRepo.On("DeleteConversation", conv.Id).Return(nil).Once()

		app := newTestApp(t, mockRepo)
		rr := httptest.NewRecorder()
		app.leaveConversation(rr, authedRequest(http.MethodDelete, "/api/conversations/members?conversation_id=priv", nil, 1))

		assert.Equal(t, http.StatusOK, rr.Code)

		var resp LeaveResponse
		assert.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.True(t, resp.ConversationDeleted)
	})
	t.Run("non-member cannot leave", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		conv := database.Conversation{Id: 2, ExternalId: "grp", Type: database.ConversationTypeGroup}
		mockRepo.On("GetConversationByExternalId", "grp").Return(conv, nil).Once()
		mockRepo.On("DeleteMembership", conv.Id, 1).Return(0, sql.ErrNoRows).Once()

		app := newTestApp(t, mockRepo)
		rr := httptest.NewRecorder()
		app.leaveConversation(rr, authedRequest(http.MethodDelete, "/api/conversations/members?conversation_id=grp", nil, 1))

		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
}

func TestSendMessageHandler(t *testing.T) {
	conv := database.Conversation{Id: 1, ExternalId: "conv", Type: database.ConversationTypeGroup}

	t.Run("member sends", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		mockRepo.On("GetConversationByExternalId", "conv").Return(conv, nil).Once()
		mockRepo.On("GetMembership", conv.Id, 1).
			Return(database.Membership{ConversationId: 1, AccountId: 1, Username: "alice", Role: database.RoleMember}, nil).Once()
		mockRepo.On("CreateMessage", mock.AnythingOfType("database.CreateMessageParams")).
			Return(database.Message{Id: 7, ConversationId: conv.Id, AccountId: 1, Content: "hello"}, nil).Once()

		app := newTestApp(t, mockRepo)
		rr := httptest.NewRecorder()
		app.sendMessage(rr, authedRequest(http.MethodPost, "/api/messages",
			SendMessageRequest{ConversationId: "conv", Content: "hello"}, 1))

		assert.Equal(t, http.StatusCreated, rr.Code)

		var msg types.Message
		assert.NoError(t, json.NewDecoder(rr.Body).Decode(&msg))
		assert.Equal(t, 7, msg.Id)
		assert.Equal(t, "conv", msg.ConversationId)
	})
	t.Run("non-member is forbidden", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		mockRepo.On("GetConversationByExternalId", "conv").Return(conv, nil).Once()
		mockRepo.On("GetMembership", conv.Id, 1).Return(database.Membership{}, sql.ErrNoRows).Once()

		app := newTestApp(t, mockRepo)
		rr := httptest.NewRecorder()
		app.sendMessage(rr, authedRequest(http.MethodPost, "/api/messages",
			SendMessageRequest{ConversationId: "conv", Content: "hello"}, 1))

		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
	t.Run("dangling reply target is unprocessable", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		replyTo := 42
		mockRepo.On("GetConversationByExternalId", "conv").Return(conv, nil).Once()
		mockRepo.On("GetMembership", conv.Id, 1).
			Return(database.Membership{ConversationId: 1, AccountId: 1, Role: database.RoleMember}, nil).Once()
		mockRepo.On("GetMessage", replyTo).Return(database.Message{}, sql.ErrNoRows).Once()

		app := newTestApp(t, mockRepo)
		rr := httptest.NewRecorder()
		app.sendMessage(rr, authedRequest(http.MethodPost, "/api/messages",
			SendMessageRequest{ConversationId: "conv", Content: "hello", ReplyTo: &replyTo}, 1))

		assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	})
}

func TestGetMessagesHandler(t *testing.T) {
	conv := database.Conversation{Id: 1, ExternalId: "conv", Type: database.ConversationTypeGroup}

	t.Run("missing conversation id", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		app := newTestApp(t, mockRepo)
		rr := httptest.NewRecorder()
		app.getMessages(rr, authedRequest(http.MethodGet, "/api/messages", nil, 1))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
	t.Run("invalid pagination parameter", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		mockRepo.On("GetConversationByExternalId", "conv").Return(conv, nil).Once()

		app := newTestApp(t, mockRepo)
		rr := httptest.NewRecorder()
		app.getMessages(rr, authedRequest(http.MethodGet, "/api/messages?conversation_id=conv&limit=abc", nil, 1))

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
	t.Run("returns history", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		mockRepo.On("GetConversationByExternalId", "conv").Return(conv, nil).Once()
		mockRepo.On("GetMembership", conv.Id, 1).
			Return(database.Membership{Role: database.RoleMember}, nil).Once()
		mockRepo.On("ListMessages", conv.Id, 5, 0, 20).
			Return([]database.Message{{Id: 6, ConversationExternalId: "conv"}, {Id: 7, ConversationExternalId: "conv"}}, nil).Once()

		app := newTestApp(t, mockRepo)
		rr := httptest.NewRecorder()
		app.getMessages(rr, authedRequest(http.MethodGet, "/api/messages?conversation_id=conv&after=5&limit=20", nil, 1))

		assert.Equal(t, http.StatusOK, rr.Code)

		var msgs []types.Message
		assert.NoError(t, json.NewDecoder(rr.Body).Decode(&msgs))
		assert.Len(t, msgs, 2)
	})
}

func TestEditMessageHandler(t *testing.T) {
	t.Run("only the author may edit", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		mockRepo.On("GetMessage", 7).
			Return(database.Message{Id: 7, ConversationId: 1, AccountId: 2}, nil).Once()

		app := newTestApp(t, mockRepo)
		rr := httptest.NewRecorder()
		app.editMessage(rr, authedRequest(http.MethodPatch, "/api/messages?id=7",
			EditMessageRequest{Content: "new"}, 99))

		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
}

func TestDeleteMessageHandler(t *testing.T) {
	t.Run("author deletes", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		mockRepo.On("GetMessage", 7).
			Return(database.Message{Id: 7, ConversationId: 1, ConversationExternalId: "conv", AccountId: 1}, nil).Once()
		mockRepo.On("DeleteMessage", 7).Return(nil).Once()

		app := newTestApp(t, mockRepo)
		rr := httptest.NewRecorder()
		app.deleteMessage(rr, authedRequest(http.MethodDelete, "/api/messages?id=7", nil, 1))

		assert.Equal(t, http.StatusNoContent, rr.Code)
	})
	t.Run("missing message", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		mockRepo.On("GetMessage", 404).Return(database.Message{}, sql.ErrNoRows).Once()

		app := newTestApp(t, mockRepo)
		rr := httptest.NewRecorder()
		app.deleteMessage(rr, authedRequest(http.MethodDelete, "/api/messages?id=404", nil, 1))

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestListConversationsHandler(t *testing.T) {
	mockRepo := &database.MockMessengerRepository{}
	defer mockRepo.AssertExpectations(t)

	mockRepo.On("ListConversationsForAccount", 1).Return([]database.ConversationListing{
		{
			Conversation: database.Conversation{Id: 1, ExternalId: "conv", Type: database.ConversationTypeGroup},
			Role:         database.RoleMember,
			UnreadCount:  2,
		},
	}, nil).Once()

	app := newTestApp(t, mockRepo)
	rr := httptest.NewRecorder()
	app.listConversations(rr, authedRequest(http.MethodGet, "/api/conversations", nil, 1))

	assert.Equal(t, http.StatusOK, rr.Code)

	var summaries []types.ConversationSummary
	assert.NoError(t, json.NewDecoder(rr.Body).Decode(&summaries))
	assert.Len(t, summaries, 1)
	assert.Equal(t, 2, summaries[0].UnreadCount)
}

func TestMarkReadHandler(t *testing.T) {
	t.Run("unknown conversation", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		mockRepo.On("GetConversationByExternalId", "missing").
			Return(database.Conversation{}, sql.ErrNoRows).Once()

		app := newTestApp(t, mockRepo)
		rr := httptest.NewRecorder()
		app.markRead(rr, authedRequest(http.MethodPost, "/api/conversations/read",
			MarkReadRequest{ConversationId: "missing"}, 1))

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
	t.Run("advances the cursor", func(t *testing.T) {
		mockRepo := &database.MockMessengerRepository{}
		defer mockRepo.AssertExpectations(t)

		conv := database.Conversation{Id: 1, ExternalId: "conv", Type: database.ConversationTypeGroup}
		mockRepo.On("GetConversationByExternalId", "conv").Return(conv, nil).Once()
		mockRepo.On("AdvanceLastRead", conv.Id, 1, mock.AnythingOfType("time.Time")).Return(nil).Once()

		app := newTestApp(t, mockRepo)
		rr := httptest.NewRecorder()
		app.markRead(rr, authedRequest(http.MethodPost, "/api/conversations/read",
			MarkReadRequest{ConversationId: "conv"}, 1))

		assert.Equal(t, http.StatusNoContent, rr.Code)
	})
}

func TestMuteConversationHandler(t *testing.T) {
	mockRepo := &database.MockMessengerRepository{}
	defer mockRepo.AssertExpectations(t)

	conv := database.Conversation{Id: 1, ExternalId: "conv", Type: database.ConversationTypeGroup}
	mockRepo.On("GetConversationByExternalId", "conv").Return(conv, nil).Once()
	mockRepo.On("SetMuted", conv.Id, 1, true).Return(nil).Once()

	app := newTestApp(t, mockRepo)
	rr := httptest.NewRecorder()
	app.muteConversation(rr, authedRequest(http.MethodPost, "/api/conversations/mute",
		MuteRequest{ConversationId: "conv", Muted: true}, 1))

	assert.Equal(t, http.StatusNoContent, rr.Code)
}
