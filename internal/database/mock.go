package database

import (
	"time"

	"github.com/stretchr/testify/mock"
)

type MockMessengerRepository struct {
	mock.Mock
}

func (m *MockMessengerRepository) Ping() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockMessengerRepository) CreateAccount(params CreateAccountParams) (Account, error) {
	args := m.Called(params)
	return args.Get(0).(Account), args.Error(1)
}

func (m *MockMessengerRepository) GetAccountById(accountId int) (Account, error) {
	args := m.Called(accountId)
	return args.Get(0).(Account), args.Error(1)
}

func (m *MockMessengerRepository) GetAccountByEmail(email string) (Account, error) {
	args := m.Called(email)
	return args.Get(0).(Account), args.Error(1)
}

func (m *MockMessengerRepository) CreatePrivateConversation(params CreatePrivateConversationParams) (Conversation, bool, error) {
	args := m.Called(params)
	return args.Get(0).(Conversation), args.Bool(1), args.Error(2)
}

func (m *MockMessengerRepository) CreateGroupConversation(params CreateGroupConversationParams) (Conversation, error) {
	args := m.Called(params)
	return args.Get(0).(Conversation), args.Error(1)
}

func (m *MockMessengerRepository) GetConversationByExternalId(externalId string) (Conversation, error) {
	args := m.Called(externalId)
	return args.Get(0).(Conversation), args.Error(1)
}

func (m *MockMessengerRepository) UpdateConversation(id int, name, description string) (Conversation, error) {
	args := m.Called(id, name, description)
	return args.Get(0).(Conversation), args.Error(1)
}

func (m *MockMessengerRepository) DeleteConversation(id int) error {
	args := m.Called(id)
	return args.Error(0)
}

func (m *MockMessengerRepository) TouchConversation(id int) error {
	args := m.Called(id)
	return args.Error(0)
}

func (m *MockMessengerRepository) ListConversationsForAccount(accountId int) ([]ConversationListing, error) {
	args := m.Called(accountId)
	return args.Get(0).([]ConversationListing), args.Error(1)
}

func (m *MockMessengerRepository) CreateMembership(conversationId, accountId int, role string) (Membership, error) {
	args := m.Called(conversationId, accountId, role)
	return args.Get(0).(Membership), args.Error(1)
}

func (m *MockMessengerRepository) GetMembership(conversationId, accountId int) (Membership, error) {
	args := m.Called(conversationId, accountId)
	return args.Get(0).(Membership), args.Error(1)
}

func (m *MockMessengerRepository) ListMemberships(conversationId int) ([]Membership, error) {
	args := m.Called(conversationId)
	return args.Get(0).([]Membership), args.Error(1)
}

func (m *MockMessengerRepository) DeleteMembership(conversationId, accountId int) (int, error) {
	args := m.Called(conversationId, accountId)
	return args.Int(0), args.Error(1)
}

func (m *MockMessengerRepository) AdvanceLastRead(conversationId, accountId int, ts time.Time) error {
	args := m.Called(conversationId, accountId, ts)
	return args.Error(0)
}

func (m *MockMessengerRepository) SetMuted(conversationId, accountId int, muted bool) error {
	args := m.Called(conversationId, accountId, muted)
	return args.Error(0)
}

func (m *MockMessengerRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	args := m.Called(params)
	return args.Get(0).(Message), args.Error(1)
}

func (m *MockMessengerRepository) GetMessage(id int) (Message, error) {
	args := m.Called(id)
	return args.Get(0).(Message), args.Error(1)
}

func (m *MockMessengerRepository) UpdateMessageContent(id int, content string) (Message, error) {
	args := m.Called(id, content)
	return args.Get(0).(Message), args.Error(1)
}

func (m *MockMessengerRepository) DeleteMessage(id int) error {
	args := m.Called(id)
	return args.Error(0)
}

func (m *MockMessengerRepository) ListMessages(conversationId, after, before, limit int) ([]Message, error) {
	args := m.Called(conversationId, after, before, limit)
	return args.Get(0).([]Message), args.Error(1)
}

func (m *MockMessengerRepository) CountUnread(conversationId, accountId int) (int, error) {
	args := m.Called(conversationId, accountId)
	return args.Int(0), args.Error(1)
}
