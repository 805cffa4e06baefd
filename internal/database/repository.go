package database

import (
	"errors"
	"time"
)

// ErrDuplicate is returned when an insert trips a uniqueness constraint,
// e.g. a second membership for the same (conversation, account) pair.
var ErrDuplicate = errors.New("duplicate row")

type MessengerRepository interface {
	Ping() error

	CreateAccount(params CreateAccountParams) (Account, error)
	GetAccountById(accountId int) (Account, error)
	GetAccountByEmail(email string) (Account, error)

	// CreatePrivateConversation creates a private conversation with both
	// memberships attached, or returns the existing one for the pair. The
	// boolean reports whether a new conversation was created.
	CreatePrivateConversation(params CreatePrivateConversationParams) (Conversation, bool, error)
	CreateGroupConversation(params CreateGroupConversationParams) (Conversation, error)
	GetConversationByExternalId(externalId string) (Conversation, error)
	UpdateConversation(id int, name, description string) (Conversation, error)
	DeleteConversation(id int) error
	TouchConversation(id int) error
	ListConversationsForAccount(accountId int) ([]ConversationListing, error)

	CreateMembership(conversationId, accountId int, role string) (Membership, error)
	GetMembership(conversationId, accountId int) (Membership, error)
	ListMemberships(conversationId int) ([]Membership, error)
	// DeleteMembership removes the pair's membership and returns the number
	// of members remaining in the conversation.
	DeleteMembership(conversationId, accountId int) (int, error)
	AdvanceLastRead(conversationId, accountId int, ts time.Time) error
	SetMuted(conversationId, accountId int, muted bool) error

	CreateMessage(params CreateMessageParams) (Message, error)
	GetMessage(id int) (Message, error)
	UpdateMessageContent(id int, content string) (Message, error)
	DeleteMessage(id int) error
	ListMessages(conversationId, after, before, limit int) ([]Message, error)
	CountUnread(conversationId, accountId int) (int, error)
}
