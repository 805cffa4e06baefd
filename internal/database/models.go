package database

import (
	"database/sql"
	"time"
)

const (
	ConversationTypePrivate = "private"
	ConversationTypeGroup   = "group"

	RoleAdmin     = "admin"
	RoleModerator = "moderator"
	RoleMember    = "member"

	MessageTypeText   = "text"
	MessageTypeSystem = "system"
)

type Account struct {
	Id           int
	Username     string
	EmailAddress string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Conversation struct {
	Id             int
	ExternalId     string
	Type           string
	Name           sql.NullString
	Description    string
	CreatedBy      sql.NullInt64
	LastActivityAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Membership struct {
	Id             int
	ConversationId int
	AccountId      int
	Username       string
	Role           string
	JoinedAt       time.Time
	LastReadAt     sql.NullTime
	IsMuted        bool
}

type Message struct {
	Id                     int
	ConversationId         int
	ConversationExternalId string
	AccountId              int
	AuthorName             string
	Content                string
	Type                   string
	ReplyTo                sql.NullInt64
	IsEdited               bool
	EditedAt               sql.NullTime
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// ConversationListing is one row of a user's conversation list: the
// conversation, the caller's own membership state, the unread count and the
// most recent message (nil when the conversation is empty).
type ConversationListing struct {
	Conversation Conversation
	Role         string
	IsMuted      bool
	UnreadCount  int
	LastMessage  *Message
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type CreatePrivateConversationParams struct {
	ExternalId string
	PairKey    string
	CreatorId  int
	PeerId     int
}

type CreateGroupConversationParams struct {
	ExternalId  string
	Name        string
	Description string
	CreatorId   int
	MemberIds   []int
}

type CreateMessageParams struct {
	ConversationId int
	AccountId      int
	Content        string
	Type           string
	ReplyTo        *int
}
