package types

import (
	"time"
)

type User struct {
	Id           int       `json:"id"`
	Username     string    `json:"username"`
	EmailAddress string    `json:"email_address,omitempty"`
	Password     string    `json:"-"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

type Conversation struct {
	Id             int       `json:"id"`
	ExternalId     string    `json:"external_id"`
	Type           string    `json:"type"`
	Name           string    `json:"name,omitempty"`
	Description    string    `json:"description,omitempty"`
	CreatedBy      *int      `json:"created_by,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Members        []Member  `json:"members,omitempty"`
	CreatedAt      time.Time `json:"created_at,omitempty"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

type Member struct {
	Id         int        `json:"id"`
	Username   string     `json:"username"`
	Role       string     `json:"role"`
	JoinedAt   time.Time  `json:"joined_at"`
	LastReadAt *time.Time `json:"last_read_at,omitempty"`
	IsMuted    bool       `json:"is_muted"`
}

type Message struct {
	Id             int        `json:"id"`
	ConversationId string     `json:"conversation_id"`
	Content        string     `json:"content"`
	Type           string     `json:"type"`
	ReplyTo        *int       `json:"reply_to,omitempty"`
	IsEdited       bool       `json:"is_edited,omitempty"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
	Author         User       `json:"author"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ConversationSummary renders one row of a conversation list without
// hydrating full history.
type ConversationSummary struct {
	Conversation Conversation `json:"conversation"`
	Role         string       `json:"role"`
	IsMuted      bool         `json:"is_muted"`
	UnreadCount  int          `json:"unread_count"`
	LastMessage  *Message     `json:"last_message,omitempty"`
}
