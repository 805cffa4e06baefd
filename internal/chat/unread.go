package chat

import (
	"log"
	"time"

	"github.com/lmichaud/go-messenger/internal/database"
	"github.com/lmichaud/go-messenger/internal/types"
)

// UnreadCalculator derives per-member unread counts and conversation
// summaries from the message store and read cursors. It never loads message
// bodies to count.
type UnreadCalculator struct {
	log     *log.Logger
	db      database.MessengerRepository
	members *MembershipStore
}

func NewUnreadCalculator(logger *log.Logger, db database.MessengerRepository, members *MembershipStore) *UnreadCalculator {
	return &UnreadCalculator{log: logger, db: db, members: members}
}

// UnreadCount is the number of messages authored by someone else with a
// creation time past the member's read cursor; a null cursor counts
// everything.
func (u *UnreadCalculator) UnreadCount(conversationId, accountId int) (int, error) {
	return u.db.CountUnread(conversationId, accountId)
}

// ListForUser returns the caller's conversations ordered by activity, each
// with its unread count and last message.
func (u *UnreadCalculator) ListForUser(accountId int) ([]types.ConversationSummary, error) {
	listings, err := u.db.ListConversationsForAccount(accountId)
	if err != nil {
		return nil, err
	}

	summaries := make([]types.ConversationSummary, 0, len(listings))
	for _, listing := range listings {
		summary := types.ConversationSummary{
			Conversation: ConversationView(listing.Conversation),
			Role:         listing.Role,
			IsMuted:      listing.IsMuted,
			UnreadCount:  listing.UnreadCount,
		}

		if listing.LastMessage != nil {
			view := MessageView(*listing.LastMessage)
			summary.LastMessage = &view
		}

		summaries = append(summaries, summary)
	}

	return summaries, nil
}

// MarkRead advances the member's cursor to now.
func (u *UnreadCalculator) MarkRead(conversationId, accountId int) error {
	return u.members.AdvanceReadCursor(conversationId, accountId, time.Now().UTC())
}

// ConversationView maps a stored conversation row to its wire shape.
func ConversationView(conv database.Conversation) types.Conversation {
	view := types.Conversation{
		Id:             conv.Id,
		ExternalId:     conv.ExternalId,
		Type:           conv.Type,
		Description:    conv.Description,
		LastActivityAt: conv.LastActivityAt,
		CreatedAt:      conv.CreatedAt,
		UpdatedAt:      conv.UpdatedAt,
	}

	if conv.Name.Valid {
		view.Name = conv.Name.String
	}

	if conv.CreatedBy.Valid {
		createdBy := int(conv.CreatedBy.Int64)
		view.CreatedBy = &createdBy
	}

	return view
}

// MemberView maps a membership row to its wire shape.
func MemberView(m database.Membership) types.Member {
	view := types.Member{
		Id:       m.AccountId,
		Username: m.Username,
		Role:     m.Role,
		JoinedAt: m.JoinedAt,
		IsMuted:  m.IsMuted,
	}

	if m.LastReadAt.Valid {
		lastRead := m.LastReadAt.Time
		view.LastReadAt = &lastRead
	}

	return view
}
