package chat

import (
	"github.com/lmichaud/go-messenger/internal/database"
	"github.com/lmichaud/go-messenger/internal/types"
)

// MessageEvent carries a stored message to the fan-out layer together with
// the internal ids it needs for channel lookup and author suppression.
type MessageEvent struct {
	Message        types.Message
	ConversationId int
	AuthorId       int
}

// EventPublisher is the fan-out hook the domain stores call after a mutation
// has been durably committed. Implementations must not block and must never
// return delivery failures to the caller; a nil publisher disables fan-out.
type EventPublisher interface {
	MessageSent(ev MessageEvent)
	MessageUpdated(ev MessageEvent)
	MessageDeleted(conversationId int, conversationExternalId string, messageId int)
	MembershipGranted(conversationId int, conversationExternalId string, membership database.Membership)
	MembershipRevoked(conversationId int, conversationExternalId string, accountId int)
	ConversationDeleted(conversationExternalId string)
}
