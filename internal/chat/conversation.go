package chat

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"

	"github.com/lmichaud/go-messenger/internal/database"
	"github.com/teris-io/shortid"
)

// ConversationRegistry owns conversation entities and their lifecycle:
// creation with dedup for private pairs, activity timestamps, and the
// asymmetric deletion policy applied when members leave.
type ConversationRegistry struct {
	log       *log.Logger
	db        database.MessengerRepository
	members   *MembershipStore
	publisher EventPublisher
}

func NewConversationRegistry(logger *log.Logger, db database.MessengerRepository, members *MembershipStore) *ConversationRegistry {
	return &ConversationRegistry{log: logger, db: db, members: members}
}

// SetPublisher attaches the fan-out layer. Called once at wiring time; the
// registry works without one (events are skipped).
func (r *ConversationRegistry) SetPublisher(p EventPublisher) {
	r.publisher = p
}

func pairKey(a, b int) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}

func (r *ConversationRegistry) generateExternalId() (string, error) {
	return shortid.Generate()
}

// CreatePrivate returns the private conversation between the two accounts,
// creating it if none exists. The pair-key unique index makes concurrent
// creates for the same pair converge on a single conversation.
func (r *ConversationRegistry) CreatePrivate(creatorId, peerId int) (database.Conversation, error) {
	if creatorId == peerId {
		return database.Conversation{}, fmt.Errorf("%w: cannot start a private conversation with yourself", ErrValidation)
	}

	sid, err := r.generateExternalId()
	if err != nil {
		return database.Conversation{}, fmt.Errorf("generate external id: %w", err)
	}

	conv, created, err := r.db.CreatePrivateConversation(database.CreatePrivateConversationParams{
		ExternalId: sid,
		PairKey:    pairKey(creatorId, peerId),
		CreatorId:  creatorId,
		PeerId:     peerId,
	})
	if err != nil {
		return database.Conversation{}, err
	}

	if !created {
		r.log.Printf("private conversation %q already exists for pair (%d, %d)", conv.ExternalId, creatorId, peerId)
	}

	return conv, nil
}

// CreateGroup creates a group conversation with the creator as admin and
// each listed account as member. Member ids are de-duplicated first so a
// repeated id cannot yield two membership rows.
func (r *ConversationRegistry) CreateGroup(creatorId int, name, description string, memberIds []int) (database.Conversation, error) {
	if strings.TrimSpace(name) == "" {
		return database.Conversation{}, fmt.Errorf("%w: group name is required", ErrValidation)
	}

	members := make([]int, 0, len(memberIds))
	for _, id := range memberIds {
		if id == creatorId || slices.Contains(members, id) {
			continue
		}
		members = append(members, id)
	}

	sid, err := r.generateExternalId()
	if err != nil {
		return database.Conversation{}, fmt.Errorf("generate external id: %w", err)
	}

	return r.db.CreateGroupConversation(database.CreateGroupConversationParams{
		ExternalId:  sid,
		Name:        strings.TrimSpace(name),
		Description: description,
		CreatorId:   creatorId,
		MemberIds:   members,
	})
}

func (r *ConversationRegistry) Get(externalId string) (database.Conversation, error) {
	conv, err := r.db.GetConversationByExternalId(externalId)
	if errors.Is(err, sql.ErrNoRows) {
		return database.Conversation{}, ErrNotFound
	}

	return conv, err
}

// Update renames or redescribes a conversation. Admin only.
func (r *ConversationRegistry) Update(conv database.Conversation, actorId int, name, description string) (database.Conversation, error) {
	if _, err := r.members.RequireAdmin(conv.Id, actorId); err != nil {
		return database.Conversation{}, err
	}

	if conv.Type == database.ConversationTypeGroup && strings.TrimSpace(name) == "" {
		return database.Conversation{}, fmt.Errorf("%w: group name is required", ErrValidation)
	}

	return r.db.UpdateConversation(conv.Id, strings.TrimSpace(name), description)
}

// AddMember attaches an account to a group conversation. Private
// conversations never accept additional members.
func (r *ConversationRegistry) AddMember(conv database.Conversation, actorId, newMemberId int) (database.Membership, error) {
	if conv.Type != database.ConversationTypeGroup {
		return database.Membership{}, fmt.Errorf("%w: members can only be added to groups", ErrForbidden)
	}

	if _, err := r.members.RequireAdmin(conv.Id, actorId); err != nil {
		return database.Membership{}, err
	}

	m, err := r.members.AddMember(conv.Id, newMemberId, database.RoleMember)
	if err != nil {
		return database.Membership{}, err
	}

	if err := r.db.TouchConversation(conv.Id); err != nil {
		r.log.Println("touch conversation:", err)
	}

	if r.publisher != nil {
		r.publisher.MembershipGranted(conv.Id, conv.ExternalId, m)
	}

	return m, nil
}

// Leave removes the caller's membership and applies the type-specific
// deletion policy: a private conversation is deleted once it no longer
// serves two parties, a group persists until its last member leaves.
// Reports whether the conversation was deleted.
func (r *ConversationRegistry) Leave(conv database.Conversation, accountId int) (bool, error) {
	remaining, err := r.members.RemoveMember(conv.Id, accountId)
	if errors.Is(err, ErrNotMember) {
		return false, ErrForbidden
	}
	if err != nil {
		return false, err
	}

	var drop bool
	switch conv.Type {
	case database.ConversationTypePrivate:
		drop = remaining <= 1
	case database.ConversationTypeGroup:
		drop = remaining == 0
	}

	if drop {
		if err := r.db.DeleteConversation(conv.Id); err != nil {
			return false, err
		}

		if r.publisher != nil {
			r.publisher.ConversationDeleted(conv.ExternalId)
		}

		return true, nil
	}

	if err := r.db.TouchConversation(conv.Id); err != nil {
		r.log.Println("touch conversation:", err)
	}

	if r.publisher != nil {
		r.publisher.MembershipRevoked(conv.Id, conv.ExternalId, accountId)
	}

	return false, nil
}

// Delete removes the conversation and cascades to memberships and
// messages. Admin only.
func (r *ConversationRegistry) Delete(conv database.Conversation, actorId int) error {
	if _, err := r.members.RequireAdmin(conv.Id, actorId); err != nil {
		return err
	}

	if err := r.db.DeleteConversation(conv.Id); err != nil {
		return err
	}

	if r.publisher != nil {
		r.publisher.ConversationDeleted(conv.ExternalId)
	}

	return nil
}

// TouchActivity advances last_activity_at to now. Monotonic, applied after
// sends and membership changes.
func (r *ConversationRegistry) TouchActivity(conversationId int) error {
	return r.db.TouchConversation(conversationId)
}
