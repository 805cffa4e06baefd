package chat

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lmichaud/go-messenger/internal/database"
)

// MembershipStore owns the conversation-to-account relation: roles, join
// state, mute flags and per-member read cursors.
type MembershipStore struct {
	log *log.Logger
	db  database.MessengerRepository
}

func NewMembershipStore(logger *log.Logger, db database.MessengerRepository) *MembershipStore {
	return &MembershipStore{log: logger, db: db}
}

func validRole(role string) bool {
	switch role {
	case database.RoleAdmin, database.RoleModerator, database.RoleMember:
		return true
	}
	return false
}

// AddMember attaches an account to a conversation. The uniqueness of the
// (conversation, account) pair is enforced by the storage constraint, so
// concurrent adds for the same pair cannot both succeed.
func (s *MembershipStore) AddMember(conversationId, accountId int, role string) (database.Membership, error) {
	if !validRole(role) {
		return database.Membership{}, fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}

	m, err := s.db.CreateMembership(conversationId, accountId, role)
	if errors.Is(err, database.ErrDuplicate) {
		return database.Membership{}, ErrAlreadyMember
	}

	return m, err
}

// RemoveMember deletes the membership and returns the remaining member
// count so the caller can apply the conversation deletion policy.
func (s *MembershipStore) RemoveMember(conversationId, accountId int) (int, error) {
	remaining, err := s.db.DeleteMembership(conversationId, accountId)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotMember
	}

	return remaining, err
}

// AdvanceReadCursor moves last_read_at forward to ts. The merge is a max,
// an earlier timestamp never rewinds the cursor.
func (s *MembershipStore) AdvanceReadCursor(conversationId, accountId int, ts time.Time) error {
	err := s.db.AdvanceLastRead(conversationId, accountId, ts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotMember
	}

	return err
}

func (s *MembershipStore) Role(conversationId, accountId int) (string, error) {
	m, err := s.db.GetMembership(conversationId, accountId)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotMember
	}
	if err != nil {
		return "", err
	}

	return m.Role, nil
}

func (s *MembershipStore) Members(conversationId int) ([]database.Membership, error) {
	return s.db.ListMemberships(conversationId)
}

func (s *MembershipStore) SetMuted(conversationId, accountId int, muted bool) error {
	err := s.db.SetMuted(conversationId, accountId, muted)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotMember
	}

	return err
}

// RequireMember is the authorization gate consumed by every other
// component: it fails with ErrForbidden when no membership exists.
func (s *MembershipStore) RequireMember(conversationId, accountId int) (database.Membership, error) {
	m, err := s.db.GetMembership(conversationId, accountId)
	if errors.Is(err, sql.ErrNoRows) {
		return database.Membership{}, ErrForbidden
	}

	return m, err
}

func (s *MembershipStore) RequireAdmin(conversationId, accountId int) (database.Membership, error) {
	m, err := s.RequireMember(conversationId, accountId)
	if err != nil {
		return database.Membership{}, err
	}

	if m.Role != database.RoleAdmin {
		return database.Membership{}, ErrForbidden
	}

	return m, nil
}
