package chat

import "errors"

// Failure taxonomy surfaced to callers. Every operation either fully applies
// or returns one of these (or a wrapped storage error) with no partial
// mutation.
var (
	// ErrForbidden: the caller lacks the membership or role the operation
	// requires.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound: a referenced entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyMember: a membership already exists for the
	// (conversation, account) pair.
	ErrAlreadyMember = errors.New("already a member")
	// ErrNotMember: the account has no membership in the conversation.
	ErrNotMember = errors.New("not a member")
	// ErrValidation: malformed input (empty required field, oversized
	// content, unknown enum value).
	ErrValidation = errors.New("invalid input")
	// ErrInvalidReference: a reply target that is absent or belongs to a
	// different conversation.
	ErrInvalidReference = errors.New("invalid reference")
)
