package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const (
	uniqueViolation = "23505"

	createMembershipQuery = "INSERT INTO memberships (conversation_id, account_id, role, joined_at, created_at, updated_at) " +
		"VALUES ($1, $2, $3, $4, $4, $4) RETURNING id, conversation_id, account_id, role, joined_at, is_muted"

	messageColumns = "m.id, m.conversation_id, c.external_id, m.account_id, a.username, m.content, m.type, " +
		"m.reply_to, m.is_edited, m.edited_at, m.created_at, m.updated_at"
)

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}

func (db *PgMessengerRepository) CreateAccount(params CreateAccountParams) (Account, error) {
	res := db.conn.QueryRow(
		"INSERT INTO accounts (username, email, password_hash, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $4) RETURNING id, username, email, created_at, updated_at",
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var a Account
	err := res.Scan(&a.Id, &a.Username, &a.EmailAddress, &a.CreatedAt, &a.UpdatedAt)
	if isUniqueViolation(err) {
		return Account{}, ErrDuplicate
	}

	return a, err
}

func (db *PgMessengerRepository) GetAccountById(accountId int) (Account, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, password_hash, created_at, updated_at FROM accounts WHERE id = $1 LIMIT 1",
		accountId,
	)

	var a Account
	err := row.Scan(&a.Id, &a.Username, &a.EmailAddress, &a.PasswordHash, &a.CreatedAt, &a.UpdatedAt)

	return a, err
}

func (db *PgMessengerRepository) GetAccountByEmail(email string) (Account, error) {
	row := db.conn.QueryRow(
		"SELECT id, username, email, password_hash, created_at, updated_at FROM accounts WHERE email = $1 LIMIT 1",
		email,
	)

	var a Account
	err := row.Scan(&a.Id, &a.Username, &a.EmailAddress, &a.PasswordHash, &a.CreatedAt, &a.UpdatedAt)

	return a, err
}

func scanConversation(row *sql.Row) (Conversation, error) {
	var c Conversation
	err := row.Scan(
		&c.Id,
		&c.ExternalId,
		&c.Type,
		&c.Name,
		&c.Description,
		&c.CreatedBy,
		&c.LastActivityAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)

	return c, err
}

const conversationColumns = "id, external_id, type, name, description, created_by, last_activity_at, created_at, updated_at"

func (db *PgMessengerRepository) CreatePrivateConversation(params CreatePrivateConversationParams) (Conversation, bool, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Conversation{}, false, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()

	// The unique index on private_key serializes concurrent creates for the
	// same pair: the loser of the race observes the conflict and reads the
	// winner's row instead of inserting a duplicate.
	res := tx.QueryRow(
		"INSERT INTO conversations (external_id, type, private_key, created_by, last_activity_at, created_at, updated_at) "+
			"VALUES ($1, 'private', $2, $3, $4, $4, $4) "+
			"ON CONFLICT (private_key) DO NOTHING "+
			"RETURNING "+conversationColumns,
		params.ExternalId,
		params.PairKey,
		params.CreatorId,
		now,
	)

	var conv Conversation
	conv, err = scanConversation(res)
	if err == sql.ErrNoRows {
		conv, err = scanConversation(tx.QueryRow(
			"SELECT "+conversationColumns+" FROM conversations WHERE private_key = $1",
			params.PairKey,
		))
		if err != nil {
			return Conversation{}, false, err
		}

		if err = tx.Commit(); err != nil {
			return Conversation{}, false, err
		}

		return conv, false, nil
	} else if err != nil {
		return Conversation{}, false, err
	}

	if _, err = tx.Exec(createMembershipQuery, conv.Id, params.CreatorId, RoleAdmin, now); err != nil {
		return Conversation{}, false, err
	}

	if _, err = tx.Exec(createMembershipQuery, conv.Id, params.PeerId, RoleMember, now); err != nil {
		return Conversation{}, false, err
	}

	if err = tx.Commit(); err != nil {
		return Conversation{}, false, err
	}

	return conv, true, nil
}

func (db *PgMessengerRepository) CreateGroupConversation(params CreateGroupConversationParams) (Conversation, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Conversation{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()

	res := tx.QueryRow(
		"INSERT INTO conversations (external_id, type, name, description, created_by, last_activity_at, created_at, updated_at) "+
			"VALUES ($1, 'group', $2, $3, $4, $5, $5, $5) RETURNING "+conversationColumns,
		params.ExternalId,
		params.Name,
		params.Description,
		params.CreatorId,
		now,
	)

	var conv Conversation
	conv, err = scanConversation(res)
	if err != nil {
		return Conversation{}, err
	}

	if _, err = tx.Exec(createMembershipQuery, conv.Id, params.CreatorId, RoleAdmin, now); err != nil {
		return Conversation{}, err
	}

	for _, memberId := range params.MemberIds {
		// ON CONFLICT absorbs repeated ids so a doubled entry can never
		// produce two membership rows
		if _, err = tx.Exec(
			"INSERT INTO memberships (conversation_id, account_id, role, joined_at, created_at, updated_at) "+
				"VALUES ($1, $2, $3, $4, $4, $4) ON CONFLICT (conversation_id, account_id) DO NOTHING",
			conv.Id, memberId, RoleMember, now,
		); err != nil {
			return Conversation{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return Conversation{}, err
	}

	return conv, nil
}

func (db *PgMessengerRepository) GetConversationByExternalId(externalId string) (Conversation, error) {
	return scanConversation(db.conn.QueryRow(
		"SELECT "+conversationColumns+" FROM conversations WHERE external_id = $1 LIMIT 1",
		externalId,
	))
}

func (db *PgMessengerRepository) UpdateConversation(id int, name, description string) (Conversation, error) {
	return scanConversation(db.conn.QueryRow(
		"UPDATE conversations SET name = $2, description = $3, updated_at = $4 WHERE id = $1 RETURNING "+conversationColumns,
		id,
		name,
		description,
		time.Now().UTC(),
	))
}

func (db *PgMessengerRepository) DeleteConversation(id int) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.Exec("DELETE FROM memberships WHERE conversation_id = $1", id); err != nil {
		return err
	}

	if _, err = tx.Exec("DELETE FROM messages WHERE conversation_id = $1", id); err != nil {
		return err
	}

	if _, err = tx.Exec("DELETE FROM conversations WHERE id = $1", id); err != nil {
		return err
	}

	return tx.Commit()
}

func (db *PgMessengerRepository) TouchConversation(id int) error {
	// max-merge keeps last_activity_at monotonic under concurrent touches
	_, err := db.conn.Exec(
		"UPDATE conversations SET last_activity_at = GREATEST(last_activity_at, $2), updated_at = $2 WHERE id = $1",
		id,
		time.Now().UTC(),
	)

	return err
}

func (db *PgMessengerRepository) ListConversationsForAccount(accountId int) ([]ConversationListing, error) {
	query := `
		SELECT
				c.id, c.external_id, c.type, c.name, c.description, c.created_by,
				c.last_activity_at, c.created_at, c.updated_at,
				m.role, m.is_muted,
				(SELECT COUNT(*) FROM messages msg
					WHERE msg.conversation_id = c.id
					AND msg.account_id <> m.account_id
					AND (m.last_read_at IS NULL OR msg.created_at > m.last_read_at)) AS unread_count,
				lm.id, lm.account_id, lm.username, lm.content, lm.type, lm.created_at
		FROM memberships m
		JOIN conversations c ON c.id = m.conversation_id
		LEFT JOIN LATERAL (
				SELECT msg.id, msg.account_id, a.username, msg.content, msg.type, msg.created_at
				FROM messages msg
				JOIN accounts a ON a.id = msg.account_id
				WHERE msg.conversation_id = c.id
				ORDER BY msg.created_at DESC, msg.id DESC
				LIMIT 1
		) lm ON true
		WHERE m.account_id = $1
		ORDER BY c.last_activity_at DESC;
`

	rows, err := db.conn.Query(query, accountId)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var listings = make([]ConversationListing, 0)
	for rows.Next() {
		var (
			listing       ConversationListing
			lastId        sql.NullInt64
			lastAccountId sql.NullInt64
			lastUsername  sql.NullString
			lastContent   sql.NullString
			lastType      sql.NullString
			lastCreatedAt sql.NullTime
		)

		err := rows.Scan(
			&listing.Conversation.Id,
			&listing.Conversation.ExternalId,
			&listing.Conversation.Type,
			&listing.Conversation.Name,
			&listing.Conversation.Description,
			&listing.Conversation.CreatedBy,
			&listing.Conversation.LastActivityAt,
			&listing.Conversation.CreatedAt,
			&listing.Conversation.UpdatedAt,
			&listing.Role,
			&listing.IsMuted,
			&listing.UnreadCount,
			&lastId,
			&lastAccountId,
			&lastUsername,
			&lastContent,
			&lastType,
			&lastCreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		if lastId.Valid {
			listing.LastMessage = &Message{
				Id:                     int(lastId.Int64),
				ConversationId:         listing.Conversation.Id,
				ConversationExternalId: listing.Conversation.ExternalId,
				AccountId:              int(lastAccountId.Int64),
				AuthorName:             lastUsername.String,
				Content:                lastContent.String,
				Type:                   lastType.String,
				CreatedAt:              lastCreatedAt.Time,
			}
		}

		listings = append(listings, listing)
	}

	return listings, rows.Err()
}

func (db *PgMessengerRepository) CreateMembership(conversationId, accountId int, role string) (Membership, error) {
	res := db.conn.QueryRow(createMembershipQuery, conversationId, accountId, role, time.Now().UTC())

	var m Membership
	err := res.Scan(&m.Id, &m.ConversationId, &m.AccountId, &m.Role, &m.JoinedAt, &m.IsMuted)
	if isUniqueViolation(err) {
		return Membership{}, ErrDuplicate
	}

	return m, err
}

func (db *PgMessengerRepository) GetMembership(conversationId, accountId int) (Membership, error) {
	// earliest id wins if a historical defect ever left duplicates behind
	row := db.conn.QueryRow(
		"SELECT m.id, m.conversation_id, m.account_id, a.username, m.role, m.joined_at, m.last_read_at, m.is_muted "+
			"FROM memberships m JOIN accounts a ON a.id = m.account_id "+
			"WHERE m.conversation_id = $1 AND m.account_id = $2 ORDER BY m.id LIMIT 1",
		conversationId,
		accountId,
	)

	var m Membership
	err := row.Scan(&m.Id, &m.ConversationId, &m.AccountId, &m.Username, &m.Role, &m.JoinedAt, &m.LastReadAt, &m.IsMuted)

	return m, err
}

func (db *PgMessengerRepository) ListMemberships(conversationId int) ([]Membership, error) {
	rows, err := db.conn.Query(
		"SELECT DISTINCT ON (m.account_id) m.id, m.conversation_id, m.account_id, a.username, m.role, m.joined_at, m.last_read_at, m.is_muted "+
			"FROM memberships m JOIN accounts a ON a.id = m.account_id "+
			"WHERE m.conversation_id = $1 ORDER BY m.account_id, m.id",
		conversationId,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members = make([]Membership, 0)
	for rows.Next() {
		var m Membership
		if err = rows.Scan(&m.Id, &m.ConversationId, &m.AccountId, &m.Username, &m.Role, &m.JoinedAt, &m.LastReadAt, &m.IsMuted); err != nil {
			return nil, err
		}

		members = append(members, m)
	}

	return members, rows.Err()
}

func (db *PgMessengerRepository) DeleteMembership(conversationId, accountId int) (int, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.Exec(
		"DELETE FROM memberships WHERE conversation_id = $1 AND account_id = $2",
		conversationId,
		accountId,
	)
	if err != nil {
		return 0, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		err = sql.ErrNoRows
		return 0, err
	}

	var remaining int
	if err = tx.QueryRow(
		"SELECT COUNT(DISTINCT account_id) FROM memberships WHERE conversation_id = $1",
		conversationId,
	).Scan(&remaining); err != nil {
		return 0, err
	}

	if err = tx.Commit(); err != nil {
		return 0, err
	}

	return remaining, nil
}

func (db *PgMessengerRepository) AdvanceLastRead(conversationId, accountId int, ts time.Time) error {
	// GREATEST makes concurrent advances commutative, the cursor never
	// moves backward
	res, err := db.conn.Exec(
		"UPDATE memberships SET last_read_at = GREATEST(COALESCE(last_read_at, to_timestamp(0)), $3), updated_at = $4 "+
			"WHERE conversation_id = $1 AND account_id = $2",
		conversationId,
		accountId,
		ts,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	return nil
}

func (db *PgMessengerRepository) SetMuted(conversationId, accountId int, muted bool) error {
	res, err := db.conn.Exec(
		"UPDATE memberships SET is_muted = $3, updated_at = $4 WHERE conversation_id = $1 AND account_id = $2",
		conversationId,
		accountId,
		muted,
		time.Now().UTC(),
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	return nil
}

func (db *PgMessengerRepository) CreateMessage(params CreateMessageParams) (Message, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return Message{}, err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	now := time.Now().UTC()

	var replyTo sql.NullInt64
	if params.ReplyTo != nil {
		replyTo = sql.NullInt64{Int64: int64(*params.ReplyTo), Valid: true}
	}

	msgType := params.Type
	if msgType == "" {
		msgType = MessageTypeText
	}

	res := tx.QueryRow(
		"INSERT INTO messages (conversation_id, account_id, content, type, reply_to, created_at, updated_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $6) "+
			"RETURNING id, conversation_id, account_id, content, type, reply_to, is_edited, edited_at, created_at, updated_at",
		params.ConversationId,
		params.AccountId,
		params.Content,
		msgType,
		replyTo,
		now,
	)

	var msg Message
	err = res.Scan(
		&msg.Id,
		&msg.ConversationId,
		&msg.AccountId,
		&msg.Content,
		&msg.Type,
		&msg.ReplyTo,
		&msg.IsEdited,
		&msg.EditedAt,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return Message{}, err
	}

	if _, err = tx.Exec(
		"UPDATE conversations SET last_activity_at = GREATEST(last_activity_at, $2), updated_at = $2 WHERE id = $1",
		params.ConversationId,
		msg.CreatedAt,
	); err != nil {
		return Message{}, err
	}

	// the author's own message never counts against their unread total
	if _, err = tx.Exec(
		"UPDATE memberships SET last_read_at = GREATEST(COALESCE(last_read_at, to_timestamp(0)), $3), updated_at = $3 "+
			"WHERE conversation_id = $1 AND account_id = $2",
		params.ConversationId,
		params.AccountId,
		msg.CreatedAt,
	); err != nil {
		return Message{}, err
	}

	if err = tx.Commit(); err != nil {
		return Message{}, err
	}

	return msg, nil
}

func (db *PgMessengerRepository) GetMessage(id int) (Message, error) {
	row := db.conn.QueryRow(
		"SELECT "+messageColumns+" FROM messages m "+
			"JOIN conversations c ON c.id = m.conversation_id "+
			"JOIN accounts a ON a.id = m.account_id "+
			"WHERE m.id = $1 LIMIT 1",
		id,
	)

	return scanMessage(row)
}

func scanMessage(row *sql.Row) (Message, error) {
	var msg Message
	err := row.Scan(
		&msg.Id,
		&msg.ConversationId,
		&msg.ConversationExternalId,
		&msg.AccountId,
		&msg.AuthorName,
		&msg.Content,
		&msg.Type,
		&msg.ReplyTo,
		&msg.IsEdited,
		&msg.EditedAt,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)

	return msg, err
}

func (db *PgMessengerRepository) UpdateMessageContent(id int, content string) (Message, error) {
	now := time.Now().UTC()
	res := db.conn.QueryRow(
		"WITH updated AS ("+
			"UPDATE messages SET content = $2, is_edited = true, edited_at = $3, updated_at = $3 WHERE id = $1 "+
			"RETURNING id, conversation_id, account_id, content, type, reply_to, is_edited, edited_at, created_at, updated_at"+
			") SELECT m.id, m.conversation_id, c.external_id, m.account_id, a.username, m.content, m.type, "+
			"m.reply_to, m.is_edited, m.edited_at, m.created_at, m.updated_at "+
			"FROM updated m JOIN conversations c ON c.id = m.conversation_id JOIN accounts a ON a.id = m.account_id",
		id,
		content,
		now,
	)

	return scanMessage(res)
}

func (db *PgMessengerRepository) DeleteMessage(id int) error {
	// reply_to on child messages is nulled by the foreign key, replies are
	// never cascade-deleted
	_, err := db.conn.Exec("DELETE FROM messages WHERE id = $1", id)

	return err
}

// listMessagesQuery pages on the (created_at, id) ordering tuple rather than
// raw id ranges, so a page boundary cannot reorder rows whose ids committed
// out of timestamp order. A cursor pointing at a deleted message yields an
// empty page; callers restart without a cursor.
func listMessagesQuery(conversationId, after, before, limit int) (string, []any) {
	query := "SELECT " + messageColumns + " FROM messages m " +
		"JOIN conversations c ON c.id = m.conversation_id " +
		"JOIN accounts a ON a.id = m.account_id " +
		"WHERE m.conversation_id = $1"
	args := []any{conversationId}

	if after > 0 {
		args = append(args, after)
		query += fmt.Sprintf(" AND (m.created_at, m.id) > (SELECT created_at, id FROM messages WHERE id = $%d)", len(args))
	}

	if before > 0 {
		args = append(args, before)
		query += fmt.Sprintf(" AND (m.created_at, m.id) < (SELECT created_at, id FROM messages WHERE id = $%d)", len(args))
	}

	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY m.created_at ASC, m.id ASC LIMIT $%d", len(args))

	return query, args
}

func (db *PgMessengerRepository) ListMessages(conversationId, after, before, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}

	query, args := listMessagesQuery(conversationId, after, before, limit)
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages = make([]Message, 0, limit)
	for rows.Next() {
		var msg Message
		if err = rows.Scan(
			&msg.Id,
			&msg.ConversationId,
			&msg.ConversationExternalId,
			&msg.AccountId,
			&msg.AuthorName,
			&msg.Content,
			&msg.Type,
			&msg.ReplyTo,
			&msg.IsEdited,
			&msg.EditedAt,
			&msg.CreatedAt,
			&msg.UpdatedAt,
		); err != nil {
			return nil, err
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (db *PgMessengerRepository) CountUnread(conversationId, accountId int) (int, error) {
	row := db.conn.QueryRow(
		"SELECT COUNT(*) FROM messages msg "+
			"JOIN memberships m ON m.conversation_id = msg.conversation_id AND m.account_id = $2 "+
			"WHERE msg.conversation_id = $1 AND msg.account_id <> $2 "+
			"AND (m.last_read_at IS NULL OR msg.created_at > m.last_read_at)",
		conversationId,
		accountId,
	)

	var count int
	err := row.Scan(&count)

	return count, err
}
