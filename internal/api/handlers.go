package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/lmichaud/go-messenger/internal/chat"
	"github.com/lmichaud/go-messenger/internal/database"
	"github.com/lmichaud/go-messenger/internal/server"
	"github.com/lmichaud/go-messenger/internal/types"
)

type CreatePrivateConversationRequest struct {
	PeerId int `json:"peer_id"`
}

type CreateGroupConversationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	MemberIds   []int  `json:"member_ids"`
}

type UpdateConversationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type AddMemberRequest struct {
	ConversationId string `json:"conversation_id"`
	AccountId      int    `json:"account_id"`
}

type MarkReadRequest struct {
	ConversationId string `json:"conversation_id"`
}

type MuteRequest struct {
	ConversationId string `json:"conversation_id"`
	Muted          bool   `json:"muted"`
}

type SendMessageRequest struct {
	ConversationId string `json:"conversation_id"`
	Content        string `json:"content"`
	ReplyTo        *int   `json:"reply_to,omitempty"`
}

type EditMessageRequest struct {
	Content string `json:"content"`
}

type LeaveResponse struct {
	ConversationDeleted bool `json:"conversation_deleted"`
}

func (s *MessengerApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *MessengerApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode == http.StatusInternalServerError && errResp.Err != nil {
		s.log.Println("internal error:", errResp.Err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

// conversationFromQuery resolves the "id" query parameter to a conversation.
func (s *MessengerApp) conversationFromQuery(r *http.Request, param string) (database.Conversation, *ApiError) {
	externalId := r.URL.Query().Get(param)
	if externalId == "" {
		return database.Conversation{}, NewBadRequestError()
	}

	conv, err := s.registry.Get(externalId)
	if err != nil {
		return database.Conversation{}, chatError(err)
	}

	return conv, nil
}

func (s *MessengerApp) listConversations(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	summaries, err := s.unread.ListForUser(userId)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, summaries)
}

func (s *MessengerApp) createPrivateConversation(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req CreatePrivateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	conv, err := s.registry.CreatePrivate(userId, req.PeerId)
	if err != nil {
		s.writeError(w, chatError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, chat.ConversationView(conv))
}

func (s *MessengerApp) createGroupConversation(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req CreateGroupConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	conv, err := s.registry.CreateGroup(userId, req.Name, req.Description, req.MemberIds)
	if err != nil {
		s.writeError(w, chatError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, chat.ConversationView(conv))
}

func (s *MessengerApp) getConversation(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	conv, apiErr := s.conversationFromQuery(r, "id")
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	if _, err := s.members.RequireMember(conv.Id, userId); err != nil {
		s.writeError(w, chatError(err))
		return
	}

	memberships, err := s.members.Members(conv.Id)
	if err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	view := chat.ConversationView(conv)
	for _, m := range memberships {
		view.Members = append(view.Members, chat.MemberView(m))
	}

	s.writeJson(w, http.StatusOK, view)
}

func (s *MessengerApp) updateConversation(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	conv, apiErr := s.conversationFromQuery(r, "id")
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	var req UpdateConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	updated, err := s.registry.Update(conv, userId, req.Name, req.Description)
	if err != nil {
		s.writeError(w, chatError(err))
		return
	}

	s.writeJson(w, http.StatusOK, chat.ConversationView(updated))
}

func (s *MessengerApp) deleteConversation(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	conv, apiErr := s.conversationFromQuery(r, "id")
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	if err := s.registry.Delete(conv, userId); err != nil {
		s.writeError(w, chatError(err))
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *MessengerApp) addMember(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req AddMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	conv, err := s.registry.Get(req.ConversationId)
	if err != nil {
		s.writeError(w, chatError(err))
		return
	}

	m, err := s.registry.AddMember(conv, userId, req.AccountId)
	if err != nil {
		s.writeError(w, chatError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, chat.MemberView(m))
}

func (s *MessengerApp) leaveConversation(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	conv, apiErr := s.conversationFromQuery(r, "conversation_id")
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	deleted, err := s.registry.Leave(conv, userId)
	if err != nil {
		s.writeError(w, chatError(err))
		return
	}

	s.writeJson(w, http.StatusOK, LeaveResponse{ConversationDeleted: deleted})
}

func (s *MessengerApp) markRead(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req MarkReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	conv, err := s.registry.Get(req.ConversationId)
	if err != nil {
		s.writeError(w, chatError(err))
		return
	}

	if err := s.unread.MarkRead(conv.Id, userId); err != nil {
		s.writeError(w, chatError(err))
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *MessengerApp) muteConversation(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req MuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	conv, err := s.registry.Get(req.ConversationId)
	if err != nil {
		s.writeError(w, chatError(err))
		return
	}

	if err := s.members.SetMuted(conv.Id, userId, req.Muted); err != nil {
		s.writeError(w, chatError(err))
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *MessengerApp) getMessages(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	conv, apiErr := s.conversationFromQuery(r, "conversation_id")
	if apiErr != nil {
		s.writeError(w, apiErr)
		return
	}

	var before, after, limit int
	for _, p := range []struct {
		name string
		dst  *int
	}{
		{"before", &before},
		{"after", &after},
		{"limit", &limit},
	} {
		raw := r.URL.Query().Get(p.name)
		if raw == "" {
			continue
		}

		val, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, NewBadRequestError())
			return
		}
		*p.dst = val
	}

	dbMessages, err := s.messages.List(conv, userId, after, before, limit)
	if err != nil {
		s.writeError(w, chatError(err))
		return
	}

	messages := make([]types.Message, 0, len(dbMessages))
	for _, msg := range dbMessages {
		messages = append(messages, chat.MessageView(msg))
	}

	s.writeJson(w, http.StatusOK, messages)
}

func (s *MessengerApp) sendMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	conv, err := s.registry.Get(req.ConversationId)
	if err != nil {
		s.writeError(w, chatError(err))
		return
	}

	msg, err := s.messages.Send(conv, userId, req.Content, req.ReplyTo)
	if err != nil {
		s.writeError(w, chatError(err))
		return
	}

	s.writeJson(w, http.StatusCreated, chat.MessageView(msg))
}

func (s *MessengerApp) editMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	messageId, err := strconv.Atoi(r.URL.Query().Get("id"))
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	var req EditMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	msg, err := s.messages.Edit(messageId, userId, req.Content)
	if err != nil {
		s.writeError(w, chatError(err))
		return
	}

	s.writeJson(w, http.StatusOK, chat.MessageView(msg))
}

func (s *MessengerApp) deleteMessage(w http.ResponseWriter, r *http.Request) {
	userId, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	messageId, err := strconv.Atoi(r.URL.Query().Get("id"))
	if err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if err := s.messages.Delete(messageId, userId); err != nil {
		s.writeError(w, chatError(err))
		return
	}

	s.writeJson(w, http.StatusNoContent, nil)
}

func (s *MessengerApp) healthz(w http.ResponseWriter, _ *http.Request) {
	if err := s.db.Ping(); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *MessengerApp) serveWs(w http.ResponseWriter, r *http.Request) {
	id, ok := UserId(r.Context())
	if !ok {
		s.writeError(w, NewUnauthorizedError())
		return
	}

	user, err := s.db.GetAccountById(id)
	if err != nil {
		var errResp *ApiError
		if errors.Is(err, sql.ErrNoRows) {
			errResp = NewNotFoundError()
		} else {
			errResp = NewInternalServerError(err)
		}
		s.writeError(w, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(types.User{
		Id:           user.Id,
		Username:     user.Username,
		EmailAddress: user.EmailAddress,
		CreatedAt:    user.CreatedAt,
		UpdatedAt:    user.UpdatedAt,
	}, conn, s.cs, s.log, s.stats)

	s.cs.RegisterClient(client)
	go client.Write()
	go client.Read()
}
