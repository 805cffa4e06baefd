package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/lmichaud/go-messenger/internal/chat"
	"github.com/lmichaud/go-messenger/internal/types"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is one frame received from a websocket client. Exactly one
// of the operation fields is set.
type ClientMessage struct {
	BaseMessage
	Subscribe   *Subscribe   `json:"subscribe,omitempty"`
	Unsubscribe *Unsubscribe `json:"unsubscribe,omitempty"`
	Publish     *Publish     `json:"publish,omitempty"`
	Read        *Read        `json:"read,omitempty"`
	AccountId   int          `json:"-"`
	client      *Client
}

type Subscribe struct {
	ConversationId string `json:"conversation_id"`
}

type Unsubscribe struct {
	ConversationId string `json:"conversation_id"`
}

type Publish struct {
	ConversationId string `json:"conversation_id"`
	Content        string `json:"content"`
	ReplyTo        *int   `json:"reply_to,omitempty"`
}

type Read struct {
	ConversationId string `json:"conversation_id"`
}

// ServerMessage is one frame sent to a websocket client: a response to one
// of its requests, a fanned-out message, or a notification.
type ServerMessage struct {
	BaseMessage
	Response     *Response      `json:"response,omitempty"`
	Message      *types.Message `json:"message,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type Notification struct {
	Message             *MessageNotification `json:"message,omitempty"`
	MessageUpdated      *types.Message       `json:"message_updated,omitempty"`
	MessageDeleted      *MessageDeleted      `json:"message_deleted,omitempty"`
	MembershipChange    *MembershipChange    `json:"membership_change,omitempty"`
	ConversationDeleted *ConversationDeleted `json:"conversation_deleted,omitempty"`
}

// MessageNotification is the lightweight cross-conversation ping delivered
// on a user's personal channel; the client reconciles by fetching history.
type MessageNotification struct {
	ConversationId string `json:"conversation_id"`
	MessageId      int    `json:"message_id"`
}

type MessageDeleted struct {
	ConversationId string `json:"conversation_id"`
	MessageId      int    `json:"message_id"`
}

type MembershipChange struct {
	ConversationId string `json:"conversation_id"`
	AccountId      int    `json:"account_id"`
	Subscribed     bool   `json:"subscribed"`
}

type ConversationDeleted struct {
	ConversationId string `json:"conversation_id"`
}

func NoErrOK(id int, data any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func NoErrAccepted(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusAccepted,
		},
	}
}

func errResponse(id, code int, msg string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        msg,
		},
	}
}

func ErrForbiddenMsg(id int) *ServerMessage {
	return errResponse(id, http.StatusForbidden, "forbidden")
}

func ErrConversationNotFound(id int) *ServerMessage {
	return errResponse(id, http.StatusNotFound, "conversation not found")
}

func ErrInternalError(id int) *ServerMessage {
	return errResponse(id, http.StatusInternalServerError, "internal server error")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return errResponse(id, http.StatusServiceUnavailable, "service unavailable")
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := errResponse(0, http.StatusBadRequest, "invalid message format")
	if id > 0 {
		msg.Id = id
	}
	return msg
}

// errFromChat maps a domain failure to a response frame.
func errFromChat(id int, err error) *ServerMessage {
	switch {
	case errors.Is(err, chat.ErrForbidden), errors.Is(err, chat.ErrNotMember):
		return ErrForbiddenMsg(id)
	case errors.Is(err, chat.ErrNotFound):
		return ErrConversationNotFound(id)
	case errors.Is(err, chat.ErrValidation), errors.Is(err, chat.ErrInvalidReference):
		return errResponse(id, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, chat.ErrAlreadyMember):
		return errResponse(id, http.StatusConflict, err.Error())
	default:
		return ErrInternalError(id)
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
