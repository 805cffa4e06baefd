package server

import (
	"log"
	"slices"
	"sync"
	"time"

	"github.com/lmichaud/go-messenger/internal/chat"
	"github.com/lmichaud/go-messenger/internal/database"
	"github.com/lmichaud/go-messenger/internal/stats"
)

const idleChannelTimeout = time.Minute

// subscriptionState tracks one client's standing on a channel. A client
// starts unauthorized, becomes authorized only after a membership check at
// subscribe time, and is closed on unsubscribe, disconnect or revocation.
type subscriptionState int

const (
	stateUnauthorized subscriptionState = iota
	stateAuthorized
	stateClosed
)

type exitReq struct {
	deleted bool
}

type deliverReq struct {
	msg *ServerMessage
	// skipAccount suppresses delivery to every connection of this account
	// (the author already has the message from the synchronous path)
	skipAccount int
	// notifyAbsent pings members with no client on the channel via their
	// personal channel
	notifyAbsent bool
}

// Channel is the live fan-out endpoint for one conversation. All state is
// owned by its goroutine; other goroutines communicate through the
// mailboxes.
type Channel struct {
	id         int
	externalId string
	conv       database.Conversation
	hub        *ChatServer
	// current membership rows, loaded at start and maintained on revocation
	subscribers   []database.Membership
	subs          map[*Client]subscriptionState
	userClients   map[int]map[*Client]struct{}
	clientLock    sync.RWMutex
	joinChan      chan *ClientMessage
	leaveChan     chan *ClientMessage
	clientMsgChan chan *ClientMessage
	deliverChan   chan *deliverReq
	grantChan     chan database.Membership
	kickChan      chan int
	killTimer     *time.Timer
	exit          chan exitReq
	done          chan struct{}
	log           *log.Logger
}

func newChannel(conv database.Conversation, subscribers []database.Membership, hub *ChatServer) *Channel {
	killTimer := time.NewTimer(idleChannelTimeout)
	killTimer.Stop()

	return &Channel{
		id:            conv.Id,
		externalId:    conv.ExternalId,
		conv:          conv,
		hub:           hub,
		subscribers:   subscribers,
		subs:          make(map[*Client]subscriptionState),
		userClients:   make(map[int]map[*Client]struct{}),
		joinChan:      make(chan *ClientMessage, 256),
		leaveChan:     make(chan *ClientMessage, 256),
		clientMsgChan: make(chan *ClientMessage, 256),
		deliverChan:   make(chan *deliverReq, 256),
		grantChan:     make(chan database.Membership, 16),
		kickChan:      make(chan int, 16),
		killTimer:     killTimer,
		exit:          make(chan exitReq),
		done:          make(chan struct{}),
		log:           hub.log,
	}
}

func (ch *Channel) run() {
	for {
		select {
		case join := <-ch.joinChan:
			ch.handleJoin(join)
		case leaveMsg := <-ch.leaveChan:
			ch.handleLeave(leaveMsg)
		case msg := <-ch.clientMsgChan:
			if msg.Publish != nil {
				ch.handlePublish(msg)
			} else if msg.Read != nil {
				ch.handleRead(msg)
			}
		case req := <-ch.deliverChan:
			ch.handleDeliver(req)
		case m := <-ch.grantChan:
			ch.upsertSubscriber(m)
		case accountId := <-ch.kickChan:
			ch.handleKick(accountId)
		case <-ch.killTimer.C:
			ch.handleTimeout()
		case e := <-ch.exit:
			ch.handleExit(e)
			return
		}
	}
}

// handleJoin authorizes a subscription attempt. Membership is queried at
// subscribe time, never taken from an earlier decision, so a revoked member
// is denied on its next attempt.
func (ch *Channel) handleJoin(join *ClientMessage) {
	ch.killTimer.Stop()

	c := join.client
	membership, err := ch.hub.members.RequireMember(ch.id, c.user.Id)
	if err != nil {
		ch.log.Printf("denying subscription to %q for %q", ch.externalId, c.user.Username)
		ch.hub.stats.Incr(stats.SubscriptionsDenied)
		c.queueMessage(errFromChat(join.Id, err))

		if ch.clientCount() == 0 {
			ch.killTimer.Reset(idleChannelTimeout)
		}
		return
	}

	ch.addClient(c)
	ch.upsertSubscriber(membership)

	members, err := ch.hub.members.Members(ch.id)
	if err != nil {
		ch.log.Println("list members:", err)
	} else {
		ch.subscribers = members
	}

	info := chat.ConversationView(ch.conv)
	for _, m := range ch.subscribers {
		info.Members = append(info.Members, chat.MemberView(m))
	}

	c.queueMessage(NoErrOK(join.Id, info))
}

// handleLeave drops the client's subscription. Only explicit unsubscribe
// requests carry a frame id and get an acknowledgement; disconnect cleanup
// does not.
func (ch *Channel) handleLeave(msg *ClientMessage) {
	ch.removeClient(msg.client)

	if msg.Id > 0 {
		msg.client.queueMessage(NoErrOK(msg.Id, nil))
	}
}

// handlePublish persists the message through the message store; delivery to
// the other subscribers happens asynchronously once the store emits the
// event back through the hub.
func (ch *Channel) handlePublish(msg *ClientMessage) {
	if state := ch.clientState(msg.client); state != stateAuthorized {
		msg.client.queueMessage(ErrForbiddenMsg(msg.Id))
		return
	}

	_, err := ch.hub.messages.Send(ch.conv, msg.AccountId, msg.Publish.Content, msg.Publish.ReplyTo)
	if err != nil {
		ch.log.Println("send message:", err)
		msg.client.queueMessage(errFromChat(msg.Id, err))
		return
	}

	msg.client.queueMessage(NoErrAccepted(msg.Id))
}

func (ch *Channel) handleRead(msg *ClientMessage) {
	if state := ch.clientState(msg.client); state != stateAuthorized {
		msg.client.queueMessage(ErrForbiddenMsg(msg.Id))
		return
	}

	if err := ch.hub.unread.MarkRead(ch.id, msg.AccountId); err != nil {
		ch.log.Println("mark read:", err)
		msg.client.queueMessage(errFromChat(msg.Id, err))
		return
	}

	msg.client.queueMessage(NoErrOK(msg.Id, nil))
}

// handleDeliver pushes a fanned-out frame to every authorized connected
// subscriber except the skipped account. Best-effort: a full client queue
// drops the frame for that client only.
func (ch *Channel) handleDeliver(req *deliverReq) {
	ch.clientLock.RLock()
	for c, state := range ch.subs {
		if state != stateAuthorized || c.user.Id == req.skipAccount {
			continue
		}

		c.queueMessage(req.msg)
	}
	ch.clientLock.RUnlock()

	if !req.notifyAbsent || req.msg.Message == nil {
		return
	}

	for _, sub := range ch.subscribers {
		if sub.AccountId == req.skipAccount || sub.IsMuted {
			continue
		}

		if ch.hasClientsForUser(sub.AccountId) {
			// already delivered on the conversation channel
			continue
		}

		ch.hub.notifyAccount(sub.AccountId, &ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Notification: &Notification{
				Message: &MessageNotification{
					ConversationId: ch.externalId,
					MessageId:      req.msg.Message.Id,
				},
			},
		})
	}
}

// handleKick closes every subscription the account holds on this channel;
// a removed member stops receiving events immediately.
func (ch *Channel) handleKick(accountId int) {
	ch.removeAllClientsForUser(accountId)
	ch.dropSubscriber(accountId)

	ch.hub.notifyAccount(accountId, &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Notification: &Notification{
			MembershipChange: &MembershipChange{
				ConversationId: ch.externalId,
				AccountId:      accountId,
				Subscribed:     false,
			},
		},
	})
}

func (ch *Channel) handleTimeout() {
	ch.log.Printf("channel %q idle, unloading", ch.externalId)
	select {
	case ch.hub.unloadChan <- unloadRequest{conversationId: ch.externalId}:
	default:
		ch.killTimer.Reset(idleChannelTimeout)
	}
}

func (ch *Channel) handleExit(e exitReq) {
	if e.deleted {
		ch.broadcast(&ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Notification: &Notification{
				ConversationDeleted: &ConversationDeleted{ConversationId: ch.externalId},
			},
		}, 0)
	}

	ch.clientLock.Lock()
	for c := range ch.subs {
		ch.subs[c] = stateClosed
		c.delChannel(ch.externalId)
	}
	ch.clientLock.Unlock()

	close(ch.done)
}

func (ch *Channel) broadcast(msg *ServerMessage, skipAccount int) {
	ch.clientLock.RLock()
	defer ch.clientLock.RUnlock()

	for c, state := range ch.subs {
		if state != stateAuthorized || (skipAccount != 0 && c.user.Id == skipAccount) {
			continue
		}

		c.queueMessage(msg)
	}
}

func (ch *Channel) addClient(c *Client) {
	ch.clientLock.Lock()
	defer ch.clientLock.Unlock()

	ch.subs[c] = stateAuthorized
	if ch.userClients[c.user.Id] == nil {
		ch.userClients[c.user.Id] = make(map[*Client]struct{})
	}
	ch.userClients[c.user.Id][c] = struct{}{}

	c.addChannel(ch)
}

func (ch *Channel) removeClient(c *Client) {
	ch.clientLock.Lock()
	defer ch.clientLock.Unlock()

	if _, ok := ch.subs[c]; !ok {
		return
	}

	delete(ch.subs, c)
	c.delChannel(ch.externalId)

	if userClients, ok := ch.userClients[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(ch.userClients, c.user.Id)
		}
	}

	if len(ch.subs) == 0 {
		ch.killTimer.Reset(idleChannelTimeout)
	}
}

func (ch *Channel) removeAllClientsForUser(accountId int) {
	ch.clientLock.Lock()
	defer ch.clientLock.Unlock()

	if userClients, ok := ch.userClients[accountId]; ok {
		for c := range userClients {
			delete(ch.subs, c)
			c.delChannel(ch.externalId)
		}
		delete(ch.userClients, accountId)
	}

	if len(ch.subs) == 0 {
		ch.killTimer.Reset(idleChannelTimeout)
	}
}

func (ch *Channel) clientState(c *Client) subscriptionState {
	ch.clientLock.RLock()
	defer ch.clientLock.RUnlock()

	state, ok := ch.subs[c]
	if !ok {
		return stateUnauthorized
	}
	return state
}

func (ch *Channel) clientCount() int {
	ch.clientLock.RLock()
	defer ch.clientLock.RUnlock()

	return len(ch.subs)
}

func (ch *Channel) hasClientsForUser(accountId int) bool {
	ch.clientLock.RLock()
	defer ch.clientLock.RUnlock()

	return len(ch.userClients[accountId]) > 0
}

func (ch *Channel) upsertSubscriber(m database.Membership) {
	for i, sub := range ch.subscribers {
		if sub.AccountId == m.AccountId {
			ch.subscribers[i] = m
			return
		}
	}
	ch.subscribers = append(ch.subscribers, m)
}

func (ch *Channel) dropSubscriber(accountId int) {
	for i, sub := range ch.subscribers {
		if sub.AccountId == accountId {
			ch.subscribers = slices.Delete(ch.subscribers, i, i+1)
			return
		}
	}
}
