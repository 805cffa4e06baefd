package server

import (
	"context"
	"log"
	"sync"

	"github.com/lmichaud/go-messenger/internal/chat"
	"github.com/lmichaud/go-messenger/internal/database"
	"github.com/lmichaud/go-messenger/internal/stats"
)

type unloadRequest struct {
	conversationId string
}

// hubEvent is a domain event forwarded from the stores to the hub loop.
// Exactly one field is set.
type hubEvent struct {
	messageSent         *chat.MessageEvent
	messageUpdated      *chat.MessageEvent
	messageDeleted      *messageDeletedEvent
	membershipGranted   *membershipGrantedEvent
	membershipRevoked   *membershipRevokedEvent
	conversationDeleted string
}

type messageDeletedEvent struct {
	conversationId int
	externalId     string
	messageId      int
}

type membershipGrantedEvent struct {
	conversationId int
	externalId     string
	membership     database.Membership
}

type membershipRevokedEvent struct {
	conversationId int
	externalId     string
	accountId      int
}

// ChatServer is the fan-out hub. It owns the set of connected clients and
// the loaded channels, loads channels on demand when a client subscribes,
// and routes domain events to the channel goroutines.
type ChatServer struct {
	log      *log.Logger
	registry *chat.ConversationRegistry
	members  *chat.MembershipStore
	messages *chat.MessageStore
	unread   *chat.UnreadCalculator
	stats    stats.StatsProvider

	clients     map[*Client]struct{}
	userClients map[int]map[*Client]struct{}
	clientsLock sync.RWMutex

	// loaded channels, by external id and by database id
	channels     map[string]*Channel
	channelsById map[int]*Channel

	subscribeChan  chan *ClientMessage
	RegisterChan   chan *Client
	deRegisterChan chan *Client
	eventChan      chan *hubEvent
	unloadChan     chan unloadRequest
	stop           chan struct{}
	done           chan struct{}
}

func NewChatServer(logger *log.Logger, registry *chat.ConversationRegistry, members *chat.MembershipStore,
	messages *chat.MessageStore, unread *chat.UnreadCalculator, sp stats.StatsProvider) *ChatServer {
	cs := &ChatServer{
		log:            logger,
		registry:       registry,
		members:        members,
		messages:       messages,
		unread:         unread,
		stats:          sp,
		clients:        make(map[*Client]struct{}),
		userClients:    make(map[int]map[*Client]struct{}),
		channels:       make(map[string]*Channel),
		channelsById:   make(map[int]*Channel),
		subscribeChan:  make(chan *ClientMessage, 256),
		RegisterChan:   make(chan *Client, 256),
		deRegisterChan: make(chan *Client, 256),
		eventChan:      make(chan *hubEvent, 1024),
		unloadChan:     make(chan unloadRequest, 64),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}

	for _, metric := range []string{
		stats.ActiveConnections,
		stats.ActiveChannels,
		stats.MessagesPublished,
		stats.NotificationsSent,
		stats.SubscriptionsDenied,
	} {
		cs.stats.RegisterMetric(metric)
	}

	return cs
}

func (cs *ChatServer) Run() {
	go cs.run()
}

func (cs *ChatServer) run() {
	defer close(cs.done)

	for {
		select {
		case msg := <-cs.subscribeChan:
			cs.handleSubscribe(msg)
		case c := <-cs.RegisterChan:
			cs.registerClient(c)
		case c := <-cs.deRegisterChan:
			cs.deRegisterClient(c)
		case ev := <-cs.eventChan:
			cs.handleEvent(ev)
		case req := <-cs.unloadChan:
			cs.unloadChannel(req.conversationId, false)
		case <-cs.stop:
			cs.shutdown()
			return
		}
	}
}

// handleSubscribe loads the conversation's channel if it is not live yet and
// forwards the join; the channel goroutine performs the membership check.
func (cs *ChatServer) handleSubscribe(msg *ClientMessage) {
	externalId := msg.Subscribe.ConversationId

	ch, ok := cs.channels[externalId]
	if !ok {
		conv, err := cs.registry.Get(externalId)
		if err != nil {
			msg.client.queueMessage(errFromChat(msg.Id, err))
			return
		}

		subscribers, err := cs.members.Members(conv.Id)
		if err != nil {
			cs.log.Println("list members:", err)
			msg.client.queueMessage(ErrInternalError(msg.Id))
			return
		}

		ch = newChannel(conv, subscribers, cs)
		cs.channels[externalId] = ch
		cs.channelsById[conv.Id] = ch
		cs.stats.Incr(stats.ActiveChannels)
		go ch.run()
	}

	select {
	case ch.joinChan <- msg:
	default:
		cs.log.Printf("joinChan full for channel %q", externalId)
		msg.client.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (cs *ChatServer) handleEvent(ev *hubEvent) {
	switch {
	case ev.messageSent != nil:
		cs.stats.Incr(stats.MessagesPublished)
		cs.deliverMessage(ev.messageSent)
	case ev.messageUpdated != nil:
		if ch, ok := cs.channelsById[ev.messageUpdated.ConversationId]; ok {
			cs.deliver(ch, &deliverReq{
				msg: &ServerMessage{
					BaseMessage:  BaseMessage{Timestamp: Now()},
					Notification: &Notification{MessageUpdated: &ev.messageUpdated.Message},
				},
				skipAccount: ev.messageUpdated.AuthorId,
			})
		}
	case ev.messageDeleted != nil:
		if ch, ok := cs.channelsById[ev.messageDeleted.conversationId]; ok {
			cs.deliver(ch, &deliverReq{
				msg: &ServerMessage{
					BaseMessage: BaseMessage{Timestamp: Now()},
					Notification: &Notification{MessageDeleted: &MessageDeleted{
						ConversationId: ev.messageDeleted.externalId,
						MessageId:      ev.messageDeleted.messageId,
					}},
				},
			})
		}
	case ev.membershipGranted != nil:
		grant := ev.membershipGranted
		// a live channel must learn about the new member right away, or the
		// absent-member pings skip them until their first join
		if ch, ok := cs.channelsById[grant.conversationId]; ok {
			select {
			case ch.grantChan <- grant.membership:
			default:
				cs.log.Printf("grantChan full for channel %q", grant.externalId)
			}
		}

		cs.notifyAccount(grant.membership.AccountId, &ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Notification: &Notification{MembershipChange: &MembershipChange{
				ConversationId: grant.externalId,
				AccountId:      grant.membership.AccountId,
				Subscribed:     true,
			}},
		})
	case ev.membershipRevoked != nil:
		rev := ev.membershipRevoked
		if ch, ok := cs.channelsById[rev.conversationId]; ok {
			select {
			case ch.kickChan <- rev.accountId:
			default:
				cs.log.Printf("kickChan full for channel %q", rev.externalId)
			}
			return
		}

		// no live channel, deliver the revocation on the personal channel
		cs.notifyAccount(rev.accountId, &ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Notification: &Notification{MembershipChange: &MembershipChange{
				ConversationId: rev.externalId,
				AccountId:      rev.accountId,
				Subscribed:     false,
			}},
		})
	case ev.conversationDeleted != "":
		cs.unloadChannel(ev.conversationDeleted, true)
	}
}

// deliverMessage fans a committed message out. With a live channel the
// channel goroutine handles both delivery and absent-member notifications;
// without one every non-muted member gets the personal ping.
func (cs *ChatServer) deliverMessage(ev *chat.MessageEvent) {
	frame := &ServerMessage{
		BaseMessage: BaseMessage{Timestamp: Now()},
		Message:     &ev.Message,
	}

	if ch, ok := cs.channelsById[ev.ConversationId]; ok {
		cs.deliver(ch, &deliverReq{msg: frame, skipAccount: ev.AuthorId, notifyAbsent: true})
		return
	}

	members, err := cs.members.Members(ev.ConversationId)
	if err != nil {
		cs.log.Println("list members:", err)
		return
	}

	for _, m := range members {
		if m.AccountId == ev.AuthorId || m.IsMuted {
			continue
		}

		cs.notifyAccount(m.AccountId, &ServerMessage{
			BaseMessage: BaseMessage{Timestamp: Now()},
			Notification: &Notification{Message: &MessageNotification{
				ConversationId: ev.Message.ConversationId,
				MessageId:      ev.Message.Id,
			}},
		})
	}
}

func (cs *ChatServer) deliver(ch *Channel, req *deliverReq) {
	select {
	case ch.deliverChan <- req:
	default:
		cs.log.Printf("deliverChan full for channel %q, dropping", ch.externalId)
	}
}

// unloadChannel retires a live channel. A deleted conversation unloads
// unconditionally; an idle unload is skipped when a client raced in after
// the channel asked to be retired.
func (cs *ChatServer) unloadChannel(externalId string, deleted bool) {
	ch, ok := cs.channels[externalId]
	if !ok {
		return
	}

	if !deleted && ch.clientCount() > 0 {
		return
	}

	ch.exit <- exitReq{deleted: deleted}
	<-ch.done

	delete(cs.channels, externalId)
	delete(cs.channelsById, ch.id)
	cs.stats.Decr(stats.ActiveChannels)
}

// RegisterClient hands a freshly upgraded connection to the hub.
func (cs *ChatServer) RegisterClient(c *Client) {
	cs.RegisterChan <- c
}

func (cs *ChatServer) registerClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	if cs.userClients[c.user.Id] == nil {
		cs.userClients[c.user.Id] = make(map[*Client]struct{})
	}
	cs.userClients[c.user.Id][c] = struct{}{}
	cs.stats.Incr(stats.ActiveConnections)

	cs.log.Printf("registered client for %q", c.user.Username)
}

func (cs *ChatServer) deRegisterClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return
	}

	delete(cs.clients, c)
	if userClients, ok := cs.userClients[c.user.Id]; ok {
		delete(userClients, c)
		if len(userClients) == 0 {
			delete(cs.userClients, c.user.Id)
		}
	}
	cs.stats.Decr(stats.ActiveConnections)

	cs.log.Printf("deregistered client for %q", c.user.Username)
}

// notifyAccount queues a frame on every connection the account holds, the
// personal channel for cross-conversation notifications. Safe to call from
// any goroutine.
func (cs *ChatServer) notifyAccount(accountId int, msg *ServerMessage) {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	for c := range cs.userClients[accountId] {
		if c.queueMessage(msg) {
			cs.stats.Incr(stats.NotificationsSent)
		}
	}
}

// publish forwards a domain event into the hub loop without blocking the
// store that emitted it.
func (cs *ChatServer) publish(ev *hubEvent) {
	select {
	case cs.eventChan <- ev:
	default:
		cs.log.Println("eventChan full, dropping event")
	}
}

// MessageSent implements chat.EventPublisher.
func (cs *ChatServer) MessageSent(ev chat.MessageEvent) {
	cs.publish(&hubEvent{messageSent: &ev})
}

// MessageUpdated implements chat.EventPublisher.
func (cs *ChatServer) MessageUpdated(ev chat.MessageEvent) {
	cs.publish(&hubEvent{messageUpdated: &ev})
}

// MessageDeleted implements chat.EventPublisher.
func (cs *ChatServer) MessageDeleted(conversationId int, conversationExternalId string, messageId int) {
	cs.publish(&hubEvent{messageDeleted: &messageDeletedEvent{
		conversationId: conversationId,
		externalId:     conversationExternalId,
		messageId:      messageId,
	}})
}

// MembershipGranted implements chat.EventPublisher.
func (cs *ChatServer) MembershipGranted(conversationId int, conversationExternalId string, membership database.Membership) {
	cs.publish(&hubEvent{membershipGranted: &membershipGrantedEvent{
		conversationId: conversationId,
		externalId:     conversationExternalId,
		membership:     membership,
	}})
}

// MembershipRevoked implements chat.EventPublisher.
func (cs *ChatServer) MembershipRevoked(conversationId int, conversationExternalId string, accountId int) {
	cs.publish(&hubEvent{membershipRevoked: &membershipRevokedEvent{
		conversationId: conversationId,
		externalId:     conversationExternalId,
		accountId:      accountId,
	}})
}

// ConversationDeleted implements chat.EventPublisher.
func (cs *ChatServer) ConversationDeleted(conversationExternalId string) {
	cs.publish(&hubEvent{conversationDeleted: conversationExternalId})
}

func (cs *ChatServer) shutdown() {
	for externalId, ch := range cs.channels {
		ch.exit <- exitReq{}
		<-ch.done
		delete(cs.channels, externalId)
		delete(cs.channelsById, ch.id)
		cs.stats.Decr(stats.ActiveChannels)
	}

	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clients = make(map[*Client]struct{})
	cs.userClients = make(map[int]map[*Client]struct{})
	cs.clientsLock.Unlock()
}

// Shutdown stops the hub loop, retiring every channel and closing every
// client connection.
func (cs *ChatServer) Shutdown(ctx context.Context) error {
	close(cs.stop)

	select {
	case <-cs.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
