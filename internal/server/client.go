package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lmichaud/go-messenger/internal/stats"
	"github.com/lmichaud/go-messenger/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 8192
)

// Client is one websocket connection for one authenticated user. A user may
// hold several clients at once (multiple tabs or devices).
type Client struct {
	conn         *websocket.Conn
	hub          *ChatServer
	log          *log.Logger
	stats        stats.StatsProvider
	user         types.User
	send         chan *ServerMessage
	channels     map[string]*Channel
	channelsLock sync.RWMutex
	stop         chan struct{}
	stopOnce     sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, hub *ChatServer, l *log.Logger, sp stats.StatsProvider) *Client {
	return &Client{
		conn:     conn,
		hub:      hub,
		log:      l,
		stats:    sp,
		user:     user,
		send:     make(chan *ServerMessage, 256),
		channels: make(map[string]*Channel),
		stop:     make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := json.Marshal(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage(-1))
			continue
		}

		msg.client = c
		msg.AccountId = c.user.Id
		msg.Timestamp = Now()

		switch {
		case msg.Subscribe != nil:
			c.subscribe(&msg)
		case msg.Unsubscribe != nil:
			c.unsubscribe(&msg)
		case msg.Publish != nil:
			c.forward(&msg, msg.Publish.ConversationId)
		case msg.Read != nil:
			c.forward(&msg, msg.Read.ConversationId)
		default:
			c.queueMessage(ErrInvalidMessage(msg.Id))
		}
	}
}

func (c *Client) queueMessage(msg *ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Printf("send queue full for %q, dropping message", c.user.Username)
		return false
	}

	return true
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

// stopClient is reached from both the read pump's teardown and the hub's
// shutdown; whichever comes second must be a no-op.
func (c *Client) stopClient() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *Client) cleanup() {
	c.hub.deRegisterChan <- c
	c.leaveAllChannels()
	c.stopClient()
}

func (c *Client) leaveAllChannels() {
	c.channelsLock.RLock()
	defer c.channelsLock.RUnlock()

	for _, ch := range c.channels {
		select {
		case ch.leaveChan <- &ClientMessage{
			Unsubscribe: &Unsubscribe{ConversationId: ch.externalId},
			AccountId:   c.user.Id,
			client:      c,
		}:
		default:
			c.log.Printf("leaveChan full for channel %q", ch.externalId)
		}
	}
}

func (c *Client) subscribe(msg *ClientMessage) {
	select {
	case c.hub.subscribeChan <- msg:
	default:
		c.log.Printf("subscribeChan full")
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) unsubscribe(msg *ClientMessage) {
	ch := c.getChannel(msg.Unsubscribe.ConversationId)
	if ch == nil {
		c.queueMessage(ErrConversationNotFound(msg.Id))
		return
	}

	select {
	case ch.leaveChan <- msg:
	default:
		c.log.Printf("leaveChan full for channel %q", ch.externalId)
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

// forward routes a publish or read frame to the conversation's channel; the
// client must have an authorized subscription first.
func (c *Client) forward(msg *ClientMessage, conversationId string) {
	ch := c.getChannel(conversationId)
	if ch == nil {
		c.queueMessage(ErrConversationNotFound(msg.Id))
		return
	}

	select {
	case ch.clientMsgChan <- msg:
	default:
		c.log.Printf("clientMsgChan full for channel %q", ch.externalId)
		c.queueMessage(ErrServiceUnavailable(msg.Id))
	}
}

func (c *Client) addChannel(ch *Channel) {
	c.channelsLock.Lock()
	defer c.channelsLock.Unlock()

	c.channels[ch.externalId] = ch
}

func (c *Client) delChannel(id string) {
	c.channelsLock.Lock()
	defer c.channelsLock.Unlock()

	delete(c.channels, id)
}

func (c *Client) getChannel(id string) *Channel {
	c.channelsLock.RLock()
	defer c.channelsLock.RUnlock()

	if ch, ok := c.channels[id]; ok {
		return ch
	}

	return nil
}
