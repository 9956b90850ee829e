package core

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/InsulaLabs/ledgerfs/db/models"
	"github.com/InsulaLabs/ledgerfs/db/rft"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 512                 // Maximum message size allowed from peer.
	sendBufferSize = 256                 // Buffer size for the send channel.
)

// A session of someone connected wanting to receive deliveries to one mailbox
type eventSession struct {
	conn *websocket.Conn
	// The mailbox topic this session is subscribed to.
	topic string
	// Buffered channel of outbound messages.
	send    chan []byte
	service *Core
}

type eventSubsystem struct {
	service *Core
	eventCh chan models.Event
}

var _ rft.EventReceiverIF = &eventSubsystem{}

/*
Satisfies the rft.EventReceiverIF interface so we can retrieve "Fresh" mailbox
deliveries from the FSM as they are applied to the network.

This is called once per-node per-delivery, so subscribers connected over
websockets to this node receive the delivery no matter which node accepted
the write.
*/
func (es *eventSubsystem) Receive(topic string, data any) error {
	event := models.Event{
		Topic: topic,
		Data:  data,
	}

	select {
	case es.eventCh <- event:
		es.service.logger.Debug("Event placed on service event channel", "topic", topic)
	default:
		es.service.logger.Warn("Service event channel full, event dropped", "topic", topic)
		return fmt.Errorf("event channel full for topic %s", topic)
	}
	return nil
}

func (c *Core) eventProcessingLoop() {
	for {
		select {
		case <-c.appCtx.Done():
			return
		case event := <-c.eventCh:
			c.dispatchEventToSubscribers(event)
		}
	}
}

// mailboxSubscribeHandler upgrades to a websocket that streams deliveries to
// the api key's own mailbox. The root key may name any account.
func (c *Core) mailboxSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	td, ok := c.ValidateToken(r, AnyUser())
	if !ok {
		c.writeAuthFailure(w)
		return
	}

	account := td.Entity
	if c.tdIsRoot(td) {
		account = r.URL.Query().Get("account")
		if account == "" {
			http.Error(w, "Missing account", http.StatusBadRequest)
			return
		}
	}
	topic := rft.MailboxTopic(account)

	c.wsConnectionLock.Lock()
	if c.activeWsConnections >= int32(c.cfg.Sessions.MaxConnections) {
		c.wsConnectionLock.Unlock()
		c.logger.Warn("Max WebSocket connections reached, rejecting new connection", "current", c.activeWsConnections, "max", c.cfg.Sessions.MaxConnections)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}
	// Incrementing is done in registerSubscriber after a successful upgrade
	c.wsConnectionLock.Unlock()

	conn, err := c.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Error("Failed to upgrade WebSocket connection", "error", err, "topic", topic)
		return
	}
	c.logger.Info("WebSocket connection upgraded", "remote_addr", conn.RemoteAddr().String(), "topic", topic)

	session := &eventSession{
		conn:    conn,
		topic:   topic,
		send:    make(chan []byte, sendBufferSize),
		service: c,
	}

	if !c.registerSubscriber(session) {
		return
	}

	go session.writePump()
	go session.readPump()
}

func (c *Core) registerSubscriber(session *eventSession) bool {
	c.eventSubscribersLock.Lock()
	defer c.eventSubscribersLock.Unlock()

	c.wsConnectionLock.Lock()
	defer c.wsConnectionLock.Unlock()

	if c.activeWsConnections >= int32(c.cfg.Sessions.MaxConnections) {
		c.logger.Error("Attempted to register subscriber when max connections already met or exceeded", "active", c.activeWsConnections, "max", c.cfg.Sessions.MaxConnections)
		go session.conn.Close()
		return false
	}
	c.activeWsConnections++
	c.metrics.subscriberDelta(1)

	if _, ok := c.eventSubscribers[session.topic]; !ok {
		c.eventSubscribers[session.topic] = make(map[*eventSession]bool)
	}
	c.eventSubscribers[session.topic][session] = true

	c.logger.Info("Subscriber registered", "topic", session.topic, "remote_addr", session.conn.RemoteAddr().String())
	return true
}

func (c *Core) unregisterSubscriber(session *eventSession) {
	c.eventSubscribersLock.Lock()
	defer c.eventSubscribersLock.Unlock()

	c.wsConnectionLock.Lock()
	defer c.wsConnectionLock.Unlock()

	sessionsInTopic, ok := c.eventSubscribers[session.topic]
	if !ok {
		return
	}
	if _, ok := sessionsInTopic[session]; !ok {
		return
	}

	delete(sessionsInTopic, session)
	c.logger.Info("Subscriber unregistered", "topic", session.topic, "remote_addr", session.conn.RemoteAddr().String())

	if c.activeWsConnections > 0 {
		c.activeWsConnections--
		c.metrics.subscriberDelta(-1)
	} else {
		c.logger.Warn("Attempted to decrement active WebSocket connections below zero")
	}

	if len(sessionsInTopic) == 0 {
		delete(c.eventSubscribers, session.topic)
	}
	close(session.send)
}

// dispatchEventToSubscribers queues an event on every session of its topic.
func (c *Core) dispatchEventToSubscribers(event models.Event) {
	c.eventSubscribersLock.RLock()
	defer c.eventSubscribersLock.RUnlock()

	sessionsForTopic, ok := c.eventSubscribers[event.Topic]
	if !ok || len(sessionsForTopic) == 0 {
		c.logger.Debug("No WebSocket subscribers for topic", "topic", event.Topic)
		return
	}

	message, err := json.Marshal(event)
	if err != nil {
		c.logger.Error("Failed to marshal event for WebSocket dispatch", "topic", event.Topic, "error", err)
		return
	}
	for session := range sessionsForTopic {
		select {
		case session.send <- message:
		default:
			c.logger.Warn("Subscriber send channel full, message dropped", "topic", event.Topic, "remote_addr", session.conn.RemoteAddr())
		}
	}
}

// readPump discards anything the client sends and unregisters the session
// once the connection drops.
func (s *eventSession) readPump() {
	defer func() {
		s.service.unregisterSubscriber(s)
		s.conn.Close()
	}()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(
				err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.service.logger.Error("WebSocket read error", "remote_addr", s.conn.RemoteAddr(), "topic", s.topic, "error", err)
			} else {
				s.service.logger.Info("WebSocket connection closed", "remote_addr", s.conn.RemoteAddr(), "topic", s.topic)
			}
			return
		}
	}
}

// writePump is the only writer on the connection.
func (s *eventSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.service.logger.Error("WebSocket message write error", "remote_addr", s.conn.RemoteAddr(), "topic", s.topic, "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.service.logger.Error("WebSocket ping write error", "remote_addr", s.conn.RemoteAddr(), "topic", s.topic, "error", err)
				return
			}
		case <-s.service.appCtx.Done():
			return
		}
	}
}
