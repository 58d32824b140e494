package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/text/message"

	"grimm.is/paramstrip/internal/clock"
	"grimm.is/paramstrip/internal/events"
	"grimm.is/paramstrip/internal/i18n"
	"grimm.is/paramstrip/internal/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Cross-site websocket hijacking: only same-origin pages and the
	// extension itself may connect.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if strings.HasPrefix(origin, "chrome-extension://") || strings.HasPrefix(origin, "moz-extension://") {
			return true
		}
		if strings.Contains(origin, "://localhost:") || strings.Contains(origin, "://127.0.0.1:") {
			return true
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// NotificationType defines the type of notification
type NotificationType string

const (
	NotifySuccess NotificationType = "success"
	NotifyError   NotificationType = "error"
	NotifyInfo    NotificationType = "info"
)

// Notification is the transient message a page shows for an outcome.
type Notification struct {
	Type    NotificationType `json:"type"`
	Title   string           `json:"title"`
	Message string           `json:"message"`
	Time    int64            `json:"time"`
}

// WSMessage is a topic-based message sent to clients. The topic is the
// event type.
type WSMessage struct {
	Topic        string        `json:"topic"`
	Data         any           `json:"data"`
	Notification *Notification `json:"notification,omitempty"`
}

// wsClient represents a connected WebSocket client with subscriptions
type wsClient struct {
	conn    *websocket.Conn
	printer *message.Printer

	mu     sync.Mutex
	topics map[string]bool

	send chan []byte
}

// wants reports whether the client subscribed to topic. A client with no
// subscriptions receives everything.
func (c *wsClient) wants(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.topics) == 0 || c.topics[topic]
}

// WSManager forwards hub events to websocket clients.
type WSManager struct {
	hub    *events.Hub
	feed   <-chan events.Event
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*wsClient]bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewWSManager subscribes to every hub event and starts forwarding.
func NewWSManager(hub *events.Hub, logger *logging.Logger) *WSManager {
	m := &WSManager{
		hub:     hub,
		feed:    hub.Subscribe(256),
		logger:  logger,
		clients: make(map[*wsClient]bool),
		done:    make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *WSManager) run() {
	for {
		select {
		case e := <-m.feed:
			m.Publish(e)
		case <-m.done:
			return
		}
	}
}

// Publish sends an event to all clients subscribed to its type.
func (m *WSManager) Publish(e events.Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	topic := string(e.Type)
	for client := range m.clients {
		if !client.wants(topic) {
			continue
		}
		msg := WSMessage{Topic: topic, Data: e.Data}
		if n, ok := notificationFor(client.printer, e); ok {
			msg.Notification = &n
		}
		data, err := json.Marshal(msg)
		if err != nil {
			continue
		}
		select {
		case client.send <- data:
		default:
			// Client buffer full, skip
		}
	}
}

// Clients is the number of connected clients.
func (m *WSManager) Clients() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Close disconnects every client and stops forwarding.
func (m *WSManager) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.hub.Unsubscribe(m.feed)

		m.mu.Lock()
		defer m.mu.Unlock()
		for c := range m.clients {
			delete(m.clients, c)
			close(c.send)
		}
	})
}

func (m *WSManager) register(c *wsClient) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.done:
		return false
	default:
	}
	m.clients[c] = true
	return true
}

func (m *WSManager) unregister(c *wsClient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.clients[c] {
		delete(m.clients, c)
		close(c.send)
	}
}

// ServeHTTP upgrades the connection and streams events.
func (m *WSManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn:    conn,
		printer: i18n.GetPrinter(r.Context()),
		topics:  make(map[string]bool),
		send:    make(chan []byte, 64),
	}
	if !m.register(client) {
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(m)
}

// readPump handles subscription messages from a client
func (c *wsClient) readPump(m *WSManager) {
	defer m.unregister(c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg struct {
			Action string   `json:"action"`
			Topics []string `json:"topics"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		c.mu.Lock()
		switch msg.Action {
		case "subscribe":
			for _, topic := range msg.Topics {
				c.topics[topic] = true
			}
		case "unsubscribe":
			for _, topic := range msg.Topics {
				delete(c.topics, topic)
			}
		}
		c.mu.Unlock()
	}
}

// writePump sends messages to the client
func (c *wsClient) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// notificationFor renders the user-facing notification for a rule event.
func notificationFor(p *message.Printer, e events.Event) (Notification, bool) {
	n := Notification{Time: clock.Now().Unix()}

	switch data := e.Data.(type) {
	case events.RuleEventData:
		n.Title = data.Op
		switch e.Type {
		case events.EventRuleFailed, events.EventRuleDuplicate:
			n.Type = NotifyError
			detail := data.Parameter
			if detail == "" {
				detail = data.Domain
			}
			if data.Category == "internal" || data.Category == "invalid" {
				detail = data.Error
			}
			n.Message = i18n.Failure(p, data.Category, detail)
		case events.EventRuleCreated:
			n.Type, n.Message = NotifySuccess, p.Sprintf(i18n.MsgCreated, data.RuleID)
		case events.EventRuleDeleted:
			n.Type, n.Message = NotifySuccess, p.Sprintf(i18n.MsgDeleted, data.RuleID)
		case events.EventRuleEdited:
			n.Type, n.Message = NotifySuccess, p.Sprintf(i18n.MsgEdited, data.RuleID)
		case events.EventRuleToggled:
			n.Type = NotifySuccess
			if data.Enabled != nil && *data.Enabled {
				n.Message = p.Sprintf(i18n.MsgEnabled, data.RuleID)
			} else {
				n.Message = p.Sprintf(i18n.MsgDisabled, data.RuleID)
			}
		default:
			return n, false
		}
		return n, true

	case events.BulkEventData:
		if e.Type != events.EventRulesSeeded {
			return n, false
		}
		n.Type, n.Title = NotifyInfo, data.Op
		n.Message = p.Sprintf(i18n.MsgSeeded, data.Added, data.Skipped)
		return n, true
	}
	return n, false
}
