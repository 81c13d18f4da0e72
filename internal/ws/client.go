package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/apsgrid/otaserver/internal/utils"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The operator UI is served from a different origin in development
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Client is one connected subscriber and its subscription state
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu                 sync.RWMutex
	subscribedToAll    bool
	subscribedDevices  map[string]bool
	subscribedConsole  map[string]bool
}

// inboundMessage is the frame shape clients send to the hub
type inboundMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId,omitempty"`
	Command  string `json:"command,omitempty"`
	Payload  string `json:"payload,omitempty"`
}

// ServeWS upgrades an HTTP request and registers the subscriber
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	client := &Client{
		hub:               hub,
		conn:              conn,
		send:              make(chan []byte, sendBufferSize),
		subscribedDevices: make(map[string]bool),
		subscribedConsole: make(map[string]bool),
	}
	hub.register <- client

	go client.writePump()
	go client.readPump()
}

// wants reports whether this subscriber should receive a frame
func (c *Client) wants(route routing, mac string) bool {
	switch route {
	case routeAll:
		return true
	case routeDeviceLogs:
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.subscribedToAll || c.subscribedDevices[mac]
	case routeConsole:
		c.mu.RLock()
		defer c.mu.RUnlock()
		return c.subscribedConsole[mac]
	}
	return false
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.WithError(err).Debug("Websocket read error")
			}
			return
		}

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg inboundMessage) {
	switch msg.Type {
	case "subscribe-logs":
		c.mu.Lock()
		if msg.DeviceID == "all" {
			c.subscribedToAll = true
		} else if mac, err := utils.NormalizeMAC(msg.DeviceID); err == nil {
			c.subscribedDevices[mac] = true
		}
		c.mu.Unlock()

	case "unsubscribe-logs":
		c.mu.Lock()
		if msg.DeviceID == "all" {
			c.subscribedToAll = false
		} else if mac, err := utils.NormalizeMAC(msg.DeviceID); err == nil {
			delete(c.subscribedDevices, mac)
		}
		c.mu.Unlock()

	case "subscribe-console":
		if mac, err := utils.NormalizeMAC(msg.DeviceID); err == nil {
			c.mu.Lock()
			c.subscribedConsole[mac] = true
			c.mu.Unlock()
		}

	case "unsubscribe-console":
		if mac, err := utils.NormalizeMAC(msg.DeviceID); err == nil {
			c.mu.Lock()
			delete(c.subscribedConsole, mac)
			c.mu.Unlock()
		}

	case "send-command":
		if c.hub.commandSink == nil {
			return
		}
		if mac, err := utils.NormalizeMAC(msg.DeviceID); err == nil {
			c.hub.commandSink(mac, msg.Command, msg.Payload)
		}

	case "ping":
		if data, err := json.Marshal(Message{Type: EventPong}); err == nil {
			select {
			case c.send <- data:
			default:
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
