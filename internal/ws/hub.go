package ws

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
)

// Event names broadcast to subscribers. Receivers switch on Type.
const (
	EventDeviceUpdate   = "device-update"
	EventDevicesList    = "devices-list"
	EventUpdateProgress = "update-progress"
	EventDeviceLog      = "device-log"
	EventConsoleOutput  = "console-output"
	EventCommandAck     = "command-ack"
	EventAtRiskAlert    = "at-risk-alert"
	EventPong           = "pong"
)

// Message is the envelope for every frame the hub sends
type Message struct {
	Type     string      `json:"type"`
	DeviceID string      `json:"deviceId,omitempty"`
	Data     interface{} `json:"data,omitempty"`
}

// CommandSink receives send-command requests arriving over a socket
type CommandSink func(mac, command, payload string)

// routing controls which subscribers receive a frame
type routing int

const (
	routeAll routing = iota
	routeDeviceLogs
	routeConsole
)

type outbound struct {
	route routing
	mac   string
	data  []byte
}

// Hub is the single-process subscriber registry. All fan-out passes
// through its run loop; delivery is best-effort and frames are dropped
// when a subscriber's buffer is full.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan outbound

	mu      sync.RWMutex
	clients map[*Client]bool

	commandSink CommandSink
	logger      *logrus.Logger
}

// NewHub creates a hub; Run must be started on its own goroutine
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, 256),
		clients:    make(map[*Client]bool),
		logger:     logger,
	}
}

// SetCommandSink wires inbound send-command frames to the command pipe
func (h *Hub) SetCommandSink(sink CommandSink) {
	h.commandSink = sink
}

// Run owns the client registry until the channel loop exits
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.WithField("clients", h.ClientCount()).Debug("Subscriber connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.WithField("clients", h.ClientCount()).Debug("Subscriber disconnected")

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if !client.wants(msg.route, msg.mac) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// Slow subscriber; drop the frame rather than stall
					// the hub.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// ClientCount reports the number of connected subscribers
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) send(route routing, mac string, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal broadcast frame")
		return
	}

	select {
	case h.broadcast <- outbound{route: route, mac: mac, data: data}:
	default:
		h.logger.Warn("Broadcast queue full, dropping frame")
	}
}

// BroadcastDeviceUpdate notifies all subscribers of one device change
func (h *Hub) BroadcastDeviceUpdate(device interface{}) {
	h.send(routeAll, "", Message{Type: EventDeviceUpdate, Data: device})
}

// BroadcastDevicesList pushes a full fleet refresh to all subscribers
func (h *Hub) BroadcastDevicesList(devices interface{}) {
	h.send(routeAll, "", Message{Type: EventDevicesList, Data: devices})
}

// BroadcastUpdateProgress relays a device's download progress
func (h *Hub) BroadcastUpdateProgress(mac string, progress interface{}) {
	h.send(routeAll, "", Message{Type: EventUpdateProgress, DeviceID: mac, Data: progress})
}

// BroadcastDeviceLog delivers a log line to subscribers watching the
// device (or everything).
func (h *Hub) BroadcastDeviceLog(mac string, entry interface{}) {
	h.send(routeDeviceLogs, mac, Message{Type: EventDeviceLog, DeviceID: mac, Data: entry})
}

// BroadcastConsoleOutput delivers console output to console subscribers
func (h *Hub) BroadcastConsoleOutput(mac string, line interface{}) {
	h.send(routeConsole, mac, Message{Type: EventConsoleOutput, DeviceID: mac, Data: line})
}

// BroadcastCommandAck delivers a command acknowledgement to console
// subscribers of the device.
func (h *Hub) BroadcastCommandAck(mac string, ack interface{}) {
	h.send(routeConsole, mac, Message{Type: EventCommandAck, DeviceID: mac, Data: ack})
}

// BroadcastAtRiskAlert notifies all subscribers of devices flagged at
// risk by the watchdog.
func (h *Hub) BroadcastAtRiskAlert(alert interface{}) {
	h.send(routeAll, "", Message{Type: EventAtRiskAlert, Data: alert})
}
