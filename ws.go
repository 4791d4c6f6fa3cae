// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocket channel names; the URL path is the only thing distinguishing
// them at the upgrade handshake.
const (
	wsPathControl = "/control"
	wsPathScreen  = "/screen"
	wsPathDisplay = "/display"
	wsPathAudio   = "/audio"
)

// sendQueueDepth bounds the per-socket backlog. A consumer that falls this
// far behind is dropped rather than allowed to stall producers.
const sendQueueDepth = 64

type wsClient struct {
	id     string
	conn   *websocket.Conn
	send   chan wsMessage
	closed chan struct{}
}

type wsMessage struct {
	messageType int
	data        []byte
}

// controlMessage is the inbound JSON schema on /control.
type controlMessage struct {
	Type  string `json:"type"`
	Key   string `json:"key,omitempty"`
	Hold  string `json:"hold,omitempty"`
	Press string `json:"press,omitempty"`
	Note  int    `json:"note,omitempty"`
	Vel   int    `json:"vel,omitempty"`
}

// ControlHandler receives validated input from /control sockets.
type ControlHandler interface {
	HandleKey(key string)
	HandleKeys(hold, press string)
	HandleNote(note, vel byte)
	HandleNoteOff()
}

// WSHub owns the four WebSocket consumer sets. Emission iterates a snapshot
// of membership; each socket has a single writer goroutine fed through a
// bounded queue, so a stuck consumer can only lose itself.
type WSHub struct {
	upgrader websocket.Upgrader
	control  ControlHandler

	onAudioConsumer func() // fires when /audio gains its first subscriber

	mu       sync.Mutex
	channels map[string]map[string]*wsClient
}

func NewWSHub(control ControlHandler) *WSHub {
	hub := &WSHub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		control: control,
		channels: map[string]map[string]*wsClient{
			wsPathControl: {},
			wsPathScreen:  {},
			wsPathDisplay: {},
			wsPathAudio:   {},
		},
	}
	return hub
}

// OnAudioConsumer installs the first-audio-subscriber hook, used to start
// the capture pipeline lazily.
func (h *WSHub) OnAudioConsumer(fn func()) {
	h.onAudioConsumer = fn
}

// Register installs the upgrade handlers on the given mux.
func (h *WSHub) Register(mux *http.ServeMux) {
	for path := range h.channels {
		mux.HandleFunc(path, h.handleUpgrade)
	}
}

func (h *WSHub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "path", path, "error", err)
		return
	}

	client := &wsClient{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan wsMessage, sendQueueDepth),
		closed: make(chan struct{}),
	}

	h.mu.Lock()
	h.channels[path][client.id] = client
	count := len(h.channels[path])
	h.mu.Unlock()
	slog.Info("WebSocket client connected", "path", path, "clients", count)

	if path == wsPathAudio && count == 1 && h.onAudioConsumer != nil {
		go h.onAudioConsumer()
	}

	go h.writeLoop(path, client)
	go h.readLoop(path, client)
}

func (h *WSHub) remove(path string, client *wsClient) {
	h.mu.Lock()
	_, ok := h.channels[path][client.id]
	if ok {
		delete(h.channels[path], client.id)
	}
	count := len(h.channels[path])
	h.mu.Unlock()
	if !ok {
		return
	}
	close(client.closed)
	client.conn.Close()
	slog.Info("WebSocket client dropped", "path", path, "clients", count)
}

func (h *WSHub) writeLoop(path string, client *wsClient) {
	for {
		select {
		case <-client.closed:
			return
		case msg := <-client.send:
			if err := client.conn.WriteMessage(msg.messageType, msg.data); err != nil {
				h.remove(path, client)
				return
			}
		}
	}
}

// readLoop reaps the socket on close. Only /control messages carry meaning.
func (h *WSHub) readLoop(path string, client *wsClient) {
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			h.remove(path, client)
			return
		}
		if path == wsPathControl {
			h.handleControl(data)
		}
	}
}

// handleControl dispatches one inbound JSON message. Malformed payloads and
// unknown types are ignored; they never cost the client its connection.
func (h *WSHub) handleControl(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Debug("Ignoring malformed control message", "error", err)
		return
	}
	if h.control == nil {
		return
	}
	switch msg.Type {
	case "key":
		if _, ok := LookupKey(msg.Key); ok {
			h.control.HandleKey(msg.Key)
		}
	case "keys":
		_, holdOK := LookupKey(msg.Hold)
		_, pressOK := LookupKey(msg.Press)
		if holdOK && pressOK {
			h.control.HandleKeys(msg.Hold, msg.Press)
		}
	case "note":
		if msg.Note >= 0 && msg.Note < 256 && msg.Vel >= 0 && msg.Vel < 256 {
			h.control.HandleNote(byte(msg.Note), byte(msg.Vel))
		}
	case "noteOff":
		h.control.HandleNoteOff()
	default:
		slog.Debug("Ignoring unknown control message type", "type", msg.Type)
	}
}

// broadcast fans one message out to a channel's snapshot. A client whose
// queue is full is dropped; enqueueing never blocks the caller.
func (h *WSHub) broadcast(path string, messageType int, data []byte) {
	h.mu.Lock()
	snapshot := make([]*wsClient, 0, len(h.channels[path]))
	for _, c := range h.channels[path] {
		snapshot = append(snapshot, c)
	}
	h.mu.Unlock()

	for _, client := range snapshot {
		select {
		case client.send <- wsMessage{messageType, data}:
		case <-client.closed:
		default:
			h.remove(path, client)
		}
	}
}

// BroadcastCommand sends a JSON-serialized command to /control consumers.
func (h *WSHub) BroadcastCommand(data []byte) {
	h.broadcast(wsPathControl, websocket.TextMessage, data)
}

// BroadcastImage sends a BMP snapshot to /screen consumers.
func (h *WSHub) BroadcastImage(bmp []byte) {
	h.broadcast(wsPathScreen, websocket.BinaryMessage, bmp)
}

// BroadcastDisplay sends a raw serial chunk to /display consumers.
func (h *WSHub) BroadcastDisplay(chunk []byte) {
	h.broadcast(wsPathDisplay, websocket.BinaryMessage, chunk)
}

// BroadcastAudio sends a framed audio or control chunk to /audio consumers.
func (h *WSHub) BroadcastAudio(framed []byte) {
	h.broadcast(wsPathAudio, websocket.BinaryMessage, framed)
}

func (h *WSHub) Count(path string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels[path])
}

// AudioConsumers reports how many consumers are listening on /audio.
func (h *WSHub) AudioConsumers() int {
	return h.Count(wsPathAudio)
}

// CloseAll drops every consumer on every channel.
func (h *WSHub) CloseAll() {
	h.mu.Lock()
	var all []struct {
		path   string
		client *wsClient
	}
	for path, clients := range h.channels {
		for _, c := range clients {
			all = append(all, struct {
				path   string
				client *wsClient
			}{path, c})
		}
	}
	h.mu.Unlock()
	for _, entry := range all {
		h.remove(entry.path, entry.client)
	}
}
