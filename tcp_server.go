// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outbound packet tags of the TCP wire format.
const (
	tcpTagDisplay = 0x44 // 'D'
	tcpTagAudio   = 0x41 // 'A'
)

// batchFlushInterval bounds display latency over TCP. Must stay under one
// display frame (16 ms).
const batchFlushInterval = 5 * time.Millisecond

const clientWriteTimeout = 1 * time.Second

type tcpClient struct {
	id   string
	conn net.Conn
}

// TCPBroadcaster accepts native viewer connections, fans the display and
// audio streams out to them, and merges their input bytes back onto the
// serial link.
type TCPBroadcaster struct {
	listener net.Listener
	onInput  func([]byte) // raw client bytes, forwarded to the device

	mu      sync.Mutex
	clients map[string]*tcpClient

	batchMu sync.Mutex
	batch   []byte

	stop     chan struct{}
	stopOnce sync.Once
}

func NewTCPBroadcaster(port int, onInput func([]byte)) (*TCPBroadcaster, error) {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to bind TCP port %d: %w", port, err)
	}
	tb := &TCPBroadcaster{
		listener: listener,
		onInput:  onInput,
		clients:  make(map[string]*tcpClient),
		stop:     make(chan struct{}),
	}
	slog.Info("TCP broadcaster listening", "port", port)

	go tb.acceptLoop()
	go tb.flushLoop()
	return tb, nil
}

func (tb *TCPBroadcaster) acceptLoop() {
	for {
		conn, err := tb.listener.Accept()
		if err != nil {
			select {
			case <-tb.stop:
				return
			default:
			}
			slog.Warn("TCP accept failed", "error", err)
			continue
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}

		client := &tcpClient{id: uuid.NewString(), conn: conn}
		tb.mu.Lock()
		tb.clients[client.id] = client
		count := len(tb.clients)
		tb.mu.Unlock()
		slog.Info("TCP client connected", "id", client.id, "remote", conn.RemoteAddr(), "clients", count)

		go tb.readLoop(client)
	}
}

// readLoop forwards whatever the client sends, unmodified, to the device.
// Input from all clients merges at the byte level.
func (tb *TCPBroadcaster) readLoop(client *tcpClient) {
	buf := make([]byte, 1024)
	for {
		n, err := client.conn.Read(buf)
		if err != nil {
			tb.dropClient(client.id, err)
			return
		}
		if n > 0 && tb.onInput != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			tb.onInput(chunk)
		}
	}
}

func (tb *TCPBroadcaster) dropClient(id string, cause error) {
	tb.mu.Lock()
	client, ok := tb.clients[id]
	if ok {
		delete(tb.clients, id)
	}
	count := len(tb.clients)
	tb.mu.Unlock()
	if !ok {
		return
	}
	client.conn.Close()
	slog.Info("TCP client dropped", "id", id, "cause", cause, "clients", count)
}

func framePacket(tag byte, payload []byte) []byte {
	packet := make([]byte, 3+len(payload))
	packet[0] = tag
	binary.BigEndian.PutUint16(packet[1:3], uint16(len(payload)))
	copy(packet[3:], payload)
	return packet
}

// PushDisplay queues one display packet; the flush timer writes the batch.
func (tb *TCPBroadcaster) PushDisplay(data []byte) {
	tb.batchMu.Lock()
	tb.batch = append(tb.batch, framePacket(tcpTagDisplay, data)...)
	tb.batchMu.Unlock()
}

// PushAudio writes one audio packet immediately. Audio is lossy by design;
// a failed write just drops the client.
func (tb *TCPBroadcaster) PushAudio(data []byte) {
	tb.writeToAll(framePacket(tcpTagAudio, data))
}

func (tb *TCPBroadcaster) flushLoop() {
	ticker := time.NewTicker(batchFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-tb.stop:
			return
		case <-ticker.C:
			tb.flushBatch()
		}
	}
}

func (tb *TCPBroadcaster) flushBatch() {
	tb.batchMu.Lock()
	if len(tb.batch) == 0 {
		tb.batchMu.Unlock()
		return
	}
	batch := tb.batch
	tb.batch = nil
	tb.batchMu.Unlock()

	tb.writeToAll(batch)
}

// writeToAll iterates a snapshot of the membership; failed writes collect
// for removal after the loop so siblings are never skipped or stalled.
func (tb *TCPBroadcaster) writeToAll(data []byte) {
	tb.mu.Lock()
	snapshot := make([]*tcpClient, 0, len(tb.clients))
	for _, c := range tb.clients {
		snapshot = append(snapshot, c)
	}
	tb.mu.Unlock()

	var failed []*tcpClient
	for _, client := range snapshot {
		client.conn.SetWriteDeadline(time.Now().Add(clientWriteTimeout))
		if _, err := client.conn.Write(data); err != nil {
			failed = append(failed, client)
		}
	}
	for _, client := range failed {
		tb.dropClient(client.id, fmt.Errorf("write failed"))
	}
}

func (tb *TCPBroadcaster) ClientCount() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.clients)
}

// Close flushes any pending batch best-effort and destroys all clients.
// Safe to call twice.
func (tb *TCPBroadcaster) Close() {
	tb.stopOnce.Do(func() {
		close(tb.stop)
		tb.flushBatch()
		tb.listener.Close()

		tb.mu.Lock()
		clients := tb.clients
		tb.clients = make(map[string]*tcpClient)
		tb.mu.Unlock()
		for _, client := range clients {
			client.conn.Close()
		}
	})
}
