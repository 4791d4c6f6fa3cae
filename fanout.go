// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"m8-gateway/m8"
	"m8-gateway/slip"
)

// screenBroadcastPeriod is the /screen image push rate: 10 frames a second.
const screenBroadcastPeriod = 100 * time.Millisecond

// Fanout is the routing layer between the serial link and every consumer.
// Raw chunks go to the TCP broadcaster and /display verbatim; decoded
// commands update the projections, pass the delta cache, and reach /control
// subscribers as JSON. Command application is one indivisible step per
// command: parse, project, filter, broadcast.
type Fanout struct {
	decoder *slip.Decoder
	parser  *m8.Parser

	stateMu    sync.Mutex
	grid       *m8.TextGrid
	fb         *m8.Framebuffer
	cache      *m8.DeltaCache
	tracked    *TrackedState
	lastUpdate time.Time

	ws  *WSHub
	tcp *TCPBroadcaster // nil when the TCP port is disabled

	stop     chan struct{}
	stopOnce sync.Once
}

func NewFanout(ws *WSHub, tcp *TCPBroadcaster, tracked *TrackedState) *Fanout {
	return &Fanout{
		decoder: slip.NewDecoder(),
		parser:  m8.NewParser(),
		grid:    m8.NewTextGrid(),
		fb:      m8.NewFramebuffer(),
		cache:   m8.NewDeltaCache(),
		tracked: tracked,
		ws:      ws,
		tcp:     tcp,
		stop:    make(chan struct{}),
	}
}

// HandleRawChunk is the first sink on the serial link: raw bytes reach the
// TCP broadcaster and /display before any derived command is published.
func (f *Fanout) HandleRawChunk(chunk []byte) {
	if f.tcp != nil {
		f.tcp.PushDisplay(chunk)
	}
	f.ws.BroadcastDisplay(chunk)
}

// HandleFrameChunk is the second sink: it feeds the SLIP decoder and applies
// every completed frame.
func (f *Fanout) HandleFrameChunk(chunk []byte) {
	for _, frame := range f.decoder.Feed(chunk) {
		f.applyFrame(frame)
	}
}

func (f *Fanout) applyFrame(frame []byte) {
	cmd := f.parser.Parse(frame)
	if cmd == nil {
		return
	}

	f.stateMu.Lock()
	switch c := cmd.(type) {
	case *m8.TextCommand:
		f.grid.ApplyText(c)
		f.fb.ApplyText(c)
	case *m8.RectCommand:
		f.grid.ApplyRect(c)
		f.fb.ApplyRect(c)
	case *m8.WaveCommand:
		f.fb.ApplyWave(c)
	case *m8.SystemCommand:
		f.fb.SetFontMode(c.FontMode)
	}
	f.tracked.Apply(cmd, f.grid)
	f.lastUpdate = time.Now()
	send := f.cache.ShouldSend(cmd)
	f.stateMu.Unlock()

	if !send {
		return
	}
	if data := encodeCommand(cmd); data != nil {
		f.ws.BroadcastCommand(data)
	}
}

// encodeCommand serializes a command as JSON with its kind as the type tag.
func encodeCommand(cmd m8.Command) []byte {
	inner, err := json.Marshal(cmd)
	if err != nil {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(inner, &obj); err != nil {
		return nil
	}
	obj["type"] = cmd.Kind()
	data, err := json.Marshal(obj)
	if err != nil {
		return nil
	}
	return data
}

// ResetProjections clears the decoder, the text grid and the delta cache,
// used when the device is asked to redraw from scratch. The framebuffer is
// not cleared; it keeps its pixels until new commands overwrite them.
func (f *Fanout) ResetProjections() {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	f.decoder.Reset()
	f.grid.Clear()
	f.cache.Reset()
}

// Snapshot accessors. Each takes a consistent copy under the state lock.

func (f *Fanout) GridRows() ([]string, m8.Cursor, time.Time) {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return f.grid.Rows(), f.grid.Cursor(), f.lastUpdate
}

func (f *Fanout) GridText() string {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return f.grid.Render()
}

func (f *Fanout) ScreenBMP() []byte {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return f.fb.BMP()
}

func (f *Fanout) CacheStats() m8.CacheStats {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	return f.cache.Stats()
}

func (f *Fanout) ResetCache() {
	f.stateMu.Lock()
	defer f.stateMu.Unlock()
	f.cache.Reset()
}

// Run starts the screen broadcast timer and blocks until Stop.
func (f *Fanout) Run() {
	ticker := time.NewTicker(screenBroadcastPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-f.stop:
			return
		case <-ticker.C:
			if f.ws.Count(wsPathScreen) == 0 {
				continue
			}
			f.ws.BroadcastImage(f.ScreenBMP())
		}
	}
}

// Stop halts the screen timer. Safe to call twice.
func (f *Fanout) Stop() {
	f.stopOnce.Do(func() { close(f.stop) })
	slog.Debug("Fanout stopped")
}
