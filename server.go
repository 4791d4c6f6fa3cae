// SPDX-FileCopyrightText: 2025 夕月霞
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// formatTimestamp renders a time the way the API speaks it: RFC3339-like
// with local offset, millisecond precision and a space separator.
func formatTimestamp(t time.Time) string {
	return t.Local().Format("2006-01-02 15:04:05.000-07:00")
}

type HealthResponse struct {
	Connected bool   `json:"connected"`
	Port      string `json:"port"`
	Clients   int    `json:"clients"`
}

type ScreenResponse struct {
	Rows       []string `json:"rows"`
	Cursor     any      `json:"cursor"`
	LastUpdate string   `json:"lastUpdate"`
}

type KeyResponse struct {
	OK  bool   `json:"ok"`
	Key string `json:"key"`
}

type KeysRequest struct {
	Hold  string `json:"hold,omitempty"`
	Press string `json:"press"`
}

type KeysResponse struct {
	OK    bool   `json:"ok"`
	Hold  string `json:"hold,omitempty"`
	Press string `json:"press"`
}

func validateKeys(req *KeysRequest) error {
	if _, ok := LookupKey(req.Press); !ok {
		return fmt.Errorf("press: unknown key %q", req.Press)
	}
	if req.Hold != "" {
		if _, ok := LookupKey(req.Hold); !ok {
			return fmt.Errorf("hold: unknown key %q", req.Hold)
		}
	}
	return nil
}

type RawRequest struct {
	Bitmask int   `json:"bitmask"`
	HoldMs  int   `json:"holdMs,omitempty"`
	Release *bool `json:"release,omitempty"`
}

type RawResponse struct {
	OK      bool `json:"ok"`
	Bitmask int  `json:"bitmask"`
	HoldMs  int  `json:"holdMs"`
}

func validateRaw(req *RawRequest) error {
	if req.Bitmask < 0 || req.Bitmask > 255 {
		return errors.New("bitmask: must be in 0..255")
	}
	if req.HoldMs < 0 {
		return errors.New("holdMs: must be >= 0")
	}
	return nil
}

type NoteRequest struct {
	Note int  `json:"note"`
	Vel  *int `json:"vel,omitempty"`
}

type NoteResponse struct {
	OK   bool `json:"ok"`
	Note int  `json:"note"`
	Vel  int  `json:"vel"`
}

func validateNote(req *NoteRequest) error {
	if req.Note < 0 || req.Note > 255 {
		return errors.New("note: must be in 0..255")
	}
	if req.Vel != nil && (*req.Vel < 0 || *req.Vel > 255) {
		return errors.New("vel: must be in 0..255")
	}
	return nil
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type PortsResponse struct {
	Ports []PortInfo `json:"ports"`
}

type PortRequest struct {
	Port string `json:"port"`
}

type PortResponse struct {
	Status string `json:"status"`
	Port   string `json:"port"`
}

func validatePort(req *PortRequest) error {
	if req.Port == "" {
		return errors.New("port: cannot be empty")
	}
	return nil
}

type ReconnectResponse struct {
	Status    string `json:"status"`
	Port      string `json:"port"`
	Connected bool   `json:"connected"`
}

type RecordRequest struct {
	Path string `json:"path,omitempty"`
}

type RecordResponse struct {
	OK   bool   `json:"ok"`
	Path string `json:"path"`
}

type AudioStatusResponse struct {
	Capturing bool   `json:"capturing"`
	Recording bool   `json:"recording"`
	Path      string `json:"path,omitempty"`
	Clients   int    `json:"clients"`
}

type StatsResponse struct {
	Sent       uint64  `json:"sent"`
	Skipped    uint64  `json:"skipped"`
	Total      uint64  `json:"total"`
	Ratio      float64 `json:"ratio"`
	TCPClients int     `json:"tcpClients"`
	WSClients  int     `json:"wsClients"`
}

// Gateway wires the REST surface to the service internals.
type Gateway struct {
	link    *SerialLink
	fanout  *Fanout
	input   *InputEncoder
	tcp     *TCPBroadcaster // nil when disabled
	ws      *WSHub
	audio   *AudioHub
	capture *AudioCapture // nil when audio is disabled
	tracked *TrackedState
}

func writeCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}

// registerJSONHandler wires a POST endpoint: CORS, method check, decode,
// validate, execute. Validation failures are 400; exec errors are 500 and
// never carry input-validation meaning.
func registerJSONHandler[ReqT any, RespT any](mux *http.ServeMux, path string, validate func(*ReqT) error, exec func(*ReqT) (*RespT, error)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		writeCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var req ReqT
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprintf(w, "invalid JSON: %v", err)
				return
			}
		}

		if validate != nil {
			if err := validate(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprintf(w, "invalid request: %v", err)
				return
			}
		}

		resp, err := exec(&req)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(w, resp)
	})
}

func registerGetHandler(mux *http.ServeMux, path string, exec func(w http.ResponseWriter, r *http.Request)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		writeCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		exec(w, r)
	})
}

// Register installs every REST route on the mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	registerGetHandler(mux, "/api/health", func(w http.ResponseWriter, r *http.Request) {
		clients := 0
		if g.tcp != nil {
			clients = g.tcp.ClientCount()
		}
		writeJSON(w, HealthResponse{
			Connected: g.link.Connected(),
			Port:      g.link.Path(),
			Clients:   clients,
		})
	})

	registerGetHandler(mux, "/api/screen", func(w http.ResponseWriter, r *http.Request) {
		rows, cursor, lastUpdate := g.fanout.GridRows()
		writeJSON(w, ScreenResponse{
			Rows:       rows,
			Cursor:     cursor,
			LastUpdate: formatTimestamp(lastUpdate),
		})
	})

	registerGetHandler(mux, "/api/screen/text", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, g.fanout.GridText())
	})

	registerGetHandler(mux, "/api/screen/image", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/bmp")
		w.Write(g.fanout.ScreenBMP())
	})

	mux.HandleFunc("/api/key/", func(w http.ResponseWriter, r *http.Request) {
		writeCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		name := r.URL.Path[len("/api/key/"):]
		if _, ok := LookupKey(name); !ok {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "invalid request: unknown key %q", name)
			return
		}
		if err := g.input.PressKey(name); err != nil {
			slog.Warn("Key press failed", "key", name, "error", err)
		}
		writeJSON(w, KeyResponse{OK: true, Key: name})
	})

	registerJSONHandler(mux, "/api/keys", validateKeys, func(req *KeysRequest) (*KeysResponse, error) {
		if req.Hold == "" {
			if err := g.input.PressKey(req.Press); err != nil {
				slog.Warn("Key press failed", "key", req.Press, "error", err)
			}
		} else {
			if err := g.input.PressCombo(req.Hold, req.Press); err != nil {
				slog.Warn("Combo press failed", "hold", req.Hold, "press", req.Press, "error", err)
			}
		}
		return &KeysResponse{OK: true, Hold: req.Hold, Press: req.Press}, nil
	})

	registerJSONHandler(mux, "/api/raw", validateRaw, func(req *RawRequest) (*RawResponse, error) {
		release := true
		if req.Release != nil {
			release = *req.Release
		}
		if err := g.input.SetRaw(byte(req.Bitmask), req.HoldMs, release); err != nil {
			slog.Warn("Raw input failed", "bitmask", req.Bitmask, "error", err)
		}
		return &RawResponse{OK: true, Bitmask: req.Bitmask, HoldMs: req.HoldMs}, nil
	})

	registerJSONHandler(mux, "/api/note", validateNote, func(req *NoteRequest) (*NoteResponse, error) {
		vel := 100
		if req.Vel != nil {
			vel = *req.Vel
		}
		if err := g.input.NoteOn(byte(req.Note), byte(vel)); err != nil {
			slog.Warn("Note on failed", "note", req.Note, "error", err)
		}
		return &NoteResponse{OK: true, Note: req.Note, Vel: vel}, nil
	})

	registerJSONHandler(mux, "/api/note/off", nil, func(req *struct{}) (*OKResponse, error) {
		if err := g.input.NoteOff(); err != nil {
			slog.Warn("Note off failed", "error", err)
		}
		return &OKResponse{OK: true}, nil
	})

	registerJSONHandler(mux, "/api/reset", nil, func(req *struct{}) (*OKResponse, error) {
		g.fanout.ResetProjections()
		if err := g.link.SendReset(); err != nil {
			slog.Warn("Reset failed", "error", err)
		}
		return &OKResponse{OK: true}, nil
	})

	registerGetHandler(mux, "/api/state", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, g.tracked.Info())
	})

	registerGetHandler(mux, "/api/ports", func(w http.ResponseWriter, r *http.Request) {
		ports, err := ListPorts()
		if err != nil {
			slog.Warn("Port enumeration failed", "error", err)
		}
		if ports == nil {
			ports = []PortInfo{}
		}
		writeJSON(w, PortsResponse{Ports: ports})
	})

	registerJSONHandler(mux, "/api/port", validatePort, func(req *PortRequest) (*PortResponse, error) {
		g.link.Disconnect()
		status := "connected"
		if err := g.link.Connect(req.Port); err != nil {
			slog.Warn("Explicit connect failed", "port", req.Port, "error", err)
			status = "error"
		}
		return &PortResponse{Status: status, Port: req.Port}, nil
	})

	registerJSONHandler(mux, "/api/reconnect", nil, func(req *struct{}) (*ReconnectResponse, error) {
		g.link.Disconnect()
		status := "connected"
		if err := g.link.Connect(""); err != nil {
			slog.Warn("Reconnect failed", "error", err)
			status = "error"
		}
		return &ReconnectResponse{
			Status:    status,
			Port:      g.link.Path(),
			Connected: g.link.Connected(),
		}, nil
	})

	registerJSONHandler(mux, "/api/audio/record", nil, func(req *RecordRequest) (*RecordResponse, error) {
		path, err := g.audio.StartRecording(req.Path)
		if err != nil {
			return nil, err
		}
		return &RecordResponse{OK: true, Path: path}, nil
	})

	registerJSONHandler(mux, "/api/audio/record/stop", nil, func(req *struct{}) (*OKResponse, error) {
		g.audio.StopRecording()
		return &OKResponse{OK: true}, nil
	})

	registerGetHandler(mux, "/api/audio/status", func(w http.ResponseWriter, r *http.Request) {
		resp := AudioStatusResponse{
			Recording: g.audio.RecordingPath() != "",
			Path:      g.audio.RecordingPath(),
			Clients:   g.ws.AudioConsumers(),
		}
		if g.capture != nil {
			resp.Capturing = g.capture.Running()
		}
		writeJSON(w, resp)
	})

	registerGetHandler(mux, "/api/stats", func(w http.ResponseWriter, r *http.Request) {
		stats := g.fanout.CacheStats()
		tcpClients := 0
		if g.tcp != nil {
			tcpClients = g.tcp.ClientCount()
		}
		wsClients := g.ws.Count(wsPathControl) + g.ws.Count(wsPathScreen) +
			g.ws.Count(wsPathDisplay) + g.ws.Count(wsPathAudio)
		writeJSON(w, StatsResponse{
			Sent:       stats.Sent,
			Skipped:    stats.Skipped,
			Total:      stats.Total(),
			Ratio:      stats.Ratio(),
			TCPClients: tcpClients,
			WSClients:  wsClients,
		})
	})

	registerJSONHandler(mux, "/api/cache/reset", nil, func(req *struct{}) (*OKResponse, error) {
		g.fanout.ResetCache()
		return &OKResponse{OK: true}, nil
	})
}

// AfterConnect is the link's connect hook: device bring-up and capture
// restart run here for both explicit connects and reconnect scans.
func (g *Gateway) AfterConnect() {
	if err := g.link.SendEnable(); err != nil {
		slog.Warn("Display enable failed", "error", err)
	}
	if g.capture != nil {
		if err := g.capture.Restart(); err != nil {
			slog.Warn("Audio capture restart failed", "error", err)
		}
	}
}

// HandleKey and friends satisfy ControlHandler for /control input. The
// encoder sleeps between press and release, so HandleKey and HandleKeys run
// on their own goroutine to keep the socket read loop responsive; the note
// handlers write directly.
func (g *Gateway) HandleKey(key string) {
	go func() {
		if err := g.input.PressKey(key); err != nil {
			slog.Warn("Key press failed", "key", key, "error", err)
		}
	}()
}

func (g *Gateway) HandleKeys(hold, press string) {
	go func() {
		if err := g.input.PressCombo(hold, press); err != nil {
			slog.Warn("Combo press failed", "hold", hold, "press", press, "error", err)
		}
	}()
}

func (g *Gateway) HandleNote(note, vel byte) {
	if err := g.input.NoteOn(note, vel); err != nil {
		slog.Warn("Note on failed", "note", note, "error", err)
	}
}

func (g *Gateway) HandleNoteOff() {
	if err := g.input.NoteOff(); err != nil {
		slog.Warn("Note off failed", "error", err)
	}
}
