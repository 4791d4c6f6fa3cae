package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestGateway(t *testing.T) (*Gateway, *recordingWriter, *httptest.Server) {
	t.Helper()
	rw := &recordingWriter{}
	tracked := NewTrackedState()
	gw := &Gateway{
		link:    NewSerialLink(115200, false, time.Second),
		input:   NewInputEncoder(rw),
		audio:   NewAudioHub(),
		tracked: tracked,
	}
	gw.ws = NewWSHub(gw)
	gw.fanout = NewFanout(gw.ws, nil, tracked)

	mux := http.NewServeMux()
	gw.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return gw, rw, srv
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, _, srv := newTestGateway(t)
	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var health HealthResponse
	decodeBody(t, resp, &health)
	if health.Connected {
		t.Fatalf("health reports connected without a device")
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("missing CORS header")
	}
}

func TestKeyEndpoint(t *testing.T) {
	_, rw, srv := newTestGateway(t)

	resp := postJSON(t, srv.URL+"/api/key/up", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var kr KeyResponse
	decodeBody(t, resp, &kr)
	if !kr.OK || kr.Key != "up" {
		t.Fatalf("response = %+v", kr)
	}

	writes := rw.snapshot()
	if len(writes) != 2 {
		t.Fatalf("expected press+release, got %d writes", len(writes))
	}
	if !bytes.Equal(writes[0], []byte{0x43, 0x40}) || !bytes.Equal(writes[1], []byte{0x43, 0x00}) {
		t.Fatalf("writes = %v", writes)
	}
	if held := rw.times[1].Sub(rw.times[0]); held < 40*time.Millisecond {
		t.Fatalf("key held only %v", held)
	}
}

func TestKeyEndpointInvalidName(t *testing.T) {
	_, rw, srv := newTestGateway(t)
	resp := postJSON(t, srv.URL+"/api/key/fire", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(rw.snapshot()) != 0 {
		t.Fatalf("invalid key produced writes")
	}
}

func TestRawEndpointValidation(t *testing.T) {
	_, _, srv := newTestGateway(t)
	if resp := postJSON(t, srv.URL+"/api/raw", `{"bitmask":300}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized bitmask status = %d", resp.StatusCode)
	}
	if resp := postJSON(t, srv.URL+"/api/raw", `{bitmask}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid JSON status = %d", resp.StatusCode)
	}
	if resp := postJSON(t, srv.URL+"/api/raw", `{"bitmask":5}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("valid bitmask status = %d", resp.StatusCode)
	}
}

func TestNoteEndpointDefaultsVelocity(t *testing.T) {
	_, rw, srv := newTestGateway(t)
	resp := postJSON(t, srv.URL+"/api/note", `{"note":60}`)
	var nr NoteResponse
	decodeBody(t, resp, &nr)
	if nr.Vel != 100 {
		t.Fatalf("default velocity = %d", nr.Vel)
	}
	writes := rw.snapshot()
	if len(writes) != 1 || !bytes.Equal(writes[0], []byte{0x4B, 60, 100}) {
		t.Fatalf("writes = %v", writes)
	}
}

func TestOptionsPreflights(t *testing.T) {
	_, _, srv := newTestGateway(t)
	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/keys", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestScreenTextEndpoint(t *testing.T) {
	gw, _, srv := newTestGateway(t)
	gw.fanout.HandleFrameChunk(append([]byte{0xFD, 'H', 0, 0, 0, 0, 0x80, 0x80, 0x80, 0, 0, 0}, 0xC0))

	resp, err := http.Get(srv.URL + "/api/screen/text")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Fatalf("content type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.HasPrefix(string(body), "H") {
		t.Fatalf("body = %q", body)
	}
}

func TestScreenImageEndpoint(t *testing.T) {
	_, _, srv := newTestGateway(t)
	resp, err := http.Get(srv.URL + "/api/screen/image")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "image/bmp" {
		t.Fatalf("content type = %q", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) < 54 || body[0] != 'B' || body[1] != 'M' {
		t.Fatalf("not a BMP payload")
	}
}

func TestStatsAndCacheReset(t *testing.T) {
	gw, _, srv := newTestGateway(t)
	frame := append([]byte{0xFD, 'H', 0, 0, 0, 0, 0x80, 0x80, 0x80, 0, 0, 0}, 0xC0)
	gw.fanout.HandleFrameChunk(frame)
	gw.fanout.HandleFrameChunk(frame)

	resp, err := http.Get(srv.URL + "/api/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var stats StatsResponse
	decodeBody(t, resp, &stats)
	if stats.Sent != 1 || stats.Skipped != 1 || stats.Total != 2 {
		t.Fatalf("stats = %+v", stats)
	}

	if resp := postJSON(t, srv.URL+"/api/cache/reset", ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("cache reset status = %d", resp.StatusCode)
	}
	gw.fanout.HandleFrameChunk(frame)
	resp2, err := http.Get(srv.URL + "/api/stats")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	defer resp2.Body.Close()
	decodeBody(t, resp2, &stats)
	if stats.Sent != 2 {
		t.Fatalf("cache not reset: %+v", stats)
	}
}

func TestStateEndpoint(t *testing.T) {
	_, _, srv := newTestGateway(t)
	resp, err := http.Get(srv.URL + "/api/state")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var info TrackedStateInfo
	decodeBody(t, resp, &info)
	if info.Screen != "UNKNOWN" || info.Confidence != 1.0 {
		t.Fatalf("state = %+v", info)
	}
}
