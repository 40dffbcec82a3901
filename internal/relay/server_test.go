package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/appbridge/appbridge-go/internal/packet"
	"github.com/appbridge/appbridge-go/internal/registry"
)

// startRelay serves the relay over httptest and returns the ws URL.
func startRelay(t *testing.T, cfg ServerConfig) (*Server, string) {
	t.Helper()
	s := NewServer(cfg)
	ts := httptest.NewServer(s.mux)
	t.Cleanup(ts.Close)
	return s, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dialWS(t *testing.T, wsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) packet.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env packet.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	return env
}

// registerApp performs the register handshake for an application conn.
func registerApp(t *testing.T, conn *websocket.Conn, name string) {
	t.Helper()
	if err := conn.WriteJSON(packet.Envelope{Type: packet.TypeRegister, Application: name}); err != nil {
		t.Fatalf("write register: %v", err)
	}
	ack := readEnvelope(t, conn)
	if ack.Type != packet.TypeRegistrationResponse {
		t.Fatalf("ack type = %q, want registration_response", ack.Type)
	}
	if ack.Status != packet.StatusSuccess {
		t.Fatalf("registration failed: %s", ack.Message)
	}
}

// waitFor polls cond until it holds or the deadline passes. Used for
// effects that happen after the relay notices a disconnect.
func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func sendCommand(t *testing.T, conn *websocket.Conn, application, action string, options map[string]any) {
	t.Helper()
	err := conn.WriteJSON(packet.Envelope{
		Type:        packet.TypeCommandPacket,
		Application: application,
		Command:     &packet.Command{Action: action, Options: options},
	})
	if err != nil {
		t.Fatalf("write command_packet: %v", err)
	}
}

func TestRoute_Success(t *testing.T) {
	_, wsURL := startRelay(t, ServerConfig{})

	app := dialWS(t, wsURL)
	registerApp(t, app, "illustrator")

	cli := dialWS(t, wsURL)
	sendCommand(t, cli, "illustrator", "getPageCount", nil)

	// Application sees the forwarded command with a correlation token.
	fwd := readEnvelope(t, app)
	if fwd.Type != packet.TypeCommandPacket {
		t.Fatalf("forward type = %q", fwd.Type)
	}
	if fwd.SenderID == "" {
		t.Fatal("forwarded command has no senderId")
	}
	if fwd.Command == nil || fwd.Command.Action != "getPageCount" {
		t.Fatalf("forwarded command = %+v", fwd.Command)
	}

	app.WriteJSON(packet.Envelope{
		Type: packet.TypeCommandResponse,
		Packet: &packet.Response{
			SenderID: fwd.SenderID,
			Status:   packet.StatusSuccess,
			Response: map[string]any{"pageCount": 3},
		},
	})

	resp := readEnvelope(t, cli)
	if resp.Type != packet.TypePacketResponse {
		t.Fatalf("response type = %q", resp.Type)
	}
	if resp.Packet.Status != packet.StatusSuccess {
		t.Fatalf("status = %q, message = %q", resp.Packet.Status, resp.Packet.Message)
	}
	if got := resp.Packet.Response["pageCount"]; got != float64(3) {
		t.Errorf("pageCount = %v, want 3", got)
	}
}

func TestRoute_NotConnected(t *testing.T) {
	_, wsURL := startRelay(t, ServerConfig{})

	cli := dialWS(t, wsURL)
	sendCommand(t, cli, "photoshop", "anything", nil)

	resp := readEnvelope(t, cli)
	if resp.Packet.Status != packet.StatusFailure {
		t.Fatalf("status = %q, want FAILURE", resp.Packet.Status)
	}
	if !strings.Contains(resp.Packet.Message, "not connected") {
		t.Errorf("message = %q, want a not-connected error", resp.Packet.Message)
	}
}

func TestRoute_Timeout_LateResponseDiscarded(t *testing.T) {
	s, wsURL := startRelay(t, ServerConfig{RequestTimeout: 150 * time.Millisecond})

	app := dialWS(t, wsURL)
	registerApp(t, app, "indesign")

	cli := dialWS(t, wsURL)
	sendCommand(t, cli, "indesign", "slowCommand", nil)

	// The application receives the forward but never answers in time.
	fwd := readEnvelope(t, app)

	resp := readEnvelope(t, cli)
	if resp.Packet.Status != packet.StatusFailure {
		t.Fatalf("status = %q, want FAILURE", resp.Packet.Status)
	}
	if !strings.Contains(resp.Packet.Message, "timed out") {
		t.Errorf("message = %q, want a timeout error", resp.Packet.Message)
	}

	// The pending entry is gone; the late response is a silent no-op.
	if s.correlator.Len() != 0 {
		t.Errorf("correlator.Len() = %d, want 0", s.correlator.Len())
	}
	app.WriteJSON(packet.Envelope{
		Type:   packet.TypeCommandResponse,
		Packet: &packet.Response{SenderID: fwd.SenderID, Status: packet.StatusSuccess},
	})
	time.Sleep(50 * time.Millisecond)
	if s.correlator.Len() != 0 {
		t.Errorf("late response must not recreate state")
	}
}

func TestRoute_OutOfOrderResponses(t *testing.T) {
	_, wsURL := startRelay(t, ServerConfig{})

	app := dialWS(t, wsURL)
	registerApp(t, app, "illustrator")

	cli1 := dialWS(t, wsURL)
	cli2 := dialWS(t, wsURL)

	sendCommand(t, cli1, "illustrator", "cmd", map[string]any{"n": 1})
	fwd1 := readEnvelope(t, app)
	sendCommand(t, cli2, "illustrator", "cmd", map[string]any{"n": 2})
	fwd2 := readEnvelope(t, app)

	// Answer in reverse order.
	app.WriteJSON(packet.Envelope{
		Type: packet.TypeCommandResponse,
		Packet: &packet.Response{
			SenderID: fwd2.SenderID,
			Status:   packet.StatusSuccess,
			Response: map[string]any{"n": fwd2.Command.Options["n"]},
		},
	})
	app.WriteJSON(packet.Envelope{
		Type: packet.TypeCommandResponse,
		Packet: &packet.Response{
			SenderID: fwd1.SenderID,
			Status:   packet.StatusSuccess,
			Response: map[string]any{"n": fwd1.Command.Options["n"]},
		},
	})

	resp1 := readEnvelope(t, cli1)
	resp2 := readEnvelope(t, cli2)
	if got := resp1.Packet.Response["n"]; got != float64(1) {
		t.Errorf("client1 got n = %v, want 1", got)
	}
	if got := resp2.Packet.Response["n"]; got != float64(2) {
		t.Errorf("client2 got n = %v, want 2", got)
	}
}

func TestDisconnect_FailsInFlight(t *testing.T) {
	_, wsURL := startRelay(t, ServerConfig{})

	app := dialWS(t, wsURL)
	registerApp(t, app, "photoshop")

	cli := dialWS(t, wsURL)
	sendCommand(t, cli, "photoshop", "cmd", nil)
	readEnvelope(t, app) // command is in flight

	app.Close()

	resp := readEnvelope(t, cli)
	if resp.Packet.Status != packet.StatusFailure {
		t.Fatalf("status = %q, want FAILURE", resp.Packet.Status)
	}
	if !strings.Contains(resp.Packet.Message, "disconnected") {
		t.Errorf("message = %q, want a disconnection error", resp.Packet.Message)
	}

	// The name is no longer routable until re-registration.
	sendCommand(t, cli, "photoshop", "cmd", nil)
	resp = readEnvelope(t, cli)
	if !strings.Contains(resp.Packet.Message, "not connected") {
		t.Errorf("message = %q, want a not-connected error", resp.Packet.Message)
	}
}

func TestClientGone_ResponseDiscarded(t *testing.T) {
	s, wsURL := startRelay(t, ServerConfig{})

	app := dialWS(t, wsURL)
	registerApp(t, app, "illustrator")

	cli := dialWS(t, wsURL)
	sendCommand(t, cli, "illustrator", "slowExport", nil)
	fwd := readEnvelope(t, app) // in flight

	// The client goes away before the application answers.
	cli.Close()
	waitFor(t, "client to be dropped", func() bool { return s.registry.ClientCount() == 0 })

	app.WriteJSON(packet.Envelope{
		Type:   packet.TypeCommandResponse,
		Packet: &packet.Response{SenderID: fwd.SenderID, Status: packet.StatusSuccess},
	})

	// The response is discarded, never delivered to a reused handle,
	// and leaves no correlation state behind.
	waitFor(t, "response to be consumed", func() bool { return s.correlator.Len() == 0 })
	if s.registry.Len() != 1 {
		t.Errorf("registry.Len() = %d, want the application still registered", s.registry.Len())
	}

	// The application stays routable for the next client.
	cli2 := dialWS(t, wsURL)
	sendCommand(t, cli2, "illustrator", "ping", nil)
	fwd = readEnvelope(t, app)
	app.WriteJSON(packet.Envelope{
		Type:   packet.TypeCommandResponse,
		Packet: &packet.Response{SenderID: fwd.SenderID, Status: packet.StatusSuccess},
	})
	resp := readEnvelope(t, cli2)
	if resp.Packet.Status != packet.StatusSuccess {
		t.Fatalf("status = %q, message = %q", resp.Packet.Status, resp.Packet.Message)
	}
}

func TestReRegistration_SupersedesOldConn(t *testing.T) {
	s, wsURL := startRelay(t, ServerConfig{})

	old := dialWS(t, wsURL)
	registerApp(t, old, "illustrator")

	cli := dialWS(t, wsURL)
	sendCommand(t, cli, "illustrator", "cmd", nil)
	readEnvelope(t, old) // in flight against the old conn

	// Second instance takes over the name.
	next := dialWS(t, wsURL)
	registerApp(t, next, "illustrator")

	// In-flight request against the old conn fails as a disconnection,
	// not silently reassigned to the new conn.
	resp := readEnvelope(t, cli)
	if !strings.Contains(resp.Packet.Message, "disconnected") {
		t.Errorf("message = %q, want a disconnection error", resp.Packet.Message)
	}

	// New commands route exclusively to the new conn.
	sendCommand(t, cli, "illustrator", "cmd2", nil)
	fwd := readEnvelope(t, next)
	if fwd.Command.Action != "cmd2" {
		t.Fatalf("forwarded action = %q", fwd.Command.Action)
	}
	next.WriteJSON(packet.Envelope{
		Type:   packet.TypeCommandResponse,
		Packet: &packet.Response{SenderID: fwd.SenderID, Status: packet.StatusSuccess},
	})
	resp = readEnvelope(t, cli)
	if resp.Packet.Status != packet.StatusSuccess {
		t.Fatalf("status = %q, message = %q", resp.Packet.Status, resp.Packet.Message)
	}

	if s.registry.Len() != 1 {
		t.Errorf("registry.Len() = %d, want 1", s.registry.Len())
	}
}

func TestRegister_AllowlistRejected(t *testing.T) {
	reg := registry.New([]registry.ApplicationSpec{{Name: "illustrator"}})
	_, wsURL := startRelay(t, ServerConfig{Registry: reg})

	conn := dialWS(t, wsURL)
	conn.WriteJSON(packet.Envelope{Type: packet.TypeRegister, Application: "blender"})

	ack := readEnvelope(t, conn)
	if ack.Status != packet.StatusFailure {
		t.Fatalf("status = %q, want FAILURE", ack.Status)
	}
	if reg.Len() != 0 {
		t.Errorf("registry.Len() = %d, want 0", reg.Len())
	}
}

// --- HTTP surface ---

func TestHandleHealth(t *testing.T) {
	s := NewServer(ServerConfig{})
	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("status = %v, want ok", body["status"])
	}
}

func TestHandleStatus_NoAuth(t *testing.T) {
	s := NewServer(ServerConfig{APIKey: "secret-key"})

	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestHandleStatus_WithAuth(t *testing.T) {
	s := NewServer(ServerConfig{APIKey: "secret-key"})

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if _, ok := body["pendingRequests"]; !ok {
		t.Error("missing pendingRequests field")
	}
}

func TestHandleApplications(t *testing.T) {
	s, wsURL := startRelay(t, ServerConfig{})
	app := dialWS(t, wsURL)
	registerApp(t, app, "indesign")

	req := httptest.NewRequest("GET", "/api/applications", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if total, _ := body["total"].(float64); total != 1 {
		t.Errorf("total = %v, want 1", body["total"])
	}
}

func TestHandleHistory_Disabled(t *testing.T) {
	s := NewServer(ServerConfig{})
	req := httptest.NewRequest("GET", "/api/history", nil)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	var body map[string]any
	json.NewDecoder(w.Body).Decode(&body)
	if total, _ := body["total"].(float64); total != 0 {
		t.Errorf("total = %v, want 0", body["total"])
	}
}
