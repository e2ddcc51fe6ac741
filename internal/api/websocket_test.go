package api

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fenneclabs/fennec-core/internal/auth"
)

type wsTestEnvelope struct {
	Type      string          `json:"type"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil) //nolint:bodyclose // handshake response
		if err == nil {
			return conn
		}
		if time.Now().After(deadline) {
			t.Fatalf("dialing %s: %v", url, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wsTestEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading websocket message: %v", err)
	}
	var env wsTestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decoding %q: %v", data, err)
	}
	return env
}

// waitEvent reads messages until an event on the given channel arrives.
func waitEvent(t *testing.T, conn *websocket.Conn, channel string) wsTestEnvelope {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		env := readEnvelope(t, conn)
		if env.Type == WSTypeEvent && env.EventType == channel {
			return env
		}
	}
	t.Fatalf("no event arrived on %s", channel)
	return wsTestEnvelope{}
}

func subscribe(t *testing.T, conn *websocket.Conn, channels ...string) {
	t.Helper()
	msg := map[string]any{
		"type":    WSTypeSubscribe,
		"payload": map[string]any{"channels": channels},
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("sending subscribe: %v", err)
	}
	if env := readEnvelope(t, conn); env.Type != WSTypeResponse {
		t.Fatalf("subscribe reply type = %q, want %q", env.Type, WSTypeResponse)
	}
}

func TestWebSocket_PingPongAndUnknownType(t *testing.T) {
	srv, _ := testServer(t)
	srv.cfg.Port = 19080
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() }) //nolint:errcheck // Test teardown

	conn := dialWS(t, "ws://127.0.0.1:19080/ws")
	defer conn.Close() //nolint:errcheck

	if err := conn.WriteJSON(map[string]string{"type": WSTypePing}); err != nil {
		t.Fatalf("sending ping: %v", err)
	}
	if env := readEnvelope(t, conn); env.Type != WSTypePong {
		t.Errorf("reply type = %q, want %q", env.Type, WSTypePong)
	}

	if err := conn.WriteJSON(map[string]string{"type": "teleport"}); err != nil {
		t.Fatalf("sending unknown type: %v", err)
	}
	env := readEnvelope(t, conn)
	if env.Type != WSTypeError {
		t.Errorf("reply type = %q, want %q", env.Type, WSTypeError)
	}
	var payload map[string]string
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("decoding error payload: %v", err)
	}
	if !strings.Contains(payload["message"], "teleport") {
		t.Errorf("error message %q does not name the bad type", payload["message"])
	}
}

func TestWebSocket_SubscribeReceivesStateEvents(t *testing.T) {
	srv, src := testServer(t)
	waitReady(t, srv)
	srv.cfg.Port = 19081
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() }) //nolint:errcheck // Test teardown

	conn := dialWS(t, "ws://127.0.0.1:19081/ws")
	defer conn.Close() //nolint:errcheck

	subscribe(t, conn, ChannelBackendState, ChannelDevice)

	// Pulling the unit drives the machine back to waiting-for-devices,
	// which must arrive as a state event.
	src.Detach()

	for {
		env := waitEvent(t, conn, ChannelBackendState)
		var payload struct {
			State         string `json:"state"`
			DevicePresent bool   `json:"device_present"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			t.Fatalf("decoding state payload: %v", err)
		}
		if payload.DevicePresent {
			continue
		}
		if payload.State != "waiting-for-devices" {
			t.Errorf("state = %q, want waiting-for-devices", payload.State)
		}
		break
	}
}

func TestWebSocket_TicketAuth(t *testing.T) {
	srv, _ := testServer(t)

	hash, err := auth.HashPassword("correct-battery-staple")
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}
	srv.secCfg.Auth.Enabled = true
	srv.secCfg.Auth.PasswordHash = hash
	srv.secCfg.JWT.Secret = testJWTSecret
	srv.secCfg.JWT.AccessTokenTTL = 15

	srv.cfg.Port = 19082
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() }) //nolint:errcheck // Test teardown

	base := "http://127.0.0.1:19082"
	waitServer(t, base)

	// No ticket, no upgrade.
	_, resp, err := websocket.DefaultDialer.Dial("ws://127.0.0.1:19082/ws", nil)
	if err == nil {
		t.Fatal("handshake succeeded without a ticket")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("handshake response = %+v, want 401", resp)
	}
	resp.Body.Close() //nolint:errcheck

	// Login over REST, buy a ticket, spend it on the upgrade.
	loginResp, err := http.Post(base+"/auth/login", "application/json", //nolint:noctx // test client
		strings.NewReader(`{"password":"correct-battery-staple"}`))
	if err != nil {
		t.Fatalf("login request: %v", err)
	}
	defer loginResp.Body.Close() //nolint:errcheck
	if loginResp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d", loginResp.StatusCode)
	}
	var login loginResponse
	if err := json.NewDecoder(loginResp.Body).Decode(&login); err != nil {
		t.Fatalf("decoding login response: %v", err)
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, base+"/auth/ws-ticket", nil)
	if err != nil {
		t.Fatalf("building ticket request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+login.AccessToken)
	ticketResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ticket request: %v", err)
	}
	defer ticketResp.Body.Close() //nolint:errcheck
	if ticketResp.StatusCode != http.StatusOK {
		t.Fatalf("ticket status = %d", ticketResp.StatusCode)
	}
	var ticket struct {
		Ticket string `json:"ticket"`
	}
	if err := json.NewDecoder(ticketResp.Body).Decode(&ticket); err != nil {
		t.Fatalf("decoding ticket response: %v", err)
	}

	wsURL := fmt.Sprintf("ws://127.0.0.1:19082/ws?ticket=%s", ticket.Ticket)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil) //nolint:bodyclose // handshake response
	if err != nil {
		t.Fatalf("handshake with ticket failed: %v", err)
	}
	conn.Close() //nolint:errcheck

	// Tickets are single-use.
	_, resp, err = websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("handshake succeeded with a spent ticket")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("spent ticket response = %+v, want 401", resp)
	}
	resp.Body.Close() //nolint:errcheck
}

func TestWebSocket_ScreenFrames(t *testing.T) {
	srv, _ := testServer(t)
	waitReady(t, srv)
	srv.cfg.Port = 19084
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { srv.Close() }) //nolint:errcheck // Test teardown

	base := "http://127.0.0.1:19084"
	waitServer(t, base)

	conn := dialWS(t, "ws://127.0.0.1:19084/ws")
	defer conn.Close() //nolint:errcheck

	subscribe(t, conn, ChannelFrames)

	startResp, err := http.Post(base+"/api/v1/streaming/start", "application/json", nil) //nolint:noctx // test client
	if err != nil {
		t.Fatalf("starting streaming: %v", err)
	}
	startResp.Body.Close() //nolint:errcheck
	if startResp.StatusCode != http.StatusAccepted {
		t.Fatalf("streaming start status = %d", startResp.StatusCode)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second)) //nolint:errcheck
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for screen frame: %v", err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if len(data) < frameHeaderSize {
			t.Fatalf("frame of %d bytes is shorter than its header", len(data))
		}
		width := binary.BigEndian.Uint16(data[0:2])
		height := binary.BigEndian.Uint16(data[2:4])
		stride := binary.BigEndian.Uint16(data[4:6])
		if width != 128 || height != 64 {
			t.Errorf("frame is %dx%d, want 128x64", width, height)
		}
		if want := frameHeaderSize + int(stride)*int(height); len(data) != want {
			t.Errorf("frame size = %d, want %d", len(data), want)
		}
		return
	}
}
