package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SimplyPrint/nfc-wedge/internal/core"
)

func startHub(t *testing.T) *WSHub {
	t.Helper()
	hub := NewWSHub(NewReaderSnapshot())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.done
	})
	return hub
}

func dialHub(t *testing.T, hub *WSHub) *websocket.Conn {
	t.Helper()
	server := httptest.NewServer(NewMux(hub.snapshot, hub))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	waitFor(t, func() bool { return hub.ClientCount() == 1 })
	return ws
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readMessage(t *testing.T, ws *websocket.Conn) WSMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	return msg
}

func TestWSHub_RegisterAndBroadcast(t *testing.T) {
	hub := startHub(t)

	clients := make([]*WSClient, 3)
	for i := range clients {
		clients[i] = &WSClient{send: make(chan []byte, 256), hub: hub}
		hub.register <- clients[i]
	}
	waitFor(t, func() bool { return hub.ClientCount() == 3 })

	testMsg := []byte(`{"type":"test"}`)
	hub.broadcast <- testMsg

	for i, client := range clients {
		select {
		case msg := <-client.send:
			if string(msg) != string(testMsg) {
				t.Errorf("client %d received wrong message", i)
			}
		case <-time.After(time.Second):
			t.Errorf("client %d did not receive message", i)
		}
	}

	hub.unregister <- clients[0]
	waitFor(t, func() bool { return hub.ClientCount() == 2 })
}

func TestWSHub_DeliverBroadcastsScan(t *testing.T) {
	hub := startHub(t)
	fixed := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	hub.now = func() time.Time { return fixed }
	ws := dialHub(t, hub)

	if err := hub.Deliver("04A1B2C3"); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	msg := readMessage(t, ws)
	if msg.Type != "scan" {
		t.Fatalf("expected scan message, got %q", msg.Type)
	}
	var scan ScanPayload
	if err := json.Unmarshal(msg.Payload, &scan); err != nil {
		t.Fatalf("invalid payload: %v", err)
	}
	if scan.UID != "04A1B2C3" || !scan.Time.Equal(fixed) || scan.ID == "" {
		t.Errorf("unexpected scan payload: %+v", scan)
	}

	st := hub.snapshot.stats()
	if st.Scans != 1 || st.LastScan == nil || !st.LastScan.Equal(fixed) {
		t.Errorf("scan not recorded: %+v", st)
	}
}

func TestWSHub_ReaderChangesArePushed(t *testing.T) {
	hub := startHub(t)
	ws := dialHub(t, hub)

	hub.snapshot.Observe([]string{"ACS ACR122U PICC Interface"})
	hub.snapshot.Observe([]string{"ACS ACR122U PICC Interface"}) // unchanged, not pushed
	hub.snapshot.Observe([]string{})

	first := readMessage(t, ws)
	second := readMessage(t, ws)

	var readers []core.Reader
	if first.Type != "readers" || json.Unmarshal(first.Payload, &readers) != nil || len(readers) != 1 {
		t.Errorf("unexpected first message: %+v", first)
	}
	if second.Type != "readers" || string(second.Payload) != "[]" {
		t.Errorf("unexpected second message: type %q payload %s", second.Type, second.Payload)
	}
}

func TestWebSocket_Requests(t *testing.T) {
	hub := startHub(t)
	ws := dialHub(t, hub)

	tests := []struct {
		req      WSMessage
		wantType string
		wantErr  string
	}{
		{WSMessage{Type: "list_readers", ID: "test-123"}, "readers", ""},
		{WSMessage{Type: "version", ID: "v1"}, "version", ""},
		{WSMessage{Type: "health", ID: "h1"}, "health", ""},
		{WSMessage{Type: "write_card", ID: "u1"}, "error", "unknown message type"},
	}

	for _, tt := range tests {
		t.Run(tt.req.Type, func(t *testing.T) {
			if err := ws.WriteJSON(tt.req); err != nil {
				t.Fatalf("failed to send message: %v", err)
			}
			resp := readMessage(t, ws)
			if resp.Type != tt.wantType {
				t.Errorf("expected type %q, got %q", tt.wantType, resp.Type)
			}
			if resp.ID != tt.req.ID {
				t.Errorf("expected ID %q, got %q", tt.req.ID, resp.ID)
			}
			if tt.wantErr != "" && !strings.Contains(resp.Error, tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, resp.Error)
			}
		})
	}
}

func TestWebSocket_InvalidJSON(t *testing.T) {
	hub := startHub(t)
	ws := dialHub(t, hub)

	if err := ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("failed to send: %v", err)
	}
	resp := readMessage(t, ws)
	if resp.Type != "error" || resp.Error != "invalid message format" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestWSHub_DeliverAfterShutdownDoesNotBlock(t *testing.T) {
	hub := NewWSHub(NewReaderSnapshot())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	cancel()
	<-hub.done

	done := make(chan struct{})
	go func() {
		for i := 0; i < 32; i++ {
			_ = hub.Deliver("01")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Deliver blocked after hub shutdown")
	}
}

func TestWSClient_ReplyGoesThroughHub(t *testing.T) {
	hub := startHub(t)
	client := &WSClient{send: make(chan []byte, 1), hub: hub}
	hub.register <- client
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	client.sendError("7", "nope")
	select {
	case msg := <-client.send:
		if !strings.Contains(string(msg), `"nope"`) {
			t.Errorf("unexpected reply %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("reply not queued")
	}
}

func TestWSClient_ReplyAfterLeavingIsDropped(t *testing.T) {
	hub := startHub(t)
	client := &WSClient{send: make(chan []byte, 1), hub: hub}
	hub.register <- client
	hub.unregister <- client
	waitFor(t, func() bool { return hub.ClientCount() == 0 })

	// send is closed now; a reply must neither panic nor reopen it.
	client.sendResponse("1", "version", versionInfo())
	client.sendError("2", "late")
	waitFor(t, func() bool { return len(hub.direct) == 0 })

	// The hub loop is still alive once it handles a later request.
	other := &WSClient{send: make(chan []byte, 1), hub: hub}
	hub.register <- other
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	if _, ok := <-client.send; ok {
		t.Error("reply was queued for a client that had left")
	}
}

func TestWSClient_SlowClientIsDropped(t *testing.T) {
	hub := startHub(t)
	client := &WSClient{send: make(chan []byte, 1), hub: hub}
	hub.register <- client
	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	client.sendError("1", "first")
	client.sendError("2", "second")
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func TestWSClient_ReplyAfterShutdownDoesNotBlock(t *testing.T) {
	hub := NewWSHub(NewReaderSnapshot())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	cancel()
	<-hub.done

	client := &WSClient{send: make(chan []byte, 1), hub: hub}
	done := make(chan struct{})
	go func() {
		for i := 0; i < 32; i++ {
			client.sendError("", "late")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reply blocked after hub shutdown")
	}
}
