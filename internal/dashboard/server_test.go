package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer(&Config{
		Port:   0, // ephemeral
		Logger: log.New(io.Discard, "", 0),
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

// TestServer_HealthEndpoint verifies the health check reports status and
// client count.
func TestServer_HealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/health", s.GetAddr()))
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health body: %v", err)
	}
	if body.Status != "ok" || body.Clients != 0 {
		t.Errorf("health = %+v, want ok with 0 clients", body)
	}
}

// TestServer_BroadcastReachesClient verifies a connected WebSocket client
// receives broadcast messages.
func TestServer_BroadcastReachesClient(t *testing.T) {
	s := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", s.GetAddr()), nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Connection registration races the dial return.
	deadline := time.Now().Add(2 * time.Second)
	for s.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.ClientCount() != 1 {
		t.Fatalf("client count = %d, want 1", s.ClientCount())
	}

	s.Broadcast(Message{
		Type: MessageTypeCycle,
		Data: json.RawMessage(`{"event":"started","mode":"manual"}`),
	})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal broadcast: %v", err)
	}
	if msg.Type != MessageTypeCycle {
		t.Errorf("type = %q, want cycle", msg.Type)
	}
	if msg.Timestamp.IsZero() {
		t.Error("broadcast timestamp not stamped")
	}
}

// TestServer_BroadcastWithoutClients verifies broadcasting into an empty
// room neither blocks nor fails.
func TestServer_BroadcastWithoutClients(t *testing.T) {
	s := newTestServer(t)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			s.Broadcast(Message{Type: MessageTypeStatus})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked with no clients connected")
	}
}

// TestServer_StopClosesClients verifies shutdown disconnects clients.
func TestServer_StopClosesClients(t *testing.T) {
	s := NewServer(&Config{Port: 0, Logger: log.New(io.Discard, "", 0)})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", s.GetAddr()), nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if n := s.ClientCount(); n != 0 {
		t.Errorf("client count = %d after stop, want 0", n)
	}

	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("client read should fail after server shutdown")
	}
}
