package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/okadri/stocksync/internal/worker"
)

func testServer(t *testing.T) *Server {
	t.Helper()

	server := NewServer(&Config{
		Port: 0, // random available port
		Status: func() worker.Status {
			return worker.Status{Pending: 3, Dead: 1}
		},
		Logger: log.New(io.Discard, "", 0),
	})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })

	time.Sleep(100 * time.Millisecond)
	return server
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{
		Port:   0,
		Logger: log.New(io.Discard, "", 0),
	})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if server.GetAddr() == "" {
		t.Fatal("Server address is empty")
	}

	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
}

func TestWebSocketConnection(t *testing.T) {
	server := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}

	// The welcome message carries the current worker status.
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read welcome message: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	if msg.Type != "status" {
		t.Errorf("Expected welcome message type status, got %s", msg.Type)
	}

	var status worker.Status
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatalf("Failed to unmarshal status: %v", err)
	}
	if status.Pending != 3 || status.Dead != 1 {
		t.Errorf("status = %+v, want pending=3 dead=1", status)
	}
}

func TestBroadcast_ReachesClients(t *testing.T) {
	server := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Drain the welcome message first.
	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("Failed to read welcome message: %v", err)
	}

	handler := NewHandler(server, log.New(io.Discard, "", 0))
	handler.Publish(worker.Event{Type: worker.EventDrainComplete, Pushed: 5, Pending: 2})

	// drain_complete arrives first, then the stats rebroadcast.
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read broadcast: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	if msg.Type != string(worker.EventDrainComplete) {
		t.Errorf("message type = %s, want drain_complete", msg.Type)
	}

	var drain DrainData
	if err := json.Unmarshal(msg.Data, &drain); err != nil {
		t.Fatalf("Failed to unmarshal drain data: %v", err)
	}
	if drain.Pushed != 5 || drain.Pending != 2 {
		t.Errorf("drain data = %+v, want pushed=5 pending=2", drain)
	}
}

func TestStatusEndpoint(t *testing.T) {
	server := testServer(t)

	resp, err := http.Get("http://" + server.GetAddr() + "/status")
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d, want 200", resp.StatusCode)
	}

	var status worker.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if status.Pending != 3 || status.Dead != 1 {
		t.Errorf("status = %+v, want pending=3 dead=1", status)
	}
}

func TestHandler_AccumulatesStats(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: log.New(io.Discard, "", 0)})
	handler := NewHandler(server, log.New(io.Discard, "", 0))

	handler.Publish(worker.Event{Type: worker.EventDrainComplete, Pushed: 3, Pending: 1})
	handler.Publish(worker.Event{Type: worker.EventDrainComplete, Pushed: 2, Pending: 0})
	handler.Publish(worker.Event{Type: worker.EventPullComplete, Collection: "products", Pulled: 10})
	handler.Publish(worker.Event{Type: worker.EventDeadLetter, ItemID: "q1", Collection: "products"})

	stats := handler.GetStats()
	if stats.TotalPushed != 5 {
		t.Errorf("TotalPushed = %d, want 5", stats.TotalPushed)
	}
	if stats.TotalPulled != 10 {
		t.Errorf("TotalPulled = %d, want 10", stats.TotalPulled)
	}
	if stats.DeadLettered != 1 {
		t.Errorf("DeadLettered = %d, want 1", stats.DeadLettered)
	}
	if stats.PullsByCollection["products"] != 1 {
		t.Errorf("PullsByCollection = %v", stats.PullsByCollection)
	}
}
