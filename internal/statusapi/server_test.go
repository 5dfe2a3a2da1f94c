package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/marksync/marksync/internal/engine"
)

type fakeEngine struct {
	syncCalls  int
	resetCalls int
}

func (f *fakeEngine) TriggerSync() bool  { f.syncCalls++; return true }
func (f *fakeEngine) TriggerReset() bool { f.resetCalls++; return true }
func (f *fakeEngine) Status() engine.Status {
	return engine.Status{LastSync: "2026-01-02T03:04:05Z", Items: 3}
}

func startTestServer(t *testing.T) (*Server, *fakeEngine, string) {
	t.Helper()
	eng := &fakeEngine{}
	srv := NewServer(Options{Addr: "127.0.0.1:0", Engine: eng})
	if err := srv.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })
	return srv, eng, "http://" + srv.Addr()
}

func TestStatusEndpointReportsEngineState(t *testing.T) {
	_, _, base := startTestServer(t)

	resp, err := http.Get(base + "/status")
	if err != nil {
		t.Fatalf("get status failed: %v", err)
	}
	defer resp.Body.Close()
	var status engine.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if status.LastSync != "2026-01-02T03:04:05Z" || status.Items != 3 {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestSyncEndpointRequiresPost(t *testing.T) {
	_, eng, base := startTestServer(t)

	resp, err := http.Get(base + "/sync")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", resp.StatusCode)
	}

	resp, err = http.Post(base+"/sync", "", nil)
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || eng.syncCalls != 1 {
		t.Fatalf("expected queued sync, got %d (calls=%d)", resp.StatusCode, eng.syncCalls)
	}
}

func TestWebSocketReceivesPublishedEvents(t *testing.T) {
	srv, _, _ := startTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, fmt.Sprintf("ws://%s/ws", srv.Addr()), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The accept handler registers the client asynchronously.
	deadline := time.Now().Add(time.Second)
	for srv.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	srv.Publish("sync", engine.SyncResult{ItemsCreated: 2})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if msg.Kind != "sync" {
		t.Fatalf("unexpected message kind: %+v", msg)
	}
	var result engine.SyncResult
	if err := json.Unmarshal(msg.Data, &result); err != nil || result.ItemsCreated != 2 {
		t.Fatalf("unexpected payload: %s err=%v", msg.Data, err)
	}
}
