package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/exchange/saga/internal/events"
	"github.com/exchange/saga/internal/saga"
)

func newWatchServer(t *testing.T, hub *Hub, tx *saga.Transaction, origins []string) *httptest.Server {
	t.Helper()
	w := NewWatcher(hub, origins, nil)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		w.Serve(rw, r, tx)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WatchMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg WatchMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return msg
}

func waitConnections(t *testing.T, hub *Hub, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ConnectionCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("connections = %d, want %d", hub.ConnectionCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func sampleTx(id string) *saga.Transaction {
	return saga.New(id, saga.PatternOrchestration, []saga.Step{{StepID: "reserve", ServiceURL: "http://inventory", Action: "/reserve"}}, 60, nil, time.Now())
}

func TestWatchStreamsUntilFinal(t *testing.T) {
	hub := NewHub(0)
	tx := sampleTx("tx-watch")
	srv := newWatchServer(t, hub, tx, nil)
	conn := dial(t, srv, nil)

	snap := readMessage(t, conn)
	if snap.Type != MessageSnapshot || snap.Transaction == nil || snap.Transaction.ID != "tx-watch" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	waitConnections(t, hub, 1)

	running, _ := json.Marshal(WatchMessage{Type: MessageEvent, Event: &saga.Event{SagaID: tx.ID, Type: saga.EventRunning, Status: saga.StatusRunning}})
	hub.Broadcast(tx.ID, running, false)
	done, _ := json.Marshal(WatchMessage{Type: MessageEvent, Event: &saga.Event{SagaID: tx.ID, Type: saga.EventCompleted, Status: saga.StatusCompleted}})
	hub.Broadcast(tx.ID, done, true)

	if msg := readMessage(t, conn); msg.Event == nil || msg.Event.Type != saga.EventRunning {
		t.Fatalf("unexpected event %+v", msg)
	}
	if msg := readMessage(t, conn); msg.Event == nil || msg.Event.Type != saga.EventCompleted {
		t.Fatalf("unexpected event %+v", msg)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close after final event, got %v", err)
	}
	waitConnections(t, hub, 0)
}

func TestWatchTerminalSnapshotCloses(t *testing.T) {
	hub := NewHub(0)
	tx := sampleTx("tx-done")
	tx.Status = saga.StatusCompensated
	conn := dial(t, newWatchServer(t, hub, tx, nil), nil)

	if msg := readMessage(t, conn); msg.Transaction == nil || msg.Transaction.Status != saga.StatusCompensated {
		t.Fatalf("unexpected snapshot %+v", msg)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected close, got %v", err)
	}
}

func TestWatchRejectsOrigin(t *testing.T) {
	srv := newWatchServer(t, NewHub(0), sampleTx("tx"), []string{"https://ops.example.com"})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	if _, resp, err := websocket.DefaultDialer.Dial(url, header); err == nil {
		t.Fatal("expected origin rejection")
	} else if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %v", resp)
	}

	header.Set("Origin", "https://ops.example.com")
	conn := dial(t, srv, header)
	if msg := readMessage(t, conn); msg.Type != MessageSnapshot {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestConsumerBroadcastsPublishedEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	hub := NewHub(0)
	watcher, err := hub.Subscribe("tx-9", &websocket.Conn{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	consumer := NewConsumer(client, hub, "", nil)
	go func() { done <- consumer.Run(ctx) }()

	pub := events.NewPublisher(client, events.Options{})
	deadline := time.Now().Add(2 * time.Second)
	var got outbound
	for received := false; !received; {
		if time.Now().After(deadline) {
			t.Fatal("consumer never delivered the event")
		}
		// retry until the pattern subscription is live
		pub.Publish(ctx, saga.Event{SagaID: "tx-9", Type: saga.EventCompensated, Status: saga.StatusCompensated})
		select {
		case got = <-watcher.send:
			received = true
		case <-time.After(50 * time.Millisecond):
		}
	}

	var msg WatchMessage
	if err := json.Unmarshal(got.data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != MessageEvent || msg.Event.SagaID != "tx-9" || !got.final {
		t.Fatalf("unexpected broadcast %+v final=%v", msg, got.final)
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Fatalf("Run returned %v", err)
	}
}

func TestConsumerFillsSagaIDFromChannel(t *testing.T) {
	hub := NewHub(0)
	watcher, err := hub.Subscribe("abc", &websocket.Conn{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	c := NewConsumer(nil, hub, "", nil)

	c.handleMessage("saga:abc:events", `{"type":"step.completed","status":"running"}`)
	c.handleMessage("saga:abc:events", `not json`)

	select {
	case got := <-watcher.send:
		var msg WatchMessage
		if err := json.Unmarshal(got.data, &msg); err != nil || msg.Event.SagaID != "abc" {
			t.Fatalf("unexpected broadcast %s (%v)", got.data, err)
		}
	default:
		t.Fatal("expected a broadcast")
	}
	select {
	case got := <-watcher.send:
		t.Fatalf("malformed payload should be dropped, got %s", got.data)
	default:
	}
}
