package ws

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHubSubscribeBroadcastUnsubscribe(t *testing.T) {
	hub := NewHub(0)
	client1, err := hub.Subscribe("tx-1", &websocket.Conn{})
	if err != nil {
		t.Fatalf("subscribe client1: %v", err)
	}
	client2, err := hub.Subscribe("tx-1", &websocket.Conn{})
	if err != nil {
		t.Fatalf("subscribe client2: %v", err)
	}
	other, err := hub.Subscribe("tx-2", &websocket.Conn{})
	if err != nil {
		t.Fatalf("subscribe other: %v", err)
	}

	hub.Broadcast("tx-1", []byte("hello"), true)

	for name, c := range map[string]*Client{"client1": client1, "client2": client2} {
		select {
		case got := <-c.send:
			if string(got.data) != "hello" || !got.final {
				t.Fatalf("%s message = %s final=%v", name, got.data, got.final)
			}
		case <-time.After(200 * time.Millisecond):
			t.Fatalf("%s did not receive message", name)
		}
	}
	select {
	case got := <-other.send:
		t.Fatalf("watcher of another saga received %s", got.data)
	default:
	}

	hub.Unsubscribe("tx-1", client1)
	if _, ok := <-client1.send; ok {
		t.Fatal("client1 send channel should be closed")
	}
	hub.Unsubscribe("tx-1", client1)
	if n := hub.ConnectionCount(); n != 2 {
		t.Fatalf("connections = %d, want 2", n)
	}
}

func TestHubMaxWatchersPerSaga(t *testing.T) {
	hub := NewHub(1)
	client, err := hub.Subscribe("tx", &websocket.Conn{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := hub.Subscribe("tx", &websocket.Conn{}); err != ErrMaxConnections {
		t.Fatalf("expected ErrMaxConnections, got %v", err)
	}
	if _, err := hub.Subscribe("other", &websocket.Conn{}); err != nil {
		t.Fatalf("limit is per saga: %v", err)
	}

	hub.Unsubscribe("tx", client)
	if _, err := hub.Subscribe("tx", &websocket.Conn{}); err != nil {
		t.Fatalf("slot should be free after unsubscribe: %v", err)
	}
}

func TestHubDropsForSlowWatchers(t *testing.T) {
	hub := NewHub(0)
	client, err := hub.Subscribe("tx", &websocket.Conn{})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < cap(client.send)+3; i++ {
		hub.Broadcast("tx", []byte("x"), false)
	}
	if d := hub.Dropped(); d != 3 {
		t.Fatalf("dropped = %d, want 3", d)
	}
}
