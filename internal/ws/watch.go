package ws

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/exchange/saga/internal/saga"
	"github.com/exchange/saga/pkg/logger"
)

const (
	MessageSnapshot = "snapshot"
	MessageEvent    = "event"
)

// WatchMessage is one frame sent to a watcher.
type WatchMessage struct {
	Type        string            `json:"type"`
	Transaction *saga.Transaction `json:"transaction,omitempty"`
	Event       *saga.Event       `json:"event,omitempty"`
}

var (
	activityTimeout = 60 * time.Second
	pingInterval    = 30 * time.Second
	writeWait       = 10 * time.Second
)

// Watcher upgrades watch requests and runs the connection pumps.
type Watcher struct {
	hub      *Hub
	upgrader websocket.Upgrader
	log      *logger.Logger
}

func NewWatcher(hub *Hub, allowedOrigins []string, log *logger.Logger) *Watcher {
	if log == nil {
		log = logger.Nop()
	}
	return &Watcher{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return allowOrigin(r, allowedOrigins)
			},
		},
		log: log,
	}
}

// Serve upgrades the request, sends the snapshot and streams events for
// tx.ID until the client leaves or the transaction finishes.
func (w *Watcher) Serve(rw http.ResponseWriter, r *http.Request, tx *saga.Transaction) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.log.WithSaga(tx.ID).WithError(err).Warn("watch upgrade failed")
		return
	}

	client, err := w.hub.Subscribe(tx.ID, conn)
	if err != nil {
		closeMsg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "too many watchers")
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	snapshot, err := json.Marshal(WatchMessage{Type: MessageSnapshot, Transaction: tx})
	if err != nil {
		w.hub.Unsubscribe(tx.ID, client)
		conn.Close()
		return
	}
	// subscribed before the snapshot so no event in between is lost
	client.send <- outbound{data: snapshot, final: tx.Status.Terminal()}

	go w.writePump(client, tx.ID)
	go w.readPump(client, tx.ID)
}

func (w *Watcher) readPump(client *Client, sagaID string) {
	conn := client.conn
	defer func() {
		w.hub.Unsubscribe(sagaID, client)
		conn.Close()
	}()

	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(activityTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(activityTimeout))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(activityTimeout))
	}
}

func (w *Watcher) writePump(client *Client, sagaID string) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		w.hub.Unsubscribe(sagaID, client)
		client.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				return
			}
			if msg.final {
				closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "saga finished")
				_ = client.conn.WriteMessage(websocket.CloseMessage, closeMsg)
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func allowOrigin(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// non-browser clients usually don't send Origin
		return true
	}
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "*" || (o != "" && o == origin) {
			return true
		}
	}
	return false
}
