package proxy

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// wsHub fans log entries out to connected websocket clients, mirroring
// the wsConns sync.Map + broadcast-to-all pattern used for browser
// clients elsewhere in this codebase's ancestry. Each connection gets
// its own buffered outbound queue so a slow client's write loop can
// never block the broadcaster.
type wsHub struct {
	upgrader websocket.Upgrader
	conns    sync.Map // map[*websocket.Conn]chan []byte
	metrics  *metricsRecorder
}

func newWSHub(metrics *metricsRecorder) *wsHub {
	return &wsHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		metrics: metrics,
	}
}

// ServeHTTP upgrades the connection and greets it, then reads (and
// discards) inbound frames until the client disconnects. Per-client
// errors never tear down other clients.
func (h *wsHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	outbound := make(chan []byte, 64)
	h.conns.Store(conn, outbound)
	h.updateSubscriberGauge()
	defer func() {
		h.conns.Delete(conn)
		h.updateSubscriberGauge()
	}()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case msg := <-outbound:
				if conn.WriteMessage(websocket.TextMessage, msg) != nil {
					return
				}
			case <-stop:
				return
			}
		}
	}()

	greeting, _ := json.Marshal(map[string]string{
		"type":    "connected",
		"message": "WebSocket connected",
	})
	select {
	case outbound <- greeting:
	default:
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	close(stop)
	<-done
}

// Broadcast sends entry to every connected client as
// {"type":"new-log","log":entry}. A full per-client queue drops the
// frame rather than block the broadcaster or other subscribers.
func (h *wsHub) Broadcast(entry LogEntry) {
	payload, err := json.Marshal(map[string]any{
		"type": "new-log",
		"log":  entry,
	})
	if err != nil {
		return
	}
	h.conns.Range(func(_, value any) bool {
		ch := value.(chan []byte)
		select {
		case ch <- payload:
		default:
		}
		return true
	})
}

// count returns the number of currently connected clients.
func (h *wsHub) count() int {
	n := 0
	h.conns.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (h *wsHub) updateSubscriberGauge() {
	if h.metrics == nil {
		return
	}
	n := 0
	h.conns.Range(func(_, _ any) bool {
		n++
		return true
	})
	h.metrics.setWSSubscribers(n)
}
