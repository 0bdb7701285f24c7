package events

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sentinelops/scp/pkg/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Same-origin UI only; the server terminates TLS itself.
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// WSHandler streams broker events to a browser over a WebSocket. An optional
// job_id query parameter narrows the stream to one deployment job.
type WSHandler struct {
	broker *Broker
}

// NewWSHandler creates a WebSocket streaming handler backed by the broker
func NewWSHandler(broker *Broker) *WSHandler {
	return &WSHandler{broker: broker}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("events-ws")

	var jobFilter uint64
	if v := r.URL.Query().Get("job_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "invalid job_id", http.StatusBadRequest)
			return
		}
		jobFilter = id
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	defer conn.Close()

	sub := h.broker.Subscribe()
	defer h.broker.Unsubscribe(sub)

	logger.Debug().Uint64("job_id", jobFilter).Msg("Subscriber connected")

	// Drain client frames so close and pong handling work; the stream is
	// one-directional otherwise.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return
			}
			if jobFilter != 0 && event.JobID != jobFilter {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				logger.Debug().Err(err).Msg("Subscriber write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
