package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/raffle_layer/internal/app/events"
)

const (
	streamBuffer     = 64
	streamWriteWait  = 5 * time.Second
	streamPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamEvents upgrades to a websocket and forwards bus events as JSON text
// frames. ?type=a,b restricts the stream to those event types. Slow clients
// lose events rather than blocking publishers.
func (h *handler) streamEvents(w http.ResponseWriter, r *http.Request) {
	var filter events.Filter
	if raw := strings.TrimSpace(r.URL.Query().Get("type")); raw != "" {
		var types []events.Type
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, events.Type(t))
			}
		}
		filter = events.OfType(types...)
	}

	// Subscribe before the handshake completes so nothing published after
	// the client sees the upgrade is missed.
	ch := make(chan events.Event, streamBuffer)
	cancel := h.app.Events.SubscribeFiltered(filter, func(e events.Event) {
		select {
		case ch <- e:
		default:
		}
	})
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// The read loop only exists to notice the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case e := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
