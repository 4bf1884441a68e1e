package fanout

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"

	"github.com/R3E-Network/numhub/domain/events"
	"github.com/R3E-Network/numhub/infrastructure/httputil"
	"github.com/R3E-Network/numhub/infrastructure/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Hub upgrades authenticated HTTP requests to WebSocket connections and
// streams every envelope published on the user's room, replaying from the
// bounded stream first when the client asks to resume after lastEventId.
type Hub struct {
	client    *redis.Client
	publisher *Publisher
	logger    *logging.Logger
	upgrader  websocket.Upgrader
}

// NewHub builds a Hub over an existing Redis client and Publisher, reusing
// the Publisher's bounded per-user stream for reconnect replay.
func NewHub(client *redis.Client, publisher *Publisher, logger *logging.Logger) *Hub {
	return &Hub{
		client:    client,
		publisher: publisher,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS handles GET /ws. The caller must already have run bearer-token
// auth upstream so httputil.RequireUserID can resolve the room to stream.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	uid, ok := httputil.RequireUserID(w, r)
	if !ok {
		return
	}
	room := events.UserRoom(uid)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error(r.Context(), "fanout: websocket upgrade failed", err, nil)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if lastID := r.URL.Query().Get("lastEventId"); lastID != "" {
		backlog, err := h.publisher.StreamSince(ctx, uid, lastID)
		if err != nil {
			h.logger.Error(ctx, "fanout: stream replay failed", err, nil)
		}
		for _, env := range backlog {
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		}
	}

	go h.readPump(conn, cancel)
	h.writePump(ctx, conn, room)
}

// readPump only exists to drain client frames (pings, close) and notice a
// dropped connection; this hub never accepts client-initiated messages.
func (h *Hub) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(ctx context.Context, conn *websocket.Conn, room string) {
	sub := h.client.Subscribe(ctx, globalChannel)
	defer sub.Close()
	ch := sub.Channel()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env events.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			if env.Room != room {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
