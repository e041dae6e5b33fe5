package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fasthttp/websocket"
	contribws "github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"
)

// ServeWS upgrades c to a WebSocket connection carrying the same subscription events as ServeSSE, for
// clients that prefer a persistent socket over SSE. It splits into an upgrade entry point here, a write
// pump pushing the stream's events, and a read pump that only exists to detect the peer closing.
func (h *Hub) ServeWS(c fiber.Ctx, convoID, memberDID, cursor string) error {
	if !contribws.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return contribws.New(func(conn *contribws.Conn) {
		h.serveWSConn(conn.Conn, convoID, memberDID, cursor)
	})(c)
}

func (h *Hub) serveWSConn(conn *websocket.Conn, convoID, memberDID, cursor string) {
	stream, backlog, compacted, err := h.Subscribe(context.Background(), convoID, memberDID, cursor)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseNotAMember, err.Error()), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	defer func() {
		h.Unsubscribe(stream)
		_ = conn.Close()
	}()

	go wsReadPump(conn, stream)

	send := func(ev Event) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	}
	heartbeat := func() error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.PingMessage, nil)
	}

	for _, ev := range backlog {
		if err := send(ev); err != nil {
			return
		}
	}
	if compacted {
		if err := send(Event{Type: EventInfo, ConvoID: convoID, Payload: InfoPayload{Reason: ReasonCompacted}}); err != nil {
			return
		}
	}

	_ = stream.run(context.Background(), h.heartbeat, send, heartbeat)
}

// wsReadPump discards inbound frames (this transport is server-push only) and terminates the stream once
// the peer disconnects, so run's write loop does not keep blocking on a dead connection.
func wsReadPump(conn *websocket.Conn, stream *Stream) {
	defer stream.closeSilently()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeWait bounds how long a single write to the peer may block before the connection is considered dead.
const writeWait = 10 * time.Second
