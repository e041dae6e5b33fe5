package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"

	"github.com/gofiber/fiber/v3"
	"github.com/valyala/fasthttp"
)

// ServeSSE upgrades c into a Server-Sent Events stream for (convoID, memberDID), the primary transport for
// subscription events. It is the Hub-owned entry point for this transport, streaming the response body
// directly via fasthttp's StreamWriter instead of upgrading the connection, since SSE rides plain HTTP.
func (h *Hub) ServeSSE(c fiber.Ctx, convoID, memberDID, cursor string) error {
	stream, backlog, compacted, err := h.Subscribe(c.RequestCtx(), convoID, memberDID, cursor)
	if err != nil {
		return err
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.RequestCtx().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer h.Unsubscribe(stream)

		send := func(ev Event) error { return writeSSE(w, ev) }
		heartbeat := func() error {
			if _, err := w.WriteString(": keep-alive\n\n"); err != nil {
				return err
			}
			return w.Flush()
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
	}))
	return nil
}

func writeSSE(w *bufio.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal subscription event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	return w.Flush()
}
