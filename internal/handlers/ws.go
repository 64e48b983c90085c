package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/coder/websocket"

	"github.com/jfreed-dev/reach/internal/events"
	"github.com/jfreed-dev/reach/internal/middleware"
)

// WebSocketStream pushes registry and activity events to dashboards in
// real time. The route sits outside the bearer middleware so the token
// can also arrive as a query parameter; a bad token is reported over the
// socket with close code 4001 rather than an HTTP 401, which browsers
// cannot distinguish from a network failure.
func WebSocketStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("[ws] accept: %v", err)
		return
	}
	defer conn.CloseNow()

	if !middleware.TokenValid(r, APIKey) {
		conn.Close(4001, "invalid or missing token")
		return
	}

	conn.SetReadLimit(64 * 1024)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := writeWS(ctx, conn, map[string]any{
		"type": "initial_state",
		"data": map[string]any{
			"clients":      Reg.Clients(),
			"online_count": Reg.OnlineCount(),
			"total_count":  Reg.TotalCount(),
		},
	}); err != nil {
		return
	}

	stream, unsubscribe := Events.Subscribe()
	defer unsubscribe()

	// Reader handles ping keepalives and notices the peer going away.
	go func() {
		defer cancel()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageText && string(data) == "ping" {
				if err := conn.Write(ctx, websocket.MessageText, []byte("pong")); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-stream:
			if !ok {
				return
			}
			if err := writeWS(ctx, conn, wsFrame(e)); err != nil {
				return
			}
		}
	}
}

func writeWS(ctx context.Context, conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// wsFrame shapes an event for the stream: the client identity is folded
// into the data payload alongside the event's own fields.
func wsFrame(e events.Event) map[string]any {
	data := map[string]any{
		"uuid":         e.ClientUUID,
		"display_name": e.ClientName,
	}
	for k, v := range e.Data {
		data[k] = v
	}
	return map[string]any{
		"type":      e.Type,
		"timestamp": e.Timestamp,
		"data":      data,
	}
}
