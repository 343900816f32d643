package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codeanatomy/codeanatomy/internal/schema"
)

// confirmTimeout bounds the wait for the server's close frame after
// the schema message went out.
const confirmTimeout = 15 * time.Second

// sendSchema pushes one schema to the analyzer server and waits for
// the close frame confirming it was stored. http and https server
// URLs are rewritten to ws and wss.
func sendSchema(ctx context.Context, serverURL, apiKey string, sch *schema.Schema) error {
	u, err := url.Parse(serverURL)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return fmt.Errorf("server url must be ws, wss, http or https, got %q", u.Scheme)
	}
	q := u.Query()
	q.Set("api_key", apiKey)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", serverURL, err)
	}
	defer conn.Close()

	payload, err := json.Marshal(sch)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(confirmTimeout)); err != nil {
		return err
	}
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr):
		switch closeErr.Code {
		case websocket.CloseNormalClosure:
			return nil
		case schema.CloseMissingKey, schema.CloseUnknownKey:
			return errors.New("server rejected the API key")
		default:
			return fmt.Errorf("server could not store the schema (close code %d)", closeErr.Code)
		}
	case err != nil:
		return fmt.Errorf("confirm receipt: %w", err)
	default:
		return errors.New("unexpected message from server before close")
	}
}
