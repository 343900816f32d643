package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/codeanatomy/codeanatomy/internal/schema"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleSchemaSocket receives one database schema from an agent. The
// agent authenticates with its project API key, sends a single JSON
// message and gets a normal close once the schema is stored.
func (s *Server) handleSchemaSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	apiKey := r.URL.Query().Get("api_key")
	if apiKey == "" {
		closeWith(conn, schema.CloseMissingKey)
		return
	}
	p, err := s.store.GetProjectByAPIKey(r.Context(), apiKey)
	if err != nil {
		closeWith(conn, schema.CloseUnknownKey)
		return
	}

	_, message, err := conn.ReadMessage()
	if err != nil {
		s.logger.Warn("schema socket read failed", "project", p.ID, "error", err)
		closeWith(conn, schema.CloseFailed)
		return
	}
	sch, err := schema.Parse(message)
	if err != nil {
		s.logger.Warn("schema socket got invalid schema", "project", p.ID, "error", err)
		closeWith(conn, schema.CloseFailed)
		return
	}
	if err := s.store.SaveSchema(r.Context(), p.ID, sch); err != nil {
		s.logger.Error("save schema", "project", p.ID, "error", err)
		closeWith(conn, schema.CloseFailed)
		return
	}

	s.publish(p.ID, map[string]string{"event": "schema_received"})
	s.logger.Info("schema received from agent", "project", p.ID, "tables", len(sch.Tables))
	closeWith(conn, websocket.CloseNormalClosure)
}

func closeWith(conn *websocket.Conn, code int) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline)
}
