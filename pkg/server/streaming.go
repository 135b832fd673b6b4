package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/malsori/sttgate/pkg/relay"
)

// handleStreaming upgrades the local connection, resolves the optional
// start handshake, opens an upstream session of the active deployment
// and hands both ends to the relay. Errors before the relay attaches
// are reported as an error frame and a close.
func (s *Server) handleStreaming(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	recognitionConfig, pending := readStartFrame(conn)

	client := s.gateway.Client()
	session, err := client.DialStreaming(r.Context(), recognitionConfig)
	if err != nil {
		s.logger.Error("upstream streaming connect failed", slog.String("error", err.Error()))
		closeWithError(conn, "failed to connect upstream streaming session")
		return
	}

	local := &replayConn{Conn: conn, pending: pending}
	if err := relay.Streaming(r.Context(), local, session, s.logger); err != nil {
		s.logger.Warn("streaming relay ended with error", slog.String("error", err.Error()))
	}
}

// startFrame is the optional first client frame carrying recognition
// options for the upstream session.
type startFrame struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config"`
}

// readStartFrame blocks for the first client frame. A start control
// frame yields the recognition config; any other frame is handed back
// for replay so the relay sees it as the first message.
func readStartFrame(conn *websocket.Conn) (map[string]any, *frame) {
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		return nil, nil
	}
	if messageType == websocket.TextMessage {
		var start startFrame
		if jsonErr := json.Unmarshal(data, &start); jsonErr == nil && start.Type == "start" {
			return start.Config, nil
		}
	}
	return nil, &frame{messageType: messageType, data: data}
}

func closeWithError(conn *websocket.Conn, message string) {
	payload, _ := json.Marshal(map[string]string{"type": "error", "message": message})
	_ = conn.WriteMessage(websocket.TextMessage, payload)
	_ = conn.Close()
}

type frame struct {
	messageType int
	data        []byte
}

// replayConn re-delivers a frame consumed during the start handshake
// before reading from the underlying connection.
type replayConn struct {
	*websocket.Conn

	mu      sync.Mutex
	pending *frame
}

func (c *replayConn) ReadMessage() (int, []byte, error) {
	c.mu.Lock()
	if c.pending != nil {
		replay := c.pending
		c.pending = nil
		c.mu.Unlock()
		return replay.messageType, replay.data, nil
	}
	c.mu.Unlock()
	return c.Conn.ReadMessage()
}
