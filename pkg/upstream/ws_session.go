package upstream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/malsori/sttgate/pkg/errorsx"
	"github.com/malsori/sttgate/pkg/logging"
)

const (
	wsHandshakeTimeout = 15 * time.Second
	// finishMarker half-closes the websocket variant: the upstream
	// flushes remaining results and then closes.
	finishMarker = "EOS"
)

// wsSession is the cloud streaming variant over a websocket. Audio
// chunks go out as binary frames, control markers as text frames, and
// every inbound text frame is one JSON result payload.
type wsSession struct {
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *Client) dialWebSocket(ctx context.Context, recognitionConfig map[string]any) (*wsSession, error) {
	streamURL, err := c.StreamingURL(recognitionConfig)
	if err != nil {
		return nil, err
	}
	token, err := c.tokens.ResolveToken(ctx)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	if !c.settings.VerifySSL {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "bearer "+token)
	}

	conn, resp, err := dialer.DialContext(ctx, streamURL, header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("streaming handshake rejected with %d: %w", resp.StatusCode, err)
		}
		return nil, errorsx.Wrap(err, errorsx.ReasonUpstreamRequest)
	}
	c.logger.Debug("streaming session opened", slog.String("variant", "websocket"))
	return &wsSession{
		conn:   conn,
		logger: logging.NewComponentLogger(c.logger, "ws_session"),
	}, nil
}

func (s *wsSession) SendAudio(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return errorsx.Wrap(fmt.Errorf("send audio: %w", err), errorsx.ReasonTransportRelay)
	}
	return nil
}

func (s *wsSession) SendText(text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return errorsx.Wrap(fmt.Errorf("send text: %w", err), errorsx.ReasonTransportRelay)
	}
	return nil
}

func (s *wsSession) Finish() error {
	return s.SendText(finishMarker)
}

// Receive blocks on the next upstream frame. Binary frames are not
// part of the response protocol and are skipped. The context only
// bounds this call when it is already done on entry; reads themselves
// are unblocked by Close.
func (s *wsSession) Receive(ctx context.Context) (map[string]any, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrEndOfStream
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errorsx.Wrap(fmt.Errorf("streaming read: %w", err), errorsx.ReasonTransportRelay)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			// Non-JSON text frames still reach the caller.
			payload = map[string]any{"msg": string(data)}
		}
		return payload, nil
	}
}

func (s *wsSession) Close() error {
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		s.writeMu.Unlock()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
