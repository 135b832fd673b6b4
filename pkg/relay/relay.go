// Package relay orchestrates the duplex streaming path between one
// local websocket client and one upstream recognition session, and
// drives the batch submit/poll/retrieve loop.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/malsori/sttgate/pkg/errorsx"
	"github.com/malsori/sttgate/pkg/transcript"
	"github.com/malsori/sttgate/pkg/upstream"
)

// LocalConn is the client side of a relay. *websocket.Conn satisfies
// it; tests substitute stubs.
type LocalConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Streaming relays between a local connection and an already-open
// upstream session until either side finishes. The relay owns both
// endpoints from here on: it signals readiness, runs one pump per
// direction, and tears down session first and local connection second
// once the exchange is over. Teardown errors are logged and swallowed.
func Streaming(ctx context.Context, local LocalConn, session upstream.Session, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	ready, _ := json.Marshal(map[string]string{"type": "ready"})
	if err := local.WriteMessage(websocket.TextMessage, ready); err != nil {
		teardown(local, session, logger, new(sync.Once))
		return errorsx.Wrap(fmt.Errorf("ready signal: %w", err), errorsx.ReasonTransportRelay)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var once sync.Once
	clientCh := make(chan error, 1)
	upstreamCh := make(chan error, 1)
	go func() { clientCh <- pumpClient(ctx, local, session, logger) }()
	go func() { upstreamCh <- pumpUpstream(ctx, local, session, logger) }()

	var clientErr, upstreamErr error
	select {
	case clientErr = <-clientCh:
		if clientErr != nil {
			// Client side failed; unblock the sibling pump.
			cancel()
			reportError(local, clientErr, logger)
			teardown(local, session, logger, &once)
			upstreamErr = <-upstreamCh
		} else {
			// Clean finish: keep draining upstream results until the
			// end-of-stream marker arrives.
			upstreamErr = <-upstreamCh
			if upstreamErr != nil {
				reportError(local, upstreamErr, logger)
			}
			teardown(local, session, logger, &once)
		}
	case upstreamErr = <-upstreamCh:
		cancel()
		if upstreamErr != nil {
			reportError(local, upstreamErr, logger)
		}
		teardown(local, session, logger, &once)
		clientErr = <-clientCh
	}

	if clientErr != nil {
		return clientErr
	}
	return upstreamErr
}

// pumpClient moves local frames upstream. Binary frames are audio and
// pass through verbatim; text frames are control messages. A terminal
// control marker half-closes the session and ends the pump without
// tearing anything down.
func pumpClient(ctx context.Context, local LocalConn, session upstream.Session, logger *slog.Logger) error {
	for {
		messageType, data, err := local.ReadMessage()
		if err != nil {
			if ctx.Err() != nil ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				if finishErr := session.Finish(); finishErr != nil {
					logger.Debug("finish after client close", slog.String("error", finishErr.Error()))
				}
				return nil
			}
			return errorsx.Wrap(fmt.Errorf("client read: %w", err), errorsx.ReasonTransportRelay)
		}
		switch messageType {
		case websocket.BinaryMessage:
			if err := session.SendAudio(data); err != nil {
				return err
			}
		case websocket.TextMessage:
			if isTerminalControl(data) {
				if err := session.Finish(); err != nil {
					logger.Warn("finish on terminal control frame", slog.String("error", err.Error()))
				}
				return nil
			}
			if err := session.SendText(string(data)); err != nil {
				return err
			}
		}
	}
}

// pumpUpstream moves normalized upstream events to the local client
// until the session reports end of stream.
func pumpUpstream(ctx context.Context, local LocalConn, session upstream.Session, logger *slog.Logger) error {
	for {
		payload, err := session.Receive(ctx)
		if err != nil {
			if errors.Is(err, upstream.ErrEndOfStream) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		event := transcript.NormalizeStreaming(payload)
		frame, err := json.Marshal(event)
		if err != nil {
			logger.Warn("dropping unencodable event", slog.String("error", err.Error()))
			continue
		}
		if err := local.WriteMessage(websocket.TextMessage, frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errorsx.Wrap(fmt.Errorf("client write: %w", err), errorsx.ReasonTransportRelay)
		}
	}
}

// isTerminalControl reports whether a text frame asks the relay to
// finish. Both a bare marker word and a JSON control object with a
// type, event or state key are accepted.
func isTerminalControl(data []byte) bool {
	if isTerminalMarker(string(data)) {
		return true
	}
	var control map[string]any
	if err := json.Unmarshal(data, &control); err != nil {
		return false
	}
	for _, key := range []string{"type", "event", "state"} {
		if value, ok := control[key].(string); ok && isTerminalMarker(value) {
			return true
		}
	}
	return false
}

func isTerminalMarker(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "final", "stop", "eos":
		return true
	}
	return false
}

// reportError tells the local client why the relay is ending. The
// connection may already be gone, so a failed write is only logged.
func reportError(local LocalConn, relayErr error, logger *slog.Logger) {
	frame, err := json.Marshal(map[string]string{"type": "error", "message": relayErr.Error()})
	if err != nil {
		return
	}
	if err := local.WriteMessage(websocket.TextMessage, frame); err != nil {
		logger.Debug("error frame write", slog.String("error", err.Error()))
	}
}

func teardown(local LocalConn, session upstream.Session, logger *slog.Logger, once *sync.Once) {
	once.Do(func() {
		if err := session.Close(); err != nil {
			logger.Debug("session close", slog.String("error", err.Error()))
		}
		if err := local.Close(); err != nil {
			logger.Debug("local close", slog.String("error", err.Error()))
		}
	})
}
