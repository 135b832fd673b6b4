package upstream

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"github.com/malsori/sttgate/pkg/errorsx"
	"github.com/malsori/sttgate/pkg/logging"
	"github.com/malsori/sttgate/pkg/upstream/decoderpb"
)

// grpcSession lifecycle states. Audio may only flow while streaming;
// everything after Finish is drain-only.
const (
	grpcStateIdle int32 = iota
	grpcStateConnecting
	grpcStateStreaming
	grpcStateHalfClosed
	grpcStateClosed
)

var grpcKeepalive = keepalive.ClientParameters{
	Time:                30 * time.Second,
	Timeout:             10 * time.Second,
	PermitWithoutStream: true,
}

// grpcSession is the on-prem streaming variant over a bidirectional
// gRPC stream. A single background pump is the only reader of the
// stream and the only writer (and closer) of recvCh.
type grpcSession struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
	logger *slog.Logger

	state atomic.Int32

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error

	recvCh chan map[string]any
	done   chan struct{}

	errMu   sync.Mutex
	recvErr error
}

func (c *Client) dialGRPC(ctx context.Context, recognitionConfig map[string]any) (*grpcSession, error) {
	target, useTLS, err := c.grpcTarget()
	if err != nil {
		return nil, err
	}
	token, err := c.tokens.ResolveToken(ctx)
	if err != nil {
		return nil, err
	}

	var creds credentials.TransportCredentials
	if useTLS {
		tlsConfig := &tls.Config{}
		if !c.settings.VerifySSL {
			tlsConfig.InsecureSkipVerify = true
		}
		if host, _, found := strings.Cut(target, ":"); found && host != "" {
			tlsConfig.ServerName = host
		}
		creds = credentials.NewTLS(tlsConfig)
	} else {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.NewClient(
		target,
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(grpcKeepalive),
	)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("grpc dial %s: %w", target, err), errorsx.ReasonUpstreamRequest)
	}

	session := &grpcSession{
		conn:   conn,
		logger: logging.NewComponentLogger(c.logger, "grpc_session"),
		recvCh: make(chan map[string]any, 8),
		done:   make(chan struct{}),
	}
	session.state.Store(grpcStateConnecting)

	// The stream must outlive the dial context: the relay owns the
	// session lifetime through Finish and Close.
	streamCtx, cancel := context.WithCancel(context.Background())
	session.cancel = cancel
	if token != "" {
		streamCtx = metadata.AppendToOutgoingContext(streamCtx, "authorization", "bearer "+token)
	}

	desc := &grpc.StreamDesc{
		StreamName:    "Decode",
		ClientStreams: true,
		ServerStreams: true,
	}
	stream, err := conn.NewStream(streamCtx, desc, decoderpb.DecodeMethod, grpc.ForceCodec(decoderpb.RawCodec{}))
	if err != nil {
		cancel()
		_ = conn.Close()
		session.state.Store(grpcStateClosed)
		return nil, errorsx.Wrap(fmt.Errorf("grpc stream open: %w", err), errorsx.ReasonUpstreamRequest)
	}
	session.stream = stream

	schema := decoderpb.DefaultSchema()
	frame := decoderpb.AppendConfig(buildDecoderConfig(recognitionConfig), schema)
	if err := stream.SendMsg(frame); err != nil {
		cancel()
		_ = conn.Close()
		session.state.Store(grpcStateClosed)
		return nil, errorsx.Wrap(fmt.Errorf("grpc send config: %w", err), errorsx.ReasonUpstreamRequest)
	}

	session.state.Store(grpcStateStreaming)
	go session.recvLoop()
	c.logger.Debug("streaming session opened", slog.String("variant", "grpc"), slog.String("target", target))
	return session, nil
}

// recvLoop is the sole producer on recvCh and the only goroutine that
// reads the stream. It closes recvCh on exit, which is how Receive
// learns the stream ended.
func (s *grpcSession) recvLoop() {
	defer close(s.recvCh)
	for {
		var raw []byte
		if err := s.stream.RecvMsg(&raw); err != nil {
			if err != io.EOF && s.state.Load() != grpcStateClosed {
				s.setRecvErr(errorsx.Wrap(fmt.Errorf("grpc recv: %w", err), errorsx.ReasonTransportRelay))
			}
			return
		}
		payload, err := decoderpb.DecodeResponse(raw)
		if err != nil {
			s.logger.Warn("dropping undecodable decoder frame", slog.String("error", err.Error()))
			continue
		}
		// Close may race a consumer that stopped draining; the done
		// channel keeps the pump from parking on a full buffer forever.
		select {
		case s.recvCh <- payload:
		case <-s.done:
			return
		}
	}
}

func (s *grpcSession) setRecvErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.recvErr == nil {
		s.recvErr = err
	}
}

func (s *grpcSession) takeRecvErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.recvErr
}

func (s *grpcSession) SendAudio(data []byte) error {
	if state := s.state.Load(); state != grpcStateStreaming {
		return errorsx.Wrap(
			fmt.Errorf("audio rejected in session state %d", state),
			errorsx.ReasonSessionState,
		)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.stream.SendMsg(decoderpb.AppendAudio(data)); err != nil {
		return errorsx.Wrap(fmt.Errorf("grpc send audio: %w", err), errorsx.ReasonTransportRelay)
	}
	return nil
}

// SendText is not part of the decoder protocol; control markers are
// interpreted by the relay instead.
func (s *grpcSession) SendText(string) error { return nil }

func (s *grpcSession) Finish() error {
	if !s.state.CompareAndSwap(grpcStateStreaming, grpcStateHalfClosed) {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.stream.CloseSend(); err != nil {
		return errorsx.Wrap(fmt.Errorf("grpc half-close: %w", err), errorsx.ReasonTransportRelay)
	}
	return nil
}

func (s *grpcSession) Receive(ctx context.Context) (map[string]any, error) {
	select {
	case payload, ok := <-s.recvCh:
		if !ok {
			if err := s.takeRecvErr(); err != nil {
				return nil, err
			}
			return nil, ErrEndOfStream
		}
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *grpcSession) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(grpcStateClosed)
		close(s.done)
		s.cancel()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
