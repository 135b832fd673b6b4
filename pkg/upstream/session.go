package upstream

import (
	"context"
	"errors"

	"github.com/malsori/sttgate/pkg/config"
)

// ErrEndOfStream is returned by Receive once the upstream has no more
// messages for the session.
var ErrEndOfStream = errors.New("upstream: end of stream")

// Session is the streaming contract shared by both upstream variants.
// A session is exclusively owned by the relay that opened it and is
// never shared across concurrent requests.
type Session interface {
	// SendAudio forwards one raw audio chunk upstream.
	SendAudio(data []byte) error
	// SendText forwards a text frame upstream where the transport has
	// a text channel; variants without one ignore it.
	SendText(text string) error
	// Finish half-closes the sending side; responses keep draining
	// until Receive reports ErrEndOfStream.
	Finish() error
	// Receive returns the next upstream payload as a generic map for
	// normalization, or ErrEndOfStream.
	Receive(ctx context.Context) (map[string]any, error)
	// Close tears the session down. Idempotent.
	Close() error
}

// DialStreaming opens a streaming session of the variant matching the
// configured deployment mode. The recognition config is merged over
// the streaming defaults by each variant.
func (c *Client) DialStreaming(ctx context.Context, recognitionConfig map[string]any) (Session, error) {
	if c.settings.Deployment == config.DeploymentOnprem {
		return c.dialGRPC(ctx, recognitionConfig)
	}
	return c.dialWebSocket(ctx, recognitionConfig)
}
