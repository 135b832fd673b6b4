package relay

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/malsori/sttgate/pkg/errorsx"
)

// ErrPollTimeout marks a poll loop that ran out its deadline before
// the job reached a terminal status. The last fetched payload is still
// returned alongside it.
var ErrPollTimeout = errors.New("relay: poll timed out")

// FetchFunc fetches the current status payload of a job.
type FetchFunc func(ctx context.Context) (map[string]any, error)

// Poll fetches at a fixed interval until the payload carries a
// terminal status or the deadline, computed once on entry, passes.
// Fetch errors abort immediately.
func Poll(ctx context.Context, fetch FetchFunc, interval, timeout time.Duration) (map[string]any, error) {
	if interval <= 0 {
		interval = time.Second
	}
	deadline := time.Now().Add(timeout)
	for {
		payload, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if terminalStatus(payload) {
			return payload, nil
		}
		select {
		case <-ctx.Done():
			return payload, ctx.Err()
		case <-time.After(interval):
		}
		if !time.Now().Before(deadline) {
			return payload, errorsx.Wrap(ErrPollTimeout, errorsx.ReasonPollTimeout)
		}
	}
}

// terminalStatus reports whether the payload's status field marks the
// job as done, successfully or not.
func terminalStatus(payload map[string]any) bool {
	status, ok := payload["status"].(string)
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed", "failed":
		return true
	}
	return false
}
