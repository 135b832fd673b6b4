// Package collector notifies an external result collector about
// finished transcriptions. Notification is fire and forget: callers
// log failures and never fail the request over them.
package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/malsori/sttgate/pkg/errorsx"
	"github.com/malsori/sttgate/pkg/logging"
)

const resultPath = "/collector/v1/stt-result"

// Notifier posts finished results to the collector webhook. A zero
// URL disables it.
type Notifier struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

func New(url string, timeout time.Duration, base *slog.Logger) *Notifier {
	if base == nil {
		base = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Notifier{
		url:        strings.TrimRight(strings.TrimSpace(url), "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.NewComponentLogger(base, "collector"),
	}
}

// Enabled reports whether a collector URL is configured.
func (n *Notifier) Enabled() bool { return n.url != "" }

// Notify posts one result. The collector acknowledges with HTTP 200
// and a body carrying code 0; anything else counts as failure.
func (n *Notifier) Notify(ctx context.Context, id string, data any) error {
	if !n.Enabled() {
		return nil
	}
	body, err := json.Marshal(map[string]any{"id": id, "data": data})
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("collector encode: %w", err), errorsx.ReasonCollectorPost)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url+resultPath, bytes.NewReader(body))
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonCollectorPost)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("collector post: %w", err), errorsx.ReasonCollectorPost)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return errorsx.Wrap(
			fmt.Errorf("collector returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
			errorsx.ReasonCollectorPost,
		)
	}
	var ack struct {
		Code *int `json:"code"`
	}
	if err := json.Unmarshal(respBody, &ack); err != nil || ack.Code == nil || *ack.Code != 0 {
		return errorsx.Wrap(
			fmt.Errorf("collector rejected result: %s", strings.TrimSpace(string(respBody))),
			errorsx.ReasonCollectorPost,
		)
	}
	n.logger.Debug("collector notified", slog.String("id", id))
	return nil
}
