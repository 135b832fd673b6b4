package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/malsori/sttgate/pkg/config"
	"github.com/malsori/sttgate/pkg/errorsx"
	"github.com/malsori/sttgate/pkg/logging"
)

// Token expiry handling: a token is usable only while now is at least
// safetyMargin before its expiry; responses that carry neither
// expire_at nor expires_in get the default lease.
const (
	tokenSafetyMargin = 5 * time.Second
	defaultTokenLease = 300 * time.Second
	authTimeout       = 30 * time.Second
)

// TokenCache owns the upstream access-token lifecycle. It is the only
// shared mutable state inside the upstream client; the refresh path is
// guarded so that concurrent callers racing a cache miss issue exactly
// one refresh.
type TokenCache struct {
	httpClient   *http.Client
	authURL      string
	clientID     string
	clientSecret string
	manualToken  string
	deployment   config.Deployment
	authEnabled  bool
	logger       *slog.Logger

	mu     sync.Mutex
	token  string
	expiry time.Time

	now func() time.Time
}

// NewTokenCache builds a cache bound to one backend configuration.
// The cache is replaced wholesale together with its client whenever
// the backend override changes.
func NewTokenCache(settings config.Settings, httpClient *http.Client, base *slog.Logger) *TokenCache {
	if base == nil {
		base = slog.Default()
	}
	return &TokenCache{
		httpClient:   httpClient,
		authURL:      settings.APIBase + "/v1/authenticate",
		clientID:     settings.ClientID,
		clientSecret: settings.ClientSecret,
		manualToken:  settings.ManualToken,
		deployment:   settings.Deployment,
		authEnabled:  settings.AuthEnabled(),
		logger:       logging.NewComponentLogger(base, "token_cache"),
		now:          time.Now,
	}
}

// ResolveToken returns a usable access token, or an empty string when
// the upstream requires no auth. A configured manual token wins and
// never touches the network; on-prem deployments only ever use the
// manual token.
func (c *TokenCache) ResolveToken(ctx context.Context) (string, error) {
	if c.deployment == config.DeploymentOnprem {
		return c.manualToken, nil
	}
	if c.manualToken != "" {
		return c.manualToken, nil
	}
	if !c.authEnabled {
		return "", nil
	}
	return c.ensureToken(ctx)
}

func (c *TokenCache) ensureToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Re-check under the lock: a sibling caller may have refreshed
	// while this one was waiting.
	if c.token != "" && c.now().Before(c.expiry.Add(-tokenSafetyMargin)) {
		return c.token, nil
	}
	if err := c.refresh(ctx); err != nil {
		return "", err
	}
	return c.token, nil
}

func (c *TokenCache) refresh(ctx context.Context) error {
	c.logger.Debug("refreshing upstream access token")

	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	reqCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonAuthRefresh)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("authenticate: %w", err), errorsx.ReasonAuthRefresh)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("authenticate read: %w", err), errorsx.ReasonAuthRefresh)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errorsx.Wrap(
			fmt.Errorf("authenticate: upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			errorsx.ReasonAuthRefresh,
		)
	}

	var payload struct {
		AccessToken string          `json:"access_token"`
		ExpireAt    json.RawMessage `json:"expire_at"`
		ExpiresIn   json.RawMessage `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return errorsx.Wrap(fmt.Errorf("authenticate decode: %w", err), errorsx.ReasonAuthRefresh)
	}
	if payload.AccessToken == "" {
		return errorsx.Wrap(
			fmt.Errorf("authentication response missing access_token"),
			errorsx.ReasonAuthRefresh,
		)
	}

	now := c.now()
	expiry := now.Add(defaultTokenLease)
	if seconds, ok := numericField(payload.ExpireAt); ok {
		expiry = time.Unix(0, int64(seconds*float64(time.Second)))
	} else if seconds, ok := numericField(payload.ExpiresIn); ok {
		expiry = now.Add(time.Duration(seconds * float64(time.Second)))
	}

	c.token = payload.AccessToken
	c.expiry = expiry
	return nil
}

// numericField accepts JSON numbers and numeric strings.
func numericField(raw json.RawMessage) (float64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var number float64
	if err := json.Unmarshal(raw, &number); err == nil {
		return number, true
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		if _, err := fmt.Sscanf(strings.TrimSpace(text), "%f", &number); err == nil {
			return number, true
		}
	}
	return 0, false
}
