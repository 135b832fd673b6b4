package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/malsori/sttgate/pkg/config"
	"github.com/malsori/sttgate/pkg/errorsx"
	"github.com/malsori/sttgate/pkg/logging"
)

const (
	submitTimeout = 60 * time.Second
	statusTimeout = 30 * time.Second
)

// DefaultStreamingConfig is layered under caller-supplied recognition
// options for both streaming variants.
var DefaultStreamingConfig = map[string]string{
	"sample_rate":           "16000",
	"encoding":              "LINEAR16",
	"use_itn":               "true",
	"use_disfluency_filter": "false",
	"use_profanity_filter":  "false",
}

// Client talks to the upstream transcription service. It is
// constructed once per backend configuration and replaced wholesale,
// together with its token cache, when the backend override changes.
type Client struct {
	settings   config.Settings
	httpClient *http.Client
	tokens     *TokenCache
	logger     *slog.Logger
}

// NewClient builds an upstream client for the given settings.
func NewClient(settings config.Settings, base *slog.Logger) *Client {
	if base == nil {
		base = slog.Default()
	}
	transport := &http.Transport{}
	if !settings.VerifySSL {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	httpClient := &http.Client{Transport: transport}
	return &Client{
		settings:   settings,
		httpClient: httpClient,
		tokens:     NewTokenCache(settings, httpClient, base),
		logger:     logging.NewComponentLogger(base, "upstream_client"),
	}
}

// Settings exposes the configuration this client was built from.
func (c *Client) Settings() config.Settings { return c.settings }

// SubmitTranscription uploads a complete audio blob for batch
// transcription and returns the job id plus the raw upstream payload.
// The payload always carries a transcribe_id key afterwards.
func (c *Client) SubmitTranscription(ctx context.Context, audio []byte, recognitionConfig map[string]any, title string) (string, map[string]any, error) {
	token, err := c.tokens.ResolveToken(ctx)
	if err != nil {
		return "", nil, err
	}

	configJSON, err := json.Marshal(orEmpty(recognitionConfig))
	if err != nil {
		return "", nil, errorsx.Wrap(fmt.Errorf("marshal config: %w", err), errorsx.ReasonMalformedInput)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	if err := writer.WriteField("config", string(configJSON)); err != nil {
		return "", nil, errorsx.Wrap(err, errorsx.ReasonUpstreamRequest)
	}
	if title != "" {
		if err := writer.WriteField("title", title); err != nil {
			return "", nil, errorsx.Wrap(err, errorsx.ReasonUpstreamRequest)
		}
	}
	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", nil, errorsx.Wrap(err, errorsx.ReasonUpstreamRequest)
	}
	if _, err := part.Write(audio); err != nil {
		return "", nil, errorsx.Wrap(err, errorsx.ReasonUpstreamRequest)
	}
	if err := writer.Close(); err != nil {
		return "", nil, errorsx.Wrap(err, errorsx.ReasonUpstreamRequest)
	}

	reqCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.buildURL(c.settings.Paths().Transcribe), &body)
	if err != nil {
		return "", nil, errorsx.Wrap(err, errorsx.ReasonUpstreamRequest)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	payload, err := c.doJSON(req)
	if err != nil {
		return "", nil, err
	}
	jobID := firstJobID(payload)
	if jobID == "" {
		return "", nil, errorsx.Wrap(
			fmt.Errorf("transcribe response missing job id"),
			errorsx.ReasonUpstreamResponse,
		)
	}
	if _, ok := payload["transcribe_id"]; !ok {
		payload["transcribe_id"] = jobID
	}
	c.logger.Debug("transcription submitted", slog.String("job_id", jobID))
	return jobID, payload, nil
}

// GetTranscription fetches the current status payload for a job.
func (c *Client) GetTranscription(ctx context.Context, jobID string) (map[string]any, error) {
	token, err := c.tokens.ResolveToken(ctx)
	if err != nil {
		return nil, err
	}
	reqCtx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.buildURL(c.settings.StatusPathFor(jobID)), nil)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonUpstreamRequest)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.doJSON(req)
}

func (c *Client) doJSON(req *http.Request) (map[string]any, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("upstream request: %w", err), errorsx.ReasonUpstreamRequest)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("upstream read: %w", err), errorsx.ReasonUpstreamResponse)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errorsx.Wrap(
			fmt.Errorf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			errorsx.ReasonUpstreamResponse,
		)
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("upstream decode: %w", err), errorsx.ReasonUpstreamResponse)
	}
	return payload, nil
}

// firstJobID tries the accepted job-id fields in priority order.
func firstJobID(payload map[string]any) string {
	for _, key := range []string{"id", "tid", "transcribe_id"} {
		if value, ok := payload[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

func (c *Client) buildURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return c.settings.APIBase + path
}

// StreamingURL constructs the upstream websocket URL with the merged
// recognition config encoded as a query string.
func (c *Client) StreamingURL(recognitionConfig map[string]any) (string, error) {
	base := c.settings.APIBase
	idx := strings.Index(base, "://")
	if idx < 0 {
		return "", errorsx.Wrap(
			fmt.Errorf("invalid api base url for streaming: %q", base),
			errorsx.ReasonConfigInvalid,
		)
	}
	scheme := "ws"
	if strings.HasPrefix(strings.ToLower(base), "https://") {
		scheme = "wss"
	}
	hostAndPath := strings.TrimRight(base[idx+3:], "/")
	streamingPath := strings.TrimLeft(c.settings.Paths().Streaming, "/")

	merged := make(map[string]string, len(DefaultStreamingConfig)+len(recognitionConfig))
	for key, value := range DefaultStreamingConfig {
		merged[key] = value
	}
	for key, value := range recognitionConfig {
		normalized, ok := normalizeStreamingValue(value)
		if !ok {
			continue
		}
		merged[key] = normalized
	}

	keys := make([]string, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	query := url.Values{}
	for _, key := range keys {
		query.Set(key, merged[key])
	}
	return fmt.Sprintf("%s://%s/%s?%s", scheme, hostAndPath, streamingPath, query.Encode()), nil
}

// normalizeStreamingValue renders config values the way the upstream
// query string expects; nil values are dropped.
func normalizeStreamingValue(value any) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case bool:
		if v {
			return "true", true
		}
		return "false", true
	case string:
		return v, true
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v)), true
		}
		return fmt.Sprintf("%g", v), true
	default:
		return fmt.Sprint(v), true
	}
}

// grpcTarget derives the host:port target and TLS flag from the API
// base URL. A bare host:port base implies plaintext.
func (c *Client) grpcTarget() (string, bool, error) {
	base := c.settings.APIBase
	if !strings.Contains(base, "://") {
		return base, false, nil
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Hostname() == "" {
		return "", false, errorsx.Wrap(
			fmt.Errorf("invalid api base url for grpc streaming: %q", base),
			errorsx.ReasonConfigInvalid,
		)
	}
	useTLS := strings.HasPrefix(strings.ToLower(parsed.Scheme), "https")
	port := parsed.Port()
	if port == "" {
		if useTLS {
			port = "443"
		} else {
			port = "80"
		}
	}
	return parsed.Hostname() + ":" + port, useTLS, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
