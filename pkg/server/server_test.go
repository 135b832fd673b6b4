package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/malsori/sttgate/pkg/config"
	"github.com/malsori/sttgate/pkg/storage"
)

func newTestGateway(t *testing.T, apiBase string) (*Gateway, string) {
	t.Helper()
	baseDir := t.TempDir()
	settings := config.Settings{
		APIBase:             apiBase,
		ManualToken:         "manual",
		StorageBaseDir:      baseDir,
		PollIntervalSeconds: 0.01,
		PollTimeoutSeconds:  2,
		VerifySSL:           true,
		Deployment:          config.DeploymentCloud,
	}
	return NewGateway(settings, nil), baseDir
}

func newTestHandler(t *testing.T, apiBase string) (http.Handler, *Gateway, string) {
	t.Helper()
	gateway, baseDir := newTestGateway(t, apiBase)
	return New(gateway, nil).Handler(), gateway, baseDir
}

func multipartBody(t *testing.T, file []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if file != nil {
		part, err := writer.CreateFormFile("file", "call.wav")
		if err != nil {
			t.Fatalf("create file part: %v", err)
		}
		if _, err := part.Write(file); err != nil {
			t.Fatalf("write file part: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &body, writer.FormDataContentType()
}

func upstreamStub(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/transcribe":
			_, _ = w.Write([]byte(`{"id": "job-1", "status": "transcribing"}`))
		case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/v1/transcribe/"):
			_, _ = w.Write([]byte(`{
				"status": "completed",
				"results": {"utterances": [{"msg": "hello", "start_at": 0, "duration": 500}]}
			}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestSubmitRejectsEmptyFile(t *testing.T) {
	handler, _, _ := newTestHandler(t, "http://upstream.invalid")
	body, contentType := multipartBody(t, []byte{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/transcribe", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
}

func TestSubmitRejectsMissingFile(t *testing.T) {
	handler, _, _ := newTestHandler(t, "http://upstream.invalid")
	body, contentType := multipartBody(t, nil, map[string]string{"config": "{}"})
	req := httptest.NewRequest(http.MethodPost, "/v1/transcribe", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
}

func TestSubmitRejectsMalformedConfig(t *testing.T) {
	handler, _, _ := newTestHandler(t, "http://upstream.invalid")
	body, contentType := multipartBody(t, []byte("audio"), map[string]string{"config": "[1,2]"})
	req := httptest.NewRequest(http.MethodPost, "/v1/transcribe", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
}

func TestSubmitProxiesAndPersists(t *testing.T) {
	upstream := upstreamStub(t)
	handler, gateway, _ := newTestHandler(t, upstream.URL)

	body, contentType := multipartBody(t, []byte("RIFFdata"), map[string]string{"config": `{"use_itn": true}`})
	req := httptest.NewRequest(http.MethodPost, "/v1/transcribe", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["transcribe_id"] != "job-1" {
		t.Fatalf("transcribe_id = %v", payload["transcribe_id"])
	}
	if payload["created_at"] == nil {
		t.Fatalf("created_at missing: %v", payload)
	}
	if payload["audio_url"] != "/v1/transcribe/job-1/audio" {
		t.Fatalf("audio_url = %v", payload["audio_url"])
	}
	if !gateway.Store().HasUpload("job-1") {
		t.Fatalf("upload should be persisted")
	}
}

func TestStatusEnrichesPayload(t *testing.T) {
	upstream := upstreamStub(t)
	handler, gateway, _ := newTestHandler(t, upstream.URL)
	_ = gateway.Store().SaveUpload("job-1", []byte("RIFFdata"), gatewayUploadMeta())

	req := httptest.NewRequest(http.MethodGet, "/v1/transcribe/job-1", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["transcribe_id"] != "job-1" {
		t.Fatalf("transcribe_id = %v", payload["transcribe_id"])
	}
	segments, ok := payload["segments"].([]any)
	if !ok || len(segments) != 1 {
		t.Fatalf("segments = %v", payload["segments"])
	}
	if payload["text"] != "hello" {
		t.Fatalf("text = %v", payload["text"])
	}
	if payload["audio_url"] != "/v1/transcribe/job-1/audio" {
		t.Fatalf("audio_url = %v", payload["audio_url"])
	}
}

func TestAudioDownload(t *testing.T) {
	handler, gateway, _ := newTestHandler(t, "http://upstream.invalid")
	_ = gateway.Store().SaveUpload("job-1", []byte("RIFFdata"), gatewayUploadMeta())

	req := httptest.NewRequest(http.MethodGet, "/v1/transcribe/job-1/audio", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "audio/wav" {
		t.Fatalf("content type = %q", got)
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "call.wav") {
		t.Fatalf("disposition = %q", rec.Header().Get("Content-Disposition"))
	}
	if rec.Body.String() != "RIFFdata" {
		t.Fatalf("body = %q", rec.Body)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/transcribe/absent/audio", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing audio status = %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	handler, _, _ := newTestHandler(t, "http://upstream.invalid")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStreamingReportsUpstreamConnectFailure(t *testing.T) {
	// The upstream stub speaks plain HTTP, so the websocket dial to it
	// must fail and the client should see an error frame.
	upstream := upstreamStub(t)
	handler, _, _ := newTestHandler(t, upstream.URL)
	server := httptest.NewServer(handler)
	defer server.Close()

	wsURL, _ := url.Parse(server.URL)
	wsURL.Scheme = "ws"
	wsURL.Path = "/v1/streaming"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "start", "config": map[string]any{}}); err != nil {
		t.Fatalf("write start: %v", err)
	}
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame["type"] != "error" {
		t.Fatalf("expected error frame, got %v", frame)
	}
}

func TestSTTRejectsUnsupportedLanguage(t *testing.T) {
	handler, _, _ := newTestHandler(t, "http://upstream.invalid")
	resp := postSTT(t, handler, map[string]any{
		"argument": map[string]any{"language_code": "english", "audio": ""},
	})
	if resp.Result != -1 {
		t.Fatalf("result = %d", resp.Result)
	}
	if !strings.Contains(resp.ReturnObject.Recognized, "language_code") {
		t.Fatalf("message = %q", resp.ReturnObject.Recognized)
	}
}

func TestSTTRejectsMalformedBase64(t *testing.T) {
	handler, _, _ := newTestHandler(t, "http://upstream.invalid")
	resp := postSTT(t, handler, map[string]any{
		"argument": map[string]any{"language_code": "korean", "audio": "%%%not-base64%%%"},
	})
	if resp.Result != -1 {
		t.Fatalf("result = %d", resp.Result)
	}
	if !strings.Contains(resp.ReturnObject.Recognized, "base64") {
		t.Fatalf("message = %q", resp.ReturnObject.Recognized)
	}
}

func TestSTTHappyPath(t *testing.T) {
	upstream := upstreamStub(t)
	handler, _, _ := newTestHandler(t, upstream.URL)

	audio := base64.StdEncoding.EncodeToString([]byte("RIFFdata"))
	resp := postSTT(t, handler, map[string]any{
		"argument": map[string]any{"language_code": "korean", "audio": audio},
	})
	if resp.Result != 0 {
		t.Fatalf("result = %d, recognized %q", resp.Result, resp.ReturnObject.Recognized)
	}
	if resp.ReturnType != sttReturnType {
		t.Fatalf("return_type = %q", resp.ReturnType)
	}
	if resp.ReturnObject.Recognized != "hello" {
		t.Fatalf("recognized = %q", resp.ReturnObject.Recognized)
	}
}

func gatewayUploadMeta() storage.UploadMeta {
	return storage.UploadMeta{
		Filename:    "call.wav",
		ContentType: "audio/wav",
		CreatedAt:   time.Now().UTC(),
	}
}

func postSTT(t *testing.T, handler http.Handler, payload map[string]any) sttResponse {
	t.Helper()
	raw, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/stt_api", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("delegation endpoint must answer 200, got %d", rec.Code)
	}
	var resp sttResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}
