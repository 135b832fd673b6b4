package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/malsori/sttgate/pkg/config"
)

func postBackend(t *testing.T, handler http.Handler, payload map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	raw, _ := json.Marshal(payload)
	req := httptest.NewRequest(http.MethodPost, "/v1/backend/endpoint", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeState(t *testing.T, rec *httptest.ResponseRecorder) backendState {
	t.Helper()
	var state backendState
	if err := json.Unmarshal(rec.Body.Bytes(), &state); err != nil {
		t.Fatalf("decode state: %v (body %s)", err, rec.Body)
	}
	return state
}

func TestBackendGetDefault(t *testing.T) {
	handler, _, baseDir := newTestHandler(t, "https://cloud.example.com")
	t.Setenv("STT_STORAGE_BASE_DIR", baseDir)

	req := httptest.NewRequest(http.MethodGet, "/v1/backend/endpoint", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	state := decodeState(t, rec)
	if state.Source != "default" {
		t.Fatalf("source = %q", state.Source)
	}
	if state.Deployment != "cloud" || state.APIBaseURL != "https://cloud.example.com" {
		t.Fatalf("state = %+v", state)
	}
	if state.TranscribePath != "/v1/transcribe" {
		t.Fatalf("transcribe path = %q", state.TranscribePath)
	}
}

func TestBackendSetValidation(t *testing.T) {
	handler, _, _ := newTestHandler(t, "https://cloud.example.com")

	rec := postBackend(t, handler, map[string]any{"deployment": "cloud"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing api_base_url status = %d", rec.Code)
	}

	rec = postBackend(t, handler, map[string]any{
		"deployment":   "hybrid",
		"api_base_url": "https://x.example.com",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad deployment status = %d", rec.Code)
	}
}

func TestBackendOverrideRoundTrip(t *testing.T) {
	handler, gateway, baseDir := newTestHandler(t, "https://cloud.example.com")
	t.Setenv("STT_STORAGE_BASE_DIR", baseDir)
	t.Setenv("PRONAIA_API_BASE", "")
	t.Setenv("STT_DEPLOYMENT", "")
	t.Setenv("STT_VERIFY_SSL", "")
	t.Setenv("PRONAIA_CLIENT_ID", "")
	t.Setenv("PRONAIA_CLIENT_SECRET", "")

	rec := postBackend(t, handler, map[string]any{
		"deployment":   "onprem",
		"api_base_url": "https://decoder.local:9443",
		"verify_ssl":   false,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("set status = %d, body %s", rec.Code, rec.Body)
	}
	state := decodeState(t, rec)
	if state.Source != "override" {
		t.Fatalf("source = %q", state.Source)
	}
	if state.Deployment != "onprem" || state.APIBaseURL != "https://decoder.local:9443" {
		t.Fatalf("state = %+v", state)
	}
	if state.VerifySSL {
		t.Fatalf("verify_ssl should be false")
	}
	if state.TranscribePath != "/api/v2/batch" {
		t.Fatalf("transcribe path = %q", state.TranscribePath)
	}

	// The gateway must be swapped onto the new settings.
	if gateway.Settings().Deployment != config.DeploymentOnprem {
		t.Fatalf("gateway deployment = %q", gateway.Settings().Deployment)
	}
	if len(config.LoadOverride(baseDir)) == 0 {
		t.Fatalf("override file should be persisted")
	}

	req := httptest.NewRequest(http.MethodDelete, "/v1/backend/endpoint", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d, body %s", rec.Code, rec.Body)
	}
	state = decodeState(t, rec)
	if state.Source != "default" || state.Deployment != "cloud" {
		t.Fatalf("state after clear = %+v", state)
	}
	if gateway.Settings().Deployment != config.DeploymentCloud {
		t.Fatalf("gateway should revert to cloud, got %q", gateway.Settings().Deployment)
	}
	if len(config.LoadOverride(baseDir)) != 0 {
		t.Fatalf("override file should be removed")
	}
}

func TestBackendStateHidesCredentials(t *testing.T) {
	gateway, _ := newTestGateway(t, "https://cloud.example.com")
	settings := gateway.Settings()
	settings.ClientID = "id"
	settings.ClientSecret = "secret"
	gateway.Reload(settings)

	handler := New(gateway, nil).Handler()
	req := httptest.NewRequest(http.MethodGet, "/v1/backend/endpoint", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if bytes.Contains(rec.Body.Bytes(), []byte("secret")) {
		t.Fatalf("credentials leaked: %s", rec.Body)
	}
	state := decodeState(t, rec)
	if !state.HasClientID || !state.HasClientSecret || !state.AuthEnabled {
		t.Fatalf("state = %+v", state)
	}
}
