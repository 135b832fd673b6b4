package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/malsori/sttgate/pkg/config"
)

// backendState summarizes the active upstream endpoint configuration
// without ever echoing credentials.
type backendState struct {
	Deployment      string `json:"deployment"`
	APIBaseURL      string `json:"api_base_url"`
	TranscribePath  string `json:"transcribe_path"`
	StreamingPath   string `json:"streaming_path"`
	AuthEnabled     bool   `json:"auth_enabled"`
	HasClientID     bool   `json:"has_client_id"`
	HasClientSecret bool   `json:"has_client_secret"`
	VerifySSL       bool   `json:"verify_ssl"`
	Source          string `json:"source"`
}

type backendUpdateRequest struct {
	Deployment   string  `json:"deployment"`
	APIBaseURL   string  `json:"api_base_url"`
	ClientID     *string `json:"client_id"`
	ClientSecret *string `json:"client_secret"`
	VerifySSL    *bool   `json:"verify_ssl"`
}

func buildBackendState(settings config.Settings, source string) backendState {
	paths := settings.Paths()
	return backendState{
		Deployment:      string(settings.Deployment),
		APIBaseURL:      settings.APIBase,
		TranscribePath:  paths.Transcribe,
		StreamingPath:   paths.Streaming,
		AuthEnabled:     settings.AuthEnabled(),
		HasClientID:     settings.ClientID != "",
		HasClientSecret: settings.ClientSecret != "",
		VerifySSL:       settings.VerifySSL,
		Source:          source,
	}
}

func (s *Server) handleBackendGet(w http.ResponseWriter, _ *http.Request) {
	settings := s.gateway.Settings()
	source := "default"
	if len(config.LoadOverride(settings.StorageBaseDir)) > 0 {
		source = "override"
	}
	writeJSON(w, http.StatusOK, buildBackendState(settings, source))
}

// handleBackendSet persists a new override and swaps the gateway onto
// the reloaded settings.
func (s *Server) handleBackendSet(w http.ResponseWriter, r *http.Request) {
	var payload backendUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	baseURL := strings.TrimSpace(payload.APIBaseURL)
	if baseURL == "" {
		writeDetail(w, http.StatusBadRequest, "api_base_url is required")
		return
	}
	deployment := strings.ToLower(strings.TrimSpace(payload.Deployment))
	if deployment != string(config.DeploymentCloud) && deployment != string(config.DeploymentOnprem) {
		writeDetail(w, http.StatusBadRequest, "deployment must be cloud or onprem")
		return
	}
	verifySSL := true
	if payload.VerifySSL != nil {
		verifySSL = *payload.VerifySSL
	}

	updates := map[string]any{
		"pronaia_api_base": baseURL,
		"deployment":       deployment,
		"verify_ssl":       verifySSL,
	}
	if payload.ClientID != nil {
		updates["pronaia_client_id"] = strings.TrimSpace(*payload.ClientID)
	}
	if payload.ClientSecret != nil {
		updates["pronaia_client_secret"] = strings.TrimSpace(*payload.ClientSecret)
	}

	baseDir := s.gateway.Settings().StorageBaseDir
	settings, err := config.ApplyOverride(baseDir, updates)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.gateway.Reload(settings)

	source := "default"
	if len(config.LoadOverride(settings.StorageBaseDir)) > 0 {
		source = "override"
	}
	writeJSON(w, http.StatusOK, buildBackendState(settings, source))
}

// handleBackendClear removes the override and reverts to environment
// defaults.
func (s *Server) handleBackendClear(w http.ResponseWriter, _ *http.Request) {
	baseDir := s.gateway.Settings().StorageBaseDir
	settings, err := config.ClearOverride(baseDir)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.gateway.Reload(settings)
	writeJSON(w, http.StatusOK, buildBackendState(settings, "default"))
}
