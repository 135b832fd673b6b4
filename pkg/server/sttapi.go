package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/malsori/sttgate/pkg/relay"
	"github.com/malsori/sttgate/pkg/transcript"
)

// The delegation consumer expects this fixed return_type marker.
const sttReturnType = "com.google.gson.internal.LinkedTreeMap"

const (
	sttSuccess = 0
	sttFailure = -1
)

type sttRequest struct {
	Argument sttArgument `json:"argument"`
}

type sttArgument struct {
	LanguageCode string `json:"language_code"`
	Audio        string `json:"audio"`
}

type sttReturnObject struct {
	Recognized string `json:"recognized"`
}

type sttResponse struct {
	Result       int             `json:"result"`
	ReturnType   string          `json:"return_type"`
	ReturnObject sttReturnObject `json:"return_object"`
}

func (s *Server) sttFail(w http.ResponseWriter, message string) {
	s.logger.Error("delegation request failed", slog.String("message", message))
	writeJSON(w, http.StatusOK, sttResponse{
		Result:       sttFailure,
		ReturnType:   sttReturnType,
		ReturnObject: sttReturnObject{Recognized: message},
	})
}

// handleSTT runs the synchronous delegation flow: decode, persist,
// submit, poll to completion, aggregate, dump, notify, answer. The
// envelope always comes back with HTTP 200; result carries the
// outcome.
func (s *Server) handleSTT(w http.ResponseWriter, r *http.Request) {
	var payload sttRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.sttFail(w, "Invalid JSON request body.")
		return
	}
	if strings.ToLower(payload.Argument.LanguageCode) != "korean" {
		s.sttFail(w, "Unsupported language_code. Expected 'korean'.")
		return
	}
	audio, err := base64.StdEncoding.DecodeString(payload.Argument.Audio)
	if err != nil {
		s.sttFail(w, "Invalid base64-encoded audio payload.")
		return
	}

	settings := s.gateway.Settings()
	client := s.gateway.Client()
	store := s.gateway.Store()

	now := time.Now()
	requestID := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	audioName := fmt.Sprintf("%s_%06d_%s.wav", now.Format("150405"), now.Nanosecond()/1000, requestID)
	audioPath, err := store.SaveRawAudio(now, audioName, audio)
	if err != nil {
		s.logger.Warn("raw audio persistence failed", slog.String("error", err.Error()))
	}

	recognitionConfig, err := s.loadBaseConfig(settings.STTConfigPath)
	if err != nil {
		s.sttFail(w, err.Error())
		return
	}
	recognitionConfig["language"] = payload.Argument.LanguageCode

	transcribeID, _, err := client.SubmitTranscription(r.Context(), audio, recognitionConfig, "")
	if err != nil {
		s.sttFail(w, "Failed to submit transcription job: "+err.Error())
		return
	}

	// Timestamp id used for the artifact pair and the collector log id.
	stamp := time.Now()
	fileTimestamp := stamp.Format("20060102150405") + fmt.Sprintf("%04d", stamp.Nanosecond()/100000)
	if audioPath != "" {
		if renamed, renameErr := store.Rename(audioPath, fileTimestamp+".wav"); renameErr == nil {
			audioPath = renamed
		} else {
			s.logger.Warn("audio rename failed", slog.String("error", renameErr.Error()))
		}
	}

	fetch := func(ctx context.Context) (map[string]any, error) {
		return client.GetTranscription(ctx, transcribeID)
	}
	pollResult, err := relay.Poll(r.Context(), fetch, settings.PollInterval(), settings.PollTimeout())
	if err != nil {
		if errors.Is(err, relay.ErrPollTimeout) {
			s.sttFail(w, "Transcription job timed out before completion.")
		} else {
			s.sttFail(w, "Failed to fetch transcription status: "+err.Error())
		}
		return
	}

	fullMsg := transcript.CollectText(pollResult)
	if results, ok := pollResult["results"].(map[string]any); ok {
		results["full_msg"] = fullMsg
	} else {
		pollResult["full_msg"] = fullMsg
	}

	if _, err := store.SaveTranscript(now, fileTimestamp+".json", pollResult); err != nil {
		s.logger.Warn("transcript persistence failed", slog.String("error", err.Error()))
	}

	if notifier := s.gateway.Notifier(); notifier.Enabled() {
		resultJSON, _ := json.Marshal(pollResult)
		if err := notifier.Notify(r.Context(), fileTimestamp, string(resultJSON)); err != nil {
			s.logger.Warn("collector notification failed; returning result anyway",
				slog.String("id", fileTimestamp),
				slog.String("error", err.Error()),
			)
		}
	}

	if status, _ := pollResult["status"].(string); status != "completed" {
		recognized := fullMsg
		if recognized == "" {
			recognized = fallbackMessage(pollResult)
		}
		writeJSON(w, http.StatusOK, sttResponse{
			Result:       sttFailure,
			ReturnType:   sttReturnType,
			ReturnObject: sttReturnObject{Recognized: recognized},
		})
		return
	}

	s.logger.Info("delegation transcription succeeded",
		slog.String("transcribe_id", transcribeID),
		slog.String("audio_path", audioPath),
	)
	writeJSON(w, http.StatusOK, sttResponse{
		Result:       sttSuccess,
		ReturnType:   sttReturnType,
		ReturnObject: sttReturnObject{Recognized: fullMsg},
	})
}

func fallbackMessage(payload map[string]any) string {
	for _, key := range []string{"message", "error"} {
		if value, ok := payload[key].(string); ok && value != "" {
			return value
		}
	}
	return "Transcription failed."
}

// loadBaseConfig reads the optional base recognition-config file,
// caching it per path. Callers get a private copy.
func (s *Server) loadBaseConfig(path string) (map[string]any, error) {
	if path == "" {
		return map[string]any{}, nil
	}
	s.configMu.Lock()
	defer s.configMu.Unlock()
	if s.configCache == nil || s.configCachePath != path {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("STT config file not found: %s", path)
		}
		var data map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("invalid JSON in STT config file (%s): %v", path, err)
		}
		s.configCache = data
		s.configCachePath = path
	}
	copied := make(map[string]any, len(s.configCache))
	for key, value := range s.configCache {
		copied[key] = value
	}
	return copied, nil
}
