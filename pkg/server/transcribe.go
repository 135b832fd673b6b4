package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/malsori/sttgate/pkg/storage"
	"github.com/malsori/sttgate/pkg/transcript"
)

const maxUploadMemory = 32 << 20

// handleSubmit proxies a multipart batch upload to the upstream and
// echoes the upstream payload back, enriched with created_at and, when
// the audio could be persisted, an audio_url.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid multipart form: "+err.Error())
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()
	audio, err := io.ReadAll(file)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "failed to read uploaded file")
		return
	}
	if len(audio) == 0 {
		writeDetail(w, http.StatusBadRequest, "uploaded file is empty")
		return
	}

	recognitionConfig := map[string]any{}
	if configText := strings.TrimSpace(r.FormValue("config")); configText != "" {
		if err := json.Unmarshal([]byte(configText), &recognitionConfig); err != nil {
			writeDetail(w, http.StatusBadRequest, "config must be a JSON object: "+err.Error())
			return
		}
	}
	title := r.FormValue("title")

	client := s.gateway.Client()
	jobID, payload, err := client.SubmitTranscription(r.Context(), audio, recognitionConfig, title)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, ok := payload["created_at"]; !ok {
		payload["created_at"] = time.Now().UTC().Format(time.RFC3339)
	}

	meta := storage.UploadMeta{
		Filename:    header.Filename,
		ContentType: uploadContentType(header.Header.Get("Content-Type")),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.gateway.Store().SaveUpload(jobID, audio, meta); err != nil {
		s.logger.Warn("upload persistence failed",
			slog.String("transcribe_id", jobID),
			slog.String("error", err.Error()),
		)
	} else if _, ok := payload["audio_url"]; !ok {
		payload["audio_url"] = storage.AudioURL(jobID)
	}

	writeJSON(w, http.StatusOK, payload)
}

// handleStatus proxies a status lookup and enriches the payload with
// normalized segments, joined text and a local audio URL when the
// upload is still on disk.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	transcribeID := r.PathValue("transcribe_id")
	payload, err := s.gateway.Client().GetTranscription(r.Context(), transcribeID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, ok := payload["id"]; !ok {
		payload["id"] = transcribeID
	}
	if _, ok := payload["transcribe_id"]; !ok {
		payload["transcribe_id"] = transcribeID
	}
	if segments := transcript.Segments(payload); len(segments) > 0 {
		payload["segments"] = segments
		if text, _ := payload["text"].(string); text == "" {
			payload["text"] = transcript.JoinedText(segments)
		}
	}
	if s.gateway.Store().HasUpload(transcribeID) {
		if _, ok := payload["audio_url"]; !ok {
			payload["audio_url"] = storage.AudioURL(transcribeID)
		}
	}
	writeJSON(w, http.StatusOK, payload)
}

// handleAudio serves back a stored upload with its saved content type
// and original filename.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	transcribeID := r.PathValue("transcribe_id")
	audio, meta, err := s.gateway.Store().LoadUpload(transcribeID)
	if err != nil {
		writeDetail(w, http.StatusNotFound, "audio not available")
		return
	}
	filename := meta.Filename
	if filename == "" {
		filename = transcribeID + ".bin"
	}
	w.Header().Set("Content-Type", uploadContentType(meta.ContentType))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

func uploadContentType(contentType string) string {
	if strings.TrimSpace(contentType) == "" {
		return "application/octet-stream"
	}
	return contentType
}
