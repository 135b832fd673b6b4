// Package storage persists uploaded audio and transcript artifacts
// under a local base directory. Persistence is best effort: callers
// log failures and keep serving.
package storage

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/malsori/sttgate/pkg/errorsx"
	"github.com/malsori/sttgate/pkg/logging"
)

const (
	uploadsDir      = "file_transcriptions"
	rawAudioDir     = "audio_raw"
	transcriptsDir  = "txt_stt"
	dirPermissions  = 0o755
	filePermissions = 0o644
)

// UploadMeta describes one stored batch upload.
type UploadMeta struct {
	TranscribeID string    `json:"transcribe_id"`
	Filename     string    `json:"filename"`
	ContentType  string    `json:"content_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store owns the on-disk layout: batch uploads under
// file_transcriptions/, synchronous-flow artifacts under dated
// YYYY/MM/DD directories.
type Store struct {
	baseDir string
	logger  *slog.Logger
}

func NewStore(baseDir string, base *slog.Logger) *Store {
	if base == nil {
		base = slog.Default()
	}
	return &Store{
		baseDir: baseDir,
		logger:  logging.NewComponentLogger(base, "storage"),
	}
}

// AudioURL is where a stored upload can be fetched back from.
func AudioURL(transcribeID string) string {
	return "/v1/transcribe/" + transcribeID + "/audio"
}

// SaveUpload stores the audio blob and its metadata side by side,
// keyed by the upstream job id.
func (s *Store) SaveUpload(transcribeID string, audio []byte, meta UploadMeta) error {
	dir := filepath.Join(s.baseDir, uploadsDir)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return errorsx.Wrap(fmt.Errorf("upload dir: %w", err), errorsx.ReasonStorageWrite)
	}
	if err := os.WriteFile(filepath.Join(dir, transcribeID+".bin"), audio, filePermissions); err != nil {
		return errorsx.Wrap(fmt.Errorf("upload audio: %w", err), errorsx.ReasonStorageWrite)
	}
	meta.TranscribeID = transcribeID
	encoded, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errorsx.Wrap(fmt.Errorf("upload metadata: %w", err), errorsx.ReasonStorageWrite)
	}
	if err := os.WriteFile(filepath.Join(dir, transcribeID+".json"), encoded, filePermissions); err != nil {
		return errorsx.Wrap(fmt.Errorf("upload metadata: %w", err), errorsx.ReasonStorageWrite)
	}
	s.logger.Debug("upload stored", slog.String("transcribe_id", transcribeID))
	return nil
}

// LoadUpload returns the stored audio and metadata for a job id.
func (s *Store) LoadUpload(transcribeID string) ([]byte, UploadMeta, error) {
	dir := filepath.Join(s.baseDir, uploadsDir)
	audio, err := os.ReadFile(filepath.Join(dir, transcribeID+".bin"))
	if err != nil {
		return nil, UploadMeta{}, err
	}
	var meta UploadMeta
	encoded, err := os.ReadFile(filepath.Join(dir, transcribeID+".json"))
	if err == nil {
		// Metadata is advisory; a missing or corrupt sidecar still
		// leaves the audio servable.
		_ = json.Unmarshal(encoded, &meta)
	}
	if meta.TranscribeID == "" {
		meta.TranscribeID = transcribeID
	}
	return audio, meta, nil
}

// HasUpload reports whether audio for a job id is on disk.
func (s *Store) HasUpload(transcribeID string) bool {
	_, err := os.Stat(filepath.Join(s.baseDir, uploadsDir, transcribeID+".bin"))
	return err == nil
}

// SaveRawAudio writes a synchronous-flow audio artifact into the dated
// audio_raw directory and returns the full path.
func (s *Store) SaveRawAudio(now time.Time, name string, data []byte) (string, error) {
	dir := s.datedDir(now, rawAudioDir)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return "", errorsx.Wrap(fmt.Errorf("audio dir: %w", err), errorsx.ReasonStorageWrite)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, filePermissions); err != nil {
		return "", errorsx.Wrap(fmt.Errorf("raw audio: %w", err), errorsx.ReasonStorageWrite)
	}
	return path, nil
}

// Rename moves a stored artifact to a new name inside its directory
// and returns the new path.
func (s *Store) Rename(path, newName string) (string, error) {
	target := filepath.Join(filepath.Dir(path), newName)
	if err := os.Rename(path, target); err != nil {
		return "", errorsx.Wrap(fmt.Errorf("rename artifact: %w", err), errorsx.ReasonStorageWrite)
	}
	return target, nil
}

// SaveTranscript dumps a transcript payload as indented JSON into the
// dated txt_stt directory and returns the full path.
func (s *Store) SaveTranscript(now time.Time, name string, payload any) (string, error) {
	dir := s.datedDir(now, transcriptsDir)
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return "", errorsx.Wrap(fmt.Errorf("transcript dir: %w", err), errorsx.ReasonStorageWrite)
	}
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("transcript encode: %w", err), errorsx.ReasonStorageWrite)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, encoded, filePermissions); err != nil {
		return "", errorsx.Wrap(fmt.Errorf("transcript write: %w", err), errorsx.ReasonStorageWrite)
	}
	return path, nil
}

func (s *Store) datedDir(now time.Time, kind string) string {
	return filepath.Join(
		s.baseDir,
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", int(now.Month())),
		fmt.Sprintf("%02d", now.Day()),
		kind,
	)
}
