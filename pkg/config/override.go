package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// OverrideFilename is the backend endpoint override file kept under
// the storage base directory. Its contents win over environment
// variables on the keys it carries.
const OverrideFilename = "backend_endpoint.override.json"

var overrideKeys = map[string]struct{}{
	"deployment":            {},
	"pronaia_api_base":      {},
	"pronaia_client_id":     {},
	"pronaia_client_secret": {},
	"verify_ssl":            {},
}

var overrideMu sync.Mutex

func overridePath(baseDir string) string {
	return filepath.Join(baseDir, OverrideFilename)
}

// LoadOverride reads the override payload, returning an empty map when
// the file is absent or unreadable. Unknown keys and empty strings are
// dropped; the deployment value is lowercased.
func LoadOverride(baseDir string) map[string]any {
	overrideMu.Lock()
	defer overrideMu.Unlock()
	return loadOverrideLocked(baseDir)
}

func loadOverrideLocked(baseDir string) map[string]any {
	raw, err := os.ReadFile(overridePath(baseDir))
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("backend_override_read_failed", "error", err.Error())
		}
		return map[string]any{}
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		slog.Warn("backend_override_invalid_json", "error", err.Error())
		return map[string]any{}
	}
	return NormalizeOverride(data)
}

// NormalizeOverride filters a payload down to the supported override
// keys, trimming strings and dropping empties.
func NormalizeOverride(data map[string]any) map[string]any {
	normalized := make(map[string]any, len(data))
	for key, value := range data {
		if _, ok := overrideKeys[key]; !ok {
			continue
		}
		if value == nil {
			continue
		}
		if s, ok := value.(string); ok {
			trimmed := strings.TrimSpace(s)
			if trimmed == "" {
				continue
			}
			if key == "deployment" {
				trimmed = strings.ToLower(trimmed)
			}
			normalized[key] = trimmed
			continue
		}
		normalized[key] = value
	}
	return normalized
}

// ApplyOverride persists a normalized override payload and reloads
// settings. An empty payload removes the file instead.
func ApplyOverride(baseDir string, payload map[string]any) (Settings, error) {
	normalized := NormalizeOverride(payload)
	overrideMu.Lock()
	path := overridePath(baseDir)
	var err error
	if len(normalized) > 0 {
		var raw []byte
		raw, err = json.MarshalIndent(normalized, "", "  ")
		if err == nil {
			err = os.WriteFile(path, raw, 0o644)
		}
	} else {
		if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
			err = rmErr
		}
	}
	overrideMu.Unlock()
	if err != nil {
		return Settings{}, err
	}
	return Load()
}

// ClearOverride removes the override file and reloads settings.
func ClearOverride(baseDir string) (Settings, error) {
	overrideMu.Lock()
	err := os.Remove(overridePath(baseDir))
	overrideMu.Unlock()
	if err != nil && !os.IsNotExist(err) {
		return Settings{}, err
	}
	return Load()
}
