package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/malsori/sttgate/pkg/errorsx"
)

// Deployment selects which upstream variant the gateway talks to.
type Deployment string

const (
	DeploymentCloud  Deployment = "cloud"
	DeploymentOnprem Deployment = "onprem"
)

// PathTemplates holds the upstream REST/streaming paths for one
// deployment. The `{transcribe_id}` placeholder is substituted by
// StatusPathFor. Templates are fixed per deployment and never mixed.
type PathTemplates struct {
	Transcribe string
	Status     string
	Streaming  string
}

var pathsByDeployment = map[Deployment]PathTemplates{
	DeploymentCloud: {
		Transcribe: "/v1/transcribe",
		Status:     "/v1/transcribe/{transcribe_id}",
		Streaming:  "/v1/transcribe:streaming",
	},
	DeploymentOnprem: {
		Transcribe: "/api/v2/batch",
		Status:     "/api/v2/batch/{transcribe_id}",
		Streaming:  "/api/v1/transcribe:streaming",
	},
}

// Settings is the runtime configuration resolved from environment
// variables with the backend override file merged on top.
type Settings struct {
	ClientID     string `mapstructure:"pronaia_client_id"`
	ClientSecret string `mapstructure:"pronaia_client_secret"`
	APIBase      string `mapstructure:"pronaia_api_base"`
	ManualToken  string `mapstructure:"pronaia_access_token"`

	StorageBaseDir string `mapstructure:"storage_base_dir"`

	PollIntervalSeconds float64 `mapstructure:"poll_interval"`
	PollTimeoutSeconds  float64 `mapstructure:"poll_timeout"`

	VerifySSL  bool       `mapstructure:"verify_ssl"`
	Deployment Deployment `mapstructure:"deployment"`

	CollectorURL            string  `mapstructure:"collector_url"`
	CollectorTimeoutSeconds float64 `mapstructure:"collector_timeout"`

	STTConfigPath string `mapstructure:"stt_config_path"`
}

// AuthEnabled reports whether both client credentials are configured.
func (s Settings) AuthEnabled() bool {
	return s.ClientID != "" && s.ClientSecret != ""
}

// Paths returns the deployment-specific path templates.
func (s Settings) Paths() PathTemplates {
	return pathsByDeployment[s.Deployment]
}

// StatusPathFor substitutes a job id into the status path template.
func (s Settings) StatusPathFor(jobID string) string {
	return strings.ReplaceAll(s.Paths().Status, "{transcribe_id}", jobID)
}

func (s Settings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds * float64(time.Second))
}

func (s Settings) PollTimeout() time.Duration {
	return time.Duration(s.PollTimeoutSeconds * float64(time.Second))
}

func (s Settings) CollectorTimeout() time.Duration {
	return time.Duration(s.CollectorTimeoutSeconds * float64(time.Second))
}

// Load resolves settings from the environment and merges the backend
// override file stored under the storage base directory.
func Load() (Settings, error) {
	v := viper.New()
	v.SetDefault("pronaia_api_base", "https://dev-openapi.vito.ai")
	v.SetDefault("poll_interval", 1.0)
	v.SetDefault("poll_timeout", 180.0)
	v.SetDefault("verify_ssl", true)
	v.SetDefault("deployment", string(DeploymentCloud))
	v.SetDefault("collector_timeout", 10.0)

	bindings := map[string]string{
		"pronaia_client_id":     "PRONAIA_CLIENT_ID",
		"pronaia_client_secret": "PRONAIA_CLIENT_SECRET",
		"pronaia_api_base":      "PRONAIA_API_BASE",
		"pronaia_access_token":  "PRONAIA_ACCESS_TOKEN",
		"storage_base_dir":      "STT_STORAGE_BASE_DIR",
		"poll_interval":         "STT_POLL_INTERVAL",
		"poll_timeout":          "STT_POLL_TIMEOUT",
		"verify_ssl":            "STT_VERIFY_SSL",
		"deployment":            "STT_DEPLOYMENT",
		"collector_url":         "STT_COLLECTOR_URL",
		"collector_timeout":     "STT_COLLECTOR_TIMEOUT",
		"stt_config_path":       "STT_CONFIG_PATH",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return Settings{}, errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
		}
	}

	baseDir := strings.TrimSpace(v.GetString("storage_base_dir"))
	if baseDir == "" {
		return Settings{}, errorsx.Wrap(
			fmt.Errorf("STT_STORAGE_BASE_DIR is not configured"),
			errorsx.ReasonConfigInvalid,
		)
	}
	if overrides := LoadOverride(baseDir); len(overrides) > 0 {
		if err := v.MergeConfigMap(overrides); err != nil {
			return Settings{}, errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
		}
	}

	var cfg Settings
	if err := v.Unmarshal(&cfg); err != nil {
		return Settings{}, errorsx.Wrap(fmt.Errorf("unmarshal settings: %w", err), errorsx.ReasonConfigInvalid)
	}
	if err := cfg.prepare(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

// prepare normalizes values and ensures the storage directory exists.
func (s *Settings) prepare() error {
	s.APIBase = strings.TrimRight(strings.TrimSpace(s.APIBase), "/")
	s.ManualToken = strings.TrimSpace(s.ManualToken)
	s.Deployment = Deployment(strings.ToLower(strings.TrimSpace(string(s.Deployment))))
	if _, ok := pathsByDeployment[s.Deployment]; !ok {
		return errorsx.Wrap(
			fmt.Errorf("invalid deployment mode: %q", s.Deployment),
			errorsx.ReasonConfigInvalid,
		)
	}
	if s.PollIntervalSeconds <= 0 {
		return errorsx.Wrap(fmt.Errorf("poll interval must be positive"), errorsx.ReasonConfigInvalid)
	}
	if s.PollTimeoutSeconds <= 0 {
		return errorsx.Wrap(fmt.Errorf("poll timeout must be positive"), errorsx.ReasonConfigInvalid)
	}
	if s.CollectorURL != "" {
		s.CollectorURL = strings.TrimRight(strings.TrimSpace(s.CollectorURL), "/")
	}
	if s.STTConfigPath != "" {
		path := filepath.Clean(s.STTConfigPath)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			return errorsx.Wrap(
				fmt.Errorf("stt config path does not exist: %s", path),
				errorsx.ReasonConfigInvalid,
			)
		}
		s.STTConfigPath = path
	}
	if err := os.MkdirAll(s.StorageBaseDir, 0o755); err != nil {
		return errorsx.Wrap(fmt.Errorf("create storage dir: %w", err), errorsx.ReasonConfigInvalid)
	}
	return nil
}
