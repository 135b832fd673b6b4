package upstream

import (
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/malsori/sttgate/pkg/upstream/decoderpb"
)

// decoderSettings is the loosely-typed shape callers may send for the
// on-prem decoder. Field aliases mirror what clients actually send
// (model vs model_name, lang vs language, flat vs nested stream
// options).
type decoderSettings struct {
	SampleRate          int      `mapstructure:"sample_rate"`
	Encoding            string   `mapstructure:"encoding"`
	ModelName           string   `mapstructure:"model_name"`
	Model               string   `mapstructure:"model"`
	Language            string   `mapstructure:"language"`
	Lang                string   `mapstructure:"lang"`
	Domain              string   `mapstructure:"domain"`
	UseItn              *bool    `mapstructure:"use_itn"`
	UseDisfluencyFilter *bool    `mapstructure:"use_disfluency_filter"`
	UseProfanityFilter  *bool    `mapstructure:"use_profanity_filter"`
	UsePunctuation      *bool    `mapstructure:"use_punctuation"`
	Keywords            any      `mapstructure:"keywords"`
	EpdTime             *float64 `mapstructure:"epd_time"`
	MaxUtterDuration    *int32   `mapstructure:"max_utter_duration"`
	StreamConfig        struct {
		EpdTime          *float64 `mapstructure:"epd_time"`
		MaxUtterDuration *int32   `mapstructure:"max_utter_duration"`
	} `mapstructure:"stream_config"`
}

// buildDecoderConfig merges caller options over the streaming defaults
// and produces the typed decoder configuration. Malformed entries are
// dropped rather than rejected.
func buildDecoderConfig(recognitionConfig map[string]any) decoderpb.Config {
	merged := make(map[string]any, len(DefaultStreamingConfig)+len(recognitionConfig))
	for key, value := range DefaultStreamingConfig {
		merged[key] = value
	}
	for key, value := range recognitionConfig {
		merged[key] = value
	}

	var settings decoderSettings
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           &settings,
		WeaklyTypedInput: true,
	})
	if err == nil {
		// Best effort: whatever decodes is used, the rest falls back
		// to defaults.
		_ = decoder.Decode(merged)
	}

	cfg := decoderpb.Config{
		SampleRate:          int32(settings.SampleRate),
		Encoding:            settings.Encoding,
		UseItn:              settings.UseItn,
		UseDisfluencyFilter: settings.UseDisfluencyFilter,
		UseProfanityFilter:  settings.UseProfanityFilter,
		UsePunctuation:      settings.UsePunctuation,
		Keywords:            coerceKeywords(settings.Keywords),
		ModelName:           firstNonEmpty(settings.ModelName, settings.Model),
		Language:            firstNonEmpty(settings.Language, settings.Lang),
		Domain:              strings.TrimSpace(settings.Domain),
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if strings.TrimSpace(cfg.Encoding) == "" {
		cfg.Encoding = "LINEAR16"
	}

	cfg.EpdTime = settings.StreamConfig.EpdTime
	if settings.EpdTime != nil {
		cfg.EpdTime = settings.EpdTime
	}
	cfg.MaxUtterDuration = settings.StreamConfig.MaxUtterDuration
	if settings.MaxUtterDuration != nil {
		cfg.MaxUtterDuration = settings.MaxUtterDuration
	}
	return cfg
}

// coerceKeywords accepts a comma-separated string or a list of
// strings, trimming and dropping empties.
func coerceKeywords(value any) []string {
	switch v := value.(type) {
	case string:
		return splitKeywords(strings.Split(v, ","))
	case []string:
		return splitKeywords(v)
	case []any:
		parts := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				parts = append(parts, s)
			}
		}
		return splitKeywords(parts)
	default:
		return nil
	}
}

func splitKeywords(parts []string) []string {
	cleaned := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	if len(cleaned) == 0 {
		return nil
	}
	return cleaned
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
