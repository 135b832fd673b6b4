// Package decoderpb encodes and decodes the on-prem decoder's wire
// messages. The vendor does not publish its proto for generation, so
// the messages are marshaled directly with protowire against the
// field schema below and carried over a passthrough gRPC codec.
package decoderpb

import (
	"fmt"
	"math"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// DecodeMethod is the full method name of the bidirectional decoder
// stream.
const DecodeMethod = "/online.decoder.OnlineDecoder/Decode"

// DecoderRequest field numbers (oneof: exactly one is set per frame).
const (
	fieldStreamingConfig = protowire.Number(1)
	fieldAudioContent    = protowire.Number(2)
)

// DecoderConfig field numbers.
const (
	cfgSampleRate    = protowire.Number(1)
	cfgEncoding      = protowire.Number(2)
	cfgUseItn        = protowire.Number(3)
	cfgUseDisfluency = protowire.Number(4)
	cfgUseProfanity  = protowire.Number(5)
	cfgKeywords      = protowire.Number(6)
	cfgModelName     = protowire.Number(7)
	cfgLanguage      = protowire.Number(8)
	cfgDomain        = protowire.Number(9)
	cfgUsePunct      = protowire.Number(10)
	cfgStreamConfig  = protowire.Number(11)
)

// RuntimeStreamConfig field numbers.
const (
	streamEpdTime     = protowire.Number(1)
	streamMaxUtterDur = protowire.Number(2)
)

// DecoderResponse field numbers.
const (
	respError   = protowire.Number(1)
	respResults = protowire.Number(2)
	respEvent   = protowire.Number(3)
)

// SpeechRecognitionResult field numbers.
const (
	resAlternatives = protowire.Number(1)
	resIsFinal      = protowire.Number(2)
	resStartAt      = protowire.Number(3)
	resDuration     = protowire.Number(4)
)

// SpeechRecognitionAlternative field numbers.
const (
	altText       = protowire.Number(1)
	altConfidence = protowire.Number(2)
	altWords      = protowire.Number(3)
)

// WordInfo field numbers.
const (
	wordText     = protowire.Number(1)
	wordStartAt  = protowire.Number(2)
	wordDuration = protowire.Number(3)
)

// Audio encodings accepted by the decoder.
var encodings = map[string]uint64{
	"LINEAR16": 0,
	"WAV":      1,
	"FLAC":     2,
	"MP3":      3,
	"OGG":      4,
	"MULAW":    5,
	"ALAW":     6,
}

// EncodingValue maps an encoding name onto its wire value, defaulting
// to LINEAR16 for unknown names.
func EncodingValue(name string) uint64 {
	if value, ok := encodings[strings.ToUpper(strings.TrimSpace(name))]; ok {
		return value
	}
	return encodings["LINEAR16"]
}

// Config is the typed decoder configuration. Optional fields are
// pointers so that unset values are omitted from the wire entirely.
type Config struct {
	SampleRate          int32
	Encoding            string
	UseItn              *bool
	UseDisfluencyFilter *bool
	UseProfanityFilter  *bool
	UsePunctuation      *bool
	Keywords            []string
	ModelName           string
	Language            string
	Domain              string
	EpdTime             *float64
	MaxUtterDuration    *int32
}

// AppendConfig encodes a DecoderRequest carrying the streaming_config
// message. Fields the schema does not declare are silently dropped.
func AppendConfig(cfg Config, schema Schema) []byte {
	body := appendConfigBody(nil, cfg, schema)
	var out []byte
	out = protowire.AppendTag(out, fieldStreamingConfig, protowire.BytesType)
	out = protowire.AppendBytes(out, body)
	return out
}

// AppendAudio encodes a DecoderRequest carrying one raw audio chunk.
func AppendAudio(chunk []byte) []byte {
	var out []byte
	out = protowire.AppendTag(out, fieldAudioContent, protowire.BytesType)
	out = protowire.AppendBytes(out, chunk)
	return out
}

func appendConfigBody(out []byte, cfg Config, schema Schema) []byte {
	out = protowire.AppendTag(out, cfgSampleRate, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(cfg.SampleRate))
	out = protowire.AppendTag(out, cfgEncoding, protowire.VarintType)
	out = protowire.AppendVarint(out, EncodingValue(cfg.Encoding))

	if cfg.UseItn != nil && schema.Has(FieldUseItn) {
		out = appendBool(out, cfgUseItn, *cfg.UseItn)
	}
	if cfg.UseDisfluencyFilter != nil && schema.Has(FieldUseDisfluencyFilter) {
		out = appendBool(out, cfgUseDisfluency, *cfg.UseDisfluencyFilter)
	}
	if cfg.UseProfanityFilter != nil && schema.Has(FieldUseProfanityFilter) {
		out = appendBool(out, cfgUseProfanity, *cfg.UseProfanityFilter)
	}
	if len(cfg.Keywords) > 0 && schema.Has(FieldKeywords) {
		for _, keyword := range cfg.Keywords {
			out = protowire.AppendTag(out, cfgKeywords, protowire.BytesType)
			out = protowire.AppendString(out, keyword)
		}
	}
	if cfg.ModelName != "" && schema.Has(FieldModelName) {
		out = appendString(out, cfgModelName, cfg.ModelName)
	}
	if cfg.Language != "" && schema.Has(FieldLanguage) {
		out = appendString(out, cfgLanguage, cfg.Language)
	}
	if cfg.Domain != "" && schema.Has(FieldDomain) {
		out = appendString(out, cfgDomain, cfg.Domain)
	}
	if cfg.UsePunctuation != nil && schema.Has(FieldUsePunctuation) {
		out = appendBool(out, cfgUsePunct, *cfg.UsePunctuation)
	}

	stream := appendStreamConfig(nil, cfg, schema)
	if len(stream) > 0 && schema.Has(FieldStreamConfig) {
		out = protowire.AppendTag(out, cfgStreamConfig, protowire.BytesType)
		out = protowire.AppendBytes(out, stream)
	}
	return out
}

func appendStreamConfig(out []byte, cfg Config, schema Schema) []byte {
	if cfg.EpdTime != nil && schema.Has(FieldEpdTime) {
		out = protowire.AppendTag(out, streamEpdTime, protowire.Fixed32Type)
		out = protowire.AppendFixed32(out, math.Float32bits(float32(*cfg.EpdTime)))
	}
	if cfg.MaxUtterDuration != nil && schema.Has(FieldMaxUtterDuration) {
		out = protowire.AppendTag(out, streamMaxUtterDur, protowire.VarintType)
		out = protowire.AppendVarint(out, uint64(*cfg.MaxUtterDuration))
	}
	return out
}

func appendBool(out []byte, num protowire.Number, value bool) []byte {
	out = protowire.AppendTag(out, num, protowire.VarintType)
	if value {
		return protowire.AppendVarint(out, 1)
	}
	return protowire.AppendVarint(out, 0)
}

func appendString(out []byte, num protowire.Number, value string) []byte {
	out = protowire.AppendTag(out, num, protowire.BytesType)
	return protowire.AppendString(out, value)
}

// DecodeResponse parses a DecoderResponse frame into the generic map
// shape the normalizer consumes. Unknown fields are skipped.
func DecodeResponse(data []byte) (map[string]any, error) {
	payload := map[string]any{}
	results := make([]any, 0, 1)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("decoder response: bad tag")
		}
		data = data[n:]
		switch {
		case num == respError && typ == protowire.VarintType:
			value, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("decoder response: bad error field")
			}
			data = data[n:]
			payload["error"] = value != 0
		case num == respResults && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("decoder response: bad results field")
			}
			data = data[n:]
			result, err := decodeResult(body)
			if err != nil {
				return nil, err
			}
			results = append(results, result)
		case num == respEvent && typ == protowire.VarintType:
			value, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("decoder response: bad event field")
			}
			data = data[n:]
			payload["event"] = eventName(value)
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("decoder response: bad field %d", num)
			}
			data = data[n:]
		}
	}
	if len(results) > 0 {
		payload["results"] = results
	}
	return payload, nil
}

func decodeResult(data []byte) (map[string]any, error) {
	result := map[string]any{}
	alternatives := make([]any, 0, 1)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("recognition result: bad tag")
		}
		data = data[n:]
		switch {
		case num == resAlternatives && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("recognition result: bad alternative")
			}
			data = data[n:]
			alt, err := decodeAlternative(body)
			if err != nil {
				return nil, err
			}
			alternatives = append(alternatives, alt)
		case num == resIsFinal && typ == protowire.VarintType:
			value, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("recognition result: bad is_final")
			}
			data = data[n:]
			result["is_final"] = value != 0
		case num == resStartAt && typ == protowire.VarintType:
			value, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("recognition result: bad start_at")
			}
			data = data[n:]
			result["start_at"] = float64(value)
		case num == resDuration && typ == protowire.VarintType:
			value, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("recognition result: bad duration")
			}
			data = data[n:]
			result["duration"] = float64(value)
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("recognition result: bad field %d", num)
			}
			data = data[n:]
		}
	}
	if len(alternatives) > 0 {
		result["alternatives"] = alternatives
	}
	return result, nil
}

func decodeAlternative(data []byte) (map[string]any, error) {
	alt := map[string]any{}
	words := make([]any, 0, 4)
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("alternative: bad tag")
		}
		data = data[n:]
		switch {
		case num == altText && typ == protowire.BytesType:
			value, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("alternative: bad text")
			}
			data = data[n:]
			alt["text"] = value
		case num == altConfidence && typ == protowire.Fixed32Type:
			value, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return nil, fmt.Errorf("alternative: bad confidence")
			}
			data = data[n:]
			alt["confidence"] = float64(math.Float32frombits(value))
		case num == altWords && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("alternative: bad word")
			}
			data = data[n:]
			word, err := decodeWord(body)
			if err != nil {
				return nil, err
			}
			words = append(words, word)
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("alternative: bad field %d", num)
			}
			data = data[n:]
		}
	}
	if len(words) > 0 {
		alt["words"] = words
	}
	return alt, nil
}

func decodeWord(data []byte) (map[string]any, error) {
	word := map[string]any{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("word info: bad tag")
		}
		data = data[n:]
		switch {
		case num == wordText && typ == protowire.BytesType:
			value, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("word info: bad text")
			}
			data = data[n:]
			word["text"] = value
		case num == wordStartAt && typ == protowire.VarintType:
			value, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("word info: bad start_at")
			}
			data = data[n:]
			word["start_at"] = float64(value)
		case num == wordDuration && typ == protowire.VarintType:
			value, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("word info: bad duration")
			}
			data = data[n:]
			word["duration"] = float64(value)
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("word info: bad field %d", num)
			}
			data = data[n:]
		}
	}
	return word, nil
}

func eventName(value uint64) string {
	switch value {
	case 1:
		return "start_of_speech"
	case 2:
		return "end_of_speech"
	default:
		return "speech_event_unspecified"
	}
}
