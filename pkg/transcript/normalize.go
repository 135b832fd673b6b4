package transcript

import (
	"strconv"
	"strings"
)

// Normalize maps a heterogeneous upstream payload onto the canonical
// transcript model. It never fails: nodes that miss a shape
// expectation are skipped and an empty result is returned when no
// text can be extracted.
func Normalize(payload map[string]any) Result {
	if segments, ok := canonicalSegments(payload); ok {
		return Result{Segments: segments, Text: JoinedText(segments)}
	}
	segments := Segments(payload)
	return Result{Segments: segments, Text: JoinedText(segments)}
}

// Segments extracts normalized segments, preferring the `results`
// subtree and falling back to the whole payload.
func Segments(payload map[string]any) []Segment {
	segments := make([]Segment, 0, 4)
	collectSegments(&segments, payload["results"])
	if len(segments) == 0 {
		collectSegments(&segments, payload)
	}
	return segments
}

// CollectText aggregates every recognized text fragment in the
// payload, preferring the `results` subtree and falling back to the
// whole payload. Unlike Segments it keeps fragments from alternatives
// even when no timing is present.
func CollectText(payload map[string]any) string {
	texts := make([]string, 0, 4)
	collectTexts(&texts, payload["results"])
	if len(texts) == 0 {
		collectTexts(&texts, payload)
	}
	return strings.Join(texts, " ")
}

// canonicalSegments recognizes the gateway's own output shape so that
// normalizing an already-normalized payload is a no-op.
func canonicalSegments(payload map[string]any) ([]Segment, bool) {
	raw, ok := payload["segments"].([]any)
	if !ok || len(raw) == 0 {
		return nil, false
	}
	segments := make([]Segment, 0, len(raw))
	for _, entry := range raw {
		node, ok := entry.(map[string]any)
		if !ok {
			return nil, false
		}
		text := strings.TrimSpace(stringValue(node["text"]))
		if text == "" {
			return nil, false
		}
		start, _ := coerceMillis(node["startMs"])
		end, _ := coerceMillis(node["endMs"])
		segments = append(segments, Segment{
			Speaker: stringValue(node["speaker"]),
			StartMs: start,
			EndMs:   end,
			Text:    text,
		})
	}
	return segments, true
}

func collectSegments(segments *[]Segment, entry any) {
	switch node := entry.(type) {
	case []any:
		for _, item := range node {
			collectSegments(segments, item)
		}
	case map[string]any:
		if seg, ok := segmentFromNode(node); ok {
			*segments = append(*segments, seg)
		}
		// A node can carry both its own segment and nested children.
		if nested, ok := node["utterances"]; ok {
			collectSegments(segments, nested)
		}
		if nested, ok := node["results"]; ok {
			collectSegments(segments, nested)
		}
	}
}

func segmentFromNode(node map[string]any) (Segment, bool) {
	text := nodeText(node)
	if text == "" {
		return Segment{}, false
	}
	start, hasStart := coerceFirstMillis(node, "start_at", "start_ms", "start")
	end, hasEnd := coerceFirstMillis(node, "end_at", "end_ms", "end")
	if !hasEnd && hasStart {
		if duration, ok := coerceMillis(node["duration"]); ok {
			end = start + duration
			hasEnd = true
		}
	}
	if !hasEnd {
		end = start
	}
	return Segment{
		Speaker: speakerLabel(node),
		StartMs: start,
		EndMs:   end,
		Text:    text,
	}, true
}

// nodeText resolves the text for a node: msg, then text, then the
// first non-empty alternative text.
func nodeText(node map[string]any) string {
	if text := strings.TrimSpace(stringValue(node["msg"])); text != "" {
		return text
	}
	if text := strings.TrimSpace(stringValue(node["text"])); text != "" {
		return text
	}
	alternatives, ok := node["alternatives"].([]any)
	if !ok {
		return ""
	}
	for _, alt := range alternatives {
		altNode, ok := alt.(map[string]any)
		if !ok {
			continue
		}
		if text := strings.TrimSpace(stringValue(altNode["text"])); text != "" {
			return text
		}
	}
	return ""
}

func speakerLabel(node map[string]any) string {
	for _, key := range []string{"spk", "speaker", "speaker_label"} {
		if label := strings.TrimSpace(stringValue(node[key])); label != "" {
			return label
		}
	}
	return ""
}

func collectTexts(texts *[]string, entry any) {
	switch node := entry.(type) {
	case []any:
		for _, item := range node {
			collectTexts(texts, item)
		}
	case map[string]any:
		appendText(texts, node["msg"])
		appendText(texts, node["text"])
		if alternatives, ok := node["alternatives"].([]any); ok {
			for _, alt := range alternatives {
				if altNode, ok := alt.(map[string]any); ok {
					appendText(texts, altNode["text"])
				}
			}
		}
		if nested, ok := node["utterances"]; ok {
			collectTexts(texts, nested)
		}
		if nested, ok := node["results"]; ok {
			collectTexts(texts, nested)
		}
	}
}

func appendText(texts *[]string, candidate any) {
	text, ok := candidate.(string)
	if !ok {
		return
	}
	if trimmed := strings.TrimSpace(text); trimmed != "" {
		*texts = append(*texts, trimmed)
	}
}

func coerceFirstMillis(node map[string]any, keys ...string) (int64, bool) {
	for _, key := range keys {
		if value, ok := coerceMillis(node[key]); ok {
			return value, true
		}
	}
	return 0, false
}

// coerceMillis converts a numeric or numeric-string timestamp into
// integer milliseconds.
func coerceMillis(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		return int64(parsed), true
	default:
		return 0, false
	}
}

func stringValue(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		return ""
	}
}
