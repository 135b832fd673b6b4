package transcript

import "strings"

// Streaming event types presented to the local client. A recognition
// event is either partial or final; other upstream event kinds keep
// their lower-cased name.
const (
	EventPartial = "partial"
	EventFinal   = "final"
)

// StreamingEvent is the normalized form of one upstream recognition
// event. RawText carries the space-joined word-level tokens when the
// upstream includes them; Text holds the primary (ITN-normalized)
// transcript.
type StreamingEvent struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	RawText  string    `json:"raw_text,omitempty"`
	Segments []Segment `json:"segments,omitempty"`
}

// NormalizeStreaming classifies and normalizes one streaming payload.
// Classification follows the first result's is_final flag; payloads
// without one fall back to their lower-cased event-type name.
func NormalizeStreaming(payload map[string]any) StreamingEvent {
	event := StreamingEvent{Type: eventTypeName(payload)}

	results, _ := payload["results"].([]any)
	if len(results) > 0 {
		if first, ok := results[0].(map[string]any); ok {
			if isFinal, ok := first["is_final"].(bool); ok {
				if isFinal {
					event.Type = EventFinal
				} else {
					event.Type = EventPartial
				}
			}
			event.RawText = joinWordTokens(first)
		}
	}

	event.Segments = Segments(payload)
	event.Text = JoinedText(event.Segments)
	if event.Text == "" {
		event.Text = CollectText(payload)
	}
	return event
}

func eventTypeName(payload map[string]any) string {
	for _, key := range []string{"event", "speech_event_type", "type"} {
		if name, ok := payload[key].(string); ok {
			if trimmed := strings.ToLower(strings.TrimSpace(name)); trimmed != "" {
				return trimmed
			}
		}
	}
	return EventPartial
}

// joinWordTokens concatenates word-level alternative tokens into one
// string, preserved for callers that need timing-aligned tokens.
func joinWordTokens(result map[string]any) string {
	alternatives, ok := result["alternatives"].([]any)
	if !ok || len(alternatives) == 0 {
		return ""
	}
	first, ok := alternatives[0].(map[string]any)
	if !ok {
		return ""
	}
	words, ok := first["words"].([]any)
	if !ok {
		return ""
	}
	tokens := make([]string, 0, len(words))
	for _, word := range words {
		node, ok := word.(map[string]any)
		if !ok {
			continue
		}
		if token := strings.TrimSpace(stringValue(node["text"])); token != "" {
			tokens = append(tokens, token)
		}
	}
	return strings.Join(tokens, " ")
}
