package transcript

import "strings"

// Segment is one normalized fragment of recognized speech. Segments
// are immutable once constructed; ordering follows the source payload.
type Segment struct {
	Speaker string `json:"speaker,omitempty"`
	StartMs int64  `json:"startMs"`
	EndMs   int64  `json:"endMs"`
	Text    string `json:"text"`
}

// Result is the canonical transcript shape the gateway presents
// regardless of the upstream response shape.
type Result struct {
	Segments []Segment `json:"segments"`
	Text     string    `json:"text"`
}

// JoinedText space-joins the non-empty segment texts.
func JoinedText(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		if seg.Text != "" {
			parts = append(parts, seg.Text)
		}
	}
	return strings.Join(parts, " ")
}
