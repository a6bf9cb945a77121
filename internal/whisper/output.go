package whisper

import (
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// cliOutput is the subset of whisper-cli's -oj document we read.
type cliOutput struct {
	Result struct {
		Language string `json:"language"`
	} `json:"result"`
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text string `json:"text"`
	} `json:"transcription"`
}

// whisper.cpp emits these in place of text for non-speech spans.
var blankMarkers = []string{
	"[BLANK_AUDIO]",
	"[ Silence ]",
	"[silence]",
	"(silence)",
	"[no speech]",
}

func ParseOutput(content []byte) ([]Segment, error) {
	var out cliOutput
	if err := sonic.Unmarshal(content, &out); err != nil {
		return nil, fmt.Errorf("decode whisper output: %w", err)
	}

	segments := make([]Segment, 0, len(out.Transcription))
	for _, item := range out.Transcription {
		if IsBlank(item.Text) {
			continue
		}
		segments = append(segments, Segment{
			Text:   item.Text,
			FromMs: item.Offsets.From,
			ToMs:   item.Offsets.To,
		})
	}
	return segments, nil
}

// IsBlank reports whether text carries no speech: empty, whitespace or a
// whisper.cpp non-speech marker.
func IsBlank(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}
	for _, marker := range blankMarkers {
		if strings.EqualFold(trimmed, marker) {
			return true
		}
	}
	return false
}
