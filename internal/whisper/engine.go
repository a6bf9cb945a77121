package whisper

import "context"

// Granularity selects how finely the engine splits the transcript into
// timed chunks.
type Granularity int

const (
	// GranularitySegment yields utterance-level chunks.
	GranularitySegment Granularity = iota
	// GranularityWord yields one chunk per word.
	GranularityWord
)

func (g Granularity) String() string {
	if g == GranularityWord {
		return "word"
	}
	return "segment"
}

type Request struct {
	// FileName is only used for its extension, which ffmpeg uses as a probe hint.
	FileName    string
	Audio       []byte
	Granularity Granularity
	Language    string
}

// Chunk is a span of the transcript; Start and End are seconds from the
// beginning of the audio.
type Chunk struct {
	Text  string
	Start float64
	End   float64
}

type Result struct {
	Text   string
	Chunks []Chunk
}

// Engine turns raw audio bytes into a transcript.
type Engine interface {
	Transcribe(ctx context.Context, req Request) (Result, error)
}

// WindowRequest asks the recognizer to transcribe one decoded 16 kHz WAV file.
type WindowRequest struct {
	AudioPath      string
	ModelPath      string
	Language       string
	WordTimestamps bool
	Threads        int
	UseGPU         bool
}

// Segment is a recognizer output span with offsets in milliseconds relative
// to the window start.
type Segment struct {
	Text   string
	FromMs int64
	ToMs   int64
}

type Recognizer interface {
	Recognize(ctx context.Context, req WindowRequest) ([]Segment, error)
}
