package whisper

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fmueller/whisperd/internal/audio"
	"github.com/fmueller/whisperd/internal/platform"
	"github.com/stretchr/testify/require"
)

type fakeDecoder struct {
	wav       audio.WAV
	err       error
	inputPath string
	input     []byte
}

func (d *fakeDecoder) DecodeFile(_ context.Context, inputPath, outputPath string) error {
	d.inputPath = inputPath
	d.input, _ = os.ReadFile(inputPath)
	if d.err != nil {
		return d.err
	}
	return d.wav.WriteFile(outputPath)
}

type fakeRecognizer struct {
	mu       sync.Mutex
	requests []WindowRequest
	results  [][]Segment
	err      error
}

func (r *fakeRecognizer) Recognize(_ context.Context, req WindowRequest) ([]Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(req.AudioPath); err != nil {
		return nil, err
	}
	r.requests = append(r.requests, req)
	if r.err != nil {
		return nil, r.err
	}
	if len(r.results) == 0 {
		return nil, nil
	}
	out := r.results[0]
	r.results = r.results[1:]
	return out, nil
}

func toneWAV(seconds float64, amplitude float64) audio.WAV {
	frames := int(seconds * audio.TargetSampleRate)
	data := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		v := int16(amplitude * 32767 * math.Sin(2*math.Pi*440*float64(i)/audio.TargetSampleRate))
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	return audio.WAV{AudioFormat: 1, Channels: 1, SampleRate: audio.TargetSampleRate, BitsPerSample: 16, Data: data}
}

func concatWAV(parts ...audio.WAV) audio.WAV {
	out := parts[0]
	out.Data = nil
	for _, p := range parts {
		out.Data = append(out.Data, p.Data...)
	}
	return out
}

func TestPipelineTranscribeShiftsWindowOffsets(t *testing.T) {
	t.Parallel()

	decoder := &fakeDecoder{wav: toneWAV(2.5, 0.3)}
	recognizer := &fakeRecognizer{results: [][]Segment{
		{{Text: " hello", FromMs: 0, ToMs: 500}},
		{{Text: " big", FromMs: 100, ToMs: 400}},
		{{Text: " world", FromMs: 0, ToMs: 250}},
	}}

	p := &Pipeline{
		Model:                ResolvedModel{Name: "tiny", Path: "/models/ggml-tiny.bin"},
		Device:               platform.DeviceCUDA,
		ChunkLength:          time.Second,
		Threads:              2,
		Decoder:              decoder,
		Recognizer:           recognizer,
		SilenceThresholdDBFS: audio.DefaultSilenceThresholdDBFS,
		TempDir:              t.TempDir(),
	}

	result, err := p.Transcribe(context.Background(), Request{
		FileName:    "Speech.MP3",
		Audio:       []byte("id3-bytes"),
		Granularity: GranularityWord,
		Language:    "en",
	})
	require.NoError(t, err)

	require.Equal(t, " hello big world", result.Text)
	require.Len(t, result.Chunks, 3)
	require.Equal(t, Chunk{Text: " hello", Start: 0, End: 0.5}, result.Chunks[0])
	require.InDelta(t, 1.1, result.Chunks[1].Start, 1e-9)
	require.InDelta(t, 1.4, result.Chunks[1].End, 1e-9)
	require.InDelta(t, 2.0, result.Chunks[2].Start, 1e-9)
	require.InDelta(t, 2.25, result.Chunks[2].End, 1e-9)

	require.Equal(t, ".mp3", filepath.Ext(decoder.inputPath))
	require.Equal(t, []byte("id3-bytes"), decoder.input)

	require.Len(t, recognizer.requests, 3)
	for _, req := range recognizer.requests {
		require.Equal(t, "/models/ggml-tiny.bin", req.ModelPath)
		require.Equal(t, "en", req.Language)
		require.True(t, req.WordTimestamps)
		require.True(t, req.UseGPU)
		require.Equal(t, 2, req.Threads)
	}

	entries, err := os.ReadDir(p.TempDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestPipelineTranscribeKeepsWordSpanningWindowEdge(t *testing.T) {
	t.Parallel()

	// 5 s of audio in 3 s windows with 0.5 s stride: window 0 covers
	// 0-3 s, window 1 covers 2-5 s and the hand-over is at 2.5 s. The word
	// at 2.8-3.2 s is clipped by window 0 and heard whole by window 1.
	recognizer := &fakeRecognizer{results: [][]Segment{
		{{Text: " one", FromMs: 0, ToMs: 1000}, {Text: " wor", FromMs: 2800, ToMs: 3000}},
		{{Text: " word", FromMs: 800, ToMs: 1200}, {Text: " two", FromMs: 1500, ToMs: 2500}},
	}}

	p := &Pipeline{
		ChunkLength: 3 * time.Second,
		Stride:      500 * time.Millisecond,
		Decoder:     &fakeDecoder{wav: toneWAV(5, 0.3)},
		Recognizer:  recognizer,
		TempDir:     t.TempDir(),
	}

	result, err := p.Transcribe(context.Background(), Request{FileName: "a.flac", Audio: []byte("x"), Granularity: GranularityWord})
	require.NoError(t, err)
	require.Len(t, recognizer.requests, 2)

	require.Equal(t, " one word two", result.Text)
	require.Len(t, result.Chunks, 3)
	require.Equal(t, " word", result.Chunks[1].Text)
	require.InDelta(t, 2.8, result.Chunks[1].Start, 1e-9)
	require.InDelta(t, 3.2, result.Chunks[1].End, 1e-9)
	require.InDelta(t, 3.5, result.Chunks[2].Start, 1e-9)
	require.InDelta(t, 4.5, result.Chunks[2].End, 1e-9)
}

func TestPipelineTranscribeDropsDuplicatesFromOverlap(t *testing.T) {
	t.Parallel()

	recognizer := &fakeRecognizer{results: [][]Segment{
		{{Text: " hello", FromMs: 2000, ToMs: 2400}},
		{{Text: " hello", FromMs: 0, ToMs: 400}},
	}}

	p := &Pipeline{
		ChunkLength: 3 * time.Second,
		Stride:      500 * time.Millisecond,
		Decoder:     &fakeDecoder{wav: toneWAV(5, 0.3)},
		Recognizer:  recognizer,
		TempDir:     t.TempDir(),
	}

	result, err := p.Transcribe(context.Background(), Request{FileName: "a.flac", Audio: []byte("x")})
	require.NoError(t, err)
	require.Equal(t, " hello", result.Text)
	require.Len(t, result.Chunks, 1)
	require.InDelta(t, 2.0, result.Chunks[0].Start, 1e-9)
}

func TestPipelineTranscribeSkipsSilentWindows(t *testing.T) {
	t.Parallel()

	silence := audio.WAV{AudioFormat: 1, Channels: 1, SampleRate: audio.TargetSampleRate, BitsPerSample: 16, Data: make([]byte, audio.TargetSampleRate*2)}
	recognizer := &fakeRecognizer{results: [][]Segment{{{Text: " tail", FromMs: 0, ToMs: 800}}}}

	p := &Pipeline{
		ChunkLength:          time.Second,
		Decoder:              &fakeDecoder{wav: concatWAV(silence, toneWAV(1, 0.3))},
		Recognizer:           recognizer,
		SilenceThresholdDBFS: audio.DefaultSilenceThresholdDBFS,
		TempDir:              t.TempDir(),
	}

	result, err := p.Transcribe(context.Background(), Request{FileName: "a.wav", Audio: []byte("x")})
	require.NoError(t, err)
	require.Len(t, recognizer.requests, 1)
	require.False(t, recognizer.requests[0].WordTimestamps)
	require.False(t, recognizer.requests[0].UseGPU)
	require.Equal(t, []Chunk{{Text: " tail", Start: 1, End: 1.8}}, result.Chunks)
}

func TestPipelineTranscribeAllSilentYieldsNoChunks(t *testing.T) {
	t.Parallel()

	silence := audio.WAV{AudioFormat: 1, Channels: 1, SampleRate: audio.TargetSampleRate, BitsPerSample: 16, Data: make([]byte, audio.TargetSampleRate)}
	recognizer := &fakeRecognizer{}

	p := &Pipeline{
		ChunkLength:          30 * time.Second,
		Decoder:              &fakeDecoder{wav: silence},
		Recognizer:           recognizer,
		SilenceThresholdDBFS: audio.DefaultSilenceThresholdDBFS,
		TempDir:              t.TempDir(),
	}

	result, err := p.Transcribe(context.Background(), Request{FileName: "a.ogg", Audio: []byte("x")})
	require.NoError(t, err)
	require.Empty(t, recognizer.requests)
	require.Empty(t, result.Text)
	require.Nil(t, result.Chunks)
}

func TestPipelineTranscribePropagatesFailures(t *testing.T) {
	t.Parallel()

	p := &Pipeline{
		ChunkLength: time.Second,
		Decoder:     &fakeDecoder{err: errors.New("decode audio with ffmpeg: exit status 1 (Invalid data)")},
		Recognizer:  &fakeRecognizer{},
		TempDir:     t.TempDir(),
	}
	_, err := p.Transcribe(context.Background(), Request{FileName: "a.m4a", Audio: []byte("x")})
	require.ErrorContains(t, err, "Invalid data")

	p.Decoder = &fakeDecoder{wav: toneWAV(0.5, 0.3)}
	p.Recognizer = &fakeRecognizer{err: errors.New("whisper transcribe failed: exit status 1")}
	_, err = p.Transcribe(context.Background(), Request{FileName: "a.m4a", Audio: []byte("x")})
	require.ErrorContains(t, err, "window 0 at 0s")
	require.ErrorContains(t, err, "whisper transcribe failed")

	_, err = p.Transcribe(context.Background(), Request{FileName: "a.m4a"})
	require.EqualError(t, err, "audio payload is empty")

	_, err = (&Pipeline{}).Transcribe(context.Background(), Request{FileName: "a.m4a", Audio: []byte("x")})
	require.EqualError(t, err, "pipeline is not initialised")
}
