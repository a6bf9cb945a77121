package whisper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fmueller/whisperd/internal/audio"
	"github.com/fmueller/whisperd/internal/platform"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Decoder interface {
	DecodeFile(ctx context.Context, inputPath, outputPath string) error
}

// Pipeline is the loaded engine: it decodes uploads with ffmpeg, cuts them
// into overlapping windows and runs the recognizer on every non-silent
// window. Segments from the overlap are kept by the window that owns their
// midpoint, so a word cut at one window edge comes from the neighbour that
// heard it whole.
type Pipeline struct {
	Model       ResolvedModel
	Device      platform.Device
	ChunkLength time.Duration
	// Stride is the audio shared with each neighbouring window on either
	// side; zero cuts windows back to back.
	Stride     time.Duration
	Threads    int
	Decoder    Decoder
	Recognizer Recognizer
	Logger     *zap.Logger
	// SilenceThresholdDBFS skips windows at or below this level; zero
	// disables the gate.
	SilenceThresholdDBFS float64
	TempDir              string
}

func (p *Pipeline) Transcribe(ctx context.Context, req Request) (Result, error) {
	if len(req.Audio) == 0 {
		return Result{}, errors.New("audio payload is empty")
	}
	if p.Decoder == nil || p.Recognizer == nil {
		return Result{}, errors.New("pipeline is not initialised")
	}

	workDir, err := p.makeWorkDir()
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			p.log().Warn("failed to remove work directory", zap.String("path", workDir), zap.Error(err))
		}
	}()

	inputPath := filepath.Join(workDir, "input"+strings.ToLower(filepath.Ext(req.FileName)))
	if err := os.WriteFile(inputPath, req.Audio, 0o600); err != nil {
		return Result{}, fmt.Errorf("write upload: %w", err)
	}

	decodedPath := filepath.Join(workDir, "decoded.wav")
	if err := p.Decoder.DecodeFile(ctx, inputPath, decodedPath); err != nil {
		return Result{}, err
	}

	wav, err := audio.ReadWAVFile(decodedPath)
	if err != nil {
		return Result{}, fmt.Errorf("read decoded audio: %w", err)
	}

	windows := wav.Split(p.ChunkLength, p.Stride)
	p.log().Debug("audio decoded",
		zap.Duration("duration", wav.Duration()),
		zap.Int("windows", len(windows)),
		zap.Stringer("granularity", req.Granularity),
	)

	var (
		text   strings.Builder
		chunks []Chunk
	)
	for i, window := range windows {
		if p.isSilent(window) {
			p.log().Debug("window considered silent; skipping", zap.Int("window", i), zap.Duration("offset", window.Offset))
			continue
		}

		windowPath := filepath.Join(workDir, fmt.Sprintf("window-%04d.wav", i))
		if err := window.WAV.WriteFile(windowPath); err != nil {
			return Result{}, err
		}

		segments, err := p.Recognizer.Recognize(ctx, WindowRequest{
			AudioPath:      windowPath,
			ModelPath:      p.Model.Path,
			Language:       req.Language,
			WordTimestamps: req.Granularity == GranularityWord,
			Threads:        p.Threads,
			UseGPU:         p.Device == platform.DeviceCUDA,
		})
		if err != nil {
			return Result{}, fmt.Errorf("window %d at %s: %w", i, window.Offset, err)
		}

		for _, seg := range segments {
			start := window.Offset + time.Duration(seg.FromMs)*time.Millisecond
			end := window.Offset + time.Duration(seg.ToMs)*time.Millisecond
			if !window.Owns(start + (end-start)/2) {
				continue
			}
			text.WriteString(seg.Text)
			chunks = append(chunks, Chunk{
				Text:  seg.Text,
				Start: start.Seconds(),
				End:   end.Seconds(),
			})
		}
	}

	return Result{Text: text.String(), Chunks: chunks}, nil
}

func (p *Pipeline) isSilent(window audio.Window) bool {
	if p.SilenceThresholdDBFS == 0 {
		return false
	}
	silent, _, err := audio.IsSilent(window.WAV, p.SilenceThresholdDBFS)
	if err != nil {
		p.log().Warn("silence analysis failed; transcribing window", zap.Error(err))
		return false
	}
	return silent
}

func (p *Pipeline) makeWorkDir() (string, error) {
	base := p.TempDir
	if base == "" {
		base = os.TempDir()
	}
	dir := filepath.Join(base, "whisperd-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create work directory: %w", err)
	}
	return dir, nil
}

func (p *Pipeline) log() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}
