package whisper

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fmueller/whisperd/internal/audio"
	"github.com/fmueller/whisperd/internal/download"
	"github.com/fmueller/whisperd/internal/platform"
	"go.uber.org/zap"
)

type LoadOptions struct {
	Model        string
	ModelDir     string
	AutoDownload bool
	Device       platform.Device
	ChunkLength  time.Duration
	Threads      int
	WhisperPath  string
	FFmpegPath   string
	// Warmup runs the recognizer once on a short silent window so a broken
	// engine or corrupt model fails at load time.
	Warmup     bool
	NoProgress bool
	Logger     *zap.Logger

	downloadFn    func(ctx context.Context, opts download.Options) error
	newDecoder    func(executable string, logger *zap.Logger) (Decoder, error)
	newRecognizer func(override string, logger *zap.Logger) (Recognizer, error)
}

// Load builds a ready-to-use Pipeline, downloading the model first when it
// is a missing registry model and auto-download is on.
func Load(ctx context.Context, opts LoadOptions) (*Pipeline, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	modelDir := opts.ModelDir
	if _, named := LookupModel(opts.Model); named || strings.TrimSpace(opts.Model) == "" {
		dir, err := platform.ResolveModelDir(opts.ModelDir)
		if err != nil {
			return nil, err
		}
		modelDir = dir
	}

	model, err := ResolveModel(opts.Model, modelDir)
	if err != nil {
		return nil, err
	}
	if model.NeedsDownload {
		if model, err = ensureDownloaded(ctx, model, opts, logger); err != nil {
			return nil, err
		}
	}

	newDecoder := opts.newDecoder
	if newDecoder == nil {
		newDecoder = func(executable string, logger *zap.Logger) (Decoder, error) {
			return audio.NewDecoder(executable, logger)
		}
	}
	decoder, err := newDecoder(opts.FFmpegPath, logger)
	if err != nil {
		return nil, err
	}

	newRecognizer := opts.newRecognizer
	if newRecognizer == nil {
		newRecognizer = func(override string, logger *zap.Logger) (Recognizer, error) {
			return NewCLIEngine(override, logger)
		}
	}
	recognizer, err := newRecognizer(opts.WhisperPath, logger)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		Model:                model,
		Device:               opts.Device,
		ChunkLength:          opts.ChunkLength,
		Stride:               opts.ChunkLength / 6,
		Threads:              opts.Threads,
		Decoder:              decoder,
		Recognizer:           recognizer,
		Logger:               logger,
		SilenceThresholdDBFS: audio.DefaultSilenceThresholdDBFS,
	}

	if opts.Warmup {
		started := time.Now()
		if err := p.warmup(ctx); err != nil {
			return nil, fmt.Errorf("warm up model %s: %w", model.DisplayName(), err)
		}
		logger.Info("model warmed up", zap.String("model", model.DisplayName()), zap.Duration("elapsed", time.Since(started)))
	}

	return p, nil
}

func ensureDownloaded(ctx context.Context, model ResolvedModel, opts LoadOptions, logger *zap.Logger) (ResolvedModel, error) {
	if !opts.AutoDownload {
		return ResolvedModel{}, fmt.Errorf("model %q is missing at %s; run `whisperd setup --model %s` or set ASR_AUTO_DOWNLOAD=true", model.Name, model.Path, model.Name)
	}

	downloadFn := opts.downloadFn
	if downloadFn == nil {
		downloadFn = download.DownloadFile
	}

	logger.Info("model not found, downloading",
		zap.String("model", model.Name),
		zap.String("destination", model.Path),
		zap.Int("size_mib", model.SizeMiB),
	)
	if err := downloadFn(ctx, download.Options{
		URL:            model.URL,
		Destination:    model.Path,
		ExpectedSHA256: model.SHA256,
		ChecksumURL:    model.SHA256URL,
		NoProgress:     opts.NoProgress,
		Logger:         logger,
	}); err != nil {
		return ResolvedModel{}, fmt.Errorf("download model %q: %w", model.Name, err)
	}

	model.NeedsDownload = false
	return model, nil
}

func (p *Pipeline) warmup(ctx context.Context) error {
	dir, err := p.makeWorkDir()
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	silence := audio.WAV{
		AudioFormat:   1,
		Channels:      1,
		SampleRate:    audio.TargetSampleRate,
		BitsPerSample: 16,
		Data:          make([]byte, audio.TargetSampleRate*2),
	}
	path := filepath.Join(dir, "warmup.wav")
	if err := silence.WriteFile(path); err != nil {
		return err
	}

	_, err = p.Recognizer.Recognize(ctx, WindowRequest{
		AudioPath: path,
		ModelPath: p.Model.Path,
		Language:  "auto",
		Threads:   p.Threads,
		UseGPU:    p.Device == platform.DeviceCUDA,
	})
	return err
}
