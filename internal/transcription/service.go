package transcription

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fmueller/whisperd/internal/logging"
	"github.com/fmueller/whisperd/internal/whisper"
	"go.uber.org/zap"
)

const DefaultLanguage = "ru"

var SupportedFormats = []string{".mp3", ".wav", ".flac", ".ogg", ".m4a", ".opus"}

// Factory constructs the engine. It runs once, at startup.
type Factory func(ctx context.Context) (whisper.Engine, error)

type Request struct {
	FileName         string
	Audio            io.Reader
	ReturnTimestamps bool
	Language         string
}

type Timestamp struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Response is the transcription result. Timestamps is nil unless they were
// requested, and points at an empty slice when the engine produced no chunks.
type Response struct {
	Text       string       `json:"text"`
	Timestamps *[]Timestamp `json:"timestamps,omitempty"`
}

type Service struct {
	model  string
	handle Handle
	logger *zap.Logger
}

func NewService(model string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{model: model, logger: logger}
}

func (s *Service) Model() string {
	return s.model
}

func (s *Service) Handle() *Handle {
	return &s.handle
}

// Load builds the engine through factory. A failure leaves the service
// permanently unavailable but is otherwise non-fatal.
func (s *Service) Load(ctx context.Context, factory Factory) error {
	s.handle.set(StateLoading, nil, nil)
	s.logger.Info("loading ASR model", zap.String("model", s.model))

	started := time.Now()
	engine, err := factory(ctx)
	if err == nil && engine == nil {
		err = fmt.Errorf("engine factory returned no engine")
	}
	if err != nil {
		s.handle.set(StateFailed, nil, err)
		s.logger.Error("failed to load ASR model", zap.String("model", s.model), zap.Error(err), logging.Trace())
		return err
	}

	s.handle.set(StateReady, engine, nil)
	s.logger.Info("ASR model loaded", zap.String("model", s.model), zap.Duration("elapsed", time.Since(started)))
	return nil
}

func (s *Service) Available() bool {
	_, ok := s.handle.Engine()
	return ok
}

// Status is the liveness message.
func (s *Service) Status() string {
	status := "is available"
	if !s.Available() {
		status = "is unavailable (failed to load)"
		if s.handle.State() == StateLoading {
			status = "is loading"
		}
	}
	return fmt.Sprintf("Whisper ASR API is running. Model %s %s.", s.model, status)
}

// Transcribe validates the upload in a fixed order (engine availability,
// extension, payload size) before handing it to the engine.
func (s *Service) Transcribe(ctx context.Context, req Request) (Response, error) {
	const op = "transcription.Transcribe"

	engine, ok := s.handle.Engine()
	if !ok {
		return Response{}, newError(KindUnavailable, op, fmt.Sprintf("ASR model %s is unavailable or not loaded", s.model))
	}

	if _, err := ValidateFileName(req.FileName); err != nil {
		return Response{}, err
	}

	logger := s.logger.With(zap.String("file", req.FileName))
	logger.Info("file received", zap.Bool("return_timestamps", req.ReturnTimestamps), zap.String("language", req.Language))

	if req.Audio == nil {
		return Response{}, newError(KindInvalidInput, op, "uploaded file is empty")
	}
	audio, err := io.ReadAll(req.Audio)
	if err != nil {
		return Response{}, s.internal(logger, op, err)
	}
	if len(audio) == 0 {
		return Response{}, newError(KindInvalidInput, op, "uploaded file is empty")
	}

	granularity := whisper.GranularitySegment
	if req.ReturnTimestamps {
		granularity = whisper.GranularityWord
	}

	logger.Info("transcription started", zap.Int("bytes", len(audio)), zap.Stringer("granularity", granularity))
	started := time.Now()

	result, err := engine.Transcribe(ctx, whisper.Request{
		FileName:    req.FileName,
		Audio:       audio,
		Granularity: granularity,
		Language:    req.Language,
	})
	if err != nil {
		return Response{}, s.internal(logger, op, err)
	}

	logger.Info("transcription finished", zap.Duration("elapsed", time.Since(started)), zap.Int("chunks", len(result.Chunks)))
	return buildResponse(result, req.ReturnTimestamps), nil
}

func (s *Service) internal(logger *zap.Logger, op string, err error) error {
	logger.Error("transcription failed", zap.Error(err), logging.Trace())
	return wrap(KindInternal, op, "internal server error during transcription", err)
}

// ValidateFileName returns the lower-cased extension of name when it is one
// of SupportedFormats.
func ValidateFileName(name string) (string, error) {
	// Leading dots belong to the stem: ".wav" and "...wav" have no extension.
	stem := strings.TrimLeft(filepath.Base(name), ".")
	ext := ""
	if i := strings.LastIndex(stem, "."); i > 0 {
		ext = strings.ToLower(stem[i:])
	}
	if ext == "" || !slices.Contains(SupportedFormats, ext) {
		return ext, newError(KindInvalidInput, "transcription.ValidateFileName",
			fmt.Sprintf("unsupported file format '%s'. Supported: %s", ext, strings.Join(SupportedFormats, ", ")))
	}
	return ext, nil
}

func buildResponse(result whisper.Result, withTimestamps bool) Response {
	resp := Response{Text: strings.TrimSpace(result.Text)}
	if !withTimestamps {
		return resp
	}

	timestamps := make([]Timestamp, 0, len(result.Chunks))
	for _, chunk := range result.Chunks {
		timestamps = append(timestamps, Timestamp{
			Text:  strings.TrimSpace(chunk.Text),
			Start: chunk.Start,
			End:   chunk.End,
		})
	}
	resp.Timestamps = &timestamps
	return resp
}
