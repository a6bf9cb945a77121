package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// TargetSampleRate is the rate whisper models are trained on.
const TargetSampleRate = 16000

var ErrDecoderNotFound = errors.New("ffmpeg not found")

// RunFunc executes name with args and returns its captured stderr.
type RunFunc func(ctx context.Context, name string, args ...string) (stderr string, err error)

// Decoder converts any container ffmpeg understands into 16 kHz mono PCM16 WAV.
type Decoder struct {
	Executable string
	Logger     *zap.Logger
	Run        RunFunc
}

func NewDecoder(executable string, logger *zap.Logger) (*Decoder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(executable) == "" {
		executable = "ffmpeg"
	}

	resolved, err := exec.LookPath(executable)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecoderNotFound, executable, err)
	}

	return &Decoder{Executable: resolved, Logger: logger}, nil
}

func (d *Decoder) DecodeFile(ctx context.Context, inputPath, outputPath string) error {
	if strings.TrimSpace(inputPath) == "" {
		return errors.New("input path is required")
	}
	if strings.TrimSpace(outputPath) == "" {
		return errors.New("output path is required")
	}

	args := []string{
		"-nostdin", "-hide_banner", "-loglevel", "error", "-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(TargetSampleRate),
		"-c:a", "pcm_s16le",
		"-f", "wav",
		outputPath,
	}

	run := d.Run
	if run == nil {
		run = runCommand
	}

	d.log().Debug("decoding audio", zap.String("ffmpeg", d.Executable), zap.Strings("args", args))
	if stderr, err := run(ctx, d.Executable, args...); err != nil {
		return fmt.Errorf("decode audio with ffmpeg: %w (%s)", err, strings.TrimSpace(stderr))
	}
	return nil
}

func (d *Decoder) log() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.String(), err
}
