package whisper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/fmueller/whisperd/internal/platform"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrEngineNotFound = errors.New("whisper-cli engine not found")

// CLIEngine runs whisper.cpp's whisper-cli once per window and reads its
// JSON output.
type CLIEngine struct {
	Executable string
	Logger     *zap.Logger
	// TempDir receives the JSON output files; empty means os.TempDir.
	TempDir string
}

// NewCLIEngine resolves the whisper-cli executable: an explicit override,
// then well-known locations next to the running binary, then PATH.
func NewCLIEngine(override string, logger *zap.Logger) (*CLIEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if override = strings.TrimSpace(override); override != "" {
		if err := ensureExecutable(override); err != nil {
			return nil, fmt.Errorf("WHISPER_PATH is not executable: %w", err)
		}
		return &CLIEngine{Executable: override, Logger: logger}, nil
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve whisperd executable path: %w", err)
	}

	exe, err := ResolveEnginePath(self, exec.LookPath)
	if err != nil {
		return nil, err
	}
	return &CLIEngine{Executable: exe, Logger: logger}, nil
}

func ResolveEnginePath(selfExecutable string, lookPath func(string) (string, error)) (string, error) {
	for _, candidate := range EnginePathCandidates(selfExecutable) {
		if err := ensureExecutable(candidate); err == nil {
			return candidate, nil
		}
	}

	if lookPath != nil {
		if found, err := lookPath(engineBinaryName()); err == nil {
			return found, nil
		}
	}

	return "", fmt.Errorf("%w near %s or in PATH; install whisper.cpp or set WHISPER_PATH", ErrEngineNotFound, selfExecutable)
}

func EnginePathCandidates(selfExecutable string) []string {
	binDir := filepath.Dir(selfExecutable)
	engineName := engineBinaryName()

	return []string{
		filepath.Join(binDir, "..", "libexec", "whisper", engineName),
		filepath.Join(binDir, "libexec", "whisper", engineName),
		filepath.Join(binDir, "packaging", "whisper", platform.CurrentRuntime().Target(), engineName),
		filepath.Join(binDir, engineName),
	}
}

// Args builds the whisper-cli command line for one window.
func (req WindowRequest) Args(outBase string) []string {
	args := []string{"-m", req.ModelPath, "-f", req.AudioPath, "-oj", "-of", outBase}

	lang := strings.TrimSpace(req.Language)
	if lang == "" {
		lang = "auto"
	}
	args = append(args, "-l", lang)

	if req.WordTimestamps {
		args = append(args, "-ml", "1", "-sow")
	}
	if req.Threads > 0 {
		args = append(args, "-t", strconv.Itoa(req.Threads))
	}
	if !req.UseGPU {
		args = append(args, "-ng")
	}
	return args
}

func (e *CLIEngine) Recognize(ctx context.Context, req WindowRequest) ([]Segment, error) {
	if strings.TrimSpace(req.AudioPath) == "" {
		return nil, errors.New("audio path is required")
	}
	if strings.TrimSpace(req.ModelPath) == "" {
		return nil, errors.New("model path is required")
	}

	if err := ensureExecutable(e.Executable); err != nil {
		return nil, fmt.Errorf("whisper engine missing or not executable: %w", err)
	}

	tempDir := e.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	outBase := filepath.Join(tempDir, "whisperd-"+uuid.NewString())
	jsonOut := outBase + ".json"
	defer os.Remove(jsonOut)

	args := req.Args(outBase)
	cmd := exec.CommandContext(ctx, e.Executable, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	e.log().Debug("running whisper engine", zap.String("engine", e.Executable), zap.Strings("args", args))
	if err := cmd.Run(); err != nil {
		errText := strings.TrimSpace(stderr.String())
		if isMissingSharedLibraryError(errText) {
			return nil, fmt.Errorf("whisper engine at %s is missing required shared libraries (%s); rebuild whisper-cli with BUILD_SHARED_LIBS=OFF or install its libraries", e.Executable, errText)
		}
		if isIllegalInstructionError(errText) || isIllegalInstructionError(err.Error()) {
			return nil, fmt.Errorf("whisper engine crashed with an illegal CPU instruction; " +
				"your CPU may lack required instruction set extensions; " +
				"set WHISPER_PATH to a whisper-cli binary built for your CPU")
		}
		return nil, fmt.Errorf("whisper transcribe failed: %w (%s)", err, lastLine(errText))
	}

	content, err := os.ReadFile(jsonOut)
	if err != nil {
		return nil, fmt.Errorf("read whisper output: %w", err)
	}
	return ParseOutput(content)
}

func (e *CLIEngine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func engineBinaryName() string {
	if runtime.GOOS == "windows" {
		return "whisper-cli.exe"
	}
	return "whisper-cli"
}

func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if runtime.GOOS != "windows" && info.Mode()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func isMissingSharedLibraryError(stderr string) bool {
	value := strings.ToLower(strings.TrimSpace(stderr))
	if value == "" {
		return false
	}

	patterns := []string{
		"error while loading shared libraries",
		"cannot open shared object file",
		"dyld: library not loaded",
		"image not found",
	}

	for _, pattern := range patterns {
		if strings.Contains(value, pattern) {
			return true
		}
	}

	return false
}

func isIllegalInstructionError(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "illegal instruction")
}

// whisper-cli logs model details to stderr; the reason for a failure is on
// the last line.
func lastLine(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.LastIndexByte(text, '\n'); i >= 0 {
		return strings.TrimSpace(text[i+1:])
	}
	return text
}
