package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	EnvModel        = "ASR_MODEL"
	EnvModelDir     = "ASR_MODEL_DIR"
	EnvAutoDownload = "ASR_AUTO_DOWNLOAD"
	EnvWarmup       = "ASR_WARMUP"
	EnvThreads      = "ASR_THREADS"
	EnvForceCPU     = "FORCE_CPU"
	EnvChunkLengthS = "CHUNK_LENGTH_S"
	EnvHost         = "SERVER_HOST"
	EnvPort         = "SERVER_PORT"
	EnvWhisperPath  = "WHISPER_PATH"
	EnvFFmpegPath   = "FFMPEG_PATH"
	EnvCORSOrigins  = "CORS_ALLOW_ORIGINS"
	EnvLogVerbose   = "LOG_VERBOSE"
	EnvLogJSON      = "LOG_JSON"
)

// Loader reads configuration from environment variables. Tests override
// Lookup to inject deterministic maps.
type Loader struct {
	Lookup func(string) (string, bool)
	// DotEnv lists files loaded into the process environment before reading.
	// Missing files are ignored.
	DotEnv []string
}

func (l Loader) Load() (Config, error) {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}

	for _, path := range l.DotEnv {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	cfg := Default()

	overrideString(l.Lookup, EnvModel, &cfg.Model)
	overrideString(l.Lookup, EnvModelDir, &cfg.ModelDir)
	overrideString(l.Lookup, EnvHost, &cfg.Host)
	overrideString(l.Lookup, EnvWhisperPath, &cfg.WhisperPath)
	overrideString(l.Lookup, EnvFFmpegPath, &cfg.FFmpegPath)

	if err := overrideBool(l.Lookup, EnvAutoDownload, &cfg.AutoDownload); err != nil {
		return Config{}, err
	}
	if err := overrideBool(l.Lookup, EnvWarmup, &cfg.Warmup); err != nil {
		return Config{}, err
	}
	if err := overrideBool(l.Lookup, EnvForceCPU, &cfg.ForceCPU); err != nil {
		return Config{}, err
	}
	if err := overrideBool(l.Lookup, EnvLogVerbose, &cfg.Verbose); err != nil {
		return Config{}, err
	}
	if err := overrideBool(l.Lookup, EnvLogJSON, &cfg.JSONLogs); err != nil {
		return Config{}, err
	}
	if err := overrideInt(l.Lookup, EnvChunkLengthS, &cfg.ChunkLengthS); err != nil {
		return Config{}, err
	}
	if err := overrideInt(l.Lookup, EnvPort, &cfg.Port); err != nil {
		return Config{}, err
	}
	if err := overrideInt(l.Lookup, EnvThreads, &cfg.Threads); err != nil {
		return Config{}, err
	}

	if raw, ok := l.Lookup(EnvCORSOrigins); ok && strings.TrimSpace(raw) != "" {
		cfg.CORSOrigins = splitList(raw)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
		*target = strings.TrimSpace(value)
	}
}

func overrideBool(lookup func(string) (string, bool), key string, target *bool) error {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	parsed, err := strconv.ParseBool(strings.ToLower(strings.TrimSpace(value)))
	if err != nil {
		return fmt.Errorf("config: %s must be a boolean, got %q", key, value)
	}
	*target = parsed
	return nil
}

func overrideInt(lookup func(string) (string, bool), key string, target *int) error {
	value, ok := lookup(key)
	if !ok || strings.TrimSpace(value) == "" {
		return nil
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("config: %s must be an integer, got %q", key, value)
	}
	*target = parsed
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
