package config

import (
	"fmt"
	"net"
	"strconv"
)

const (
	DefaultModel        = "large-v3"
	DefaultHost         = "0.0.0.0"
	DefaultPort         = 8821
	DefaultChunkLengthS = 30
	DefaultFFmpegPath   = "ffmpeg"
	DefaultCORSOrigins  = "*"
)

// Config is populated once at startup and read-only afterwards.
type Config struct {
	Model        string
	ModelDir     string
	AutoDownload bool
	Warmup       bool
	ForceCPU     bool
	ChunkLengthS int
	Threads      int
	Host         string
	Port         int
	WhisperPath  string
	FFmpegPath   string
	CORSOrigins  []string
	Verbose      bool
	JSONLogs     bool
}

func Default() Config {
	return Config{
		Model:        DefaultModel,
		AutoDownload: true,
		Warmup:       true,
		ChunkLengthS: DefaultChunkLengthS,
		Host:         DefaultHost,
		Port:         DefaultPort,
		FFmpegPath:   DefaultFFmpegPath,
		CORSOrigins:  []string{DefaultCORSOrigins},
	}
}

// Validate applies defaults for blank fields and rejects out-of-range values.
func (c *Config) Validate() error {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = DefaultFFmpegPath
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{DefaultCORSOrigins}
	}
	if c.ChunkLengthS <= 0 {
		return fmt.Errorf("config: chunk length must be > 0 seconds, got %d", c.ChunkLengthS)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port must be within 1-65535, got %d", c.Port)
	}
	if c.Threads < 0 {
		return fmt.Errorf("config: threads must be >= 0, got %d", c.Threads)
	}
	return nil
}

func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
