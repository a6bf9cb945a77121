package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/fmueller/whisperd/internal/config"
	"github.com/fmueller/whisperd/internal/logging"
	"github.com/fmueller/whisperd/internal/platform"
	"github.com/fmueller/whisperd/internal/version"
	"github.com/fmueller/whisperd/internal/whisper"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/term"
)

type appState struct {
	verbose      bool
	jsonLogs     bool
	noProgress   bool
	envFiles     []string
	model        string
	modelDir     string
	autoDownload bool
	warmup       bool
	host         string
	port         int
	forceCPU     bool
	chunkLength  int
	threads      int
	whisperPath  string
	ffmpegPath   string

	cfg    config.Config
	logger *zap.Logger
	out    io.Writer

	lookupEnv  func(string) (string, bool)
	newLogger  func(opts logging.Options) (*zap.Logger, error)
	probe      platform.CommandRunner
	loadEngine func(ctx context.Context, opts whisper.LoadOptions) (whisper.Engine, error)
	listen     func(network, address string) (net.Listener, error)
}

func newAppState() *appState {
	defaults := config.Default()
	return &appState{
		envFiles:     []string{".env"},
		model:        defaults.Model,
		autoDownload: defaults.AutoDownload,
		warmup:       defaults.Warmup,
		host:         defaults.Host,
		port:         defaults.Port,
		chunkLength:  defaults.ChunkLengthS,
		ffmpegPath:   defaults.FFmpegPath,
		out:          os.Stdout,
		lookupEnv:    os.LookupEnv,
		newLogger:    logging.New,
		probe:        platform.ExecRunner,
		loadEngine:   loadPipeline,
		listen:       net.Listen,
	}
}

func NewRootCmd() *cobra.Command {
	return newRootCmd(newAppState())
}

func newRootCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whisperd",
		Short: "HTTP speech-to-text service backed by whisper.cpp",
		Long: "whisperd loads a Whisper model once at startup and serves transcriptions over HTTP.\n" +
			"Running it without a subcommand is the same as `whisperd serve`.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.prepare(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runServe(cmd.Context())
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	bindGlobalFlags(cmd, app)
	bindServeFlags(cmd, app)

	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newDevicesCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindGlobalFlags(cmd *cobra.Command, app *appState) {
	flags := cmd.PersistentFlags()
	flags.BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs (LOG_VERBOSE)")
	flags.BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging (LOG_JSON)")
	flags.BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators")
	flags.StringSliceVar(&app.envFiles, "env-file", app.envFiles, "Dotenv files loaded before reading the environment")
	flags.StringVar(&app.model, "model", app.model, "Model name or model file path (ASR_MODEL)")
	flags.StringVar(&app.modelDir, "model-dir", app.modelDir, "Directory where models are stored (ASR_MODEL_DIR)")
}

func bindServeFlags(cmd *cobra.Command, app *appState) {
	flags := cmd.Flags()
	flags.StringVar(&app.host, "host", app.host, "Bind host (SERVER_HOST)")
	flags.IntVar(&app.port, "port", app.port, "Bind port (SERVER_PORT)")
	flags.BoolVar(&app.forceCPU, "force-cpu", app.forceCPU, "Run inference on the CPU even when a GPU is present (FORCE_CPU)")
	flags.IntVar(&app.chunkLength, "chunk-length", app.chunkLength, "Audio window in seconds per engine call (CHUNK_LENGTH_S)")
	flags.IntVar(&app.threads, "threads", app.threads, "whisper-cli threads, 0 for the engine default (ASR_THREADS)")
	flags.StringVar(&app.whisperPath, "whisper-path", app.whisperPath, "whisper-cli executable (WHISPER_PATH)")
	flags.StringVar(&app.ffmpegPath, "ffmpeg-path", app.ffmpegPath, "ffmpeg executable (FFMPEG_PATH)")
	flags.BoolVar(&app.autoDownload, "auto-download", app.autoDownload, "Download a missing named model at startup (ASR_AUTO_DOWNLOAD)")
	flags.BoolVar(&app.warmup, "warmup", app.warmup, "Run the engine once at startup (ASR_WARMUP)")
}

// prepare resolves configuration from the environment, lets explicitly set
// flags win, and builds the logger.
func (a *appState) prepare(flags *pflag.FlagSet) error {
	lookup := a.lookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	cfg, err := config.Loader{Lookup: lookup, DotEnv: a.envFiles}.Load()
	if err != nil {
		return err
	}
	a.applyFlags(flags, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	newLogger := a.newLogger
	if newLogger == nil {
		newLogger = logging.New
	}
	logger, err := newLogger(logging.Options{Verbose: cfg.Verbose, JSON: cfg.JSONLogs})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	a.logger = logger
	return nil
}

func (a *appState) applyFlags(flags *pflag.FlagSet, cfg *config.Config) {
	changed := func(name string) bool {
		f := flags.Lookup(name)
		return f != nil && f.Changed
	}

	if changed("verbose") {
		cfg.Verbose = a.verbose
	}
	if changed("json") {
		cfg.JSONLogs = a.jsonLogs
	}
	if changed("model") {
		cfg.Model = a.model
	}
	if changed("model-dir") {
		cfg.ModelDir = a.modelDir
	}
	if changed("host") {
		cfg.Host = a.host
	}
	if changed("port") {
		cfg.Port = a.port
	}
	if changed("force-cpu") {
		cfg.ForceCPU = a.forceCPU
	}
	if changed("chunk-length") {
		cfg.ChunkLengthS = a.chunkLength
	}
	if changed("threads") {
		cfg.Threads = a.threads
	}
	if changed("whisper-path") {
		cfg.WhisperPath = a.whisperPath
	}
	if changed("ffmpeg-path") {
		cfg.FFmpegPath = a.ffmpegPath
	}
	if changed("auto-download") {
		cfg.AutoDownload = a.autoDownload
	}
	if changed("warmup") {
		cfg.Warmup = a.warmup
	}
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func (a *appState) outWriter() io.Writer {
	if a.out == nil {
		return os.Stdout
	}
	return a.out
}

func loadPipeline(ctx context.Context, opts whisper.LoadOptions) (whisper.Engine, error) {
	p, err := whisper.Load(ctx, opts)
	if err != nil {
		return nil, err
	}
	return p, nil
}
