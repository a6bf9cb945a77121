package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fmueller/whisperd/internal/config"
	"github.com/fmueller/whisperd/internal/httpapi"
	"github.com/fmueller/whisperd/internal/platform"
	"github.com/fmueller/whisperd/internal/transcription"
	"github.com/fmueller/whisperd/internal/whisper"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Load the model and serve the transcription API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runServe(cmd.Context())
		},
	}
	bindServeFlags(cmd, app)
	return cmd
}

func (a *appState) runServe(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := a.cfg
	logger := a.log()

	info := a.reportDevice(ctx, cfg)

	svc := transcription.NewService(cfg.Model, logger)
	// A failed load is logged by the service; the API keeps answering with 503.
	_ = svc.Load(ctx, a.engineFactory(cfg, info.Device))
	if ctx.Err() != nil {
		return nil
	}

	if cfg.Verbose {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := httpapi.NewRouter(httpapi.Options{
		Service:     svc,
		Logger:      logger.Named("http"),
		CORSOrigins: cfg.CORSOrigins,
	})

	listen := a.listen
	if listen == nil {
		listen = net.Listen
	}
	ln, err := listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Addr(), err)
	}

	server := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 30 * time.Second,
	}
	logger.Info("http server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("model", cfg.Model),
		zap.Bool("model_available", svc.Available()),
	)
	return serveUntilDone(ctx, server, ln, logger)
}

// serveUntilDone runs server on ln until ctx is cancelled, then shuts it down
// gracefully.
func serveUntilDone(ctx context.Context, server *http.Server, ln net.Listener, logger *zap.Logger) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down http server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", zap.Error(err))
			return err
		}
		logger.Info("http server stopped")
		return nil
	})

	return group.Wait()
}

func (a *appState) engineFactory(cfg config.Config, device platform.Device) transcription.Factory {
	load := a.loadEngine
	if load == nil {
		load = loadPipeline
	}
	return func(ctx context.Context) (whisper.Engine, error) {
		return load(ctx, whisper.LoadOptions{
			Model:        cfg.Model,
			ModelDir:     cfg.ModelDir,
			AutoDownload: cfg.AutoDownload,
			Device:       device,
			ChunkLength:  time.Duration(cfg.ChunkLengthS) * time.Second,
			Threads:      cfg.Threads,
			WhisperPath:  cfg.WhisperPath,
			FFmpegPath:   cfg.FFmpegPath,
			Warmup:       cfg.Warmup,
			NoProgress:   a.noProgress,
			Logger:       a.log().Named("engine"),
		})
	}
}

// reportDevice selects the compute device and logs it together with the
// GPU and host details.
func (a *appState) reportDevice(ctx context.Context, cfg config.Config) platform.DeviceInfo {
	logger := a.log()
	info := platform.DetectDevice(ctx, cfg.ForceCPU, a.probe)

	switch {
	case info.Forced:
		logger.Info("forcing CPU inference", zap.String("device", string(info.Device)), zap.String("precision", info.Device.Precision()))
	case info.Device == platform.DeviceCUDA:
		logger.Info("CUDA available, using GPU", zap.String("device", string(info.Device)), zap.String("precision", info.Device.Precision()))
	default:
		logger.Info("CUDA unavailable, using CPU", zap.String("device", string(info.Device)), zap.String("precision", info.Device.Precision()))
	}

	for i, gpu := range info.GPUs {
		logger.Info("gpu",
			zap.Int("index", i),
			zap.String("name", gpu.Name),
			zap.String("driver", gpu.DriverVersion),
			zap.String("memory", gpu.MemoryTotal),
		)
	}

	host, err := platform.DescribeHost(ctx)
	if err != nil {
		logger.Debug("host inspection failed", zap.Error(err))
		return info
	}
	logger.Info("host",
		zap.String("cpu", host.CPUModel),
		zap.Int("logical_cores", host.LogicalCores),
		zap.Uint64("memory_bytes", host.MemoryTotal),
	)
	return info
}
