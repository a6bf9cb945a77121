package httpapi

import (
	"context"
	"net/http"
	"slices"
	"time"

	"github.com/fmueller/whisperd/internal/transcription"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Transcriber is the service behind the HTTP routes.
type Transcriber interface {
	Status() string
	Transcribe(ctx context.Context, req transcription.Request) (transcription.Response, error)
}

type Options struct {
	Service     Transcriber
	Logger      *zap.Logger
	CORSOrigins []string
}

// NewRouter builds the gin engine with recovery, request ids, access logging
// and CORS in front of the API routes. Gin's global mode is left to the caller.
func NewRouter(opts Options) *gin.Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	engine := gin.New()
	engine.HandleMethodNotAllowed = true
	engine.Use(gin.CustomRecovery(recoveryHandler(logger)))
	engine.Use(requestIDMiddleware())
	engine.Use(loggingMiddleware(logger))
	engine.Use(cors.New(corsConfig(opts.CORSOrigins)))

	h := &handlers{service: opts.Service, logger: logger}
	engine.GET("/", h.root)
	engine.POST("/transcribe/", h.transcribe)

	engine.NoRoute(func(c *gin.Context) {
		respondDetail(c, http.StatusNotFound, "Not Found")
	})
	engine.NoMethod(func(c *gin.Context) {
		respondDetail(c, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	return engine
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", RequestIDHeader},
		ExposeHeaders: []string{"Content-Length", RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}
