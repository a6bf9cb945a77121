package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/fmueller/whisperd/internal/transcription"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type handlers struct {
	service Transcriber
	logger  *zap.Logger
}

func (h *handlers) root(c *gin.Context) {
	c.JSON(http.StatusOK, MessageResponse{Message: h.service.Status()})
}

// transcribe handles POST /transcribe/. return_timestamps and language are
// read from the query string first and then from the multipart form.
// Request shape is checked before the service sees it, so a malformed
// request gets 422 even while the model is unavailable.
func (h *handlers) transcribe(c *gin.Context) {
	returnTimestamps := false
	if raw, ok := param(c, "return_timestamps"); ok {
		parsed, err := parseBool(raw)
		if err != nil {
			respondDetail(c, http.StatusUnprocessableEntity, err.Error())
			return
		}
		returnTimestamps = parsed
	}

	language := transcription.DefaultLanguage
	if raw, ok := param(c, "language"); ok {
		language = raw
	}

	header, err := c.FormFile("file")
	if err != nil {
		respondDetail(c, http.StatusUnprocessableEntity, formFileError(err))
		return
	}

	file, err := header.Open()
	if err != nil {
		respondError(c, fmt.Errorf("open upload: %w", err))
		return
	}
	defer file.Close()

	// Inference is not cancelled when the client disconnects.
	ctx := context.WithoutCancel(c.Request.Context())

	resp, err := h.service.Transcribe(ctx, transcription.Request{
		FileName:         header.Filename,
		Audio:            file,
		ReturnTimestamps: returnTimestamps,
		Language:         language,
	})
	if err != nil {
		h.logger.Debug("transcribe request rejected",
			zap.String("request_id", requestID(c)),
			zap.String("kind", string(transcription.KindOf(err))),
			zap.Error(err),
		)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func param(c *gin.Context, key string) (string, bool) {
	if v, ok := c.GetQuery(key); ok {
		return v, true
	}
	return c.GetPostForm(key)
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	}
	return false, fmt.Errorf("return_timestamps: input should be a valid boolean, unable to interpret %q", raw)
}

func formFileError(err error) string {
	if errors.Is(err, http.ErrMissingFile) {
		return "file: field required"
	}
	return fmt.Sprintf("file: %v", err)
}
