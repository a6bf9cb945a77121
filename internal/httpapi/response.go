package httpapi

import (
	"net/http"

	"github.com/fmueller/whisperd/internal/transcription"
	"github.com/gin-gonic/gin"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

func respondDetail(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Detail: detail})
}

func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	respondDetail(c, StatusFor(transcription.KindOf(err)), err.Error())
}

// StatusFor maps a service error kind to its HTTP status.
func StatusFor(kind transcription.Kind) int {
	switch kind {
	case transcription.KindUnavailable:
		return http.StatusServiceUnavailable
	case transcription.KindInvalidInput:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
