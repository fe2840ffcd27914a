package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"aibuddy/internal/apperr"
)

func ok(c *gin.Context, body gin.H) {
	if body == nil {
		body = gin.H{}
	}
	body["ok"] = true
	c.JSON(http.StatusOK, body)
}

func (h *Handler) fail(c *gin.Context, err error) {
	status, body := apperr.ToResponse(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).
			Str("request_id", c.Writer.Header().Get(requestIDHeader)).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, body)
}

func badBody() error {
	return apperr.Validation("invalid request body")
}
