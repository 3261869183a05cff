package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"livepoll/internal/poll"
	"livepoll/internal/queue"
	logx "livepoll/pkg/logx"
)

type errorBody struct {
	Success bool     `json:"success"`
	Message string   `json:"message"`
	Errors  []string `json:"errors,omitempty"`
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, errorBody{Message: msg})
}

// writeError maps an error to a response. Internal errors are logged and
// answered with a generic message.
func (s *Server) writeError(c *gin.Context, err error) {
	var ve *poll.ValidationError
	switch {
	case errors.As(err, &ve):
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Message: "Validation failed", Errors: ve.Problems})
		return
	case errors.Is(err, queue.ErrNotFound):
		fail(c, http.StatusNotFound, "Job not found")
		return
	case errors.Is(err, queue.ErrNotDead):
		fail(c, http.StatusConflict, "Job is not in the failed set")
		return
	}

	switch poll.KindOf(err) {
	case poll.KindNotFound:
		fail(c, http.StatusNotFound, capitalize(err.Error()))
	case poll.KindConflict:
		fail(c, http.StatusBadRequest, capitalize(err.Error()))
	case poll.KindTransient:
		s.log.Warn("request failed, retryable", logx.String("path", c.FullPath()), logx.Err(err))
		fail(c, http.StatusServiceUnavailable, "Service temporarily unavailable")
	default:
		s.log.Error("request failed", logx.String("path", c.FullPath()), logx.Err(err))
		fail(c, http.StatusInternalServerError, "Internal server error")
	}
}

func capitalize(s string) string {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
