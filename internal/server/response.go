package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	rentwheel "github.com/rentwheel/rentwheel/sdk/golang"
)

type envelope struct {
	OK    bool                `json:"ok"`
	Data  any                 `json:"data,omitempty"`
	Error *rentwheel.APIError `json:"error,omitempty"`
}

func respond(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{OK: true, Data: data})
}

func statusFor(kind rentwheel.ErrorKind) int {
	switch kind {
	case rentwheel.KindUnauthenticated:
		return http.StatusUnauthorized
	case rentwheel.KindUnauthorized:
		return http.StatusForbidden
	case rentwheel.KindValidation:
		return http.StatusBadRequest
	case rentwheel.KindNotFound:
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// respondError writes err as an envelope. Transient errors are logged and
// their detail withheld.
func respondError(c *gin.Context, err error) {
	kind := rentwheel.KindOf(err)
	status := statusFor(kind)
	msg := err.Error()
	var e *rentwheel.Error
	if errors.As(err, &e) && e.Err != nil {
		msg = e.Err.Error()
	}
	if kind == rentwheel.KindTransient {
		requestLog(c).Error().Err(err).Msg("request failed")
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, envelope{Error: &rentwheel.APIError{Code: string(kind), Message: msg}})
}

func fail(c *gin.Context, kind rentwheel.ErrorKind, msg string) {
	respondError(c, rentwheel.NewError(kind, "", errors.New(msg)))
}
