package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"classattend/internal/apperr"
)

// envelope is the body of every /v1 response. Code repeats the HTTP status.
type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

func respond(c *gin.Context, code int, data any) {
	c.JSON(code, envelope{Code: code, Message: "ok", Data: data})
}

// httpStatus maps an error kind to its response status.
func httpStatus(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindPermission:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindBusinessRule:
		return http.StatusConflict
	case apperr.KindTimeWindow:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *handlers) fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	code := httpStatus(kind)
	if code == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(code, envelope{Code: code, Message: apperr.MessageOf(err), Data: gin.H{"kind": kind}})
}
