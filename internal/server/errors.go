package server

import (
	"errors"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/papermerge/papermerge-core-sub000/internal/apperr"
	"go.uber.org/zap"
)

const opRequest = "server.request"

// writeError renders err as the {kind, detail, field} envelope.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	status, envelope := apperr.EnvelopeOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("route", c.FullPath()),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	c.AbortWithStatusJSON(status, envelope)
}

// badRequest turns binding and ozzo errors into a Validation error naming the
// first offending field.
func badRequest(err error) error {
	var fields validation.Errors
	if errors.As(err, &fields) && len(fields) > 0 {
		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		sort.Strings(names)
		first := names[0]
		return apperr.WithField(apperr.New(apperr.KindValidation, opRequest, first+": "+fields[first].Error()), first)
	}
	return apperr.New(apperr.KindValidation, opRequest, "malformed request body")
}
