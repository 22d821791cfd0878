package server

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"vtonflow/internal/catalogue"
	"vtonflow/internal/client"
	"vtonflow/internal/models"
	"vtonflow/internal/workflow"
)

func statusOf(err error) int {
	var (
		pe *catalogue.PreconditionError
		ve *client.ValidationError
		se *client.StatusError
	)
	switch {
	case errors.As(err, &pe), errors.As(err, &ve),
		errors.Is(err, models.ErrInvalidPayload),
		errors.Is(err, workflow.ErrEmptyCrop),
		errors.Is(err, catalogue.ErrUnknownField):
		return http.StatusUnprocessableEntity
	case errors.Is(err, workflow.ErrUnknownItem), errors.Is(err, client.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, workflow.ErrInvalidTransition),
		errors.Is(err, workflow.ErrAlreadyProcessing),
		errors.Is(err, client.ErrConflict),
		errors.Is(err, catalogue.ErrNotEditable),
		errors.Is(err, catalogue.ErrUploadPending),
		errors.Is(err, catalogue.ErrNothingToRetry):
		return http.StatusConflict
	case isTimeout(err):
		return http.StatusGatewayTimeout
	case errors.Is(err, client.ErrNetwork), errors.As(err, &se):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func isTimeout(err error) bool {
	var ne *client.NetworkError
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// fail writes err as a JSON error body. Structured detail from the backend
// or the draft is passed through.
func (s *Server) fail(c *gin.Context, err error) {
	status := statusOf(err)
	body := gin.H{"error": err.Error()}

	var (
		pe *catalogue.PreconditionError
		ve *client.ValidationError
	)
	if errors.As(err, &pe) {
		body["missing"] = pe.Missing
	}
	if errors.As(err, &ve) {
		body["error"] = ve.Message
		if len(ve.Errors) > 0 {
			body["errors"] = ve.Errors
		}
	}
	if step := stepOf(err); step != "" {
		body["failed_step"] = step
	}

	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	_ = c.Error(err)
	c.JSON(status, body)
}
