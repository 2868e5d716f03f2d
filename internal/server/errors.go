package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/serpco/storefront/internal/payment/domain"
)

var ErrUnauthorized = errors.New("unauthorized")

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

// ErrorHandlingMiddleware converts errors attached to the gin context
// into a JSON error response after the handler chain runs.
func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}
		last := c.Errors.Last()
		if last == nil {
			return
		}
		status, payload := mapError(last.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

// AbortWithError records err on the context for ErrorHandlingMiddleware
// and stops the handler chain.
func AbortWithError(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{Type: "invalid_signature", Message: "webhook signature verification failed"}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{Type: "unauthorized", Message: "missing or invalid credentials"}
	case errors.Is(err, domain.ErrInvalidPayload):
		return http.StatusBadRequest, errorPayload{Type: "invalid_payload", Message: "request body is not valid JSON"}
	case errors.Is(err, domain.ErrInvalidProvider), errors.Is(err, domain.ErrProviderNotFound):
		return http.StatusNotFound, errorPayload{Type: "unknown_provider", Message: "no payment adapter for this provider"}
	case errors.Is(err, domain.ErrInvalidConfig):
		return http.StatusBadRequest, errorPayload{Type: "invalid_provider_config", Message: "provider is not configured"}
	default:
		return http.StatusInternalServerError, errorPayload{Type: "internal_error", Message: "internal server error"}
	}
}
