package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HandlePaymentWebhook accepts a raw provider delivery. The body is
// passed through untouched so signature verification sees the exact
// bytes the provider signed.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if err := s.payments.IngestWebhook(c.Request.Context(), provider, payload, c.Request.Header); err != nil {
		s.log.Warn("webhook ingestion failed",
			zap.String("provider", provider), zap.Error(err))
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}
