package server

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/serpco/storefront/internal/backfill"
)

const monitoringTokenHeader = "X-Monitoring-Token"

// monitoringAuth guards the monitoring group with the configured token,
// accepted as a bearer token or via X-Monitoring-Token. With no token
// configured the endpoints stay open for local use.
func (s *Server) monitoringAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := s.cfg.Monitoring.Token
		if token == "" {
			c.Next()
			return
		}
		presented := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if presented == "" {
			presented = strings.TrimSpace(c.GetHeader(monitoringTokenHeader))
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// HandleEntitlementRetry runs one backfill pass over failed entitlement
// grants and reports the run counters.
func (s *Server) HandleEntitlementRetry(c *gin.Context) {
	opts := backfill.Options{
		Limit:         queryInt(c, "limit"),
		LookbackHours: queryInt(c, "lookbackHours"),
		DryRun:        queryBool(c, "dryRun"),
		Alert:         queryBool(c, "alert"),
	}
	counters, err := s.backfill.Run(c.Request.Context(), opts)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, counters)
}

func queryInt(c *gin.Context, key string) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return v
}

func queryBool(c *gin.Context, key string) bool {
	v, err := strconv.ParseBool(c.Query(key))
	if err != nil {
		return false
	}
	return v
}
