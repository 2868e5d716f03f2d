package server

import (
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

const requestIDHeader = "X-Request-Id"

// RequestIDMiddleware tags every request with an id, keeping the
// caller's value when one is supplied.
func RequestIDMiddleware(node *snowflake.Node) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = node.Generate().String()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}
