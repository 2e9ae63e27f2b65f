package middleware

import (
	"github.com/gin-gonic/gin"
)

// Authentication is a placeholder global middleware. It currently allows all requests.
// Operator authentication lives in the web tier in front of this API.
func Authentication(c *gin.Context) {
	c.Next()
}
