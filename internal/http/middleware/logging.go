// README: Request logging middleware.
package middleware

import (
	"log"
	"time"

	"github.com/gin-gonic/gin"
)

func Logging() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Printf("%s %s %d %s uid=%s", c.Request.Method, c.FullPath(), c.Writer.Status(), time.Since(start).Round(time.Millisecond), CallerUID(c))
	}
}
