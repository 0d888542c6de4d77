package middleware

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"orderflow/pkg/limiter"
	"orderflow/pkg/log"
	"orderflow/pkg/utils"
)

// RateLimitConfig configures RateLimit
type RateLimitConfig struct {
	Limiter limiter.RateLimiter
	// KeyFunc selects the budget a request is charged to. Defaults to the client IP.
	KeyFunc func(c *gin.Context) string
}

// RateLimit rejects requests over budget with 429. A limiter error lets the request
// through.
func RateLimit(config RateLimitConfig) gin.HandlerFunc {
	if config.KeyFunc == nil {
		config.KeyFunc = ByIP
	}
	return func(c *gin.Context) {
		key := config.KeyFunc(c)
		allowed, err := config.Limiter.Allow(c.Request.Context(), key)
		if err != nil {
			log.WithContext(c.Request.Context()).WithError(err).WithField("key", key).Warn("Rate limiter unavailable, allowing request")
			c.Next()
			return
		}
		if !allowed {
			log.WithFields(map[string]interface{}{
				"key":    key,
				"path":   c.Request.URL.Path,
				"method": c.Request.Method,
			}).Warn("Rate limit exceeded")
			c.Header("Retry-After", "1")
			utils.Error(c, utils.CodeRateLimit, "Too many requests")
			return
		}
		c.Next()
	}
}

// ByIP keys by client address
func ByIP(c *gin.Context) string {
	return fmt.Sprintf("ip:%s", c.ClientIP())
}

// ByCustomer keys by the authenticated customer, falling back to the client address
func ByCustomer(c *gin.Context) string {
	if id, ok := GetCustomerID(c); ok {
		return fmt.Sprintf("customer:%s", id)
	}
	return ByIP(c)
}

// Global charges every request to one budget
func Global(*gin.Context) string {
	return "global"
}
