package middleware

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// CORSConfig mirrors the security.cors settings
type CORSConfig struct {
	AllowOrigins     []string
	AllowMethods     []string
	AllowHeaders     []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAge           time.Duration
}

// CORS Cross-Origin Resource Sharing middleware. No origins means any origin.
func CORS(cfg CORSConfig) gin.HandlerFunc {
	config := cors.DefaultConfig()
	if len(cfg.AllowOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = cfg.AllowOrigins
	}
	if len(cfg.AllowMethods) > 0 {
		config.AllowMethods = cfg.AllowMethods
	}
	config.AllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Authorization",
		"X-Request-ID",
		"traceparent",
	}
	config.AllowHeaders = append(config.AllowHeaders, cfg.AllowHeaders...)
	config.ExposeHeaders = cfg.ExposeHeaders
	// credentials cannot be combined with a wildcard origin
	config.AllowCredentials = cfg.AllowCredentials && !config.AllowAllOrigins
	if cfg.MaxAge > 0 {
		config.MaxAge = cfg.MaxAge
	}
	return cors.New(config)
}
