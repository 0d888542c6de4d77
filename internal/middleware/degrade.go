package middleware

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"orderflow/pkg/degrade"
	"orderflow/pkg/log"
	"orderflow/pkg/utils"
)

// Degrade answers 503 while the operator switch for scope is on. A switch that cannot
// be read lets the request through.
func Degrade(m *degrade.Manager, scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		degraded, strategy, err := m.Check(c.Request.Context(), scope)
		if err != nil {
			log.WithContext(c.Request.Context()).WithError(err).WithField("scope", scope).Warn("Degrade switch unavailable, serving request")
			c.Next()
			return
		}
		if !degraded {
			c.Next()
			return
		}

		if strategy.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(strategy.RetryAfter.Seconds())))
		}
		utils.Error(c, utils.CodeTransient, strategy.Message)
	}
}
