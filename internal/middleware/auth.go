package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"orderflow/pkg/log"
	"orderflow/pkg/utils"
)

const (
	AuthorizationHeader = "Authorization"
	BearerPrefix        = "Bearer "
	// CustomerIDKey is the context key holding the authenticated customer id
	CustomerIDKey = "customer_id"
)

// TokenValidator returns the customer id carried by a bearer token
type TokenValidator func(token string) (string, error)

// Auth rejects requests without a valid bearer token and stores the customer id in the
// gin context.
func Auth(validate TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader(AuthorizationHeader)
		if header == "" {
			utils.Error(c, utils.CodeUnauthorized, "Missing authorization header")
			return
		}
		if !strings.HasPrefix(header, BearerPrefix) {
			utils.Error(c, utils.CodeUnauthorized, "Invalid authorization header format")
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, BearerPrefix))
		if token == "" {
			utils.Error(c, utils.CodeUnauthorized, "Missing token")
			return
		}

		customerID, err := validate(token)
		if err != nil {
			log.WithContext(c.Request.Context()).WithError(err).WithField("path", c.Request.URL.Path).Debug("Rejected bearer token")
			utils.Error(c, utils.CodeUnauthorized, "Invalid token")
			return
		}

		c.Set(CustomerIDKey, customerID)
		c.Next()
	}
}

// GetCustomerID returns the authenticated customer id
func GetCustomerID(c *gin.Context) (string, bool) {
	v, ok := c.Get(CustomerIDKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}
