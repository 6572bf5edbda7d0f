package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/marketfoundry/storefront-engine/internal/logger"
)

// AuthConfig holds authentication configuration
type AuthConfig struct {
	APIKeys []string
}

// Enabled reports whether any API key is configured; with no keys the API
// serves unauthenticated reads
func (c AuthConfig) Enabled() bool {
	for _, key := range c.APIKeys {
		if key != "" {
			return true
		}
	}
	return false
}

// APIKeyAuth returns a gin middleware validating an
// "Authorization: APIKey <key>" header against the configured keys
func APIKeyAuth(cfg AuthConfig) gin.HandlerFunc {
	apiKeyMap := make(map[string]bool)
	for _, key := range cfg.APIKeys {
		if key != "" {
			apiKeyMap[key] = true
		}
	}

	return func(c *gin.Context) {
		if err := authenticate(c.GetHeader("Authorization"), apiKeyMap); err != nil {
			logger.Warn("Authentication failed",
				zap.Error(err),
				zap.String("path", c.Request.URL.Path),
				zap.String("client_ip", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "unauthorized",
					"message": "Authentication failed",
				},
			})
			return
		}

		c.Next()
	}
}

func authenticate(authHeader string, validKeys map[string]bool) error {
	if authHeader == "" {
		return errors.New("missing Authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		return errors.New("invalid Authorization header format")
	}
	if !strings.EqualFold(parts[0], "apikey") {
		return errors.New("unsupported authorization type: " + parts[0])
	}

	if !validKeys[parts[1]] {
		return errors.New("invalid API key")
	}
	return nil
}
