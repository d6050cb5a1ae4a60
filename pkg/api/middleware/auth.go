package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"elector/pkg/auth"
)

const (
	// AuthHeaderKey is the standard Authorization header
	AuthHeaderKey = "Authorization"
	// APIKeyHeaderKey is the custom API key header
	APIKeyHeaderKey = "X-API-Key"
	// ContextClaimsKey is the key used to store caller claims in context
	ContextClaimsKey = "claims"
	// ContextRequestIDKey is the key used to store request ID
	ContextRequestIDKey = "request_id"
)

// AuthConfig holds authentication middleware configuration
type AuthConfig struct {
	// Disabled lets every request through as an admin.
	Disabled    bool
	JWTService  *auth.JWTService
	APIKeyStore auth.APIKeyStore
}

var anonymousAdmin = &auth.Claims{Role: auth.RoleAdmin}

// AuthMiddleware validates a Bearer JWT or an API key
func AuthMiddleware(config AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		if config.Disabled {
			c.Set(ContextClaimsKey, anonymousAdmin)
			c.Next()
			return
		}

		if claims := tryJWTAuth(c, config.JWTService); claims != nil {
			c.Set(ContextClaimsKey, claims)
			c.Next()
			return
		}

		if claims := tryAPIKeyAuth(c, config.APIKeyStore); claims != nil {
			c.Set(ContextClaimsKey, claims)
			c.Next()
			return
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "authentication required",
			"hint":  "provide Bearer token or X-API-Key header",
		})
	}
}

func tryJWTAuth(c *gin.Context, jwtService *auth.JWTService) *auth.Claims {
	if jwtService == nil {
		return nil
	}

	// Expect "Bearer <token>"
	parts := strings.SplitN(c.GetHeader(AuthHeaderKey), " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return nil
	}

	claims, err := jwtService.ValidateToken(parts[1])
	if err != nil {
		return nil
	}
	return claims
}

func tryAPIKeyAuth(c *gin.Context, store auth.APIKeyStore) *auth.Claims {
	if store == nil {
		return nil
	}

	apiKey := c.GetHeader(APIKeyHeaderKey)
	if apiKey == "" {
		return nil
	}

	claims, err := store.ValidateKey(c.Request.Context(), apiKey)
	if err != nil {
		return nil
	}
	return claims
}

// GetClaims retrieves caller claims from the request context
func GetClaims(c *gin.Context) (*auth.Claims, bool) {
	value, exists := c.Get(ContextClaimsKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*auth.Claims)
	return claims, ok
}

// RequireRole requires a minimum role level
func RequireRole(required auth.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			return
		}

		if !claims.Role.HasPermission(required) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":    "insufficient permissions",
				"required": required,
				"current":  claims.Role,
			})
			return
		}

		c.Next()
	}
}

// RequireScope requires the claims to cover the election role named by the
// route parameter param.
func RequireScope(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			return
		}

		if role := c.Param(param); !claims.Allows(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "election " + role + " is outside the caller's scope",
			})
			return
		}

		c.Next()
	}
}
