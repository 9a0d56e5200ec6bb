package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ownerIDContextKey = "auth_owner_id"

// Middleware validates bearer tokens and stores the owner id in the context.
func (s *Service) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authToken := s.extractToken(c)
		if authToken == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		ownerID, err := s.VerifyToken(authToken)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}
		c.Set(ownerIDContextKey, ownerID)
		c.Next()
	}
}

// OwnerIDFromContext retrieves the authenticated owner id from the gin context.
func OwnerIDFromContext(c *gin.Context) (string, bool) {
	val, ok := c.Get(ownerIDContextKey)
	if !ok {
		return "", false
	}
	ownerID, ok := val.(string)
	return ownerID, ok && ownerID != ""
}

func (s *Service) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader(s.headerName)
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	if token, err := c.Cookie(s.cookieName); err == nil && token != "" {
		return token
	}
	return ""
}
