package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"render-realtime/internal/auth"
)

const userIDContextKey = "userID"

func UserIDFromContext(c *gin.Context) (string, bool) {
	userID, ok := c.Get(userIDContextKey)
	if !ok {
		return "", false
	}
	value, ok := userID.(string)
	return value, ok && value != ""
}

// RequireAuth admits requests carrying a user bearer token accepted by gate.
func RequireAuth(gate *auth.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := gate.Authenticate(auth.Credential{Authorization: c.GetHeader("Authorization")})
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": auth.RejectionMessage(err)})
			return
		}
		c.Set(userIDContextKey, userID)
		c.Next()
	}
}

// RequireInternalKey admits pipeline callers presenting the shared key as a
// bearer token.
func RequireInternalKey(key string) gin.HandlerFunc {
	expected := []byte(key)
	return func(c *gin.Context) {
		got := []byte(auth.BearerFromHeader(c.GetHeader("Authorization")))
		if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid internal API key"})
			return
		}
		c.Next()
	}
}
