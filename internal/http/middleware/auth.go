// README: Firebase ID token auth; stores the caller uid, role and pharmacy on the gin context.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"ifarma/internal/infra"
)

const (
	ctxUID        = "auth.uid"
	ctxRole       = "auth.role"
	ctxPharmacyID = "auth.pharmacy_id"
)

// Auth verifies the bearer token. Websocket clients cannot set headers from
// the browser, so a token query parameter is accepted as well.
func Auth(verifier infra.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := bearerToken(c)
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token, err := verifier.VerifyIDToken(c.Request.Context(), raw)
		if err != nil || token == nil || token.UID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(ctxUID, token.UID)
		c.Set(ctxRole, claimString(token.Claims, "role"))
		c.Set(ctxPharmacyID, claimString(token.Claims, "pharmacy_id"))
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if !strings.HasPrefix(h, "Bearer ") {
			return ""
		}
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return c.Query("token")
}

func claimString(claims map[string]interface{}, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

func CallerUID(c *gin.Context) string {
	return c.GetString(ctxUID)
}

// CallerRole returns the raw role claim; empty for plain customers.
func CallerRole(c *gin.Context) string {
	return c.GetString(ctxRole)
}

// CallerPharmacyID returns the pharmacy a merchant account operates, if any.
func CallerPharmacyID(c *gin.Context) string {
	return c.GetString(ctxPharmacyID)
}
