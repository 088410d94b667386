package interceptors

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"waypoint/internal/security"
)

const (
	bearerPrefix = "bearer "
	// TokenQueryParam carries the access token for clients that cannot set headers on the upgrade request.
	TokenQueryParam = "access_token"
)

// Verifier validates an access token.
type Verifier interface {
	Verify(token string) (security.Identity, error)
}

// RequireIdentity returns gin middleware that validates the Bearer access token (header, or the
// access_token query parameter) and stores the identity in the request context. Requests without a
// valid token are rejected with 401 before any upgrade happens.
func RequireIdentity(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c.Request)
		if token == "" || v == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid authorization"})
			return
		}
		id, err := v.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid authorization"})
			return
		}
		c.Request = c.Request.WithContext(WithIdentity(c.Request.Context(), id))
		c.Next()
	}
}

// BearerToken returns the access token from the Authorization header, falling back to the
// access_token query parameter. It returns "" if both are missing or malformed.
func BearerToken(r *http.Request) string {
	if t := extractBearer(r.Header.Get("Authorization")); t != "" {
		return t
	}
	return strings.TrimSpace(r.URL.Query().Get(TokenQueryParam))
}

// extractBearer returns the token of a "Bearer <token>" header value, or "" if malformed.
func extractBearer(v string) string {
	v = strings.TrimSpace(v)
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
