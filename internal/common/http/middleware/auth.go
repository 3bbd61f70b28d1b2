package middleware

import (
	"context"
	"strings"

	"judgeflow/internal/common/auth"
	pkgerrors "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/contextkey"
	"judgeflow/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const identityContextKey = "identity"

// AuthPolicy describes what a route group requires.
// Mode "optional" attaches the identity when a valid token is sent and lets anonymous calls through.
type AuthPolicy struct {
	Mode  string
	Roles []string
}

// AuthMiddleware enforces JWT validation and role checks for protected routes.
func AuthMiddleware(authn *auth.Authenticator, policy AuthPolicy) gin.HandlerFunc {
	optional := strings.EqualFold(policy.Mode, "optional")
	return func(c *gin.Context) {
		if authn == nil {
			response.AbortWithErrorCode(c, pkgerrors.ServiceUnavailable, "auth unavailable")
			return
		}

		token := extractBearerToken(c.GetHeader("Authorization"))
		if token == "" && optional {
			c.Next()
			return
		}
		id, err := authn.Authenticate(token)
		if err != nil {
			if optional {
				c.Next()
				return
			}
			response.AbortWithError(c, err)
			return
		}

		if len(policy.Roles) > 0 && !hasRole(id.Role, policy.Roles) {
			response.AbortWithErrorCode(c, pkgerrors.Forbidden, "insufficient role")
			return
		}

		c.Set(identityContextKey, id)
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), contextkey.UserID, id.UserID))
		c.Next()
	}
}

// CurrentIdentity returns the identity attached by AuthMiddleware.
func CurrentIdentity(c *gin.Context) (auth.Identity, bool) {
	v, ok := c.Get(identityContextKey)
	if !ok {
		return auth.Identity{}, false
	}
	id, ok := v.(auth.Identity)
	return id, ok
}

func extractBearerToken(authHeader string) string {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func hasRole(role string, allowed []string) bool {
	for _, item := range allowed {
		if strings.EqualFold(role, item) {
			return true
		}
	}
	return false
}
