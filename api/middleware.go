package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"coinpilot/tools"
)

// originAllowed applies the CORS_ORIGINS allow-list: exact origins or
// "*"; an empty list allows everything. Requests without an Origin
// header (non-browser clients) are admitted.
func originAllowed(origins []string, origin string) bool {
	if origin == "" || len(origins) == 0 {
		return true
	}
	for _, o := range origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// corsMiddleware honors the configured allowed origins (CSV of exact
// origins, or "*").
func corsMiddleware(origins []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && originAllowed(origins, origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// authMiddleware validates the bearer token on mutating routes and
// stores the caller's scopes. With no secret configured the facade runs
// open with full scopes (development profile).
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.jwtSecret == "" {
			c.Set("caller", tools.Caller{Name: "anonymous", Scopes: []string{tools.ScopeExecute}})
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error_kind": "unauthorized", "message": "missing bearer token",
			})
			return
		}
		tokenStr := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenStr, func(*jwt.Token) (any, error) {
			return []byte(s.jwtSecret), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error_kind": "unauthorized", "message": "invalid token",
			})
			return
		}

		caller := tools.Caller{Name: "api"}
		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if sub, ok := claims["sub"].(string); ok {
				caller.Name = sub
			}
			if raw, ok := claims["scopes"].([]any); ok {
				for _, v := range raw {
					if scope, ok := v.(string); ok {
						caller.Scopes = append(caller.Scopes, scope)
					}
				}
			}
		}
		c.Set("caller", caller)
		c.Next()
	}
}

func callerFrom(c *gin.Context) tools.Caller {
	if v, ok := c.Get("caller"); ok {
		if caller, ok := v.(tools.Caller); ok {
			return caller
		}
	}
	return tools.Caller{Name: "anonymous"}
}
