// Package auth reads the caller identity forwarded by the API gateway.
package auth

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	apierrors "github.com/eternisai/seo-research/internal/errors"
	"github.com/eternisai/seo-research/internal/logger"
)

// Headers set by the gateway after it has authenticated the caller.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserRole  = "X-User-Role"
	HeaderRequestID = "X-Request-ID"
)

// Define a custom type for context keys to avoid collisions.
type contextKey string

const (
	// UserIDKey is the context key for the analyst id.
	UserIDKey contextKey = "user_id"
	// RoleKey is the context key for the budget role.
	RoleKey contextKey = "user_role"
)

// RequestID tags every request with an id, reusing the gateway's when present.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = logger.NewRequestID()
		}
		c.Request = c.Request.WithContext(logger.WithRequestID(c.Request.Context(), requestID))
		c.Header(HeaderRequestID, requestID)
		c.Next()
	}
}

// RequireUser rejects requests that did not come through the gateway and
// attaches the user id and role to both Gin context and request context.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if userID == "" {
			apierrors.AbortWithUnauthorized(c, HeaderUserID+" header is required", nil)
			return
		}

		role := strings.TrimSpace(c.GetHeader(HeaderUserRole))

		ctx := logger.WithUserID(c.Request.Context(), userID)
		ctx = context.WithValue(ctx, RoleKey, role)
		c.Request = c.Request.WithContext(ctx)
		c.Set(string(UserIDKey), userID)
		c.Set(string(RoleKey), role)

		c.Next()
	}
}

// GetUserID extracts the user id from the Gin context.
func GetUserID(c *gin.Context) (string, bool) {
	userID, exists := c.Get(string(UserIDKey))
	if !exists {
		return "", false
	}

	id, ok := userID.(string)
	return id, ok && id != ""
}

// GetRole extracts the budget role from the Gin context.
func GetRole(c *gin.Context) (string, bool) {
	role, exists := c.Get(string(RoleKey))
	if !exists {
		return "", false
	}

	r, ok := role.(string)
	return r, ok && r != ""
}

// UserFromContext returns the user id and role RequireUser stored in the
// request context, for handlers that only see a context.Context.
func UserFromContext(ctx context.Context) (userID, role string) {
	userID, _ = logger.UserID(ctx)
	role, _ = ctx.Value(RoleKey).(string)
	return userID, role
}
