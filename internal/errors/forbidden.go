package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ForbiddenReason represents machine-readable reason codes for 403 errors.
type ForbiddenReason string

const (
	// Admission
	ReasonVolumeLimitExceeded  ForbiddenReason = "volume_limit_exceeded"
	ReasonMaxQueryCostExceeded ForbiddenReason = "max_query_cost_exceeded"
	ReasonUnknownRole          ForbiddenReason = "unknown_role"

	// Access Control
	ReasonQueryNotOwned ForbiddenReason = "query_not_owned"
)

// ForbiddenError represents a standardized 403 Forbidden response.
type ForbiddenError struct {
	Error     string                 `json:"error"`             // Technical error message (for logs)
	UIMessage string                 `json:"uiMessage"`         // User-friendly message (for UI display)
	Reason    ForbiddenReason        `json:"reason"`            // Machine-readable reason code
	Role      string                 `json:"role,omitempty"`    // Budget role the request ran under
	Details   map[string]interface{} `json:"details,omitempty"` // Optional context data
}

// NewForbiddenError creates a new ForbiddenError with the given parameters.
func NewForbiddenError(reason ForbiddenReason, errorMsg, uiMessage, role string, details map[string]interface{}) *ForbiddenError {
	return &ForbiddenError{
		Error:     errorMsg,
		UIMessage: uiMessage,
		Reason:    reason,
		Role:      role,
		Details:   details,
	}
}

// AbortWithForbidden sends a 403 response with the ForbiddenError and aborts the request.
func AbortWithForbidden(c *gin.Context, err *ForbiddenError) {
	c.AbortWithStatusJSON(http.StatusForbidden, err)
}

// VolumeLimitExceeded creates a ForbiddenError for a query asking for too many items.
func VolumeLimitExceeded(queryType string, volume, max int) *ForbiddenError {
	return NewForbiddenError(
		ReasonVolumeLimitExceeded,
		"Query of type "+queryType+" exceeds the per-request volume limit",
		"This request asks for more results than allowed. Narrow it down and try again.",
		"",
		map[string]interface{}{
			"query_type": queryType,
			"volume":     volume,
			"max_items":  max,
		},
	)
}

// MaxQueryCostExceeded creates a ForbiddenError for a query whose estimate is
// above its role's per-query cap. Waiting for a budget reset does not help.
func MaxQueryCostExceeded(role, unit string, estimate, cap float64) *ForbiddenError {
	return NewForbiddenError(
		ReasonMaxQueryCostExceeded,
		"Estimated query cost is above the per-query cap for role "+role,
		"This request is too expensive to run in one go. Split it into smaller requests.",
		role,
		map[string]interface{}{
			"estimate": estimate,
			"cap":      cap,
			"unit":     unit,
		},
	)
}

// UnknownRole creates a ForbiddenError for a role without a configured budget.
func UnknownRole(role string) *ForbiddenError {
	return NewForbiddenError(
		ReasonUnknownRole,
		"No budget configured for role "+role,
		"Your account has no research budget. Contact an administrator.",
		role,
		nil,
	)
}

// QueryNotOwned creates a ForbiddenError for acting on someone else's query.
func QueryNotOwned(queryID string) *ForbiddenError {
	return NewForbiddenError(
		ReasonQueryNotOwned,
		"Forbidden: You don't own this query",
		"You don't have permission to change this query.",
		"",
		map[string]interface{}{
			"query_id": queryID,
		},
	)
}
