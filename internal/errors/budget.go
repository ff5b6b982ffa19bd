package errors

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// BudgetError represents a standardized 429 Too Many Requests response for
// a role whose period budget cannot cover a query. The caller may retry after
// ResetsAt.
type BudgetError struct {
	Error     string    `json:"error"`
	Reason    string    `json:"reason"`
	Role      string    `json:"role"`
	QueryID   string    `json:"query_id,omitempty"`
	Unit      string    `json:"unit"`
	Limit     float64   `json:"limit"`
	Spent     float64   `json:"spent"`
	Reserved  float64   `json:"reserved"`
	Requested float64   `json:"requested"`
	ResetsAt  time.Time `json:"resets_at"`
}

// AbortWithBudgetExceeded sends a 429 response with the BudgetError and aborts the request.
func AbortWithBudgetExceeded(c *gin.Context, err *BudgetError) {
	if !err.ResetsAt.IsZero() {
		c.Header("Retry-After", err.ResetsAt.UTC().Format(http.TimeFormat))
	}
	c.AbortWithStatusJSON(http.StatusTooManyRequests, err)
}

// BudgetExhausted creates a BudgetError for a role whose remaining budget is
// smaller than the requested reservation.
func BudgetExhausted(queryID, role, unit string, limit, spent, reserved, requested float64, resetsAt time.Time) *BudgetError {
	return &BudgetError{
		Error:     "research budget exhausted for role " + role,
		Reason:    "budget_exceeded",
		Role:      role,
		QueryID:   queryID,
		Unit:      unit,
		Limit:     limit,
		Spent:     spent,
		Reserved:  reserved,
		Requested: requested,
		ResetsAt:  resetsAt,
	}
}
