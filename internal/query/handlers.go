package query

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/eternisai/seo-research/internal/auth"
	"github.com/eternisai/seo-research/internal/budget"
	"github.com/eternisai/seo-research/internal/dispatch"
	apierrors "github.com/eternisai/seo-research/internal/errors"
	"github.com/eternisai/seo-research/internal/logger"
	"github.com/eternisai/seo-research/internal/research"
)

type Handler struct {
	logger  *logger.Logger
	service *Service
}

func NewHandler(service *Service, logger *logger.Logger) *Handler {
	return &Handler{logger: logger.WithComponent("query_handler"), service: service}
}

// SubmitQueryRequest is the request body for submitting a query.
type SubmitQueryRequest struct {
	ProjectID string             `json:"project_id" binding:"required"`
	Type      research.QueryType `json:"type" binding:"required"`
	Params    json.RawMessage    `json:"params"`
}

// QueryResponse is returned for every query read or write.
type QueryResponse struct {
	ID          string          `json:"id"`
	ProjectID   string          `json:"project_id"`
	Type        string          `json:"type"`
	Params      json.RawMessage `json:"params,omitempty"`
	Status      string          `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	CreatedBy   string          `json:"created_by"`
	Role        string          `json:"role"`
	Progress    float64         `json:"progress"`
	SubRequests int             `json:"sub_requests"`
	Completed   int             `json:"completed"`
	Failed      int             `json:"failed"`
	Cached      int             `json:"cached"`
	InFlight    int             `json:"in_flight"`
	Queued      int             `json:"queued"`
	DatasetID   string          `json:"dataset_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// DatasetResponse is returned for a completed query's dataset.
type DatasetResponse struct {
	ID            string                   `json:"id"`
	ProjectID     string                   `json:"project_id"`
	Kind          string                   `json:"kind"`
	SourceQueryID string                   `json:"source_query_id"`
	Metadata      research.DatasetMetadata `json:"metadata"`
	Items         json.RawMessage          `json:"items"`
	CreatedAt     time.Time                `json:"created_at"`
}

// BudgetResponse is the caller's role budget for the current period.
type BudgetResponse struct {
	Role      string    `json:"role"`
	Unit      string    `json:"unit"`
	Period    string    `json:"period"`
	Limit     float64   `json:"limit"`
	Spent     float64   `json:"spent"`
	Reserved  float64   `json:"reserved"`
	Available float64   `json:"available"`
	ResetsAt  time.Time `json:"resets_at"`
}

// RegisterRoutes mounts the query endpoints on an /api/v1 group that already
// runs auth.RequireUser.
func (h *Handler) RegisterRoutes(api *gin.RouterGroup) {
	queries := api.Group("/queries")
	{
		queries.POST("", h.Submit)
		queries.GET("", h.List)
		queries.GET("/:queryId", h.Get)
		queries.POST("/:queryId/cancel", h.Cancel)
		queries.POST("/:queryId/retry", h.Retry)
		queries.GET("/:queryId/dataset", h.Dataset)
	}
	api.GET("/budget", h.Budget)
}

// POST /api/v1/queries
func (h *Handler) Submit(c *gin.Context) {
	var req SubmitQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "invalid request: "+err.Error(), nil)
		return
	}

	userID, ok := auth.GetUserID(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "unauthorized", nil)
		return
	}
	role, ok := auth.GetRole(c)
	if !ok {
		apierrors.AbortWithForbidden(c, apierrors.UnknownRole(""))
		return
	}

	snap, err := h.service.Submit(c.Request.Context(), SubmitRequest{
		ProjectID: req.ProjectID,
		Type:      req.Type,
		Params:    req.Params,
		UserID:    userID,
		Role:      role,
	})
	if err != nil {
		var queryID string
		if snap != nil {
			queryID = snap.Query.ID
		}
		h.abortWithError(c, err, queryID)
		return
	}

	c.JSON(http.StatusAccepted, NewQueryResponse(snap))
}

// GET /api/v1/queries?project_id=...&status=...&limit=...
func (h *Handler) List(c *gin.Context) {
	projectID := c.Query("project_id")
	if projectID == "" {
		apierrors.AbortWithBadRequest(c, "project_id required", nil)
		return
	}

	var statuses []research.Status
	for _, s := range c.QueryArray("status") {
		statuses = append(statuses, research.Status(s))
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))

	queries, err := h.service.List(c.Request.Context(), projectID, limit, statuses...)
	if err != nil {
		h.abortWithError(c, err, "")
		return
	}

	out := make([]QueryResponse, 0, len(queries))
	for _, q := range queries {
		out = append(out, NewQueryResponse(&Snapshot{Query: q}))
	}
	c.JSON(http.StatusOK, gin.H{"queries": out})
}

// GET /api/v1/queries/:queryId
func (h *Handler) Get(c *gin.Context) {
	snap, err := h.service.Get(c.Request.Context(), c.Param("queryId"))
	if err != nil {
		h.abortWithError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, NewQueryResponse(snap))
}

// POST /api/v1/queries/:queryId/cancel
func (h *Handler) Cancel(c *gin.Context) {
	userID, ok := auth.GetUserID(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "unauthorized", nil)
		return
	}

	q, err := h.service.Cancel(c.Request.Context(), c.Param("queryId"), userID)
	if err != nil {
		h.abortWithError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, NewQueryResponse(&Snapshot{Query: q}))
}

// POST /api/v1/queries/:queryId/retry
func (h *Handler) Retry(c *gin.Context) {
	queryID := c.Param("queryId")
	userID, ok := auth.GetUserID(c)
	if !ok {
		apierrors.AbortWithUnauthorized(c, "unauthorized", nil)
		return
	}

	current, err := h.service.Get(c.Request.Context(), queryID)
	if err != nil {
		h.abortWithError(c, err, "")
		return
	}
	if current.Query.CreatedBy != userID {
		h.abortWithError(c, ErrNotOwner, queryID)
		return
	}

	snap, err := h.service.Retry(c.Request.Context(), queryID)
	if err != nil {
		h.abortWithError(c, err, queryID)
		return
	}
	c.JSON(http.StatusAccepted, NewQueryResponse(snap))
}

// GET /api/v1/queries/:queryId/dataset
func (h *Handler) Dataset(c *gin.Context) {
	ds, err := h.service.Dataset(c.Request.Context(), c.Param("queryId"))
	if err != nil {
		h.abortWithError(c, err, "")
		return
	}

	c.JSON(http.StatusOK, DatasetResponse{
		ID:            ds.ID,
		ProjectID:     ds.ProjectID,
		Kind:          string(ds.Kind),
		SourceQueryID: ds.SourceQueryID,
		Metadata:      ds.Metadata,
		Items:         ds.Payload,
		CreatedAt:     ds.CreatedAt,
	})
}

// GET /api/v1/budget
func (h *Handler) Budget(c *gin.Context) {
	role, ok := auth.GetRole(c)
	if !ok {
		apierrors.AbortWithForbidden(c, apierrors.UnknownRole(""))
		return
	}

	b, err := h.service.Budget(c.Request.Context(), role)
	if err != nil {
		h.abortWithError(c, err, "")
		return
	}

	c.JSON(http.StatusOK, BudgetResponse{
		Role:      b.Role,
		Unit:      b.Unit,
		Period:    string(b.Period),
		Limit:     b.Limit.Float(),
		Spent:     b.Spent.Float(),
		Reserved:  b.Reserved.Float(),
		Available: b.Available().Float(),
		ResetsAt:  b.ResetAt,
	})
}

// NewQueryResponse renders a snapshot. Tally counts are zero for snapshots
// built without one.
func NewQueryResponse(snap *Snapshot) QueryResponse {
	q := snap.Query
	params, _ := json.Marshal(q.Params)
	total := snap.Tally.Total
	if total == 0 && q.Params != nil {
		total = len(q.Params.SubRequests())
	}
	return QueryResponse{
		ID:          q.ID,
		ProjectID:   q.ProjectID,
		Type:        string(q.Type),
		Params:      params,
		Status:      string(q.Status),
		Reason:      q.Reason,
		CreatedBy:   q.CreatedBy,
		Role:        q.Role,
		Progress:    snap.Progress(),
		SubRequests: total,
		Completed:   snap.Tally.Completed,
		Failed:      snap.Tally.Failed,
		Cached:      snap.Tally.Cached,
		InFlight:    snap.Tally.InFlight,
		Queued:      snap.Tally.Queued,
		DatasetID:   q.DatasetID,
		CreatedAt:   q.CreatedAt,
		UpdatedAt:   q.UpdatedAt,
		CompletedAt: q.CompletedAt,
	}
}

// abortWithError maps service errors to HTTP responses. queryID names the
// stored query an admission error refers to, if any.
func (h *Handler) abortWithError(c *gin.Context, err error, queryID string) {
	var (
		rejection *budget.RejectionError
		volume    *budget.VolumeError
	)
	details := map[string]interface{}{}
	if queryID != "" {
		details["query_id"] = queryID
	}

	switch {
	case errors.As(err, &rejection):
		if rejection.Reason == budget.ReasonMaxQueryCost {
			fe := apierrors.MaxQueryCostExceeded(rejection.Role, rejection.Unit,
				rejection.Requested.Float(), rejection.Limit.Float())
			if queryID != "" {
				fe.Details["query_id"] = queryID
			}
			apierrors.AbortWithForbidden(c, fe)
			return
		}
		apierrors.AbortWithBudgetExceeded(c, apierrors.BudgetExhausted(queryID, rejection.Role, rejection.Unit,
			rejection.Limit.Float(), rejection.Spent.Float(), rejection.Reserved.Float(),
			rejection.Requested.Float(), rejection.ResetAt))
	case errors.As(err, &volume):
		fe := apierrors.VolumeLimitExceeded(string(volume.Type), volume.Volume, volume.Max)
		if queryID != "" {
			fe.Details["query_id"] = queryID
		}
		apierrors.AbortWithForbidden(c, fe)
	case errors.Is(err, budget.ErrUnknownRole):
		role, _ := auth.GetRole(c)
		apierrors.AbortWithForbidden(c, apierrors.UnknownRole(role))
	case errors.Is(err, ErrNotOwner):
		apierrors.AbortWithForbidden(c, apierrors.QueryNotOwned(c.Param("queryId")))
	case errors.Is(err, research.ErrInvalidParams):
		apierrors.AbortWithBadRequest(c, err.Error(), details)
	case errors.Is(err, research.ErrNotFound):
		apierrors.AbortWithNotFound(c, "query not found", nil)
	case errors.Is(err, research.ErrQueryClosed),
		errors.Is(err, ErrAlreadyAdmitted),
		errors.Is(err, ErrNoDataset):
		apierrors.AbortWithConflict(c, err.Error(), details)
	case errors.Is(err, dispatch.ErrProviderUnavailable):
		apierrors.AbortWithUnavailable(c, "no data provider available for this query type", details)
	default:
		h.logger.WithContext(c.Request.Context()).Error("query request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()))
		apierrors.AbortWithInternal(c, "internal error", details)
	}
}
