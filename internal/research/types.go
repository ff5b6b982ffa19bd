// Package research holds the domain model of SEO research requests: queries,
// the provider tasks they fan out into, the datasets they produce, and the
// budgets that pay for them.
package research

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// QueryType is the fixed set of research request kinds an analyst can submit.
type QueryType string

const (
	QueryTypeKeywordDiscovery   QueryType = "keyword_discovery"
	QueryTypeSERPSnapshot       QueryType = "serp_snapshot"
	QueryTypeCompetitorOverview QueryType = "competitor_overview"
	QueryTypeBacklinkCheck      QueryType = "backlink_check"
	QueryTypeOnPageCheck        QueryType = "onpage_check"
)

// QueryTypes lists every supported query type.
var QueryTypes = []QueryType{
	QueryTypeKeywordDiscovery,
	QueryTypeSERPSnapshot,
	QueryTypeCompetitorOverview,
	QueryTypeBacklinkCheck,
	QueryTypeOnPageCheck,
}

// Valid reports whether t is a known query type.
func (t QueryType) Valid() bool {
	for _, known := range QueryTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Kind returns the dataset kind produced by queries of this type.
func (t QueryType) Kind() DataKind {
	switch t {
	case QueryTypeKeywordDiscovery:
		return KindKeywords
	case QueryTypeSERPSnapshot:
		return KindSERP
	case QueryTypeCompetitorOverview:
		return KindCompetitors
	case QueryTypeBacklinkCheck:
		return KindBacklinks
	case QueryTypeOnPageCheck:
		return KindOnPage
	default:
		return ""
	}
}

// DataKind classifies result data. Cache expiry is configured per kind.
type DataKind string

const (
	KindKeywords    DataKind = "keywords"
	KindSERP        DataKind = "serp"
	KindCompetitors DataKind = "competitors"
	KindBacklinks   DataKind = "backlinks"
	KindOnPage      DataKind = "onpage"
)

// Status is the lifecycle state shared by queries and tasks.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether s is completed or failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Reasons recorded on queries and tasks.
const (
	ReasonCancelled           = "cancelled"
	ReasonAllTasksFailed      = "all_tasks_failed"
	ReasonBudgetExceeded      = "budget_exceeded"
	ReasonVolumeExceeded      = "volume_limit_exceeded"
	ReasonTimedOut            = "timed_out"
	ReasonSubmissionFailed    = "submission_failed"
	ReasonRetriesExhausted    = "retries_exhausted"
	ReasonCostOverage         = "cost_overage"
	ReasonProviderUnavailable = "provider_unavailable"
)

// Micros is an amount of money in millionths of the budget unit.
// Provider prices are often fractions of a cent.
type Micros int64

// MicrosFromFloat converts a decimal amount (e.g. 0.0006 USD) to Micros.
func MicrosFromFloat(v float64) Micros {
	return Micros(math.Round(v * 1e6))
}

// Float returns the amount as a decimal value.
func (m Micros) Float() float64 {
	return float64(m) / 1e6
}

func (m Micros) String() string {
	return fmt.Sprintf("%.6f", m.Float())
}

// Query is one research request submitted by an analyst.
type Query struct {
	ID        string
	ProjectID string
	Type      QueryType
	Params    Params
	Status    Status
	// Reason explains the current status: an admission rejection while
	// pending, or why the query ended in failed.
	Reason    string
	CreatedBy string
	Role      string
	// CachedResults are sub-requests satisfied from cache. They never become tasks.
	CachedResults []CachedResult
	DatasetID     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// CachedResult is a sub-request answered from the cache.
type CachedResult struct {
	Key         string          `json:"key"`
	Fingerprint string          `json:"fingerprint"`
	Payload     json.RawMessage `json:"payload"`
	HitAt       time.Time       `json:"hit_at"`
}

// ReservationState tracks the budget reservation a task holds.
type ReservationState string

const (
	ReservationNone      ReservationState = ""
	ReservationHeld      ReservationState = "held"
	ReservationCommitted ReservationState = "committed"
	ReservationReleased  ReservationState = "released"
)

// Task is one unit of provider work.
type Task struct {
	ID string
	// QueryID is empty for tasks not owned by a query.
	QueryID        string
	Provider       string
	Endpoint       string
	SubRequestKey  string
	Fingerprint    string
	Payload        json.RawMessage
	ProviderTaskID string
	Status         Status
	// CostEstimate is fixed at admission.
	CostEstimate Micros
	ActualCost   Micros
	Result       json.RawMessage
	Error        string
	RetryCount   int

	ReservationID    string
	ReservationRole  string
	ReservationState ReservationState

	SubmittedAt  *time.Time
	LastPolledAt *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Dataset is the materialized result of a completed query.
type Dataset struct {
	ID            string
	ProjectID     string
	Kind          DataKind
	Metadata      DatasetMetadata
	Payload       json.RawMessage
	SourceQueryID string
	CreatedAt     time.Time
}

// DatasetMetadata describes how a dataset was assembled.
type DatasetMetadata struct {
	QueryType   QueryType     `json:"query_type"`
	SubRequests int           `json:"sub_requests"`
	Succeeded   int           `json:"succeeded"`
	CachedKeys  []string      `json:"cached_keys,omitempty"`
	Failures    []FailureNote `json:"failures,omitempty"`
	TotalCost   Micros        `json:"total_cost_micros"`
	Partial     bool          `json:"partial"`
}

// FailureNote records a sub-request that did not produce data.
type FailureNote struct {
	Key    string `json:"key"`
	TaskID string `json:"task_id,omitempty"`
	Error  string `json:"error"`
}

// DatasetItem is one sub-request result inside a dataset payload.
type DatasetItem struct {
	Key    string          `json:"key"`
	Source string          `json:"source"` // "provider" or "cache"
	Result json.RawMessage `json:"result"`
}

// Budget is a spending ceiling for one role over a recurring period.
type Budget struct {
	Role   string
	Unit   string
	Limit  Micros
	Period Period
	Spent  Micros
	// Reserved is held by in-flight tasks and counts against admission.
	Reserved  Micros
	ResetAt   time.Time
	Version   int64
	UpdatedAt time.Time
}

// Available returns what can still be reserved.
func (b *Budget) Available() Micros {
	return b.Limit - b.Spent - b.Reserved
}

// CacheEntry maps a request fingerprint to a previously paid-for result.
type CacheEntry struct {
	Fingerprint string
	Kind        DataKind
	Payload     json.RawMessage
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Live reports whether the entry has not expired at now.
func (e *CacheEntry) Live(now time.Time) bool {
	return now.Before(e.ExpiresAt)
}
