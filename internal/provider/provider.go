// Package provider is the boundary to external SEO data providers: an opaque
// submit / poll / estimate capability plus routing and a global throttle.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/eternisai/seo-research/internal/research"
)

var (
	// ErrRateLimited is returned when an outbound call cannot be made within
	// the rate limit. It is retryable.
	ErrRateLimited = errors.New("provider rate limit exceeded")
	// ErrUnknownProvider is returned for unregistered provider names.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrNoRoute is returned for query types without a provider route.
	ErrNoRoute = errors.New("no provider route for query type")
)

// Provider submits tasks to an external data service.
type Provider interface {
	Name() string
	// SubmitTask starts provider work and returns the provider's task id.
	SubmitTask(ctx context.Context, endpoint string, payload json.RawMessage) (string, error)
	// EstimateCost prices one sub-request before it is submitted.
	EstimateCost(t research.QueryType, payload json.RawMessage) (research.Micros, error)
}

// Pollable is implemented by providers that report task status.
type Pollable interface {
	Provider
	PollTask(ctx context.Context, providerTaskID string) (PollResult, error)
}

// PollState is the provider-reported state of a task.
type PollState int

const (
	PollPending PollState = iota
	PollCompleted
	PollFailed
)

func (s PollState) String() string {
	switch s {
	case PollPending:
		return "pending"
	case PollCompleted:
		return "completed"
	case PollFailed:
		return "failed"
	default:
		return fmt.Sprintf("PollState(%d)", int(s))
	}
}

// PollResult is what a provider reports for a task.
type PollResult struct {
	State      PollState
	Payload    json.RawMessage
	ActualCost research.Micros
	Reason     string
}

// Pending reports work still in progress.
func Pending() PollResult {
	return PollResult{State: PollPending}
}

// Completed reports finished work with its result and real cost.
func Completed(payload json.RawMessage, actualCost research.Micros) PollResult {
	return PollResult{State: PollCompleted, Payload: payload, ActualCost: actualCost}
}

// Failed reports work the provider gave up on.
func Failed(reason string) PollResult {
	return PollResult{State: PollFailed, Reason: reason}
}

// Route sends queries of one type to a provider endpoint.
type Route struct {
	Provider string
	Endpoint string
}

// Registry maps provider names to providers and query types to routes.
// It is populated at startup and read-only afterwards.
type Registry struct {
	providers map[string]Provider
	routes    map[research.QueryType]Route
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		routes:    make(map[research.QueryType]Route),
	}
}

// Register adds p under p.Name().
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// SetRoute routes query type t.
func (r *Registry) SetRoute(t research.QueryType, route Route) {
	r.routes[t] = route
}

// Get returns the named provider.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// ForType returns the provider and route serving query type t.
func (r *Registry) ForType(t research.QueryType) (Provider, Route, error) {
	route, ok := r.routes[t]
	if !ok {
		return nil, Route{}, fmt.Errorf("%w: %s", ErrNoRoute, t)
	}
	p, err := r.Get(route.Provider)
	if err != nil {
		return nil, Route{}, err
	}
	return p, route, nil
}
