package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/eternisai/seo-research/internal/aggregator"
	"github.com/eternisai/seo-research/internal/auth"
	"github.com/eternisai/seo-research/internal/budget"
	"github.com/eternisai/seo-research/internal/cache"
	"github.com/eternisai/seo-research/internal/dispatch"
	"github.com/eternisai/seo-research/internal/events"
	"github.com/eternisai/seo-research/internal/logger"
	"github.com/eternisai/seo-research/internal/provider"
	"github.com/eternisai/seo-research/internal/provider/providertest"
	"github.com/eternisai/seo-research/internal/query"
	"github.com/eternisai/seo-research/internal/research"
	"github.com/eternisai/seo-research/internal/storage/memory"
)

func newService(t *testing.T) *Service {
	t.Helper()
	log := logger.Discard()
	store := memory.New()

	c := cache.New(store, map[research.DataKind]time.Duration{research.KindSERP: time.Hour}, log)
	ledger := budget.NewLedger(store, []budget.RoleBudget{{
		Role:   "analyst",
		Unit:   "USD",
		Period: research.PeriodMonthly,
		Limit:  1_000_000,
	}}, 0.1, log)
	limits := budget.NewLimits(map[research.QueryType]budget.TypeLimits{
		research.QueryTypeSERPSnapshot: {MaxConcurrentTasks: 5},
	})

	registry := provider.NewRegistry()
	registry.Register(providertest.New("serpapi", 1_000))
	registry.SetRoute(research.QueryTypeSERPSnapshot, provider.Route{Provider: "serpapi", Endpoint: "/serp"})

	d := dispatch.New(store, c, ledger, limits, registry, log)
	agg := aggregator.New(store, events.Noop{}, log)
	queries := query.NewService(store, d, agg, ledger, events.Noop{}, log)

	s, err := NewService(queries, "test")
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return s
}

func call(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func text(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) != 1 {
		t.Fatalf("content = %+v", result.Content)
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content %T is not text", result.Content[0])
	}
	return tc.Text
}

func TestSubmitSchema(t *testing.T) {
	raw, err := inputSchema(SubmitArguments{})
	if err != nil {
		t.Fatal(err)
	}

	var schema struct {
		Type       string                     `json:"type"`
		Required   []string                   `json:"required"`
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		t.Fatal(err)
	}
	if schema.Type != "object" {
		t.Errorf("type = %q, want object", schema.Type)
	}
	for _, field := range []string{"project_id", "type", "params"} {
		if _, ok := schema.Properties[field]; !ok {
			t.Errorf("schema has no %s property", field)
		}
	}

	var typeProp struct {
		Enum []string `json:"enum"`
	}
	if err := json.Unmarshal(schema.Properties["type"], &typeProp); err != nil {
		t.Fatal(err)
	}
	if len(typeProp.Enum) != len(research.QueryTypes) {
		t.Errorf("type enum = %v, want every query type", typeProp.Enum)
	}
}

func TestSubmitGetCancelTools(t *testing.T) {
	s := newService(t)
	ctx := logger.WithUserID(context.Background(), "u1")
	ctx = context.WithValue(ctx, auth.RoleKey, "analyst")

	result, err := s.submit(ctx, call(SubmitToolName, map[string]any{
		"project_id": "p1",
		"type":       "serp_snapshot",
		"params":     map[string]any{"keywords": []string{"seo tools"}},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("submit failed: %s", text(t, result))
	}
	var created query.QueryResponse
	if err := json.Unmarshal([]byte(text(t, result)), &created); err != nil {
		t.Fatal(err)
	}
	if created.Status != string(research.StatusProcessing) {
		t.Errorf("status = %s, want processing", created.Status)
	}

	result, err = s.get(ctx, call(GetToolName, map[string]any{"query_id": created.ID}))
	if err != nil || result.IsError {
		t.Fatalf("get: %v %+v", err, result)
	}

	other := logger.WithUserID(context.Background(), "u2")
	result, err = s.cancel(other, call(CancelToolName, map[string]any{"query_id": created.ID}))
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("cancel by another user succeeded")
	}

	result, err = s.cancel(ctx, call(CancelToolName, map[string]any{"query_id": created.ID}))
	if err != nil || result.IsError {
		t.Fatalf("cancel: %v %+v", err, result)
	}
}

func TestSubmitWithoutUserIsRejected(t *testing.T) {
	s := newService(t)
	result, err := s.submit(context.Background(), call(SubmitToolName, map[string]any{
		"project_id": "p1",
		"type":       "serp_snapshot",
		"params":     map[string]any{"keywords": []string{"a"}},
	}))
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsError || text(t, result) != "unauthorized" {
		t.Errorf("result = %+v, want unauthorized tool error", result)
	}
}
