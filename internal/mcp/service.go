// Package mcp exposes research queries as MCP tools so assistants can run
// SEO research on behalf of an analyst.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/eternisai/seo-research/internal/auth"
	"github.com/eternisai/seo-research/internal/budget"
	"github.com/eternisai/seo-research/internal/query"
	"github.com/eternisai/seo-research/internal/research"
)

const (
	SubmitToolName        = "submit_seo_query"
	SubmitToolDescription = "Submit an SEO research query (keyword discovery, SERP snapshot, competitor overview, backlink check or on-page check). Returns the query with its id and status; results arrive asynchronously."

	GetToolName        = "get_seo_query"
	GetToolDescription = "Get the status and progress of an SEO research query, including its dataset id once completed."

	CancelToolName        = "cancel_seo_query"
	CancelToolDescription = "Cancel a pending or processing SEO research query you submitted."
)

// SubmitArguments are the arguments of submit_seo_query.
type SubmitArguments struct {
	ProjectID string         `json:"project_id" jsonschema:"required,description=Project the resulting dataset belongs to"`
	Type      string         `json:"type" jsonschema:"required,description=Query type,enum=keyword_discovery,enum=serp_snapshot,enum=competitor_overview,enum=backlink_check,enum=onpage_check"`
	Params    map[string]any `json:"params" jsonschema:"required,description=Type specific parameters such as keywords or domain or urls"`
}

// QueryArguments identify an existing query.
type QueryArguments struct {
	QueryID string `json:"query_id" jsonschema:"required,description=Id returned by submit_seo_query"`
}

type Service struct {
	mcpServer *server.MCPServer
	queries   *query.Service
}

func NewService(queries *query.Service, version string) (*Service, error) {
	s := &Service{
		mcpServer: server.NewMCPServer("SEO Research MCP Server", version),
		queries:   queries,
	}

	if err := s.addTool(SubmitToolName, SubmitToolDescription, SubmitArguments{}, s.submit); err != nil {
		return nil, err
	}
	if err := s.addTool(GetToolName, GetToolDescription, QueryArguments{}, s.get); err != nil {
		return nil, err
	}
	if err := s.addTool(CancelToolName, CancelToolDescription, QueryArguments{}, s.cancel); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Service) addTool(name, description string, args any, handler server.ToolHandlerFunc) error {
	schema, err := inputSchema(args)
	if err != nil {
		return fmt.Errorf("failed to build input schema for %s: %w", name, err)
	}
	s.mcpServer.AddTool(mcp.NewToolWithRawSchema(name, description, schema), handler)
	return nil
}

func (s *Service) submit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args SubmitArguments
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to bind arguments: %v", err)), nil
	}

	userID, role := auth.UserFromContext(ctx)
	if userID == "" {
		return mcp.NewToolResultError("unauthorized"), nil
	}

	params, err := json.Marshal(args.Params)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid params: %v", err)), nil
	}

	snap, err := s.queries.Submit(ctx, query.SubmitRequest{
		ProjectID: args.ProjectID,
		Type:      research.QueryType(args.Type),
		Params:    params,
		UserID:    userID,
		Role:      role,
	})
	if err != nil {
		return toolError(snap, err), nil
	}
	return toolResult(query.NewQueryResponse(snap))
}

func (s *Service) get(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args QueryArguments
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to bind arguments: %v", err)), nil
	}

	snap, err := s.queries.Get(ctx, args.QueryID)
	if err != nil {
		return toolError(nil, err), nil
	}
	return toolResult(query.NewQueryResponse(snap))
}

func (s *Service) cancel(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args QueryArguments
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to bind arguments: %v", err)), nil
	}

	userID, _ := auth.UserFromContext(ctx)
	if userID == "" {
		return mcp.NewToolResultError("unauthorized"), nil
	}

	q, err := s.queries.Cancel(ctx, args.QueryID, userID)
	if err != nil {
		return toolError(nil, err), nil
	}
	return toolResult(query.NewQueryResponse(&query.Snapshot{Query: q}))
}

func toolResult(v query.QueryResponse) (*mcp.CallToolResult, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(out)), nil
}

// toolError reports err to the model. Admission rejections name the stored
// query so it can be retried later.
func toolError(snap *query.Snapshot, err error) *mcp.CallToolResult {
	msg := err.Error()
	switch {
	case errors.Is(err, research.ErrNotFound):
		msg = "query not found"
	case errors.Is(err, budget.ErrBudgetExceeded), errors.Is(err, budget.ErrVolumeLimitExceeded):
		if snap != nil {
			msg = fmt.Sprintf("query %s not admitted: %v", snap.Query.ID, err)
		}
	}
	return mcp.NewToolResultError(msg)
}
