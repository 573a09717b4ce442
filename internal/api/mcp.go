package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentoven/postpilot/internal/api/handlers"
	"github.com/agentoven/postpilot/internal/orchestrator"
	"github.com/agentoven/postpilot/pkg/models"
)

// NewMCPServer exposes read-mostly postpilot operations as MCP tools so an
// assistant can inspect and steer the control plane.
func NewMCPServer(h *handlers.Handlers, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"postpilot",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("postpilot: social post stock, publishing chains and the ReAct scheduler."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("stock_status",
			mcp.WithDescription("Per-account stock counts and refill thresholds."),
		),
		mcpStockStatus(h),
	)

	s.AddTool(
		mcp.NewTool("recent_events",
			mcp.WithDescription("Most recent event bus entries, newest first."),
			mcp.WithNumber("count", mcp.Description("Maximum number of events (default 20)")),
			mcp.WithString("type", mcp.Description("Event type filter; a trailing .* matches by prefix")),
		),
		mcpRecentEvents(h),
	)

	s.AddTool(
		mcp.NewTool("get_chain",
			mcp.WithDescription("One trigger chain with all of its actions."),
			mcp.WithString("chain_id", mcp.Description("Chain id"), mcp.Required()),
		),
		mcpGetChain(h),
	)

	s.AddTool(
		mcp.NewTool("check_session",
			mcp.WithDescription("Whether a platform session exists and is still valid."),
			mcp.WithString("platform", mcp.Description("Platform name"), mcp.Required()),
			mcp.WithString("account_id", mcp.Description("Account id"), mcp.Required()),
		),
		mcpCheckSession(h),
	)

	s.AddTool(
		mcp.NewTool("react_status",
			mcp.WithDescription("ReAct loop state, counters, learned success rates and breaker state."),
		),
		mcpReactStatus(h),
	)

	s.AddTool(
		mcp.NewTool("learn_insight",
			mcp.WithDescription("Store a CEO insight that future CMO analyses will consider."),
			mcp.WithString("insight", mcp.Description("The insight text"), mcp.Required()),
		),
		mcpLearnInsight(h),
	)

	s.AddTool(
		mcp.NewTool("orchestrate",
			mcp.WithDescription("Run the CMO, Creative and COO pipeline once for a directive."),
			mcp.WithString("instruction", mcp.Description("What to write about"), mcp.Required()),
			mcp.WithString("account", mcp.Description("Target account; approved posts are saved to its stock")),
			mcp.WithString("theme", mcp.Description("Optional theme")),
		),
		mcpOrchestrate(h),
	)

	s.AddResource(
		mcp.NewResource(
			"postpilot://tracer/stats",
			"Chain Statistics",
			mcp.WithResourceDescription("Trigger tracer statistics as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceTracerStats(h),
	)

	return s
}

func mcpStockStatus(h *handlers.Handlers) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := h.Stock.GetStockStatus(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("stock status failed: %v", err)), nil
		}
		return mcpJSON(st), nil
	}
}

func mcpRecentEvents(h *handlers.Handlers) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		count := req.GetInt("count", 20)
		if count <= 0 || count > 500 {
			count = 20
		}
		events := h.Bus.GetRecentEvents(count, models.EventFilter{Type: req.GetString("type", "")})
		return mcpJSON(events), nil
	}
}

func mcpGetChain(h *handlers.Handlers) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("chain_id")
		if err != nil {
			return mcpError("chain_id is required"), nil
		}
		c, ok := h.Tracer.GetChain(id)
		if !ok {
			return mcpError("chain not found: " + id), nil
		}
		return mcpJSON(c), nil
	}
}

func mcpCheckSession(h *handlers.Handlers) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		platform, err := req.RequireString("platform")
		if err != nil {
			return mcpError("platform is required"), nil
		}
		account, err := req.RequireString("account_id")
		if err != nil {
			return mcpError("account_id is required"), nil
		}
		return mcpJSON(h.Sessions.CheckSession(ctx, platform, account)), nil
	}
}

func mcpReactStatus(h *handlers.Handlers) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcpJSON(h.React.GetStatus()), nil
	}
}

func mcpLearnInsight(h *handlers.Handlers) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("insight")
		if err != nil {
			return mcpError("insight is required"), nil
		}
		in, err := h.Orchestrator.LearnFromCEO(text)
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(fmt.Sprintf("Stored insight %s", in.ID)), nil
	}
}

func mcpOrchestrate(h *handlers.Handlers) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		instruction, err := req.RequireString("instruction")
		if err != nil {
			return mcpError("instruction is required"), nil
		}
		account := req.GetString("account", "")
		res, err := h.Orchestrator.Orchestrate(ctx, models.Directive{
			Instruction: instruction,
			Account:     account,
			Theme:       req.GetString("theme", ""),
		}, orchestrator.Options{AutoSave: account != ""})
		if err != nil {
			return mcpError(fmt.Sprintf("orchestration failed: %v", err)), nil
		}
		return mcpJSON(res), nil
	}
}

func mcpResourceTracerStats(h *handlers.Handlers) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(h.Tracer.GetStats())
		if err != nil {
			return nil, fmt.Errorf("marshal tracer stats: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v interface{}) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
