package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/triageq/internal/connectivity"
	"github.com/kalambet/triageq/internal/queue"
	"github.com/kalambet/triageq/internal/submission"
	"github.com/kalambet/triageq/internal/syncer"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Manager      *queue.Manager
	Engine       *syncer.Engine
	Connectivity connectivity.Source
}

// NewMCPServer creates an MCP server exposing the submission queue.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"triageq",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("triageq queues symptom reports while offline and delivers them to the triage service when connectivity returns."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_symptoms",
			mcp.WithDescription("Queue a symptom description for delivery to the triage service."),
			mcp.WithString("text", mcp.Description("Free-text symptom description"), mcp.Required()),
			mcp.WithString("locale", mcp.Description("Language of the text: en or ht (default en)")),
		),
		mcpSubmitSymptoms(deps),
	)

	s.AddTool(
		mcp.NewTool("sync_now",
			mcp.WithDescription("Deliver every pending and failed submission now and report the outcome."),
		),
		mcpSyncNow(deps),
	)

	s.AddTool(
		mcp.NewTool("queue_status",
			mcp.WithDescription("Report connectivity, queue counts per status and the next retry delay."),
		),
		mcpQueueStatus(deps),
	)

	s.AddTool(
		mcp.NewTool("purge_synced",
			mcp.WithDescription("Remove submissions that were already delivered."),
		),
		mcpPurgeSynced(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"queue://pending",
			"Pending Submissions",
			mcp.WithResourceDescription("Submissions still waiting for delivery"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourcePending(deps),
	)

	return s
}

func mcpSubmitSymptoms(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		locale := req.GetString("locale", submission.DefaultLocale)

		sub, err := deps.Manager.Enqueue(ctx, submission.Payload{Text: text, Locale: locale})
		var ve *submission.ValidationError
		if errors.As(err, &ve) {
			return mcpError(ve.Error()), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to queue: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued submission %d", sub.ID)), nil
	}
}

func mcpSyncNow(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := deps.Engine.Sync(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("sync failed: %v", err)), nil
		}
		return mcpText(res.Feedback()), nil
	}
}

func mcpQueueStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st := Status{
			Online:         deps.Connectivity.IsOnline(),
			Queue:          deps.Manager.Stats(ctx),
			MaxItems:       deps.Manager.MaxItems(),
			NextDelay:      deps.Engine.NextDelay().String(),
			RetryScheduled: deps.Engine.RetryScheduled(),
		}
		b, err := json.Marshal(st)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal status: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpPurgeSynced(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		n, err := deps.Manager.PurgeSynced(ctx)
		if err != nil {
			return mcpError(fmt.Sprintf("purge failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Purged %d synced submissions", n)), nil
	}
}

func mcpResourcePending(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Manager.ListPending(ctx))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal pending submissions: %w", err)
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
