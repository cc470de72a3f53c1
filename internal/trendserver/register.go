package trendserver

import (
	"context"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/anatolykoptev/go_roletrends/internal/pipeline"
)

// RegisterTools registers role_trends_run and role_trends_runs on server.
func RegisterTools(server *mcp.Server, svc *Service) {
	registerRun(server, svc)
	registerRuns(server, svc)
}

func registerRun(server *mcp.Server, svc *Service) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "role_trends_run",
		Description: "Run the role-trends pipeline: fetch applications from the tracker, extract resume text, summarize each candidate with the language model, and append normalized rows to the Role Trends spreadsheet. Returns run id, status, failing stage (if any) and per-stage counts. Use dry_run to preview rows without writing.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input RunInput) (*mcp.CallToolResult, pipeline.Result, error) {
		res, err := svc.Run(ctx, input)
		if err != nil {
			return nil, pipeline.Result{}, err
		}
		slog.Info("role_trends_run: done", slog.String("run_id", res.RunID), slog.String("status", res.Status))
		return nil, res, nil
	})
}

func registerRuns(server *mcp.Server, svc *Service) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "role_trends_runs",
		Description: "List recent role-trends runs from the run ledger, newest first, with status, window and counts.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true},
	}, func(ctx context.Context, _ *mcp.CallToolRequest, input RunsInput) (*mcp.CallToolResult, RunsOutput, error) {
		out, err := svc.Runs(ctx, input)
		if err != nil {
			return nil, RunsOutput{}, err
		}
		return nil, out, nil
	})
}
