package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"enginehub/internal/query"
	"enginehub/internal/registry"
	"enginehub/internal/storage"
)

// MCPDeps holds dependencies for the MCP tool surface.
type MCPDeps struct {
	Store    *storage.Store
	Registry *registry.Registry
	Query    *query.Coordinator
}

// NewMCPServer exposes engines over MCP so agent clients can list them and
// ask grounded questions. Identity comes from the "owner" tool argument; the
// transport in front of this server is expected to have verified it.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"enginehub",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("enginehub — retrieval-augmented query over per-user document engines."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_engines",
			mcp.WithDescription("List the caller's engines with status and document counts."),
			mcp.WithString("owner", mcp.Description("Verified owner id"), mcp.Required()),
		),
		mcpListEngines(deps),
	)

	s.AddTool(
		mcp.NewTool("query_engine",
			mcp.WithDescription("Ask a natural-language question against an engine and get an answer with supporting passages."),
			mcp.WithString("owner", mcp.Description("Verified owner id"), mcp.Required()),
			mcp.WithString("question", mcp.Description("The question to answer"), mcp.Required()),
			mcp.WithString("engine_id", mcp.Description("Engine to query; the caller's default engine when omitted")),
		),
		mcpQueryEngine(deps),
	)

	return s
}

func mcpListEngines(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		owner, err := req.RequireString("owner")
		if err != nil {
			return mcpError("owner is required"), nil
		}

		engines, err := deps.Registry.List(ctx, owner)
		if err != nil {
			return mcpError(fmt.Sprintf("listing engines failed: %v", err)), nil
		}

		type engineResult struct {
			ID        string `json:"id"`
			Name      string `json:"name"`
			Status    string `json:"status"`
			IsDefault bool   `json:"is_default"`
			FileCount int    `json:"file_count"`
		}
		results := make([]engineResult, len(engines))
		for i, e := range engines {
			n, err := deps.Store.CountLiveDocuments(e.ID)
			if err != nil {
				return mcpError(fmt.Sprintf("counting documents failed: %v", err)), nil
			}
			results[i] = engineResult{
				ID:        e.ID,
				Name:      e.Name,
				Status:    e.Status,
				IsDefault: e.IsDefault,
				FileCount: n,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("encoding results failed: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpQueryEngine(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		owner, err := req.RequireString("owner")
		if err != nil {
			return mcpError("owner is required"), nil
		}
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}
		engineID := req.GetString("engine_id", "")

		res, err := deps.Query.Ask(ctx, owner, engineID, question)
		if err != nil {
			return mcpError(fmt.Sprintf("query failed: %v", err)), nil
		}

		type contextResult struct {
			DocumentID string  `json:"document_id"`
			Name       string  `json:"name,omitempty"`
			Text       string  `json:"text"`
			Score      float64 `json:"score"`
		}
		out := struct {
			Answer   string          `json:"answer"`
			Contexts []contextResult `json:"contexts"`
		}{Answer: res.Answer, Contexts: make([]contextResult, len(res.Contexts))}
		for i, c := range res.Contexts {
			out.Contexts[i] = contextResult{
				DocumentID: c.DocumentID,
				Name:       c.Name,
				Text:       c.Text,
				Score:      c.Score,
			}
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("encoding result failed: %v", err)), nil
		}
		return mcpText(string(b)), nil
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
