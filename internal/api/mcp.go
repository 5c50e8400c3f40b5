package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/encuestabot/encuesta/internal/storage"
	"github.com/encuestabot/encuesta/internal/survey"
)

// MCPStore is the slice of the store the MCP layer needs.
type MCPStore interface {
	GetResponse(id string) (storage.Response, error)
	ListResponses(limit, offset int) ([]storage.Response, error)
	SummarizeRatings() (storage.RatingSummary, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store   MCPStore
	Surveys SurveyService
}

// NewMCPServer creates an MCP server exposing the survey tools and resources.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"encuesta",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("encuesta — WhatsApp satisfaction survey bot: trigger surveys and inspect collected ratings."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("send_survey",
			mcp.WithDescription("Send a satisfaction survey to a customer over WhatsApp."),
			mcp.WithString("phone_number", mcp.Description("Customer phone number"), mcp.Required()),
			mcp.WithString("customer_name", mcp.Description("Customer name for the greeting")),
			mcp.WithString("company", mcp.Description("Customer company name")),
			mcp.WithString("client_id", mcp.Description("Internal client identifier")),
			mcp.WithString("order_id", mcp.Description("Order the survey is about")),
			mcp.WithString("products", mcp.Description("Products in the order")),
		),
		mcpSendSurvey(deps),
	)

	s.AddTool(
		mcp.NewTool("get_response",
			mcp.WithDescription("Fetch a single survey response by its ID."),
			mcp.WithString("id", mcp.Description("Response ID"), mcp.Required()),
		),
		mcpGetResponse(deps),
	)

	s.AddTool(
		mcp.NewTool("list_responses",
			mcp.WithDescription("List collected survey responses, newest first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
			mcp.WithNumber("offset", mcp.Description("Number of results to skip")),
		),
		mcpListResponses(deps),
	)

	s.AddTool(
		mcp.NewTool("satisfaction_summary",
			mcp.WithDescription("Aggregate rating statistics across all collected responses."),
		),
		mcpSatisfactionSummary(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"survey://recent",
			"Recent Responses",
			mcp.WithResourceDescription("Last 10 survey responses"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpSendSurvey(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		phone, err := req.RequireString("phone_number")
		if err != nil {
			return mcpError("phone_number is required"), nil
		}

		id, err := deps.Surveys.Start(ctx, survey.StartRequest{
			PhoneNumber:  phone,
			ClientID:     req.GetString("client_id", ""),
			CustomerName: req.GetString("customer_name", ""),
			Company:      req.GetString("company", ""),
			OrderID:      req.GetString("order_id", ""),
			Products:     req.GetString("products", ""),
		})
		if errors.Is(err, survey.ErrAlreadyContacted) {
			return mcpError("a survey was already sent to this customer today"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to send survey: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Survey sent, response ID %s", id)), nil
	}
}

func mcpGetResponse(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		resp, err := deps.Store.GetResponse(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError("response not found"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get response: %v", err)), nil
		}

		b, err := json.Marshal(toResponseJSON(resp))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal response: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListResponses(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}
		offset := req.GetInt("offset", 0)
		if offset < 0 {
			offset = 0
		}

		responses, err := deps.Store.ListResponses(limit, offset)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list responses: %v", err)), nil
		}

		out := make([]responseJSON, len(responses))
		for i, resp := range responses {
			out[i] = toResponseJSON(resp)
		}

		b, err := json.Marshal(out)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal responses: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpSatisfactionSummary(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		summary, err := deps.Store.SummarizeRatings()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to summarize ratings: %v", err)), nil
		}

		b, err := json.Marshal(summary)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal summary: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		responses, err := deps.Store.ListResponses(10, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to list responses: %w", err)
		}

		type recentEntry struct {
			ID          string `json:"id"`
			PhoneNumber string `json:"phone_number"`
			Rating      *int   `json:"rating"`
			CreatedAt   string `json:"created_at"`
		}

		entries := make([]recentEntry, len(responses))
		for i, r := range responses {
			entries[i] = recentEntry{
				ID:          r.ID,
				PhoneNumber: r.PhoneNumber,
				Rating:      r.FirstRating,
				CreatedAt:   r.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(entries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal responses: %w", err)
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
