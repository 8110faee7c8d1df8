package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/pantryd/pantryd/internal/orchestrator"
	"github.com/pantryd/pantryd/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Runs      RunService
	Inventory InventoryStore
}

// NewMCPServer creates an MCP server exposing the pantry to agents:
// receipt submission, inventory queries, and recipe recommendations.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"pantryd",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("pantryd: grocery receipt processing, pantry inventory, and recipe suggestions."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("submit_receipt",
			mcp.WithDescription("Submit a grocery receipt (base64-encoded photo or PDF) for processing. Returns the workflow run ID."),
			mcp.WithString("image", mcp.Description("Base64-encoded receipt image or PDF"), mcp.Required()),
			mcp.WithString("purchase_date", mcp.Description("Purchase date as YYYY-MM-DD (defaults to today)")),
		),
		mcpSubmitReceipt(deps),
	)

	s.AddTool(
		mcp.NewTool("list_grocery",
			mcp.WithDescription("List tracked grocery items with their quantities, expiration dates, and freshness."),
			mcp.WithNumber("expiring_within_days", mcp.Description("Only return items expiring within this many days")),
		),
		mcpListGrocery(deps),
	)

	s.AddTool(
		mcp.NewTool("recommend_recipes",
			mcp.WithDescription("Suggest recipes that can be cooked from the tracked grocery items."),
			mcp.WithBoolean("use_expiring", mcp.Description("Prioritize items that expire within three days")),
		),
		mcpRecommendRecipes(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"pantry://inventory",
			"Pantry Inventory",
			mcp.WithResourceDescription("Current grocery inventory as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceInventory(deps),
	)

	return s
}

func mcpSubmitReceipt(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		image, err := req.RequireString("image")
		if err != nil {
			return mcpError("image is required"), nil
		}
		purchaseDate := req.GetString("purchase_date", "")

		runID, err := deps.Runs.StartRun(ctx, orchestrator.Receipt{
			ImageBase64:  image,
			PurchaseDate: purchaseDate,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to start run: %v", err)), nil
		}

		b, err := json.Marshal(map[string]string{"run_id": runID, "status": storage.RunReceived})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpListGrocery(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var (
			items []storage.GroceryItem
			err   error
		)
		if days := req.GetInt("expiring_within_days", -1); days >= 0 {
			items, err = deps.Inventory.ListItemsExpiringWithin(days, time.Now().UTC())
		} else {
			items, err = deps.Inventory.ListItems()
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list items: %v", err)), nil
		}

		b, err := json.Marshal(itemViews(items))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal items: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRecommendRecipes(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		useExpiring := req.GetBool("use_expiring", false)

		output, err := deps.Runs.Recommend(ctx, useExpiring)
		if err != nil {
			return mcpError(fmt.Sprintf("recommendation failed: %v", err)), nil
		}

		b, err := json.Marshal(output)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal recipes: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceInventory(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		items, err := deps.Inventory.ListItems()
		if err != nil {
			return nil, fmt.Errorf("failed to list items: %w", err)
		}

		b, err := json.Marshal(itemViews(items))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal items: %w", err)
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

func itemViews(items []storage.GroceryItem) []itemView {
	views := make([]itemView, len(items))
	for i, item := range items {
		views[i] = itemView{
			ItemID:       item.ItemID,
			Name:         item.Name,
			Quantity:     item.Quantity,
			PurchaseDate: item.PurchaseDate.Format(storage.DateLayout),
			Status:       item.Status,
		}
		if item.ExpirationDate != nil {
			views[i].ExpirationDate = item.ExpirationDate.Format(storage.DateLayout)
		}
	}
	return views
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
