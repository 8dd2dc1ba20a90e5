// Package mcpserver registers MCP tools that expose wishlist operations.
// It adapts the wishlist facade to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/alexjbarnes/wishlist-sync/wishlist"
)

// RegisterTools adds all wishlist tools to the given MCP server.
func RegisterTools(server *mcp.Server, w *wishlist.Wishlist) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "wishlist_list",
		Description: "List the products in the wishlist of the signed-in user (or the guest wishlist). Served from the local cache, so it works offline.",
	}, listHandler(w))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "wishlist_add",
		Description: "Add a product to the wishlist. Adding a product that is already present succeeds without change. Offline adds are queued and synced later.",
	}, addHandler(w))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "wishlist_remove",
		Description: "Remove a product from the wishlist. Removing an absent product succeeds without change. Offline removes are queued and synced later.",
	}, removeHandler(w))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "wishlist_clear",
		Description: "Remove every product from the wishlist.",
	}, clearHandler(w))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "wishlist_sync",
		Description: "Replay queued offline changes to the wishlist service and refresh the local cache. Fails when offline, signed out, or a sync is already running.",
	}, syncHandler(w))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "wishlist_status",
		Description: "Show sync status: state, last sync time, number of queued changes, connected devices, and the last error.",
	}, statusHandler(w))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// ListInput has no parameters.
type ListInput struct{}

// AddInput holds parameters for wishlist_add.
type AddInput struct {
	ProductID string  `json:"product_id" jsonschema:"required,product identifier"`
	Title     string  `json:"title,omitempty" jsonschema:"product title shown offline"`
	Price     float64 `json:"price,omitempty" jsonschema:"product price, must not be negative"`
	Image     string  `json:"image,omitempty" jsonschema:"product image URL"`
	Stock     int     `json:"stock,omitempty" jsonschema:"units in stock"`
}

// RemoveInput holds parameters for wishlist_remove.
type RemoveInput struct {
	ProductID string `json:"product_id" jsonschema:"required,product identifier"`
}

// ClearInput has no parameters.
type ClearInput struct{}

// SyncInput has no parameters.
type SyncInput struct{}

// StatusInput has no parameters.
type StatusInput struct{}

// ListResult is the output of wishlist_list.
type ListResult struct {
	Count int             `json:"count"`
	Items []wishlist.Item `json:"items"`
}

// --- Handlers ---

func listHandler(w *wishlist.Wishlist) mcp.ToolHandlerFor[ListInput, *ListResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ ListInput) (*mcp.CallToolResult, *ListResult, error) {
		items := w.List()
		result := &ListResult{Count: len(items), Items: items}
		return textResult(result), result, nil
	}
}

func addHandler(w *wishlist.Wishlist) mcp.ToolHandlerFor[AddInput, *wishlist.Result] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input AddInput) (*mcp.CallToolResult, *wishlist.Result, error) {
		result := w.Add(ctx, wishlist.Item{
			ProductID: input.ProductID,
			Title:     input.Title,
			Price:     input.Price,
			Image:     input.Image,
			Stock:     input.Stock,
		})
		return mutationResult(result)
	}
}

func removeHandler(w *wishlist.Wishlist) mcp.ToolHandlerFor[RemoveInput, *wishlist.Result] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input RemoveInput) (*mcp.CallToolResult, *wishlist.Result, error) {
		return mutationResult(w.Remove(ctx, input.ProductID))
	}
}

func clearHandler(w *wishlist.Wishlist) mcp.ToolHandlerFor[ClearInput, *wishlist.Result] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ ClearInput) (*mcp.CallToolResult, *wishlist.Result, error) {
		return mutationResult(w.Clear(ctx))
	}
}

func syncHandler(w *wishlist.Wishlist) mcp.ToolHandlerFor[SyncInput, *wishlist.SyncStatus] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ SyncInput) (*mcp.CallToolResult, *wishlist.SyncStatus, error) {
		status, err := w.Engine().Sync(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("sync: %w", err)
		}
		return textResult(status), &status, nil
	}
}

func statusHandler(w *wishlist.Wishlist) mcp.ToolHandlerFor[StatusInput, *wishlist.SyncStatus] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *wishlist.SyncStatus, error) {
		status := w.Status()
		return textResult(status), &status, nil
	}
}

// mutationResult reports an unsuccessful mutation as a tool error so the
// model sees the message rather than treating it as done.
func mutationResult(r wishlist.Result) (*mcp.CallToolResult, *wishlist.Result, error) {
	if !r.Success {
		return nil, nil, fmt.Errorf("%s", r.Message)
	}
	return textResult(r), &r, nil
}

// textResult builds a CallToolResult with JSON text content from any value.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
