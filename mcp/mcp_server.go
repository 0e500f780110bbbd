// Package mcp exposes the task marketplace to AI agents over the Model
// Context Protocol. Agents authenticate with the same sat_ bearer tokens
// the HTTP API uses, passed as a tool argument.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"satgate-backend/services"
	"satgate-backend/storage"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer wraps the mcp-go server with the marketplace store and catalog.
type MCPServer struct {
	mcpServer *server.MCPServer
	store     storage.Store
	catalog   *services.CatalogService
}

// NewMCPServer creates a new MCP server using the mcp-go library.
func NewMCPServer(store storage.Store, catalog *services.CatalogService) *MCPServer {
	mcpServer := server.NewMCPServer(
		"Satgate MCP Server",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s := &MCPServer{
		mcpServer: mcpServer,
		store:     store,
		catalog:   catalog,
	}

	s.registerTools()

	return s
}

// GetMCPServer returns the underlying MCP server for transport setup.
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *MCPServer) registerTools() {
	// Marketplace reads
	s.registerListTasksTool()
	s.registerGetTaskTool()
	s.registerGetCatalogTool()

	// Token-authorized actions
	s.registerGetBalanceTool()
	s.registerCreateTaskTool()
	s.registerCreateQuoteTool()
	s.registerAcceptQuoteTool()
	s.registerSendMessageTool()
	s.registerGetMessagesTool()
}

// account resolves the token argument to an account ID.
func (s *MCPServer) account(ctx context.Context, request mcp.CallToolRequest) (string, error) {
	token, err := request.RequireString("token")
	if err != nil {
		return "", err
	}
	return s.store.AccountIDByToken(ctx, token)
}

// registerListTasksTool creates a tool for listing marketplace tasks
func (s *MCPServer) registerListTasksTool() {
	tool := mcp.NewTool("list_tasks",
		mcp.WithDescription("List marketplace tasks with optional status filtering"),
		mcp.WithString("status", mcp.Description("Filter by task status (open, in_escrow, delivered, completed)")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		status := ""
		if v, ok := args["status"].(string); ok {
			status = v
		}

		tasks, err := s.store.ListTasks(ctx, status)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list tasks: %v", err)), nil
		}

		result := map[string]interface{}{
			"tasks":       tasks,
			"total_count": len(tasks),
		}

		return jsonResult(fmt.Sprintf("Found %d tasks", len(tasks)), result)
	})
}

// registerGetTaskTool creates a tool for getting a task with its quotes
func (s *MCPServer) registerGetTaskTool() {
	tool := mcp.NewTool("get_task",
		mcp.WithDescription("Get a task with its quotes and deliveries"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of task to retrieve")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		taskID, err := request.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		detail, err := s.store.GetTaskDetail(ctx, taskID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get task: %v", err)), nil
		}

		return jsonResult("Task details", detail)
	})
}

// registerGetCatalogTool creates a tool for reading the pricing catalog
func (s *MCPServer) registerGetCatalogTool() {
	tool := mcp.NewTool("get_catalog",
		mcp.WithDescription("Get the pay-per-call API pricing catalog with BTC/USD equivalents"),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if s.catalog == nil {
			return mcp.NewToolResultError("catalog is not configured"), nil
		}
		return jsonResult("Pricing catalog", s.catalog.Build(ctx))
	})
}

// registerGetBalanceTool creates a tool for checking an account balance
func (s *MCPServer) registerGetBalanceTool() {
	tool := mcp.NewTool("get_balance",
		mcp.WithDescription("Get the prepaid balance for an account token"),
		mcp.WithString("token", mcp.Required(), mcp.Description("Account bearer token (sat_...)")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		accountID, err := s.account(ctx, request)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve token: %v", err)), nil
		}
		info, err := s.store.AccountInfo(ctx, accountID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get account: %v", err)), nil
		}
		return jsonResult("Account", info)
	})
}

// registerCreateTaskTool creates a tool for posting a task
func (s *MCPServer) registerCreateTaskTool() {
	tool := mcp.NewTool("create_task",
		mcp.WithDescription("Post a new task to the marketplace"),
		mcp.WithString("token", mcp.Required(), mcp.Description("Buyer account token")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Task title")),
		mcp.WithString("description", mcp.Description("Task description")),
		mcp.WithNumber("budget_sats", mcp.Required(), mcp.Description("Budget in satoshis")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		accountID, err := s.account(ctx, request)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve token: %v", err)), nil
		}
		title, err := request.RequireString("title")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		budget := toInt64(args["budget_sats"])
		if budget <= 0 {
			return mcp.NewToolResultError("budget_sats must be a positive integer"), nil
		}

		task, err := s.store.CreateTask(ctx, accountID, title, toString(args["description"]), budget)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create task: %v", err)), nil
		}

		return jsonResult("Task created", task)
	})
}

// registerCreateQuoteTool creates a tool for quoting on a task
func (s *MCPServer) registerCreateQuoteTool() {
	tool := mcp.NewTool("create_quote",
		mcp.WithDescription("Submit a quote on an open task"),
		mcp.WithString("token", mcp.Required(), mcp.Description("Contractor account token")),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of task to quote on")),
		mcp.WithNumber("price_sats", mcp.Required(), mcp.Description("Quoted price in satoshis")),
		mcp.WithString("description", mcp.Description("Quote description")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		accountID, err := s.account(ctx, request)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve token: %v", err)), nil
		}
		taskID, err := request.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		price := toInt64(args["price_sats"])
		if price <= 0 {
			return mcp.NewToolResultError("price_sats must be a positive integer"), nil
		}

		quote, err := s.store.CreateQuote(ctx, taskID, accountID, price, toString(args["description"]))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to create quote: %v", err)), nil
		}

		return jsonResult("Quote created", quote)
	})
}

// registerAcceptQuoteTool creates a tool for accepting a quote into escrow
func (s *MCPServer) registerAcceptQuoteTool() {
	tool := mcp.NewTool("accept_quote",
		mcp.WithDescription("Accept a quote, locking its price from the buyer's balance into escrow"),
		mcp.WithString("token", mcp.Required(), mcp.Description("Buyer account token")),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
		mcp.WithString("quote_id", mcp.Required(), mcp.Description("ID of the quote to accept")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		accountID, err := s.account(ctx, request)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve token: %v", err)), nil
		}
		taskID, err := request.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		quoteID, err := request.RequireString("quote_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		result, err := s.store.AcceptQuote(ctx, taskID, quoteID, accountID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to accept quote: %v", err)), nil
		}

		return jsonResult("Quote accepted, funds escrowed", result)
	})
}

// registerSendMessageTool creates a tool for posting to a quote thread
func (s *MCPServer) registerSendMessageTool() {
	tool := mcp.NewTool("send_message",
		mcp.WithDescription("Send a message in a quote's buyer/contractor thread"),
		mcp.WithString("token", mcp.Required(), mcp.Description("Sender account token")),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
		mcp.WithString("quote_id", mcp.Required(), mcp.Description("ID of the quote thread")),
		mcp.WithString("body", mcp.Required(), mcp.Description("Message body")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		accountID, err := s.account(ctx, request)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve token: %v", err)), nil
		}
		taskID, err := request.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		quoteID, err := request.RequireString("quote_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		body, err := request.RequireString("body")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		msg, err := s.store.SendQuoteMessage(ctx, taskID, quoteID, accountID, body)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to send message: %v", err)), nil
		}

		return jsonResult("Message sent", msg)
	})
}

// registerGetMessagesTool creates a tool for reading a quote thread
func (s *MCPServer) registerGetMessagesTool() {
	tool := mcp.NewTool("get_messages",
		mcp.WithDescription("Read a quote's message thread, optionally after a message ID"),
		mcp.WithString("token", mcp.Required(), mcp.Description("Account token of a thread participant")),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
		mcp.WithString("quote_id", mcp.Required(), mcp.Description("ID of the quote thread")),
		mcp.WithNumber("since_id", mcp.Description("Only return messages with an ID greater than this")),
	)

	s.mcpServer.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()

		accountID, err := s.account(ctx, request)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve token: %v", err)), nil
		}
		taskID, err := request.RequireString("task_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		quoteID, err := request.RequireString("quote_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		messages, err := s.store.QuoteMessages(ctx, taskID, quoteID, accountID, toInt64(args["since_id"]))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to get messages: %v", err)), nil
		}

		result := map[string]interface{}{
			"messages": messages,
			"count":    len(messages),
		}
		return jsonResult(fmt.Sprintf("Found %d messages", len(messages)), result)
	})
}

// jsonResult renders a heading plus the payload as indented JSON.
func jsonResult(heading string, payload interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(heading + ":\n\n" + string(data)), nil
}

// Helper function to convert interface{} to string
func toString(val interface{}) string {
	if str, ok := val.(string); ok {
		return str
	}
	return ""
}

// Helper function to convert interface{} to int64
func toInt64(val interface{}) int64 {
	if i, ok := val.(int64); ok {
		return i
	}
	if i, ok := val.(int); ok {
		return int64(i)
	}
	if f, ok := val.(float64); ok {
		return int64(f)
	}
	if str, ok := val.(string); ok {
		if i, err := strconv.ParseInt(str, 10, 64); err == nil {
			return i
		}
	}
	return 0
}
