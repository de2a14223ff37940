package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mkarlsen/trk/internal/events"
	"github.com/mkarlsen/trk/internal/models"
	"github.com/mkarlsen/trk/internal/store"
)

// Server wraps the trk data layer and exposes it as MCP tools.
type Server struct {
	store store.Store
	hub   *events.Hub
}

// NewServer creates the MCP server wrapper. The hub may be nil when no
// live sessions need change notifications (the stdio CLI case).
func NewServer(s store.Store, hub *events.Hub) *Server {
	return &Server{store: s, hub: hub}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("trk", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.listUsersTool())
	srv.AddTool(s.listIssuesTool())
	srv.AddTool(s.createIssueTool())
	srv.AddTool(s.updateIssueTool())
	srv.AddTool(s.deleteIssueTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func (s *Server) publish(ev events.Event) {
	if s.hub != nil {
		s.hub.Publish(ev)
	}
}

// resolveUser maps an account email to a user record.
func (s *Server) resolveUser(ctx context.Context, email string) (*models.User, error) {
	u, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("no account with email %q", email)
	}
	return u, nil
}

// findIssue resolves an issue by full ID or unique ID prefix within an account.
func (s *Server) findIssue(ctx context.Context, userID, ref string) (*models.Issue, error) {
	if issue, err := s.store.GetIssue(ctx, userID, ref); err == nil {
		return issue, nil
	}

	issues, err := s.store.ListIssues(ctx, userID)
	if err != nil {
		return nil, err
	}

	var match *models.Issue
	for _, issue := range issues {
		if strings.HasPrefix(issue.ID, ref) {
			if match != nil {
				return nil, fmt.Errorf("issue ID %q is ambiguous", ref)
			}
			match = issue
		}
	}
	if match == nil {
		return nil, fmt.Errorf("issue not found: %s", ref)
	}
	return match, nil
}

type issueOut struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

func issueToOut(issue *models.Issue) issueOut {
	return issueOut{
		ID:          issue.ID,
		Title:       issue.Title,
		Description: issue.Description,
		Status:      string(issue.Status),
		CreatedAt:   issue.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   issue.UpdatedAt.Format(time.RFC3339),
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// trk_list_users
func (s *Server) listUsersTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("trk_list_users",
		mcp.WithDescription("List all user accounts. Returns a JSON array with id, email, and created_at."),
	)
	return tool, s.handleListUsers
}

func (s *Server) handleListUsers(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list users: %v", err)), nil
	}

	type userOut struct {
		ID        string `json:"id"`
		Email     string `json:"email"`
		CreatedAt string `json:"created_at"`
	}

	out := make([]userOut, len(users))
	for i, u := range users {
		out[i] = userOut{
			ID:        u.ID,
			Email:     u.Email,
			CreatedAt: u.CreatedAt.Format(time.RFC3339),
		}
	}
	return jsonResult(out)
}

// trk_list_issues
func (s *Server) listIssuesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("trk_list_issues",
		mcp.WithDescription("List issues for an account, newest first. Returns a JSON array of issues."),
		mcp.WithString("user", mcp.Required(), mcp.Description("Account email")),
		mcp.WithString("status", mcp.Description("Filter by status: Open, In Progress, Closed")),
	)
	return tool, s.handleListIssues
}

func (s *Server) handleListIssues(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	email, err := request.RequireString("user")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: user"), nil
	}

	u, err := s.resolveUser(ctx, email)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	issues, err := s.store.ListIssues(ctx, u.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list issues: %v", err)), nil
	}

	status := request.GetString("status", "")
	out := make([]issueOut, 0, len(issues))
	for _, issue := range issues {
		if status != "" && string(issue.Status) != status {
			continue
		}
		out = append(out, issueToOut(issue))
	}
	return jsonResult(out)
}

// trk_create_issue
func (s *Server) createIssueTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("trk_create_issue",
		mcp.WithDescription("Create a new issue for an account. Returns the created issue as JSON."),
		mcp.WithString("user", mcp.Required(), mcp.Description("Account email")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Issue title")),
		mcp.WithString("description", mcp.Description("Issue description")),
		mcp.WithString("status", mcp.Description("Status: Open, In Progress, Closed (default: Open)")),
	)
	return tool, s.handleCreateIssue
}

func (s *Server) handleCreateIssue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	email, err := request.RequireString("user")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: user"), nil
	}
	title, err := request.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: title"), nil
	}

	u, err := s.resolveUser(ctx, email)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	status := models.IssueStatus(request.GetString("status", string(models.IssueStatusOpen)))
	if !models.ValidStatus(status) {
		return mcp.NewToolResultError(fmt.Sprintf("invalid status %q", status)), nil
	}

	issue := &models.Issue{
		UserID:      u.ID,
		Title:       title,
		Description: request.GetString("description", ""),
		Status:      status,
	}

	if err := s.store.CreateIssue(ctx, issue); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create issue: %v", err)), nil
	}
	s.publish(events.Inserted(issue))

	return jsonResult(issueToOut(issue))
}

// trk_update_issue
func (s *Server) updateIssueTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("trk_update_issue",
		mcp.WithDescription("Update an existing issue. Provide the issue ID (full or prefix) and at least one field to update. Returns the updated issue as JSON."),
		mcp.WithString("user", mcp.Required(), mcp.Description("Account email")),
		mcp.WithString("issue_id", mcp.Required(), mcp.Description("Issue ID (full ULID or unique prefix)")),
		mcp.WithString("title", mcp.Description("New title")),
		mcp.WithString("description", mcp.Description("New description")),
		mcp.WithString("status", mcp.Description("New status: Open, In Progress, Closed")),
	)
	return tool, s.handleUpdateIssue
}

func (s *Server) handleUpdateIssue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	email, err := request.RequireString("user")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: user"), nil
	}
	issueID, err := request.RequireString("issue_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: issue_id"), nil
	}

	u, err := s.resolveUser(ctx, email)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	issue, err := s.findIssue(ctx, u.ID, issueID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var patch store.IssuePatch
	if title := request.GetString("title", ""); title != "" {
		patch.Title = &title
	}
	if desc := request.GetString("description", ""); desc != "" {
		patch.Description = &desc
	}
	if status := request.GetString("status", ""); status != "" {
		st := models.IssueStatus(status)
		if !models.ValidStatus(st) {
			return mcp.NewToolResultError(fmt.Sprintf("invalid status %q", status)), nil
		}
		patch.Status = &st
	}
	if patch.Title == nil && patch.Description == nil && patch.Status == nil {
		return mcp.NewToolResultError("no fields provided to update; specify at least one of: title, description, status"), nil
	}

	updated, err := s.store.UpdateIssue(ctx, u.ID, issue.ID, patch)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to update issue: %v", err)), nil
	}
	s.publish(events.Updated(issue, updated))

	return jsonResult(issueToOut(updated))
}

// trk_delete_issue
func (s *Server) deleteIssueTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("trk_delete_issue",
		mcp.WithDescription("Delete an issue by ID (full or prefix). Returns the deleted issue's id."),
		mcp.WithString("user", mcp.Required(), mcp.Description("Account email")),
		mcp.WithString("issue_id", mcp.Required(), mcp.Description("Issue ID (full ULID or unique prefix)")),
	)
	return tool, s.handleDeleteIssue
}

func (s *Server) handleDeleteIssue(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	email, err := request.RequireString("user")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: user"), nil
	}
	issueID, err := request.RequireString("issue_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: issue_id"), nil
	}

	u, err := s.resolveUser(ctx, email)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	issue, err := s.findIssue(ctx, u.ID, issueID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.store.DeleteIssue(ctx, u.ID, issue.ID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to delete issue: %v", err)), nil
	}
	s.publish(events.Deleted(issue))

	return jsonResult(map[string]string{"deleted": issue.ID})
}
