package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mkarlsen/trk/internal/models"
	"github.com/mkarlsen/trk/internal/output"
	"github.com/mkarlsen/trk/internal/store"
)

var (
	issueUser   string
	issueTitle  string
	issueDesc   string
	issueStatus string
)

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Manage issues",
	Long:  "Create, list, update, and delete issues for a user account.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueListRun()
	},
}

var issueAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new issue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueAddRun()
	},
}

var issueListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List issues, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueListRun()
	},
}

var issueShowCmd = &cobra.Command{
	Use:   "show <issue-id>",
	Short: "Show issue details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueShowRun(args[0])
	},
}

var issueUpdateCmd = &cobra.Command{
	Use:   "update <issue-id>",
	Short: "Update an issue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueUpdateRun(args[0])
	},
	Args: cobra.ExactArgs(1),
}

var issueCloseCmd = &cobra.Command{
	Use:   "close <issue-id>",
	Short: "Close an issue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueCloseRun(args[0])
	},
}

var issueDeleteCmd = &cobra.Command{
	Use:     "delete <issue-id>",
	Aliases: []string{"rm"},
	Short:   "Delete an issue",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return issueDeleteRun(args[0])
	},
}

func init() {
	issueCmd.PersistentFlags().StringVarP(&issueUser, "user", "u", "", "Account email (default from config 'user')")

	issueAddCmd.Flags().StringVar(&issueTitle, "title", "", "Issue title (required)")
	issueAddCmd.Flags().StringVar(&issueDesc, "desc", "", "Issue description")
	issueAddCmd.Flags().StringVar(&issueStatus, "status", string(models.IssueStatusOpen), "Status: Open, In Progress, Closed")
	_ = issueAddCmd.MarkFlagRequired("title")

	issueUpdateCmd.Flags().StringVar(&issueTitle, "title", "", "New title")
	issueUpdateCmd.Flags().StringVar(&issueDesc, "desc", "", "New description")
	issueUpdateCmd.Flags().StringVar(&issueStatus, "status", "", "New status: Open, In Progress, Closed")

	issueCmd.AddCommand(issueAddCmd)
	issueCmd.AddCommand(issueListCmd)
	issueCmd.AddCommand(issueShowCmd)
	issueCmd.AddCommand(issueUpdateCmd)
	issueCmd.AddCommand(issueCloseCmd)
	issueCmd.AddCommand(issueDeleteCmd)
	rootCmd.AddCommand(issueCmd)
}

// resolveUser maps --user (or the 'user' config key) to an account.
func resolveUser(ctx context.Context, s store.Store) (*models.User, error) {
	email := issueUser
	if email == "" {
		email = viper.GetString("user")
	}
	if email == "" {
		return nil, errors.New("no account selected: pass --user or set 'user' in the config file")
	}

	u, err := s.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("no account with email %q (create one with 'trk user add')", email)
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// findIssue resolves an issue by full ID or unique ID prefix.
func findIssue(ctx context.Context, s store.Store, userID, ref string) (*models.Issue, error) {
	if issue, err := s.GetIssue(ctx, userID, ref); err == nil {
		return issue, nil
	}

	issues, err := s.ListIssues(ctx, userID)
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

func issueAddRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	u, err := resolveUser(ctx, s)
	if err != nil {
		return err
	}

	status := models.IssueStatus(issueStatus)
	if !models.ValidStatus(status) {
		return fmt.Errorf("invalid status %q", issueStatus)
	}

	issue := &models.Issue{
		UserID:      u.ID,
		Title:       issueTitle,
		Description: issueDesc,
		Status:      status,
	}

	if dryRun {
		ui.DryRunMsg("Would add issue: %s [%s] for %s", issueTitle, status, u.Email)
		return nil
	}

	if err := s.CreateIssue(ctx, issue); err != nil {
		return fmt.Errorf("create issue: %w", err)
	}

	ui.Success("Created issue %s: %s", output.Cyan(shortID(issue.ID)), issueTitle)
	return nil
}

func issueListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	u, err := resolveUser(ctx, s)
	if err != nil {
		return err
	}

	issues, err := s.ListIssues(ctx, u.ID)
	if err != nil {
		return err
	}

	if len(issues) == 0 {
		ui.Info("No issues found.")
		return nil
	}

	table := ui.Table([]string{"ID", "Title", "Status", "Created"})
	for _, issue := range issues {
		_ = table.Append([]string{
			shortID(issue.ID),
			issue.Title,
			output.StatusColor(issue.Status),
			issue.CreatedAt.Format("2006-01-02 15:04"),
		})
	}
	_ = table.Render()
	return nil
}

func issueShowRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	u, err := resolveUser(ctx, s)
	if err != nil {
		return err
	}

	issue, err := findIssue(ctx, s, u.ID, ref)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(shortID(issue.ID)), issue.Title)
	fmt.Fprintf(ui.Out, "  Status:     %s\n", output.StatusColor(issue.Status))
	if issue.Description != "" {
		fmt.Fprintf(ui.Out, "  Desc:       %s\n", issue.Description)
	}
	fmt.Fprintf(ui.Out, "  Account:    %s\n", u.Email)
	fmt.Fprintf(ui.Out, "  Created:    %s\n", issue.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(ui.Out, "  Updated:    %s\n", issue.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", issue.ID)

	return nil
}

func issueUpdateRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	u, err := resolveUser(ctx, s)
	if err != nil {
		return err
	}

	issue, err := findIssue(ctx, s, u.ID, ref)
	if err != nil {
		return err
	}

	var patch store.IssuePatch
	if issueTitle != "" {
		patch.Title = &issueTitle
	}
	if issueDesc != "" {
		patch.Description = &issueDesc
	}
	if issueStatus != "" {
		status := models.IssueStatus(issueStatus)
		if !models.ValidStatus(status) {
			return fmt.Errorf("invalid status %q", issueStatus)
		}
		patch.Status = &status
	}
	if patch.Title == nil && patch.Description == nil && patch.Status == nil {
		return errors.New("nothing to update: pass --title, --desc, or --status")
	}

	if dryRun {
		ui.DryRunMsg("Would update issue %s", shortID(issue.ID))
		return nil
	}

	updated, err := s.UpdateIssue(ctx, u.ID, issue.ID, patch)
	if err != nil {
		return fmt.Errorf("update issue: %w", err)
	}

	ui.Success("Updated issue %s: %s [%s]", output.Cyan(shortID(updated.ID)), updated.Title, updated.Status)
	return nil
}

func issueCloseRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	u, err := resolveUser(ctx, s)
	if err != nil {
		return err
	}

	issue, err := findIssue(ctx, s, u.ID, ref)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would close issue %s", shortID(issue.ID))
		return nil
	}

	closed := models.IssueStatusClosed
	if _, err := s.UpdateIssue(ctx, u.ID, issue.ID, store.IssuePatch{Status: &closed}); err != nil {
		return fmt.Errorf("close issue: %w", err)
	}

	ui.Success("Closed issue %s: %s", output.Cyan(shortID(issue.ID)), issue.Title)
	return nil
}

func issueDeleteRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	u, err := resolveUser(ctx, s)
	if err != nil {
		return err
	}

	issue, err := findIssue(ctx, s, u.ID, ref)
	if err != nil {
		return err
	}

	if dryRun {
		ui.DryRunMsg("Would delete issue %s: %s", shortID(issue.ID), issue.Title)
		return nil
	}

	if err := s.DeleteIssue(ctx, u.ID, issue.ID); err != nil {
		return fmt.Errorf("delete issue: %w", err)
	}

	ui.Success("Deleted issue %s: %s", output.Cyan(shortID(issue.ID)), issue.Title)
	return nil
}
