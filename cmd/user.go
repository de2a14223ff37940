package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mkarlsen/trk/internal/auth"
	"github.com/mkarlsen/trk/internal/output"
)

var userPassword string

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return userListRun()
	},
}

var userAddCmd = &cobra.Command{
	Use:   "add <email>",
	Short: "Create a user account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return userAddRun(args[0])
	},
}

var userListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List user accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return userListRun()
	},
}

func init() {
	userAddCmd.Flags().StringVar(&userPassword, "password", "", "Account password (required, min 8 characters)")
	_ = userAddCmd.MarkFlagRequired("password")

	userCmd.AddCommand(userAddCmd)
	userCmd.AddCommand(userListCmd)
	rootCmd.AddCommand(userCmd)
}

func userAddRun(email string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	if dryRun {
		ui.DryRunMsg("Would create account %s", email)
		return nil
	}

	u, err := auth.NewManager(s).SignUp(ctx, email, userPassword)
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}

	ui.Success("Created account %s (%s)", output.Cyan(u.Email), shortID(u.ID))
	return nil
}

func userListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	users, err := s.ListUsers(ctx)
	if err != nil {
		return err
	}

	if len(users) == 0 {
		ui.Info("No accounts found.")
		return nil
	}

	table := ui.Table([]string{"ID", "Email", "Created"})
	for _, u := range users {
		_ = table.Append([]string{
			shortID(u.ID),
			u.Email,
			u.CreatedAt.Format("2006-01-02"),
		})
	}
	_ = table.Render()
	return nil
}
