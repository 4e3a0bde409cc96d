// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/veilchat/internal/config"
	"github.com/jeranaias/veilchat/internal/logging"
	"github.com/jeranaias/veilchat/internal/model"
	"github.com/jeranaias/veilchat/internal/storage"
)

func newHistoryCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "history",
		Aliases: []string{"hist"},
		Short:   "Show and manage saved conversations",
	}

	show := &cobra.Command{
		Use:   "show <local-id>",
		Short: "Print the displayed branch of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(flags)
			if err != nil {
				return err
			}
			conv, err := store.Load(args[0])
			if err != nil {
				return err
			}
			if flags.json {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(conv)
			}
			printBranch(cmd.OutOrStdout(), conv)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <local-id>",
		Short: "Delete a saved conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(flags)
			if err != nil {
				return err
			}
			if err := store.Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", SuccessStyle.Render("deleted"), args[0])
			return nil
		},
	}

	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every saved conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return &UsageError{Reason: "refusing to delete all conversations without --yes", Example: "veilchat history clear --yes"}
			}
			store, err := openStore(flags)
			if err != nil {
				return err
			}
			if err := store.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("all conversations deleted"))
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&yes, "yes", false, "confirm deleting everything")

	cmd.AddCommand(show, del, clearCmd)
	return cmd
}

// openStore opens the conversation store without the rest of the app.
func openStore(flags *globalFlags) (*storage.ConversationStore, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	return storage.NewConversationStore(cfg.Storage.Dir, historyLogger(cfg))
}

func historyLogger(cfg *config.Config) *zap.Logger {
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Path: cfg.Log.Path})
	if err != nil {
		return logging.Nop()
	}
	return logger
}

// =============================================================================
// OUTPUT
// =============================================================================

func printBranch(w io.Writer, conv *model.Conversation) {
	title := conv.Title
	if title == "" {
		title = "New conversation"
	}
	fmt.Fprintln(w, TitleStyle.Render(title))

	for _, msg := range conv.Branch() {
		label := msg.Role.DisplayName()
		if n := msg.VersionCount(); n > 1 {
			label += fmt.Sprintf(" (version %d/%d)", msg.CurrentVersionIndex+1, n)
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, LabelStyle.UnsetWidth().Render(label))
		fmt.Fprintln(w, msg.Content)
	}
}
