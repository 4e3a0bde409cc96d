// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/veilchat/internal/ui/chat"
	"github.com/jeranaias/veilchat/internal/ui/styles"
)

type chatOptions struct {
	resume string
	noSave bool
}

func newChatCmd(flags *globalFlags) *cobra.Command {
	opts := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open the interactive chat screen",
		Example: `  veilchat chat
  veilchat chat --resume conv_1234`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, flags, opts)
		},
	}
	cmd.Flags().StringVar(&opts.resume, "resume", "", "continue a saved conversation by local id")
	cmd.Flags().BoolVar(&opts.noSave, "no-save", false, "do not save the conversation")
	return cmd
}

func runChat(cmd *cobra.Command, flags *globalFlags, opts *chatOptions) error {
	if err := RequiresTTY("chat"); err != nil {
		return err
	}

	a, err := newApp(flags)
	if err != nil {
		return err
	}
	defer a.close()

	conv, err := a.openConversation(opts.resume)
	if err != nil {
		return err
	}

	bridge := chat.NewBridge()
	defer bridge.Close()

	ctrl, err := a.newController(conv, !opts.noSave, bridge.Hooks())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	theme := styles.NewThemeWithProfile(GetColorProfile(), termenv.HasDarkBackground())
	m := chat.New(ctx, ctrl, bridge, theme, chat.Options{
		ModelName:     a.cfg.Inference.Model,
		ShowReasoning: a.cfg.UI.ShowReasoning,
		ShowMetrics:   a.cfg.UI.ShowMetrics,
		ThinkingMode:  a.cfg.Inference.ThinkingMode,
		WebSearch:     a.cfg.Inference.WebSearch,
	})

	a.logger.Info("chat started",
		zap.String("local_id", conv.LocalID),
		zap.String("model", a.cfg.Inference.Model))

	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		return fmt.Errorf("chat screen failed: %w", err)
	}
	ctrl.Cancel()
	return nil
}
