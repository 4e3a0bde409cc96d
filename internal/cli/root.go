// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath string
	model      string
	verbose    bool
	json       bool
}

// NewRootCmd builds the veilchat command tree.
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "veilchat",
		Short: "Encrypted multi-turn chat client",
		Long: `veilchat talks to an encrypted inference service. Replies stream back
sealed to a local key pair and are decrypted, split and rendered as they
arrive. Conversations are kept locally with every edit branch and
regenerated version.`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "config file path (default is $HOME/.veilchat/config.toml)")
	pf.StringVarP(&flags.model, "model", "m", "", "model to use (overrides inference.model)")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVar(&flags.json, "json", false, "print machine-readable output")

	root.AddCommand(
		newAskCmd(flags),
		newChatCmd(flags),
		newKeygenCmd(flags),
		newConfigCmd(flags),
		newHistoryCmd(flags),
	)
	return root
}

// Execute runs the root command and exits with a code that reflects the
// failure. It is called by main.main().
func Execute() {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		jsonMode, _ := root.PersistentFlags().GetBool("json")
		DisplayError(os.Stderr, err, jsonMode)
		os.Exit(GetExitCode(err))
	}
}
