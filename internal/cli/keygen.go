// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeranaias/veilchat/internal/security"
)

func newKeygenCmd(flags *globalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create or show the client key pair",
		Long: `Create the client's X25519 key pair, or show the public key of the
existing one. Replies are encrypted to this key.

--force replaces the key pair. Conversations already stored on the server
stay encrypted to the old key.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			path := cfg.Keys.Path

			var (
				keys    *security.KeyPair
				created bool
			)
			if force {
				if keys, err = security.GenerateKeyPair(); err == nil {
					err = security.SaveKeyPair(path, keys)
				}
				created = true
			} else {
				keys, created, err = security.LoadOrCreateKeyPair(path)
			}
			if err != nil {
				return &CommandError{Command: "keygen", Action: "create", Err: err}
			}
			defer keys.Zero()

			out := cmd.OutOrStdout()
			if flags.json {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"path":       path,
					"public_key": keys.PublicKeyBase64(),
					"created":    created,
				})
			}

			status := "existing key"
			if created {
				status = "created"
			}
			fmt.Fprintln(out, RenderField("Key file", path+" ("+status+")"))
			fmt.Fprintln(out, RenderField("Public key", keys.PublicKeyBase64()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing key pair")
	return cmd
}
