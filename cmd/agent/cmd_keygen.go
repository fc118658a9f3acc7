package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/orbanhq/orban-agent/internal/auth"
	"github.com/orbanhq/orban-agent/internal/config"
)

func newKeygenCmd(flags *globalFlags) *cobra.Command {
	var (
		force   bool
		openSSH bool
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new agent key",
		Long:  "Generate a new Ed25519 agent key and print the derived agent id.\nAn existing key is kept unless --force is given.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.keyPath
			if path == "" {
				path = config.Default(config.GetConfigDir()).KeyPath
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("keygen: %s already exists (use --force to replace it)", path)
			}

			id, err := auth.GenerateIdentity("")
			if err != nil {
				return fmt.Errorf("keygen: %w", err)
			}
			save := id.Save
			if openSSH {
				save = id.SaveOpenSSH
			}
			if err := save(path); err != nil {
				return fmt.Errorf("keygen: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\nAgent ID: %s\n", path, id.AgentID)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing key")
	cmd.Flags().BoolVar(&openSSH, "openssh", false, "write the key in OpenSSH format")
	return cmd
}
