package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/orbanhq/orban-agent/internal/config"
	"github.com/orbanhq/orban-agent/internal/version"
	"github.com/orbanhq/orban-agent/pkg/debug"
)

// globalFlags are shared by every subcommand and override the loaded
// configuration.
type globalFlags struct {
	configPath string
	platform   string
	keyPath    string
	dataDir    string
	debug      bool
}

// newRootCmd creates the root command. Without a subcommand it runs the
// agent.
func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	run := newRunCmd(flags)

	cmd := &cobra.Command{
		Use:           "orban-agent",
		Short:         "Orban GPU contribution agent",
		Long:          "orban-agent connects this machine to the Orban platform, runs assigned tasks\non the local GPUs and reports telemetry and results.",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          run.RunE,
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "path to config.toml (default <config dir>/config.toml)")
	pf.StringVar(&flags.platform, "platform", "", "platform URL, e.g. https://api.orban.example")
	pf.StringVar(&flags.keyPath, "key", "", "path to the agent key file")
	pf.StringVar(&flags.dataDir, "data-dir", "", "directory for buffers, cache and the earnings ledger")
	pf.BoolVar(&flags.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(
		run,
		newKeygenCmd(flags),
		newDoctorCmd(flags),
		newEarningsCmd(flags),
		newVersionCmd(),
	)
	return cmd
}

// loadConfig layers the command-line flags over config.Load and sets up
// logging.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	if flags.debug {
		os.Setenv("DEBUG", "true")
		os.Setenv("LOG_LEVEL", "DEBUG")
	}
	debug.Reinitialize()

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.platform != "" {
		cfg.PlatformURL = flags.platform
	}
	if flags.keyPath != "" {
		cfg.KeyPath = flags.keyPath
	}
	if flags.dataDir != "" {
		cfg.DataDir = flags.dataDir
	}
	if flags.debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Debug {
		os.Setenv("DEBUG", "true")
	}
	if os.Getenv("LOG_LEVEL") == "" && cfg.LogLevel != "" {
		os.Setenv("LOG_LEVEL", strings.ToUpper(cfg.LogLevel))
	}
	debug.Reinitialize()
	return cfg, nil
}
