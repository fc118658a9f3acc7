package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/orbanhq/orban-agent/internal/hardware"
)

func newDoctorCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check host dependencies and report detected hardware",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			var extra []hardware.Dependency
			if cfg.Tasks.Runner != "" {
				extra = append(extra, hardware.Dependency{
					Name:        "Task runner",
					Command:     cfg.Tasks.Runner,
					Description: "executes assigned tasks",
				})
			}
			statuses, instructions, checkErr := hardware.NewChecker(extra...).Check()
			for _, st := range statuses {
				printDependency(out, st)
			}
			if len(instructions) > 0 {
				fmt.Fprintln(out, "\nTo install missing dependencies:")
				for _, line := range instructions {
					fmt.Fprintln(out, "  "+line)
				}
			}

			provider := hardware.NewProvider(hardware.OptionsFromConfig(cfg))
			defer provider.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			info, err := provider.HardwareInfo(ctx)
			if err != nil {
				return fmt.Errorf("doctor: %w", err)
			}
			fmt.Fprintf(out, "\nOS:     %s\nCPU:    %s (%d cores)\nMemory: %.1f GB\n", info.OS, info.CPUModel, info.CPUCores, info.MemoryGB)
			if len(info.GPUs) == 0 {
				fmt.Fprintln(out, "GPUs:   none detected")
			}
			for _, g := range info.GPUs {
				fmt.Fprintf(out, "GPU %d:  %s, %.1f GB, compute %s\n", g.Index, g.Model, g.VRAMGB, g.ComputeCapability)
			}
			res := provider.Resources(ctx)
			fmt.Fprintf(out, "Free VRAM for tasks: %.1f GB\n", res.FreeVRAMGB)

			return checkErr
		},
	}
}

func printDependency(w io.Writer, st hardware.DependencyStatus) {
	mark := "ok"
	switch {
	case !st.Found && st.Optional:
		mark = "missing (optional)"
	case !st.Found:
		mark = "MISSING"
	}
	fmt.Fprintf(w, "%-16s %-20s %s\n", st.Name, mark, st.Path)
}
