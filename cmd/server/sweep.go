package main

import (
	"fmt"
	"log/slog"

	"github.com/ashureev/council/internal/deliberation"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Mark orphaned messages once and exit",
	Long: `Recover runs left active by a stopped server and mark user messages
that never got a reply. Meant for a cron job when the server is down or
runs without the background sweeper.`,
	RunE: runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	svc, err := newServices(cfg)
	if err != nil {
		return err
	}
	defer svc.close()

	recovered, err := svc.registry.RecoverStale(cmd.Context())
	if err != nil {
		return fmt.Errorf("recover stale runs: %w", err)
	}
	marked := deliberation.SweepOrphans(cmd.Context(), svc.registry)

	slog.Info("Sweep complete", "recovered_runs", recovered, "orphans_marked", marked)
	fmt.Fprintf(cmd.OutOrStdout(), "recovered %d runs, marked %d orphans\n", recovered, marked)
	return nil
}
