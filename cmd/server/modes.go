package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var modesCmd = &cobra.Command{
	Use:   "modes",
	Short: "Print the effective run-mode table as yaml",
	Long: `Print the run modes the server would use, after applying RUN_MODES_FILE.
The output is a valid RUN_MODES_FILE.`,
	RunE: runModes,
}

func init() {
	rootCmd.AddCommand(modesCmd)
}

func runModes(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out, err := cfg.Modes.Marshal()
	if err != nil {
		return fmt.Errorf("marshal run modes: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
