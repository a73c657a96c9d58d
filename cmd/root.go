package cmd

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:   "task-orchestrator",
	Short: "Durable orchestrator for remote AI task runs",
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(migrateCmd)
}

func Execute() error {
	return rootCmd.Execute()
}
