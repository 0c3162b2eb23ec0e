package cmd

import (
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "trace-events",
	Short: "Supply-chain traceability event service",
	Long: `Ingests EPCIS XML traceability events, validates and classifies them,
applies organization-specific redaction, persists and indexes a record, and
forwards the original document toward downstream processing through RabbitMQ.`,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}
