// Package app provides the entry point for the adc command-line application.
package app

import (
	"github.com/spf13/cobra"

	"github.com/adcplatform/adc/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:               "adc",
	DisableAutoGenTag: true,
	Short:             "adc is the modular application platform runtime",
	Long: `adc boots the module kernel, loads application descriptors, and serves
the platform's session and identity APIs.

Applications are described by JSON descriptor documents that declare the
providers, utilities, and services they depend on. The kernel brings the
declared modules up in dependency order and tears them down in reverse.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
}

// NewRootCmd creates a new root command for the adc CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}
