package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "lumen",
	Short: "Lumen CLI tool can exercise and inspect the emulator's " +
		"guest/host memory-coherency engine.",
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		// A .env file can override defaults such as the monitor port.
		_ = godotenv.Load()
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
