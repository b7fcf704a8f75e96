package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/amerfu/infergate/cmd/gatewayctl/commands"
)

var (
	apiURL     string
	apiKey     string
	outputJSON bool
	verbose    bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gatewayctl",
		Short: "infergate management CLI",
		Long: `Manage a running infergate gateway through its admin API: supervise local
engines, inspect and refresh model routing, reload API keys and clean logs.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&apiURL, "url", envOr("INFERGATE_URL", "http://localhost:8001"), "gateway base URL")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("INFERGATE_API_KEY"), "admin API key")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose output")

	rootCmd.AddCommand(commands.NewBackendCommand())
	rootCmd.AddCommand(commands.NewModelsCommand())
	rootCmd.AddCommand(commands.NewKeysCommand())
	rootCmd.AddCommand(commands.NewLogsCommand())
	rootCmd.AddCommand(commands.NewConfigCommand())

	return rootCmd
}

func initConfig() error {
	if apiURL == "" {
		return fmt.Errorf("gateway URL is required")
	}
	commands.SetAPIConfig(apiURL, apiKey)
	commands.SetOutputJSON(outputJSON)
	commands.SetVerbose(verbose)
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
