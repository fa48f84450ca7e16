package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var serverURL string

var rootCmd = &cobra.Command{
	Use:   "worker",
	Short: "Operator tooling for the identity-sync service",
	Long: `worker inspects a running identity-sync service and its data: recent
diagnostics, aggregate statistics over a table, and synthetic change events
for exercising live feeds.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "identity-sync server URL")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	rootCmd.AddCommand(diagCmd, statsCmd, emitCmd)
}
