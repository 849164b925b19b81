// Package main is the entry point for the polis-gateway binary.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultLogLevel = "info"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-gateway
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "polis-gateway",
		Short: "API gateway request dispatch",
		Long: `An API gateway that resolves security plans and flows for every request,
runs their policies around the upstream call and streams the bodies through.

Examples:
  polis-gateway serve --config gateway.yaml
  polis-gateway resolve --definitions apis.yaml --path /v1/orders -H X-Gravitee-Api-Key=abc`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error); overrides the configuration")

	rootCmd.AddCommand(newServeCmd(), newResolveCmd(), newVersionCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "polis-gateway", version)
		},
	}
}
