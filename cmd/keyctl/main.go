// Package main is the keyctl command line tool. It runs the encryption
// service in-process against the configured key store.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts globalOptions
	rootCmd := &cobra.Command{
		Use:          "keyctl",
		Short:        "Field encryption CLI",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.configPath == "" {
				opts.configPath = os.Getenv("CONFIG_PATH")
			}
			if opts.configPath == "" {
				opts.configPath = "config.yaml"
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Config file (or set CONFIG_PATH)")
	rootCmd.PersistentFlags().StringVar(&opts.output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level written to stderr")

	rootCmd.AddCommand(encryptCmd(&opts))
	rootCmd.AddCommand(decryptCmd(&opts))
	rootCmd.AddCommand(hmacCmd(&opts))
	rootCmd.AddCommand(keysCmd(&opts))
	rootCmd.AddCommand(importCmd(&opts))
	rootCmd.AddCommand(genkeyCmd(&opts))
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "keyctl version %s (%s)\n", version, commit)
		},
	}
}
