// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package main implements turnserver, a TURN relay daemon configured from a
// YAML file and the environment.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/turnrelay/internal/config"
	"github.com/spf13/cobra"
)

// Version is set at build time
var Version = "dev" //nolint:gochecknoglobals

func main() {
	rootCmd := &cobra.Command{
		Use:   "turnserver",
		Short: "turnserver - TURN relay server",
		Long: `turnserver relays UDP traffic for clients behind NATs following
RFC 5766. Listeners, credentials and limits are read from a YAML file,
every scalar setting can be overridden with a TURNRELAY_* environment
variable.`,
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(credentialsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the TURN server",
		Long:  "Start the TURN server with the specified configuration.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			d, err := newDaemon(cfg)
			if err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}

			cmd.Printf("Relaying on %d listener(s), realm %q\n", len(cfg.Listeners), cfg.Realm)

			// Block until user sends SIGINT or SIGTERM
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			cmd.Printf("\nReceived signal %v, shutting down...\n", sig)

			return d.Close()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (defaults to ./turnserver.yaml)")

	return cmd
}
