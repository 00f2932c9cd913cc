// Package main provides the csproxy CLI entry point.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cipherstash/csproxy/pkg/csconfig"
	"github.com/cipherstash/csproxy/pkg/csproxyerr"
	"github.com/cipherstash/csproxy/pkg/proxyconn"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "csproxy",
		Short: "csproxy - PostgreSQL wire-protocol proxy for CipherStash EQL encryption",
		Long: `csproxy sits between a PostgreSQL client and server, transparently
rewriting queries and parameters so that columns configured for EQL
encryption are encrypted on the way in and decrypted on the way out,
without the client or the schema needing to change.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("csproxy v%s (%s)\n", version, commit)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the proxy server",
		RunE:  runServe,
	}
	serveCmd.Flags().String("config", "", "Path to the TOML configuration file")
	rootCmd.AddCommand(serveCmd)

	checkCmd := &cobra.Command{
		Use:   "config-check",
		Short: "Load and validate a configuration file without starting the server",
		RunE:  runConfigCheck,
	}
	checkCmd.Flags().String("config", "", "Path to the TOML configuration file")
	rootCmd.AddCommand(checkCmd)

	rootCmd.SilenceUsage = true
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a returned error to a BSD-sysexits exit code:
// config errors exit 78, other startup/dependency
// failures exit 69, and anything not tagged with the taxonomy (e.g.
// cobra's own flag-parsing errors) is treated as CLI misuse, exit 64.
func exitCodeFor(err error) int {
	var e *csproxyerr.Error
	if errors.As(err, &e) {
		if e.Kind == csproxyerr.KindConfiguration {
			return csproxyerr.ExitConfig
		}
		return csproxyerr.ExitUnavailable
	}
	return csproxyerr.ExitUsage
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	cfg, err := csconfig.Load(configPath)
	if err != nil {
		log.Error("failed to load configuration", zap.Error(err))
		return err
	}

	// CSPROXY_CONFIG_PATH backs the SIGHUP reload path in
	// pkg/proxyconn/supervisor.go, which re-reads the same file.
	if configPath != "" {
		os.Setenv("CSPROXY_CONFIG_PATH", configPath)
	}

	supervisor, err := proxyconn.NewSupervisor(cfg, log)
	if err != nil {
		log.Error("failed to initialize supervisor", zap.Error(err))
		return err
	}

	// Termination and reload signals are handled inside ListenAndServe
	// itself (pkg/proxyconn/supervisor.go), so the server-lifetime
	// context here only needs cancellation on process exit.
	return supervisor.ListenAndServe(context.Background())
}

func runConfigCheck(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := csconfig.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return err
	}
	fmt.Printf("configuration OK: listening on %s:%d, upstream %s:%d/%s\n",
		cfg.Server.Host, cfg.Server.Port, cfg.Database.Host, cfg.Database.Port, cfg.Database.Name)
	return nil
}
