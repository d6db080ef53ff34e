// Command rgd is the relgraph daemon and admin CLI.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relgraph/relgraph/internal/config"
	"github.com/relgraph/relgraph/internal/logging"
)

var (
	// Version is overridden by ldflags at build time.
	Version = "0.3.0"

	configPath string
	jsonOutput bool
	verbose    bool

	rootCtx    context.Context
	rootCancel context.CancelFunc
)

var rootCmd = &cobra.Command{
	Use:   "rgd",
	Short: "Multi-tenant relationship-graph authorization service",
	Long: `rgd evaluates relationship-based permissions: tuples describe who
relates to what, namespace schemas describe how permissions derive from
relations, and every answer carries a consistency token.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		if jsonOutput {
			outputJSON(map[string]string{"version": Version})
			return
		}
		fmt.Printf("rgd version %s\n", Version)
	},
}

func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		if _, err := os.Stat("relgraph.yaml"); err == nil {
			path = "relgraph.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

func buildLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.Format)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: relgraph.yaml if present)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	rootCtx, rootCancel = signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	rootCmd.SetContext(rootCtx)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
