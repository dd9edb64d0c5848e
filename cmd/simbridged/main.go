// Command simbridged is the SimBridge relay daemon: it bridges host and
// client mobile devices over WebSocket sessions and exposes the REST control
// plane for accounts, devices, pairing and message history.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/simbridge/relay/internal/config"
)

// Global flags shared across subcommands.
var (
	globalConfigPath string
	globalVerbose    bool
	globalLogger     *slog.Logger
)

// rootCmd is the top-level command.
var rootCmd = &cobra.Command{
	Use:   "simbridged",
	Short: "SimBridge message relay daemon",
	Long: `simbridged relays commands and events between a host phone (the one
holding the SIM cards) and a client phone, over authenticated WebSocket
sessions. Commands to an offline host are queued and replayed when it
reconnects.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if globalVerbose {
			level = slog.LevelDebug
		}
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		}))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to config file (default: /etc/simbridge/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

// resolvedConfigPath returns the config file path, using the global flag
// if set.
func resolvedConfigPath() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	return config.DefaultConfigPath
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
