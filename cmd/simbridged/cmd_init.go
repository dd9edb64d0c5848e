package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/simbridge/relay/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a new configuration file",
	Long: `Interactive setup wizard: prompts for the listen address, database
path and retention policy, generates a token-signing secret, and writes
the config file.

If a config file already exists at the target path, you will be
prompted before overwriting it.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	cfgPath := resolvedConfigPath()

	if _, err := os.Stat(cfgPath); err == nil {
		overwrite := false
		confirm := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Config file already exists: %s", cfgPath)).
				Description("Overwrite it?").
				Value(&overwrite),
		))
		if err := confirm.Run(); err != nil {
			return fmt.Errorf("form cancelled: %w", err)
		}
		if !overwrite {
			fmt.Fprintln(os.Stderr, "Aborted.")
			return nil
		}
	}

	cfg := config.DefaultConfig()
	retentionDays := strconv.Itoa(cfg.History.RetentionDays)

	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Listen address").
			Description("Address the REST and WebSocket listener binds to").
			Value(&cfg.Server.ListenAddr),
		huh.NewInput().
			Title("Database path").
			Description("SQLite file; parent directory must exist").
			Value(&cfg.Database.Path),
		huh.NewInput().
			Title("JWT secret").
			Description("Leave empty to generate a random one").
			EchoMode(huh.EchoModePassword).
			Value(&cfg.Auth.JWTSecret),
		huh.NewInput().
			Title("Google client ID").
			Description("Optional; enables Google sign-in").
			Value(&cfg.Auth.GoogleClientID),
		huh.NewInput().
			Title("History retention (days)").
			Value(&retentionDays).
			Validate(func(v string) error {
				n, err := strconv.Atoi(v)
				if err != nil || n <= 0 {
					return fmt.Errorf("must be a positive number of days")
				}
				return nil
			}),
	))
	if err := form.Run(); err != nil {
		return fmt.Errorf("form cancelled: %w", err)
	}
	cfg.History.RetentionDays, _ = strconv.Atoi(retentionDays)

	generated := false
	if cfg.Auth.JWTSecret == "" {
		secret, err := randomSecret()
		if err != nil {
			return fmt.Errorf("generating secret: %w", err)
		}
		cfg.Auth.JWTSecret = secret
		generated = true
	}

	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Fprintf(os.Stderr, "\nConfig written to: %s\n", cfgPath)
	if generated {
		fmt.Fprintln(os.Stderr, "A random JWT secret was generated and stored in the config file.")
	}
	fmt.Fprintln(os.Stderr, "Run 'simbridged serve' to start the relay.")
	return nil
}

// randomSecret returns 32 bytes of entropy, hex encoded.
func randomSecret() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
