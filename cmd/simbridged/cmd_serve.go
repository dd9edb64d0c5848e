package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/simbridge/relay/internal/auth"
	"github.com/simbridge/relay/internal/config"
	"github.com/simbridge/relay/internal/control"
	"github.com/simbridge/relay/internal/history"
	"github.com/simbridge/relay/internal/httpapi"
	"github.com/simbridge/relay/internal/pairing"
	"github.com/simbridge/relay/internal/ratelimit"
	"github.com/simbridge/relay/internal/relay"
	"github.com/simbridge/relay/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay daemon",
	Long: `Start the relay: open the database, bind the REST and WebSocket
listener, and run until interrupted. Commands for offline hosts are
queued in the database and replayed on reconnect; message history is
swept daily past the retention horizon.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resolvedConfigPath())
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", resolvedConfigPath(), err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	tokens, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret)
	if err != nil {
		return err
	}

	var external auth.ExternalVerifier
	if cfg.Auth.GoogleClientID != "" {
		external, err = auth.NewGoogleVerifier(ctx, cfg.Auth.GoogleClientID)
		if err != nil {
			return fmt.Errorf("configuring external login: %w", err)
		}
		globalLogger.Info("external login enabled", "client_id", cfg.Auth.GoogleClientID)
	}

	registry := relay.NewRegistry(globalLogger)
	router := relay.NewRouter(st, registry, globalLogger)
	srv := httpapi.NewServer(httpapi.Deps{
		Store:    st,
		Tokens:   tokens,
		External: external,
		Pairing:  pairing.NewService(st, globalLogger),
		History:  history.NewService(st, globalLogger),
		Router:   router,
		Registry: registry,
		Limiter:  ratelimit.New(0, 0),
		Logger:   globalLogger,
	})

	go relay.NewPresenceNotifier(st, registry, globalLogger).Run(ctx)

	retention := time.Duration(cfg.History.RetentionDays) * 24 * time.Hour
	go history.NewSweeper(st, retention, globalLogger).Run(ctx)

	startedAt := time.Now()
	ctl := control.NewServer(control.ResolveSocketPath(), func() control.Status {
		return daemonStatus(cfg, registry, startedAt)
	}, globalLogger)
	if err := ctl.Start(); err != nil {
		globalLogger.Warn("control server unavailable", "error", err)
	} else {
		defer ctl.Stop()
	}

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: srv.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		globalLogger.Info("relay listening", "addr", cfg.Server.ListenAddr, "db", cfg.Database.Path)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	globalLogger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		globalLogger.Warn("http shutdown", "error", err)
	}
	registry.CloseAll()
	return nil
}

// daemonStatus snapshots the running daemon for the control socket.
func daemonStatus(cfg *config.Config, registry *relay.Registry, startedAt time.Time) control.Status {
	ids := registry.Snapshot()
	sessions := make([]control.DeviceStatus, 0, len(ids))
	for _, id := range ids {
		sess := registry.Lookup(id)
		if sess == nil {
			continue
		}
		sessions = append(sessions, control.DeviceStatus{
			DeviceID:    sess.DeviceID,
			Kind:        string(sess.Kind),
			LastInbound: sess.LastInbound(),
		})
	}
	return control.Status{
		ListenAddr:    cfg.Server.ListenAddr,
		DatabasePath:  cfg.Database.Path,
		UptimeSeconds: time.Since(startedAt).Seconds(),
		Sessions:      sessions,
	}
}
