// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jeranaias/sidernav/internal/app"
	"github.com/jeranaias/sidernav/internal/config"
	"github.com/jeranaias/sidernav/internal/server"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(flags *rootFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local bridge server for the browser sidebar",
		Long: "Run the HTTP bridge the browser sidebar talks to. The memory\n" +
			"monitor and config watcher run until SIGINT or SIGTERM, then\n" +
			"running answers are stopped and sessions are saved.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), flags, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	return cmd
}

func runServe(ctx context.Context, flags *rootFlags, addr string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := flags.openApp(ctx, false)
	if err != nil {
		return err
	}
	defer a.Close()

	cfg := a.Config
	if addr == "" {
		addr = cfg.Server.Addr
	}
	if !a.Client.IsConfigured() {
		a.Log.Warn("PROVIDER_NOT_CONFIGURED")
	}

	a.StartMonitor()
	if path, err := flags.writablePath(); err != nil {
		a.Log.WithError(err).Warn("CONFIG_WATCH_DISABLED")
	} else {
		a.Resources.AddObserver(startConfigWatcher(ctx, a, path))
	}

	srv := server.New(a, server.Options{
		Addr:              addr,
		Token:             cfg.Server.Token,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		RequestsPerMinute: cfg.Server.RequestsPerMinute,
	})

	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		a.Log.Info("SHUTDOWN_SIGNAL")
	}

	// The server goes first so stopped answers are saved by the app
	// cleanup that follows.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Log.WithError(err).Warn("SERVER_SHUTDOWN_INCOMPLETE")
	}
	if err := a.Close(); err != nil {
		a.Log.WithError(err).Warn("SHUTDOWN_INCOMPLETE")
	}
	if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// =============================================================================
// CONFIG WATCHER
// =============================================================================

// configWatcher reloads the config file in the background. It is tracked
// as a resource observer so app shutdown stops it.
type configWatcher struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startConfigWatcher(ctx context.Context, a *app.App, path string) *configWatcher {
	ctx, cancel := context.WithCancel(ctx)
	w := &configWatcher{cancel: cancel, done: make(chan struct{})}

	log := a.Log.WithField("component", "config")
	go func() {
		defer close(w.done)
		err := config.Watch(ctx, path, config.DefaultDebounce, log, func(cfg *config.Config) {
			if cfg.Storage.DataDir == "" {
				cfg.Storage.DataDir = a.Config.Storage.DataDir
			}
			a.ApplyConfig(cfg)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).WithField("path", path).Warn("CONFIG_WATCH_STOPPED")
		}
	}()
	log.WithFields(logrus.Fields{"path": path}).Debug("CONFIG_WATCH_STARTED")
	return w
}

// Disconnect stops the watcher and waits for it to exit.
func (w *configWatcher) Disconnect() {
	w.cancel()
	<-w.done
}
