// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeranaias/sidernav/internal/app"
	"github.com/jeranaias/sidernav/internal/config"
	"github.com/jeranaias/sidernav/internal/server"
)

// Version information (overridden at build time).
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// rootFlags are shared by every command.
type rootFlags struct {
	configPath string
	verbose    bool
}

// Execute runs the command line and returns the process exit code.
func Execute(args []string) int {
	cmd := NewRootCommand()
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ErrorStyle.Render("Error: ")+err.Error())
		return 1
	}
	return 0
}

// NewRootCommand builds the sidernav command tree.
func NewRootCommand() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "sidernav",
		Short: "AI sidebar assistant backed by DeepSeek",
		Long: "sidernav streams DeepSeek answers into persistent chat sessions.\n" +
			"Use it directly from the terminal, or run `sidernav serve` as the\n" +
			"local bridge for the browser sidebar.",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, GitCommit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (default $SIDERNAV_HOME/config.toml or ~/.sidernav/config.toml)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log at debug level")

	root.AddCommand(
		newAskCmd(flags),
		newChatCmd(flags),
		newSessionsCmd(flags),
		newConfigCmd(flags),
		newMemoryCmd(flags),
		newServeCmd(flags),
	)
	return root
}

// loadConfig loads the config named by --config, or the default one.
func (f *rootFlags) loadConfig() (*config.Config, error) {
	if f.configPath != "" {
		return config.LoadFrom(f.configPath)
	}
	return config.Load()
}

// writablePath returns the file `config set` writes to.
func (f *rootFlags) writablePath() (string, error) {
	if f.configPath != "" {
		return f.configPath, nil
	}
	dir, err := config.ConfigDir()
	if err != nil {
		return "", err
	}
	if path := config.FindConfig(dir); path != "" {
		return path, nil
	}
	return config.DefaultPath()
}

// openApp loads config and builds the app. Interactive commands log
// warnings only, unless --verbose is set or logs go to a file.
func (f *rootFlags) openApp(ctx context.Context, interactive bool) (*app.App, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, err
	}
	switch {
	case f.verbose:
		cfg.Log.Level = "debug"
	case interactive && cfg.Log.File == "":
		cfg.Log.Level = "warn"
	}
	server.Version = Version
	return app.New(ctx, cfg, app.Options{})
}

// errNotConfigured is shown when no API key is set anywhere.
var errNotConfigured = errors.New("no DeepSeek API key configured; run `sidernav config set provider.api_key <key>` or set DEEPSEEK_API_KEY")
