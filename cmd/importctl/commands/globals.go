// Package commands implements the importctl subcommands.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/bulkimport/internal/config"
	"github.com/JonMunkholm/bulkimport/internal/database"
	"github.com/JonMunkholm/bulkimport/internal/logging"
)

// ErrReported is returned by commands that already printed their failure.
var ErrReported = errors.New("failure already reported")

// Globals are the persistent flags shared by every subcommand.
type Globals struct {
	EnvFiles  []string
	LogLevel  string
	LogFormat string
	NoColor   bool
}

// Bind registers the persistent flags on the root command.
func (g *Globals) Bind(root *cobra.Command) {
	flags := root.PersistentFlags()
	flags.StringSliceVar(&g.EnvFiles, "env-file", nil, "env files to load (default: ./.env)")
	flags.StringVar(&g.LogLevel, "log-level", "", "log level: debug, info, warn or error (overrides LOG_LEVEL)")
	flags.StringVar(&g.LogFormat, "log-format", "", "log format: text or json (overrides LOG_FORMAT)")
	flags.BoolVar(&g.NoColor, "no-color", false, "disable colored output")
}

// setup loads env files and configuration and installs the logger on
// stderr, keeping stdout for command output. local skips the database
// section.
func (g *Globals) setup(local bool) (*config.Config, error) {
	if g.NoColor {
		color.NoColor = true
	}
	if _, err := config.LoadEnvFiles(g.EnvFiles...); err != nil {
		return nil, err
	}

	load := config.Load
	if local {
		load = config.LoadLocal
	}
	cfg, err := load()
	if err != nil {
		return nil, err
	}

	if g.LogLevel != "" {
		cfg.Logging.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Logging.Format = g.LogFormat
	}
	slog.SetDefault(logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format))
	return cfg, nil
}

// connect opens the pool and applies the schema when DB_MIGRATE is set.
func connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Migrate {
		if err := database.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return pool, nil
}

// confirm refuses destructive commands run without --yes.
func confirm(w io.Writer, yes bool, action string) error {
	if yes {
		return nil
	}
	fmt.Fprintln(w, color.YellowString("refusing to %s without --yes", action))
	return ErrReported
}
