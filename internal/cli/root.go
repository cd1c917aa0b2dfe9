// Package cli implements the skein command line: ingest recorded streams
// into the cache core, evaluate filter queries, trace reply trees and
// inspect cache statistics.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/roach88/skein/internal/config"
	"github.com/roach88/skein/internal/session"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string
	EnvFile string
	NoColor bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "skein",
		Short: "skein - cached social timelines with reactive filters",
		Long: `skein keeps social-network posts and profiles in a bounded entity cache
backed by SQLite, and evaluates filter queries over them that re-test
themselves as replies, reposts and list memberships arrive.`,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			if opts.NoColor {
				color.NoColor = true
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output and debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "YAML config file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file with SKEIN_* overrides")
	cmd.PersistentFlags().BoolVar(&opts.NoColor, "no-color", false, "disable colored text output")

	cmd.AddCommand(NewIngestCommand(opts))
	cmd.AddCommand(NewQueryCommand(opts))
	cmd.AddCommand(NewTraceCommand(opts))
	cmd.AddCommand(NewStatsCommand(opts))
	cmd.AddCommand(NewCheckCommand(opts))

	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

func (o *RootOptions) logger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.LoadOptions{File: o.Config, EnvFile: o.EnvFile})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// openSession loads the configuration and opens a session logging to the
// command's stderr. Failures are reported through out. The caller must
// close the session.
func (o *RootOptions) openSession(cmd *cobra.Command, out *OutputFormatter, extra ...session.Option) (*session.Session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		_ = out.Error(ErrCodeConfig, err.Error(), nil)
		return nil, err
	}
	opts := append([]session.Option{session.WithLogger(o.logger(cmd.ErrOrStderr()))}, extra...)
	s, err := session.Open(commandContext(cmd), cfg, opts...)
	if err != nil {
		_ = out.Error(ErrCodeSession, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to open session", err)
	}
	return s, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
