// Package cli implements the millsync command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kimhsiao/millsync/backend/internal/app"
	"github.com/kimhsiao/millsync/backend/internal/config"
	"github.com/kimhsiao/millsync/backend/internal/logging"
)

// RootOptions holds global flags and the dependencies shared by all commands.
type RootOptions struct {
	ConfigPath string
	EnvFile    string
	DataDir    string
	LogLevel   string
	Format     string // "json" | "text"

	// Fs is where exports are written.
	Fs afero.Fs
	// Loader reads configuration files and the environment.
	Loader *config.Loader
	// Open wires an App for the loaded configuration.
	Open func(ctx context.Context, cfg config.Config) (*app.App, error)
	// Interactive reports whether prompts may be shown.
	Interactive func() bool

	Config config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command with production dependencies.
func NewRootCommand() *cobra.Command {
	return NewRootCommandWith(&RootOptions{
		Fs:     afero.NewOsFs(),
		Loader: config.NewLoader(),
		Open: func(ctx context.Context, cfg config.Config) (*app.App, error) {
			return app.New(ctx, cfg)
		},
		Interactive: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd()))
		},
	})
}

// NewRootCommandWith creates the root command around opts.
func NewRootCommandWith(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "millsync",
		Short: "millsync - offline-first record sync",
		Long: "Keeps a local record store in sync with an object-storage remote.\n" +
			"Writes queue in a local outbox and are pushed when the remote is reachable.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats)}
			}
			cfg, err := opts.Loader.Load(opts.ConfigPath, opts.EnvFile)
			if err != nil {
				return &ExitError{Code: ExitCommandError, Message: "load config", Err: err}
			}
			if opts.DataDir != "" {
				cfg.DataDir = opts.DataDir
			}
			if opts.LogLevel != "" {
				cfg.LogLevel = opts.LogLevel
				if err := cfg.Validate(); err != nil {
					return &ExitError{Code: ExitCommandError, Message: "invalid flags", Err: err}
				}
			}
			opts.Config = cfg
			logging.Init(cmd.ErrOrStderr(), cfg.Level())
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (.yaml or .toml)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file with MILLSYNC_* overrides")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "directory holding the local database")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (DEBUG|INFO|WARN|ERROR)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewOutboxCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewRecordsCommand(opts))
	cmd.AddCommand(NewCredentialsCommand(opts))
	cmd.AddCommand(NewCompactCommand(opts))

	return cmd
}

// Execute runs the root command and returns the process exit code.
func Execute(version string) int {
	cmd := NewRootCommand()
	cmd.Version = version
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			return exitErr.Code
		}
		return ExitCommandError
	}
	return ExitSuccess
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// withApp opens the App, runs fn and closes it.
func (o *RootOptions) withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := o.Open(ctx, o.Config)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "open store", Err: err}
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logging.Error("Close failed", cerr)
		}
	}()
	return fn(ctx, a)
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: cmd.OutOrStdout()}
}

func (o *RootOptions) interactive() bool {
	return o.Interactive != nil && o.Interactive()
}
