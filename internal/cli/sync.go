package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/millsync/backend/internal/app"
	syncpkg "github.com/kimhsiao/millsync/backend/internal/sync"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push pending writes and pull remote changes",
		Long: `Runs one sync cycle and prints its result.

With --watch the scheduler keeps syncing in the background and every
status change is printed until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if watch {
					return runWatch(ctx, cmd.OutOrStdout(), a)
				}
				return runSyncOnce(ctx, opts.formatter(cmd), a)
			})
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep syncing and print status changes")

	return cmd
}

func runSyncOnce(ctx context.Context, f *OutputFormatter, a *app.App) error {
	result, err := a.Scheduler.SyncNow(ctx)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "sync", Err: err}
	}
	if err := f.Emit(result, func(w io.Writer) { renderResult(w, result) }); err != nil {
		return err
	}
	if result.State == syncpkg.StateError {
		return &ExitError{Code: ExitFailure, Message: "sync failed", Err: fmt.Errorf("%s", result.Error)}
	}
	return nil
}

func runWatch(ctx context.Context, w io.Writer, a *app.App) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	updates := a.Coordinator.Watch(ctx)
	a.Start()
	a.Coordinator.Trigger()

	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-updates:
			if !ok {
				return nil
			}
			fmt.Fprintf(w, "%s  %-9s pending=%d failed=%d conflicts=%d",
				st.UpdatedAt.Local().Format(time.TimeOnly), st.State, st.PendingCount, st.FailedCount, st.UnresolvedConflicts)
			if st.ErrorMessage != "" {
				fmt.Fprintf(w, "  %s", st.ErrorMessage)
			}
			fmt.Fprintln(w)
		}
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync state, outbox and conflict counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				st, err := a.Snapshot(ctx)
				if err != nil {
					return &ExitError{Code: ExitCommandError, Message: "read status", Err: err}
				}
				return opts.formatter(cmd).Emit(st, func(w io.Writer) { renderStatus(w, st) })
			})
		},
	}
}

// NewCompactCommand creates the compact command.
func NewCompactCommand(opts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Remove old delete markers from the remote",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Compact(ctx, olderThan)
				if err != nil {
					return &ExitError{Code: ExitCommandError, Message: "compact", Err: err}
				}
				return opts.formatter(cmd).Emit(map[string]int{"removed": n}, func(w io.Writer) {
					fmt.Fprintf(w, "Removed %d delete marker(s) older than %s.\n", n, olderThan)
				})
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "minimum age of removed markers")

	return cmd
}
