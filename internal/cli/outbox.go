package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/millsync/backend/internal/app"
	"github.com/kimhsiao/millsync/backend/internal/models"
)

// NewOutboxCommand creates the outbox command group.
func NewOutboxCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and repair queued local writes",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List every queued entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				entries, err := a.Outbox.ListAll(ctx)
				if err != nil {
					return &ExitError{Code: ExitCommandError, Message: "list outbox", Err: err}
				}
				return emitOutbox(opts, cmd, entries, a.Coordinator.MaxRetries())
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "failed",
		Short: "List entries that ran out of retries or were rejected",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				entries, err := a.Outbox.ListFailed(ctx, a.Coordinator.MaxRetries())
				if err != nil {
					return &ExitError{Code: ExitCommandError, Message: "list failed entries", Err: err}
				}
				return emitOutbox(opts, cmd, entries, a.Coordinator.MaxRetries())
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retry [id]",
		Short: "Reset the retry count of one entry, or of every failed entry",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id int64
			if len(args) == 1 {
				parsed, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("invalid entry id %q", args[0])}
				}
				id = parsed
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				n := 1
				if len(args) == 1 {
					if err := a.Outbox.ResetRetryCount(ctx, id); err != nil {
						return &ExitError{Code: ExitCommandError, Message: "retry entry", Err: err}
					}
				} else {
					var err error
					if n, err = a.Outbox.RetryAll(ctx, a.Coordinator.MaxRetries()); err != nil {
						return &ExitError{Code: ExitCommandError, Message: "retry entries", Err: err}
					}
				}
				a.Coordinator.RefreshStatus(ctx)
				return opts.formatter(cmd).Emit(map[string]int{"reset": n}, func(w io.Writer) {
					fmt.Fprintf(w, "Reset %d entr%s.\n", n, plural(n, "y", "ies"))
				})
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "discard <table> <record-id>",
		Short: "Drop the queued writes of one record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Outbox.DiscardPending(ctx, args[0], args[1])
				if err != nil {
					return &ExitError{Code: ExitCommandError, Message: "discard entries", Err: err}
				}
				a.Coordinator.RefreshStatus(ctx)
				return opts.formatter(cmd).Emit(map[string]int{"discarded": n}, func(w io.Writer) {
					fmt.Fprintf(w, "Discarded %d entr%s.\n", n, plural(n, "y", "ies"))
				})
			})
		},
	})

	return cmd
}

func emitOutbox(opts *RootOptions, cmd *cobra.Command, entries []models.OutboxEntry, maxRetries int) error {
	if entries == nil {
		entries = []models.OutboxEntry{}
	}
	return opts.formatter(cmd).Emit(entries, func(w io.Writer) { renderOutbox(w, entries, maxRetries) })
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
