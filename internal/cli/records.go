package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/millsync/backend/internal/app"
	"github.com/kimhsiao/millsync/backend/internal/models"
)

// NewRecordsCommand creates the records command group.
func NewRecordsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Read and write local records",
		Long: `Reads and writes records in the local store. Every write is queued in
the outbox and pushed on the next sync.`,
	}

	cmd.AddCommand(newRecordsListCommand(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "get <table> <local-id>",
		Short: "Show one record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				rec, err := a.Records.Get(ctx, args[0], args[1])
				if err != nil {
					return &ExitError{Code: ExitCommandError, Message: "get record", Err: err}
				}
				return opts.formatter(cmd).Emit(rec, func(w io.Writer) {
					renderRecords(w, args[0], []models.Record{rec})
				})
			})
		},
	})
	cmd.AddCommand(newRecordsWriteCommand(opts, "create <table>", "Create a record from JSON fields", 1))
	cmd.AddCommand(newRecordsWriteCommand(opts, "update <table> <local-id>", "Patch a record with JSON fields", 2))
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <table> <local-id>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Records.Delete(ctx, args[0], args[1]); err != nil {
					return &ExitError{Code: ExitCommandError, Message: "delete record", Err: err}
				}
				return opts.formatter(cmd).Emit(map[string]string{"deleted": args[1]}, func(w io.Writer) {
					fmt.Fprintf(w, "Deleted %s from %s.\n", args[1], args[0])
				})
			})
		},
	})

	return cmd
}

func newRecordsListCommand(opts *RootOptions) *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list <table>",
		Short: "List records of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				recs, err := a.Records.List(ctx, args[0], limit, offset)
				if err != nil {
					return &ExitError{Code: ExitCommandError, Message: "list records", Err: err}
				}
				if recs == nil {
					recs = []models.Record{}
				}
				return opts.formatter(cmd).Emit(recs, func(w io.Writer) { renderRecords(w, args[0], recs) })
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "records to skip")

	return cmd
}

func newRecordsWriteCommand(opts *RootOptions, use, short string, nargs int) *cobra.Command {
	var fields string

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(nargs),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rec models.Record
			if err := json.Unmarshal([]byte(fields), &rec); err != nil {
				return &ExitError{Code: ExitCommandError, Message: "invalid --json", Err: err}
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				var (
					out models.Record
					err error
				)
				if nargs == 1 {
					out, err = a.Records.Create(ctx, args[0], rec)
				} else {
					out, err = a.Records.Update(ctx, args[0], args[1], rec)
				}
				if err != nil {
					return &ExitError{Code: ExitCommandError, Message: cmd.Name() + " record", Err: err}
				}
				return opts.formatter(cmd).Emit(out, func(w io.Writer) {
					renderRecords(w, args[0], []models.Record{out})
				})
			})
		},
	}

	cmd.Flags().StringVar(&fields, "json", "{}", `record fields as a JSON object, e.g. {"title":"hi"}`)

	return cmd
}
