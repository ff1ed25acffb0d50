package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/millsync/backend/internal/app"
	"github.com/kimhsiao/millsync/backend/internal/models"
	"github.com/kimhsiao/millsync/backend/internal/sync/conflict"
)

// NewConflictsCommand creates the conflicts command group.
func NewConflictsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List, inspect and resolve sync conflicts",
	}

	cmd.AddCommand(newConflictsListCommand(opts))
	cmd.AddCommand(newConflictsShowCommand(opts))
	cmd.AddCommand(newConflictsResolveCommand(opts))
	cmd.AddCommand(newConflictsExportCommand(opts))
	cmd.AddCommand(newConflictsPruneCommand(opts))

	return cmd
}

func newConflictsListCommand(opts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List unresolved conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				reg := a.Resolver.Registry()
				conflicts, err := reg.ListUnresolved(ctx)
				if err != nil {
					return &ExitError{Code: ExitCommandError, Message: "list conflicts", Err: err}
				}
				if all {
					resolved, err := reg.ListResolved(ctx)
					if err != nil {
						return &ExitError{Code: ExitCommandError, Message: "list conflicts", Err: err}
					}
					conflicts = append(conflicts, resolved...)
				}
				if conflicts == nil {
					conflicts = []models.SyncConflict{}
				}
				return opts.formatter(cmd).Emit(conflicts, func(w io.Writer) { renderConflicts(w, conflicts) })
			})
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "include resolved conflicts")

	return cmd
}

// conflictDetail is the JSON shape of one conflict with its field diff.
type conflictDetail struct {
	models.SyncConflict
	Diff      []models.FieldDiff `json:"diff"`
	Differing []string           `json:"differing"`
}

func loadDetail(ctx context.Context, a *app.App, id string) (*conflictDetail, error) {
	c, err := a.Resolver.Registry().Get(ctx, id)
	if err != nil {
		return nil, &ExitError{Code: ExitCommandError, Message: "read conflict", Err: err}
	}
	if c == nil {
		return nil, &ExitError{Code: ExitCommandError, Message: fmt.Sprintf("conflict %s not found", id)}
	}
	return detailOf(a.Resolver.Config(), *c), nil
}

func detailOf(cfg conflict.Config, c models.SyncConflict) *conflictDetail {
	diff := conflict.Diff(c, cfg.Excluded(c.TableName))
	return &conflictDetail{SyncConflict: c, Diff: diff, Differing: conflict.Differing(diff)}
}

func newConflictsShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a conflict field by field",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				d, err := loadDetail(ctx, a, args[0])
				if err != nil {
					return err
				}
				return opts.formatter(cmd).Emit(d, func(w io.Writer) { renderConflict(w, d.SyncConflict, d.Diff) })
			})
		},
	}
}

func newConflictsResolveCommand(opts *RootOptions) *cobra.Command {
	var (
		strategy string
		all      bool
	)

	cmd := &cobra.Command{
		Use:   "resolve [id]",
		Short: "Resolve one conflict, or all of them with --all",
		Long: `Resolves a conflict with the given strategy:
keep-local, keep-server, merge or duplicate.

Without --strategy on a terminal, the conflict is shown and the strategy
is asked for. With --all every unresolved conflict is resolved, using
--strategy when given and the configured policy otherwise.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return &ExitError{Code: ExitCommandError, Message: "give either a conflict id or --all"}
			}
			var chosen models.Strategy
			if strategy != "" {
				s, err := models.ParseStrategy(strategy)
				if err != nil {
					return &ExitError{Code: ExitCommandError, Message: "invalid --strategy", Err: err}
				}
				chosen = s
			}

			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				var err error
				if all {
					err = resolveAll(ctx, opts, cmd, a, chosen)
				} else {
					err = resolveOne(ctx, opts, cmd, a, args[0], chosen)
				}
				a.Coordinator.RefreshStatus(ctx)
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&strategy, "strategy", "s", "", "keep-local, keep-server, merge or duplicate")
	cmd.Flags().BoolVar(&all, "all", false, "resolve every unresolved conflict")

	return cmd
}

func resolveOne(ctx context.Context, opts *RootOptions, cmd *cobra.Command, a *app.App, id string, chosen models.Strategy) error {
	if chosen == "" {
		if !opts.interactive() {
			return &ExitError{Code: ExitCommandError, Message: "--strategy is required when not on a terminal"}
		}
		d, err := loadDetail(ctx, a, id)
		if err != nil {
			return err
		}
		renderConflict(cmd.OutOrStdout(), d.SyncConflict, d.Diff)
		fmt.Fprintln(cmd.OutOrStdout())
		if chosen, err = huhStrategyPrompt(); err != nil {
			return &ExitError{Code: ExitCommandError, Message: "prompt", Err: err}
		}
	}

	rc, err := a.Resolver.ResolveByID(ctx, id, chosen)
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "resolve conflict", Err: err}
	}
	out := map[string]string{"id": id, "status": "deferred"}
	if rc != nil {
		out["status"] = "resolved"
		out["strategy"] = string(rc.Strategy)
	}
	return opts.formatter(cmd).Emit(out, func(w io.Writer) {
		if rc == nil {
			fmt.Fprintf(w, "Conflict %s left for manual resolution.\n", id)
			return
		}
		fmt.Fprintf(w, "Resolved %s with %s.\n", id, rc.Strategy)
	})
}

func resolveAll(ctx context.Context, opts *RootOptions, cmd *cobra.Command, a *app.App, chosen models.Strategy) error {
	var (
		res conflict.BatchResult
		err error
	)
	if chosen != "" {
		res, err = a.Resolver.ResolveAllWithStrategy(ctx, chosen)
	} else {
		res, err = a.Resolver.ResolveAll(ctx)
	}
	if err != nil {
		return &ExitError{Code: ExitCommandError, Message: "resolve conflicts", Err: err}
	}

	failed := make(map[string]string, len(res.Failed))
	for id, ferr := range res.Failed {
		failed[id] = ferr.Error()
	}
	out := struct {
		Resolved []string          `json:"resolved"`
		Deferred []string          `json:"deferred"`
		Failed   map[string]string `json:"failed"`
	}{res.Resolved, res.Deferred, failed}
	if out.Resolved == nil {
		out.Resolved = []string{}
	}
	if out.Deferred == nil {
		out.Deferred = []string{}
	}

	if err := opts.formatter(cmd).Emit(out, func(w io.Writer) {
		fmt.Fprintf(w, "Resolved %d, deferred %d, failed %d.\n", len(res.Resolved), len(res.Deferred), len(res.Failed))
		for id, msg := range failed {
			fmt.Fprintf(w, "  %s: %s\n", id, msg)
		}
	}); err != nil {
		return err
	}
	if len(res.Failed) > 0 {
		return &ExitError{Code: ExitFailure, Message: fmt.Sprintf("%d conflict(s) could not be resolved", len(res.Failed))}
	}
	return nil
}

// huhStrategyPrompt asks which side wins.
func huhStrategyPrompt() (models.Strategy, error) {
	var choice string
	err := huh.NewSelect[string]().
		Title("How to resolve?").
		Options(
			huh.NewOption("Keep local version", string(models.StrategyKeepLocal)),
			huh.NewOption("Keep server version", string(models.StrategyKeepServer)),
			huh.NewOption("Merge field by field", string(models.StrategyMerge)),
			huh.NewOption("Keep both (duplicate)", string(models.StrategyDuplicate)),
			huh.NewOption("Decide later", string(models.StrategyManual)),
		).
		Value(&choice).
		Run()
	if err != nil {
		return "", err
	}
	return models.Strategy(choice), nil
}

func newConflictsExportCommand(opts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "export <file>",
		Short: "Write conflicts with their field diffs to a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				reg := a.Resolver.Registry()
				conflicts, err := reg.ListUnresolved(ctx)
				if err != nil {
					return &ExitError{Code: ExitCommandError, Message: "list conflicts", Err: err}
				}
				if all {
					resolved, err := reg.ListResolved(ctx)
					if err != nil {
						return &ExitError{Code: ExitCommandError, Message: "list conflicts", Err: err}
					}
					conflicts = append(conflicts, resolved...)
				}

				n, err := exportConflicts(opts.Fs, args[0], a.Resolver.Config(), conflicts)
				if err != nil {
					return &ExitError{Code: ExitCommandError, Message: "export conflicts", Err: err}
				}
				return opts.formatter(cmd).Emit(map[string]interface{}{"file": args[0], "exported": n}, func(w io.Writer) {
					fmt.Fprintf(w, "Exported %d conflict(s) to %s.\n", n, args[0])
				})
			})
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "include resolved conflicts")

	return cmd
}

func exportConflicts(fs afero.Fs, file string, cfg conflict.Config, conflicts []models.SyncConflict) (int, error) {
	details := make([]*conflictDetail, 0, len(conflicts))
	for _, c := range conflicts {
		details = append(details, detailOf(cfg, c))
	}
	data, err := json.MarshalIndent(details, "", "  ")
	if err != nil {
		return 0, err
	}
	if dir := path.Dir(file); dir != "." && dir != "/" {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return 0, err
		}
	}
	if err := afero.WriteFile(fs, file, append(data, '\n'), 0o644); err != nil {
		return 0, err
	}
	return len(details), nil
}

func newConflictsPruneCommand(opts *RootOptions) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete resolved conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Resolver.Registry().PruneResolved(ctx, time.Now().Add(-olderThan))
				if err != nil {
					return &ExitError{Code: ExitCommandError, Message: "prune conflicts", Err: err}
				}
				return opts.formatter(cmd).Emit(map[string]int{"pruned": n}, func(w io.Writer) {
					fmt.Fprintf(w, "Pruned %d resolved conflict(s).\n", n)
				})
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 7*24*time.Hour, "minimum time since resolution")

	return cmd
}
