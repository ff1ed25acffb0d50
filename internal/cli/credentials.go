package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/millsync/backend/internal/app"
	"github.com/kimhsiao/millsync/backend/internal/services"
)

// NewCredentialsCommand creates the credentials command group.
func NewCredentialsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage the stored remote credentials",
		Long: `Manages the object-storage credentials used when no remote provider is
set in the config file. Keys are stored encrypted for this machine.`,
	}

	cmd.AddCommand(newCredentialsSetCommand(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the stored remote, without keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				cred, err := a.Credentials.Get(ctx)
				if err != nil {
					return &ExitError{Code: ExitCommandError, Message: "read credentials", Err: err}
				}
				return opts.formatter(cmd).Emit(map[string]interface{}{"configured": cred != nil, "credential": cred}, func(w io.Writer) {
					if cred == nil {
						fmt.Fprintln(w, "No credentials stored.")
						return
					}
					fmt.Fprintf(w, "Provider:  %s\n", cred.Provider)
					if cred.Endpoint != "" {
						fmt.Fprintf(w, "Endpoint:  %s\n", cred.Endpoint)
					}
					fmt.Fprintf(w, "Bucket:    %s\n", cred.BucketName)
					if cred.Region != "" {
						fmt.Fprintf(w, "Region:    %s\n", cred.Region)
					}
					fmt.Fprintf(w, "Updated:   %s\n", formatTime(cred.UpdatedAtTime()))
				})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove",
		Short: "Delete the stored credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Credentials.Delete(ctx); err != nil {
					return &ExitError{Code: ExitCommandError, Message: "remove credentials", Err: err}
				}
				return opts.formatter(cmd).Emit(map[string]bool{"removed": true}, func(w io.Writer) {
					fmt.Fprintln(w, "Credentials removed.")
				})
			})
		},
	})

	return cmd
}

func newCredentialsSetCommand(opts *RootOptions) *cobra.Command {
	var in services.CredentialInput

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store remote credentials",
		Long: `Stores the remote credentials, replacing any previous ones, and
reconnects. Missing keys are asked for when running on a terminal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (in.AccessKey == "" || in.SecretKey == "") && opts.interactive() {
				if err := huhKeysPrompt(&in); err != nil {
					return &ExitError{Code: ExitCommandError, Message: "prompt", Err: err}
				}
			}
			return opts.withApp(cmd, func(ctx context.Context, a *app.App) error {
				cred, err := a.Credentials.Save(ctx, in)
				if err != nil {
					return &ExitError{Code: ExitCommandError, Message: "save credentials", Err: err}
				}
				return opts.formatter(cmd).Emit(cred, func(w io.Writer) {
					fmt.Fprintf(w, "Saved %s credentials for bucket %s.\n", cred.Provider, cred.BucketName)
				})
			})
		},
	}

	cmd.Flags().StringVar(&in.Provider, "provider", "aws", "aws, minio or r2")
	cmd.Flags().StringVar(&in.Endpoint, "endpoint", "", "endpoint host, required for minio and r2")
	cmd.Flags().StringVar(&in.BucketName, "bucket", "", "bucket name")
	cmd.Flags().StringVar(&in.Region, "region", "", "region (aws)")
	cmd.Flags().StringVar(&in.AccessKey, "access-key", "", "access key id")
	cmd.Flags().StringVar(&in.SecretKey, "secret-key", "", "secret access key")

	return cmd
}

// huhKeysPrompt asks for the keys not given as flags.
func huhKeysPrompt(in *services.CredentialInput) error {
	var fields []huh.Field
	if in.AccessKey == "" {
		fields = append(fields, huh.NewInput().Title("Access key").Value(&in.AccessKey))
	}
	if in.SecretKey == "" {
		fields = append(fields, huh.NewInput().Title("Secret key").EchoMode(huh.EchoModePassword).Value(&in.SecretKey))
	}
	return huh.NewForm(huh.NewGroup(fields...)).Run()
}
