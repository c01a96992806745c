package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wilhg/eventcore/pkg/replay"
)

func newMigrateCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.withApp(cmd, func(ctx context.Context, a *app) error {
				if err := a.Migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
				return nil
			})
		},
	}
}

func newVerifyCommand(root *rootOptions) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Compare a snapshot-assisted load with a full replay",
		Long: `Load a thread through its snapshot and again from the first event, and
report any difference. Exits non-zero on mismatch.

Examples:
  eventcore verify --id t-1`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.withApp(cmd, func(ctx context.Context, a *app) error {
				report, err := replay.Verify(ctx, a.repo, id)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), report.String())
				if !report.OK() {
					return fmt.Errorf("snapshot for %s diverges from its events", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "thread id (required)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newRebuildCommand(root *rootOptions) *cobra.Command {
	var pageSize int
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Purge and re-project the thread summary read model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.withApp(cmd, func(ctx context.Context, a *app) error {
				stats, err := replay.Rebuild(ctx, a.events, a.registry, a.projector,
					replay.WithPageSize(pageSize), replay.WithLogger(a.logger))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "purged %d, projected %d events (%d skipped)\n",
					stats.Purged, stats.Projected, stats.Skipped)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&pageSize, "page-size", 500, "events read per page")
	return cmd
}

func newPurgeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete every thread summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.summaries.DeleteAll(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %d read models\n", n)
				return nil
			})
		},
	}
}

func newExportCommand(root *rootOptions) *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print a thread's event stream as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return root.withApp(cmd, func(ctx context.Context, a *app) error {
				c, err := replay.Export(ctx, a.events, id)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(c)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "thread id (required)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "eventcore %s (commit=%s, date=%s)\n", version, commit, date)
		},
	}
}
