package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/osbits/pagewatch/internal/observability"
	"github.com/osbits/pagewatch/internal/runner"
)

func newOnceCmd(opts *rootOptions) *cobra.Command {
	var monitorIDs []string

	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run every monitor a single time and exit non-zero on failure",
		Long:  "Run each configured monitor once, sending notifications as a scheduled run would. Intended for cron jobs and CI pipelines.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(cmd, opts)
			if err != nil {
				return err
			}
			defer rt.Close()
			rt.setupRollbar()
			defer observability.CapturePanic(rt.logger, rt.rollbar)()

			if len(monitorIDs) > 0 {
				if err := rt.selectMonitors(monitorIDs); err != nil {
					return err
				}
			}
			run, err := rt.newRunner()
			if err != nil {
				return err
			}

			results, runErr := run.RunOnce(cmd.Context())
			printResults(cmd, results)
			if runErr != nil {
				return fmt.Errorf("monitor run failed: %w", runErr)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&monitorIDs, "monitor", nil, "only run the given monitor IDs")
	return cmd
}

func printResults(cmd *cobra.Command, results []runner.Result) {
	t := newTable(cmd.OutOrStdout())
	t.AppendHeader(table.Row{"Monitor", "Status", "Attempts", "Duration", "Detail"})
	for _, res := range results {
		out := res.Outcome
		status, detail := "ok", ""
		switch {
		case res.Skipped:
			status = "skipped"
			detail = "maintenance window"
		case out.Err != nil:
			status = "failed"
			detail = out.Err.Error()
			if out.Report != nil && len(out.Report.Issues) > 0 {
				detail += " (" + strings.Join(out.Report.Issues, "; ") + ")"
			}
		case out.Product != nil:
			detail = out.Product.Title
		}
		t.AppendRow(table.Row{out.MonitorID, status, res.Attempts, out.Duration().Round(time.Millisecond), truncate(detail, 80)})
	}
	t.Render()
}
