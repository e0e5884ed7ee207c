package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history <monitor>",
		Short: "Show recent runs of a monitor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(cmd, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			id := args[0]
			mc, ok := rt.cfg.Monitor(id)
			if !ok {
				return fmt.Errorf("unknown monitor %q", id)
			}
			if rt.cfg.Storage.Path == "" {
				return errors.New("run history is disabled: set storage.path or MONITOR_DB_PATH")
			}
			if err := rt.openStore(); err != nil {
				return err
			}

			runs, err := rt.store.RecentRuns(cmd.Context(), id, limit)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}

			if len(runs) == 0 {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "no runs recorded for %s\n", mc.DisplayName())
				return err
			}
			t := newTable(cmd.OutOrStdout())
			t.SetTitle(mc.DisplayName())
			t.AppendHeader(table.Row{"Run", "Started", "Result", "Attempts", "Duration", "Detail"})
			for _, run := range runs {
				result, detail := "ok", run.Title
				if !run.Success {
					result = "failed"
					if run.ErrorKind != "" {
						result = run.ErrorKind
					}
					detail = run.Error
				}
				t.AppendRow(table.Row{
					run.RunID,
					humanize.Time(run.StartedAt),
					result,
					run.Attempts,
					run.Duration.Round(time.Millisecond),
					truncate(detail, 60),
				})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print runs as JSON")
	return cmd
}
