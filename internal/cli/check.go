package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"

	"github.com/osbits/pagewatch/internal/monitor"
	"github.com/osbits/pagewatch/internal/structure"
)

func newCheckCmd(opts *rootOptions) *cobra.Command {
	var (
		monitorID string
		strict    bool
	)

	cmd := &cobra.Command{
		Use:   "check [url]",
		Short: "Compare a page against a monitor's structure selectors",
		Long:  "Load the page (the monitor's target when no URL is given), probe every structure selector, and print the report as JSON. Exits non-zero when selectors are missing, or on any change with --strict.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := bootstrap(cmd, opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			if len(rt.cfg.Monitors) == 0 {
				return errors.New("no monitors configured")
			}
			mc := rt.cfg.Monitors[0]
			if monitorID != "" {
				var ok bool
				if mc, ok = rt.cfg.Monitor(monitorID); !ok {
					return fmt.Errorf("unknown monitor %q", monitorID)
				}
			}
			url := mc.TargetURL("")
			if len(args) == 1 {
				url = args[0]
			}

			if err := rt.openDriver(); err != nil {
				return err
			}
			m, err := monitor.New(mc, rt.driver, rt.logger)
			if err != nil {
				return err
			}

			s := spinner.New(spinner.CharSets[9], 100*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
			s.Suffix = " checking " + url
			s.Start()
			report, err := m.Check(cmd.Context(), url)
			s.Stop()
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}

			switch report.Status {
			case structure.StatusError:
				return fmt.Errorf("structure check failed: %d selector(s) missing", len(report.Details.Missing))
			case structure.StatusWarning:
				if strict {
					return fmt.Errorf("structure check failed (strict): %d selector(s) changed", len(report.Details.Changed))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&monitorID, "monitor", "", "monitor whose selectors to use (defaults to the first)")
	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as failures")
	return cmd
}
