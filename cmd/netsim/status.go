package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"netsim/internal/env"
	"netsim/internal/monitor"
	"netsim/internal/store/rsm"

	"github.com/spf13/cobra"
)

func newStatusCmd(a *app) *cobra.Command {
	var (
		watch  bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "status [RUN]",
		Short: "List recorded topologies, or the machines of one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runs := a.runs()
			if err := env.NewBootstrapManager(a.cfg.StateDir, runs).SetupState(); err != nil {
				return err
			}
			var filter string
			if len(args) == 1 {
				filter = args[0]
			}
			out := cmd.OutOrStdout()
			render := func(records []rsm.Run) {
				stale, err := runs.Stale()
				if err != nil {
					a.log.WithError(err).Warn("stale check")
				}
				if err := printStatus(out, records, staleSet(stale), filter, asJSON); err != nil {
					a.log.WithError(err).Warn("print status")
				}
			}

			if !watch {
				records, err := runs.List()
				if err != nil {
					return err
				}
				if filter != "" && !hasRun(records, filter) {
					return fmt.Errorf("no run %s", filter)
				}
				render(records)
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			w := monitor.NewStoreWatcher(a.cfg.StorePath(), runs, a.log)
			err := w.Watch(ctx, func(records []rsm.Run) {
				if !asJSON {
					// clear the terminal between frames
					fmt.Fprint(out, "\033[H\033[2J")
				}
				render(records)
			})
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "redraw whenever the run store changes")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")
	return cmd
}

func staleSet(stale []rsm.Run) map[string]bool {
	set := make(map[string]bool, len(stale))
	for _, r := range stale {
		set[r.RunId] = true
	}
	return set
}

func hasRun(records []rsm.Run, ref string) bool {
	for _, r := range records {
		if r.RunId == ref || r.Name == ref {
			return true
		}
	}
	return false
}

func printStatus(w io.Writer, records []rsm.Run, stale map[string]bool, filter string, asJSON bool) error {
	if filter != "" {
		var picked []rsm.Run
		for _, r := range records {
			if r.RunId == filter || r.Name == filter {
				picked = append(picked, r)
			}
		}
		records = picked
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if records == nil {
			records = []rsm.Run{}
		}
		return enc.Encode(records)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if filter == "" {
		fmt.Fprintln(tw, "RUN\tNAME\tPID\tSTATE\tNETWORKS\tMACHINES\tAPI\tAGE")
		for _, r := range records {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%d\t%s\t%s\n",
				r.RunId, dash(r.Name), r.Pid, runState(stale[r.RunId]),
				len(r.Networks), len(r.Machines), dash(r.ApiAddr),
				time.Since(r.StartedAt).Round(time.Second))
		}
		return tw.Flush()
	}

	for _, r := range records {
		fmt.Fprintf(tw, "run %s (%s) %s, hub %s\n\n", r.RunId, dash(r.Name), runState(stale[r.RunId]), r.Hub)
		fmt.Fprintln(tw, "NETWORK\tRANGE\tGATEWAY\tBRIDGE\tNAT")
		for _, n := range r.Networks {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n", n.Name, n.Range, n.Gateway, n.Bridge, n.Nat)
		}
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "MACHINE\tNAMESPACE\tPID\tSTATE\tADDRESSES\tCOMMAND")
		for _, m := range r.Machines {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
				m.Name, m.Namespace, m.Pid, m.State, dash(strings.Join(m.Addrs, ",")), m.Command)
		}
		fmt.Fprintln(tw)
	}
	return tw.Flush()
}

func runState(stale bool) string {
	if stale {
		return "stale"
	}
	return "running"
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
