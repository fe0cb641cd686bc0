package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"text/tabwriter"

	"netsim/internal/core/netsim"
	"netsim/internal/dns"
	"netsim/internal/manifest"
	"netsim/internal/monitor"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newApplyCmd(a *app) *cobra.Command {
	var (
		file string
		keep bool
	)
	cmd := &cobra.Command{
		Use:   "apply -f FILE",
		Short: "Build a topology from a manifest and run it until its machines exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := manifest.Load(file)
			if err != nil {
				return err
			}
			name := spec.Topology.Name
			if name == "" {
				name = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sim, err := a.startNetsim(ctx, name, func(opts *netsim.Options) {
				if p := spec.GlobalRange(); p.IsValid() {
					opts.GlobalRange = p
				}
				if spec.Topology.Bits != 0 {
					opts.SubnetBits = spec.Topology.Bits
				}
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := a.teardown(sim); err != nil {
					a.log.WithError(err).Error("teardown failed")
				}
			}()

			if spec.Topology.DNS || a.cfg.DNS.Enabled {
				if _, err := dns.Attach(sim, a.cfg.DNSOptions(a.log)); err != nil {
					return err
				}
			}

			res, err := manifest.Apply(ctx, sim, spec)
			if err != nil {
				return err
			}
			printAddrs(cmd.OutOrStdout(), res)

			if keep {
				return watchUntilSignal(ctx, sim, a.log)
			}
			return waitMachines(ctx, sim, res, a.log)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "topology manifest")
	cmd.Flags().BoolVar(&keep, "keep", false, "keep the topology up after machines exit, until interrupted")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func printAddrs(w io.Writer, res *manifest.Result) {
	names := make([]string, 0, len(res.Machines))
	for name := range res.Machines {
		names = append(names, name)
	}
	slices.Sort(names)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MACHINE\tID\tNETWORK\tADDRESS")
	for _, name := range names {
		addrs := res.Addrs[name]
		nets := make([]string, 0, len(addrs))
		for n := range addrs {
			nets = append(nets, n)
		}
		slices.Sort(nets)
		if len(nets) == 0 {
			fmt.Fprintf(tw, "%s\t%s\t-\t-\n", name, res.Machines[name])
		}
		for _, n := range nets {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", name, res.Machines[name], n, addrs[n])
		}
	}
	_ = tw.Flush()
}

// waitMachines returns once every machine has exited or ctx ends.
func waitMachines(ctx context.Context, sim *netsim.Netsim, res *manifest.Result, log *logrus.Entry) error {
	g, gctx := errgroup.WithContext(ctx)
	for name, id := range res.Machines {
		m, err := sim.Machine(id)
		if err != nil {
			return err
		}
		g.Go(func() error {
			out, err := m.WaitOutput(gctx)
			if err != nil {
				return err
			}
			log.WithFields(logrus.Fields{"machine": name, "exit": out.ExitCode}).Info("machine exited")
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func watchUntilSignal(ctx context.Context, sim *netsim.Netsim, log *logrus.Entry) error {
	mon := monitor.NewMachineMonitor(sim, log)
	if err := mon.Run(ctx); !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
