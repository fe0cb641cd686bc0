package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpapi "netsim/internal/api/http"
	"netsim/internal/dns"
	"netsim/internal/monitor"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		addr    string
		name    string
		withDNS bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Own one topology and manage it over the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				a.cfg.API.Addr = addr
			}
			if cmd.Flags().Changed("dns") {
				a.cfg.DNS.Enabled = withDNS
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sim, err := a.startNetsim(ctx, name, nil)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.teardown(sim); err != nil {
					a.log.WithError(err).Error("teardown failed")
				}
			}()

			if a.cfg.DNS.Enabled {
				srv, err := dns.Attach(sim, a.cfg.DNSOptions(a.log))
				if err != nil {
					return err
				}
				a.log.WithField("addr", srv.Addr().String()).Info("dns attached to hub")
			}

			ln, err := net.Listen("tcp", a.cfg.API.Addr)
			if err != nil {
				return err
			}
			sim.SetApiAddr(ln.Addr().String())

			apiSrv := &http.Server{
				Handler:           httpapi.NewApiRouter(sim, a.log),
				ReadHeaderTimeout: 10 * time.Second,
			}
			mon := monitor.NewMachineMonitor(sim, a.log)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.log.WithFields(logrus.Fields{"addr": ln.Addr().String(), "run": sim.RunID()}).Info("management api listening")
				if err := apiSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return apiSrv.Shutdown(sctx)
			})
			g.Go(func() error {
				if err := mon.Run(gctx); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "API listen address (default from config)")
	cmd.Flags().StringVar(&name, "name", "", "topology name shown by status")
	cmd.Flags().BoolVar(&withDNS, "dns", false, "serve topology names from the hub")
	return cmd
}
