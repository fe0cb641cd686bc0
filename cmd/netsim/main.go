package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"netsim/internal/config"
	"netsim/internal/core/netsim"
	"netsim/internal/env"
	"netsim/internal/store/rsm"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const teardownTimeout = 30 * time.Second

// exitError carries the exit status of a command run by exec.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

type app struct {
	configPath string
	logLevel   string
	stateDir   string

	cfg *config.Config
	log *logrus.Entry
}

func (a *app) load() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.stateDir != "" {
		cfg.StateDir = a.stateDir
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	logger.SetOutput(os.Stderr)
	a.cfg = cfg
	a.log = logrus.NewEntry(logger)
	return nil
}

func (a *app) runs() *rsm.RsmManager {
	return rsm.NewRsmManager(rsm.NewRsmStore(a.cfg.StorePath()))
}

// startNetsim bootstraps the host and creates a topology recorded in the
// run store. adjust may change the options derived from config.
func (a *app) startNetsim(ctx context.Context, name string, adjust func(*netsim.Options)) (*netsim.Netsim, error) {
	runs := a.runs()
	if err := env.NewBootstrapManager(a.cfg.StateDir, runs).SetupRuntime(); err != nil {
		return nil, err
	}
	opts, err := a.cfg.NetsimOptions()
	if err != nil {
		return nil, err
	}
	opts.Name = name
	opts.Store = runs
	opts.Log = a.log
	if adjust != nil {
		adjust(&opts)
	}
	return netsim.New(ctx, opts)
}

// teardown closes sim on a fresh context so it still runs after the
// command context was cancelled.
func (a *app) teardown(sim *netsim.Netsim) error {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := sim.Close(ctx); err != nil {
		return fmt.Errorf("teardown: %w", err)
	}
	return nil
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "netsim",
		Short:         "Build virtual networks of processes in Linux network namespaces",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default /etc/netsim/config.yaml if present)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level override")
	root.PersistentFlags().StringVar(&a.stateDir, "state-dir", "", "state directory override")

	root.AddCommand(
		newServeCmd(a),
		newApplyCmd(a),
		newExecCmd(a),
		newStatusCmd(a),
		newCleanCmd(a),
	)
	return root
}

func main() {
	err := newRootCmd().Execute()
	if err == nil {
		return
	}
	var exit *exitError
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}
	fmt.Fprintln(os.Stderr, "netsim:", err)
	os.Exit(1)
}
