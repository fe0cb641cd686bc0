package main

import (
	"errors"
	"fmt"
	"strings"

	"netsim/internal/env"
	"netsim/internal/netns"
	"netsim/internal/store/rsm"
	"netsim/internal/utils"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newCleanCmd(a *app) *cobra.Command {
	var orphans bool
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove namespaces and records left by topologies whose owner died",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runs := a.runs()
			if err := env.NewBootstrapManager(a.cfg.StateDir, runs).SetupRuntime(); err != nil {
				return err
			}
			removed, err := cleanRuns(runs, a.cfg.NamespacePrefix, orphans, a.log)
			for _, name := range removed {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			if errors.Is(err, errNothingToClean) {
				a.log.Info(err.Error())
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&orphans, "orphans", false, "also remove prefixed namespaces that no recorded run owns")
	return cmd
}

var errNothingToClean = errors.New("nothing to clean")

// runPrefix is the namespace name prefix of every namespace a run created.
func runPrefix(nsPrefix, runId string) string {
	return fmt.Sprintf("%s-%s-", nsPrefix, utils.ShortID(runId))
}

func cleanRuns(runs rsm.RsmHandler, nsPrefix string, orphans bool, log *logrus.Entry) ([]string, error) {
	stale, err := runs.Stale()
	if err != nil {
		return nil, err
	}
	var (
		removed []string
		errs    []error
	)
	for _, r := range stale {
		names, err := netns.Sweep(runPrefix(nsPrefix, r.RunId))
		removed = append(removed, names...)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := runs.Remove(r.RunId); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, "run "+r.RunId)
		log.WithFields(logrus.Fields{"run": r.RunId, "namespaces": len(names)}).Info("stale run removed")
	}

	if orphans {
		names, err := orphanNamespaces(runs, nsPrefix)
		if err != nil {
			errs = append(errs, err)
		}
		for _, name := range names {
			if err := netns.Delete(name); err != nil {
				errs = append(errs, err)
				continue
			}
			removed = append(removed, name)
		}
	}

	if len(removed) == 0 && len(errs) == 0 {
		return nil, errNothingToClean
	}
	return removed, errors.Join(errs...)
}

// orphanNamespaces lists prefixed namespaces that no remaining run owns.
func orphanNamespaces(runs rsm.RsmHandler, nsPrefix string) ([]string, error) {
	records, err := runs.List()
	if err != nil {
		return nil, err
	}
	names, err := netns.List(nsPrefix + "-")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range names {
		owned := false
		for _, r := range records {
			if strings.HasPrefix(name, runPrefix(nsPrefix, r.RunId)) {
				owned = true
				break
			}
		}
		if !owned {
			out = append(out, name)
		}
	}
	return out, nil
}
