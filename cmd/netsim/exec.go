package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"netsim/internal/netns"
	"netsim/internal/process"
	"netsim/internal/store/rsm"

	"github.com/spf13/cobra"
)

func newExecCmd(a *app) *cobra.Command {
	var run string
	cmd := &cobra.Command{
		Use:   "exec NAMESPACE|MACHINE -- COMMAND [ARG...]",
		Short: "Run a command inside a namespace of a live topology",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.ArgsLenAtDash() != 1 {
				return errors.New("usage: netsim exec NAMESPACE -- COMMAND [ARG...]")
			}
			records, err := a.runs().List()
			if err != nil {
				return err
			}
			nsName, err := resolveNamespace(records, run, args[0])
			if err != nil {
				return err
			}

			ns, err := netns.NewProvider().Open(nsName)
			if err != nil {
				return err
			}
			defer ns.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			spec := process.Spec{Command: args[1:]}
			h, err := process.NewLauncher(a.log).Spawn(ctx, spec, ns)
			if err != nil {
				return err
			}
			go func() {
				<-ctx.Done()
				_ = h.Signal(syscall.SIGTERM)
			}()

			if err := follow(context.Background(), h.Log(), cmd.OutOrStdout()); err != nil {
				return err
			}
			out, err := h.Wait(context.Background())
			if err != nil {
				return err
			}
			if out.ExitCode != 0 {
				return &exitError{code: out.ExitCode}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&run, "run", "", "run id or name that owns the machine")
	return cmd
}

// resolveNamespace maps a machine name of a recorded run to its namespace.
// Anything else is taken as a namespace name.
func resolveNamespace(records []rsm.Run, run, ref string) (string, error) {
	var found []string
	for _, r := range records {
		if run != "" && r.RunId != run && r.Name != run {
			continue
		}
		if ref == "hub" {
			found = append(found, r.Hub)
			continue
		}
		for _, m := range r.Machines {
			if m.Name == ref {
				found = append(found, m.Namespace)
			}
		}
	}
	switch len(found) {
	case 0:
		return ref, nil
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("%s exists in %d runs, pick one with --run", ref, len(found))
	}
}

// follow copies a process log to w until the log closes.
func follow(ctx context.Context, log *process.LogBuffer, w io.Writer) error {
	offset := 0
	for {
		data, next, err := log.Next(ctx, offset)
		if len(data) > 0 {
			if _, werr := w.Write(data); werr != nil {
				return werr
			}
		}
		offset = next
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
