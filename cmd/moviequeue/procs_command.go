package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"moviequeue/internal/procmon"
	"moviequeue/internal/remote"
)

func newProcsCommand(ctx *commandContext) *cobra.Command {
	var (
		asJSON bool
		host   string
	)
	cmd := &cobra.Command{
		Use:   "procs",
		Short: "List running encoder and subtitle processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			var opts []procmon.Option
			if !procmon.IsLocal(host) {
				opts = append(opts, procmon.WithRemote(remote.New(cfg, ctx.log())))
			}
			procs, err := newMonitor(cfg, opts...).ListRunning(cmd.Context(), host)
			if err != nil {
				return err
			}
			if asJSON {
				if procs == nil {
					procs = []procmon.ObservedProcess{}
				}
				return writeJSON(cmd, procs)
			}
			printProcesses(cmd.OutOrStdout(), procs)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	cmd.Flags().StringVar(&host, "host", "", "List processes on this worker host")
	return cmd
}

func printProcesses(w io.Writer, procs []procmon.ObservedProcess) {
	if len(procs) == 0 {
		fmt.Fprintln(w, "No job processes running")
		return
	}
	rows := make([][]string, 0, len(procs))
	for _, p := range procs {
		rows = append(rows, []string{
			strconv.Itoa(int(p.PID)),
			p.Host,
			p.Binary,
			p.Elapsed.Round(time.Second).String(),
			p.Target,
		})
	}
	fmt.Fprint(w, renderTable(
		[]string{"PID", "Host", "Binary", "Elapsed", "Target"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft},
	))
}
