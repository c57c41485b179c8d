package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"moviequeue/internal/job"
	"moviequeue/internal/logs"
	"moviequeue/internal/services"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var (
		kind   string
		lines  int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "logs <file>",
		Short: "Show the job log for a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			target, err := absPath(args[0])
			if err != nil {
				return err
			}
			jobKind, err := job.ParseKind(kind)
			if err != nil {
				return services.Wrap(services.ErrValidation, "cli", "logs", "", err)
			}
			st, err := job.LatestSidecar(cfg.JobLogDir(), target, jobKind)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return services.Wrap(services.ErrNotFound, "cli", "logs", fmt.Sprintf("no %s job recorded for %s", jobKind, target), nil)
				}
				return err
			}

			out := cmd.OutOrStdout()
			opts := logs.TailOptions{Offset: -1, Limit: lines}
			for {
				res, err := logs.Tail(cmd.Context(), st.LogPath, opts)
				if err != nil {
					return err
				}
				for _, line := range res.Lines {
					fmt.Fprintln(out, line)
				}
				if !follow {
					return nil
				}
				opts = logs.TailOptions{Offset: res.Offset, Follow: true, Wait: 30 * time.Second}
			}
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(job.KindTranscode), "Job kind (transcode, subtitle or move)")
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep printing new output")
	return cmd
}
