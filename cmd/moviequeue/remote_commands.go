package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"moviequeue/internal/config"
	"moviequeue/internal/fileutil"
	"moviequeue/internal/job"
	"moviequeue/internal/logging"
	"moviequeue/internal/procmon"
	"moviequeue/internal/queue"
	"moviequeue/internal/remote"
	"moviequeue/internal/services"
	"moviequeue/internal/transcode"
)

// newRemoteCommand groups the worker-side commands a dispatcher runs over
// SSH. Each prints JSON on stdout for the caller to decode.
func newRemoteCommand(ctx *commandContext) *cobra.Command {
	remoteCmd := &cobra.Command{
		Use:    "remote",
		Short:  "Worker-side job commands",
		Hidden: true,
	}
	remoteCmd.AddCommand(newRemoteAcceptCommand(ctx))
	remoteCmd.AddCommand(newRemoteStatusCommand(ctx))
	remoteCmd.AddCommand(newRemoteSuperviseCommand(ctx))
	return remoteCmd
}

func newRemoteAcceptCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "accept",
		Short: "Accept a job descriptor on stdin and start it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			host, _ := os.Hostname()
			var d job.Descriptor
			data, err := io.ReadAll(cmd.InOrStdin())
			if err == nil {
				err = json.Unmarshal(data, &d)
			}
			if err != nil {
				err = services.Wrap(services.ErrValidation, "worker", "accept", "decode job descriptor", err)
				return refuse(cmd, d, host, err)
			}
			sup, err := supervisorCommand(ctx)
			if err != nil {
				return refuse(cmd, d, host, err)
			}
			ack, err := transcode.Accept(cmd.Context(), cfg, newMonitor(cfg), d, sup, ctx.log())
			if err != nil {
				return refuse(cmd, d, host, err)
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(ack)
		},
	}
}

func refuse(cmd *cobra.Command, d job.Descriptor, host string, cause error) error {
	if err := json.NewEncoder(cmd.OutOrStdout()).Encode(remote.RefusalAck(d, host, cause)); err != nil {
		return err
	}
	return errSilentExit
}

func newRemoteStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print the status of an accepted job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			st, err := transcode.WorkerStatus(cmd.Context(), cfg, newMonitor(cfg), args[0])
			if err != nil {
				if errors.Is(err, services.ErrNotFound) {
					_ = json.NewEncoder(cmd.OutOrStdout()).Encode(job.Status{ID: args[0], ErrorKind: services.Kind(err), Error: err.Error()})
					return errSilentExit
				}
				return err
			}
			return json.NewEncoder(cmd.OutOrStdout()).Encode(st)
		},
	}
}

func newRemoteSuperviseCommand(ctx *commandContext) *cobra.Command {
	var (
		jobID      string
		target     string
		descriptor string
	)
	cmd := &cobra.Command{
		Use:   "supervise",
		Short: "Run an accepted job to completion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			d, err := transcode.LoadDescriptor(descriptor)
			if err != nil {
				return err
			}
			if d.ID != jobID || (target != "" && d.Target != target) {
				return fmt.Errorf("descriptor %s does not match job %s", descriptor, jobID)
			}
			logger := ctx.log().With(logging.String(logging.FieldJobID, d.ID))

			var opts []transcode.Option
			if exists, _ := fileutil.Exists(cfg.DatabasePath()); exists {
				store, err := queue.Open(cfg)
				if err != nil {
					logger.Warn("queue unavailable; entry will not be removed", logging.Error(err))
				} else {
					defer store.Close()
					opts = append(opts, transcode.WithQueue(store))
				}
			}
			st, err := transcode.Supervise(cmd.Context(), cfg, d, logger, opts...)
			if err != nil {
				return err
			}
			if st.State == job.StateFailed {
				return fmt.Errorf("job %s failed: %s", st.ID, st.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&jobID, "job", "", "Job id")
	cmd.Flags().StringVar(&target, "target", "", "Target file")
	cmd.Flags().StringVar(&descriptor, "descriptor", "", "Path of the stored job descriptor")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("descriptor")
	return cmd
}

// supervisorCommand re-executes this binary with the same configuration.
func supervisorCommand(ctx *commandContext) (transcode.SupervisorCommand, error) {
	exe, err := os.Executable()
	if err != nil {
		return transcode.SupervisorCommand{}, services.Wrap(services.ErrRemoteSpawn, "worker", "accept", "locate executable", err)
	}
	sup := transcode.SupervisorCommand{Executable: exe}
	if path := ctx.configPath(); path != "" {
		sup.Args = []string{"--config", path}
	}
	return sup, nil
}

func newMonitor(cfg *config.Config, opts ...procmon.Option) *procmon.Monitor {
	opts = append([]procmon.Option{
		procmon.WithBinaries(cfg.Encoder.Binary),
		procmon.WithSubtitleBinary(cfg.Encoder.SubtitleBinary),
	}, opts...)
	return procmon.New(opts...)
}
