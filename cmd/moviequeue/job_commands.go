package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"moviequeue/internal/config"
	"moviequeue/internal/job"
	"moviequeue/internal/queue"
	"moviequeue/internal/services"
	"moviequeue/internal/transcode"
)

func newJobCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newTranscodeCommand(ctx),
		newRemcomCommand(ctx),
		newSubtitleCommand(ctx),
		newCleanupCommand(ctx),
		newStatusCommand(ctx),
	}
}

type jobOutput struct {
	json bool
}

func (o jobOutput) print(cmd *cobra.Command, st job.Status) error {
	if o.json {
		return writeJSON(cmd, st)
	}
	printJobStatus(cmd.OutOrStdout(), st)
	return nil
}

func newTranscodeCommand(ctx *commandContext) *cobra.Command {
	var (
		preset      string
		destination string
		host        string
		async       bool
		out         jobOutput
	)
	cmd := &cobra.Command{
		Use:   "transcode <file>",
		Short: "Transcode a file and replace it in the library",
		Long: "Transcode a file with the configured encoder. The command waits for the job " +
			"and exits nonzero if it fails. With --async a detached supervisor finishes the job.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := absPath(args[0])
			if err != nil {
				return err
			}
			req := transcode.Request{Kind: job.KindTranscode, Target: target, Preset: preset, Destination: destination, Host: host}
			if async && strings.TrimSpace(host) == "" {
				cfg, err := ctx.ensureConfig()
				if err != nil {
					return err
				}
				ack, err := acceptLocally(cmd, ctx, cfg, req)
				if err != nil {
					return err
				}
				if out.json {
					return writeJSON(cmd, ack)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s started (supervisor pid %d)\nLog: %s\n", ack.ID, ack.PID, ack.LogPath)
				return nil
			}
			return ctx.withDispatcher(cmd, func(disp *transcode.Dispatcher, _ *queue.Store) error {
				return runJob(cmd, disp, req, !async, out)
			})
		},
	}
	cmd.Flags().StringVar(&preset, "preset", "", "Encoder preset (defaults to the configured preset)")
	cmd.Flags().StringVar(&destination, "destination", "", "Final path (defaults to replacing the file in place)")
	cmd.Flags().StringVar(&host, "host", "", "Run the job on this worker host")
	cmd.Flags().BoolVar(&async, "async", false, "Return once the job has started")
	cmd.Flags().BoolVar(&out.json, "json", false, "Output as JSON")
	return cmd
}

func newRemcomCommand(ctx *commandContext) *cobra.Command {
	var (
		host      string
		directory string
		unwatched bool
		wait      bool
		out       jobOutput
	)
	cmd := &cobra.Command{
		Use:   "remcom <file>",
		Short: "Forward a file to a worker host",
		Long: "Forward a file to a worker host. Files already in the output container are moved " +
			"into the library there; anything else is transcoded.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			target, err := absPath(args[0])
			if err != nil {
				return err
			}
			if host = strings.TrimSpace(host); host == "" {
				host = strings.TrimSpace(cfg.Remote.DefaultHost)
			}
			if host == "" {
				return services.Wrap(services.ErrConfiguration, "cli", "remcom", "no worker host; pass --host or set remote.default_host", nil)
			}
			req := transcode.Request{
				Kind:      remcomKind(cfg, target),
				Target:    target,
				Host:      host,
				Directory: directory,
				Unwatched: unwatched,
			}
			return ctx.withDispatcher(cmd, func(disp *transcode.Dispatcher, _ *queue.Store) error {
				return runJob(cmd, disp, req, wait, out)
			})
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Worker host (defaults to remote.default_host)")
	cmd.Flags().StringVar(&directory, "directory", "", "Movie sub-directory for move jobs")
	cmd.Flags().BoolVar(&unwatched, "unwatched", false, "Move into the unwatched directory")
	cmd.Flags().BoolVar(&wait, "wait", false, "Poll the worker until the job finishes")
	cmd.Flags().BoolVar(&out.json, "json", false, "Output as JSON")
	return cmd
}

func remcomKind(cfg *config.Config, target string) job.Kind {
	if strings.EqualFold(strings.TrimPrefix(filepath.Ext(target), "."), cfg.Encoder.Extension) {
		return job.KindMove
	}
	return job.KindTranscode
}

func newSubtitleCommand(ctx *commandContext) *cobra.Command {
	var out jobOutput
	cmd := &cobra.Command{
		Use:   "subtitle <file> <index>",
		Short: "Extract a subtitle track next to the file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := absPath(args[0])
			if err != nil {
				return err
			}
			index, err := strconv.Atoi(strings.TrimSpace(args[1]))
			if err != nil {
				return fmt.Errorf("invalid track index %q", args[1])
			}
			req := transcode.Request{Kind: job.KindSubtitle, Target: target, SubtitleIndex: index}
			return ctx.withDispatcher(cmd, func(disp *transcode.Dispatcher, _ *queue.Store) error {
				return runJob(cmd, disp, req, true, out)
			})
		},
	}
	cmd.Flags().BoolVar(&out.json, "json", false, "Output as JSON")
	return cmd
}

func newCleanupCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "cleanup <path>",
		Short: "Stop jobs on a file and remove their partial output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := absPath(args[0])
			if err != nil {
				return err
			}
			return ctx.withDispatcher(cmd, func(disp *transcode.Dispatcher, _ *queue.Store) error {
				res, err := disp.Cleanup(cmd.Context(), target)
				if asJSON {
					if jerr := writeJSON(cmd, res); jerr != nil {
						return jerr
					}
					return err
				}
				w := cmd.OutOrStdout()
				for _, pid := range res.Terminated {
					fmt.Fprintf(w, "Terminated pid %d\n", pid)
				}
				for _, path := range res.Removed {
					fmt.Fprintf(w, "Removed %s\n", path)
				}
				for _, path := range res.Restored {
					fmt.Fprintf(w, "Restored %s\n", path)
				}
				if res.Dequeued {
					fmt.Fprintln(w, "Removed queue entry")
				}
				if err == nil && len(res.Terminated)+len(res.Removed)+len(res.Restored) == 0 && !res.Dequeued {
					fmt.Fprintln(w, "Nothing to clean up")
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show queue size and running job processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDispatcher(cmd, func(disp *transcode.Dispatcher, store *queue.Store) error {
				stats, err := store.Stats(cmd.Context())
				if err != nil {
					return err
				}
				snap := disp.Snapshot(cmd.Context())
				if asJSON {
					return writeJSON(cmd, map[string]any{"queue": stats, "snapshot": snap})
				}
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "Queued: %d  Catalog: %d  Deleted: %d\n", stats.Queued, stats.Collection, stats.Deleted)
				if len(snap.Load) == 3 {
					fmt.Fprintf(w, "Load: %.2f %.2f %.2f\n", snap.Load[0], snap.Load[1], snap.Load[2])
				}
				printProcesses(w, snap.Processes)
				for _, msg := range snap.Errors {
					fmt.Fprintf(w, "warning: %s\n", msg)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

// runJob dispatches req and, when wait is set, blocks until the job ends. A
// failed job is reported as the command's error.
func runJob(cmd *cobra.Command, disp *transcode.Dispatcher, req transcode.Request, wait bool, out jobOutput) error {
	st, err := disp.Dispatch(cmd.Context(), req)
	if err != nil {
		return err
	}
	if wait {
		if st, err = disp.Wait(cmd.Context(), st.ID); err != nil {
			return err
		}
	}
	if err := out.print(cmd, st); err != nil {
		return err
	}
	if st.State == job.StateFailed {
		if out.json {
			return errSilentExit
		}
		return fmt.Errorf("job %s failed: %s", st.ID, st.Error)
	}
	return nil
}

// acceptLocally hands req to a detached supervisor on this machine.
func acceptLocally(cmd *cobra.Command, ctx *commandContext, cfg *config.Config, req transcode.Request) (job.Ack, error) {
	if _, err := os.Stat(req.Target); errors.Is(err, os.ErrNotExist) {
		return job.Ack{}, services.Wrap(services.ErrNotFound, "cli", "transcode", "target file "+req.Target+" does not exist", nil)
	}
	sup, err := supervisorCommand(ctx)
	if err != nil {
		return job.Ack{}, err
	}
	d := job.Descriptor{
		ID:          uuid.NewString(),
		Kind:        req.Kind,
		Target:      req.Target,
		Preset:      req.Preset,
		Destination: req.Destination,
	}
	return transcode.Accept(cmd.Context(), cfg, newMonitor(cfg), d, sup, ctx.log())
}

func printJobStatus(w io.Writer, st job.Status) {
	rows := [][]string{
		{"Job", st.ID},
		{"Kind", string(st.Kind)},
		{"State", stateLabel(string(st.State))},
		{"Host", st.Host},
		{"Target", st.Target},
	}
	if st.Destination != "" {
		rows = append(rows, []string{"Destination", st.Destination})
	}
	if st.PID > 0 {
		rows = append(rows, []string{"PID", strconv.Itoa(int(st.PID))})
	}
	if st.LogPath != "" {
		rows = append(rows, []string{"Log", st.LogPath})
	}
	if st.Error != "" {
		rows = append(rows, []string{"Error", st.Error})
	}
	fmt.Fprint(w, renderTable([]string{"Field", "Value"}, rows, nil))
}
