package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"moviequeue/internal/queue"
	"moviequeue/internal/textutil"
)

func newQueueCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newAddCommand(ctx),
		newRemoveCommand(ctx),
		newListCommand(ctx),
	}
}

func newAddCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "add <path>...",
		Short: "Queue files for transcoding",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *queue.Store) error {
				out := cmd.OutOrStdout()
				for _, arg := range args {
					path, err := absPath(arg)
					if err != nil {
						return err
					}
					entry, err := store.Add(cmd.Context(), path)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Queued %s (#%d)\n", entry.Path, entry.Idx)
				}
				return nil
			})
		},
	}
}

func newRemoveCommand(ctx *commandContext) *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:     "rm <path|idx>",
		Aliases: []string{"remove"},
		Short:   "Remove a file from the queue",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arg := strings.TrimSpace(args[0])
			_, numErr := strconv.ParseInt(arg, 10, 64)
			if numErr != nil {
				var err error
				if arg, err = absPath(arg); err != nil {
					return err
				}
			} else if purge {
				return fmt.Errorf("--purge needs a path, not a queue index")
			}
			return ctx.withStore(func(store *queue.Store) error {
				if purge {
					if err := store.SoftDelete(cmd.Context(), arg); err != nil {
						return err
					}
					entry, err := store.Collection(cmd.Context(), arg)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Purged %s (catalog #%d)\n", entry.Path, entry.Idx)
					return nil
				}
				entry, err := store.Remove(cmd.Context(), arg)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s (#%d)\n", entry.Path, entry.Idx)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "Also mark the file deleted in the catalog")
	return cmd
}

func newListCommand(ctx *commandContext) *cobra.Command {
	var (
		since  time.Duration
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(store *queue.Store) error {
				var (
					entries []queue.Entry
					err     error
				)
				if since > 0 {
					entries, err = store.ListSince(cmd.Context(), time.Now().Add(-since))
				} else {
					entries, err = store.List(cmd.Context())
				}
				if err != nil {
					return err
				}
				if asJSON {
					if entries == nil {
						entries = []queue.Entry{}
					}
					return writeJSON(cmd, entries)
				}
				if len(entries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"#", "File", "Show", "Queued"},
					buildQueueRows(entries),
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", 0, "Only list entries changed within this duration")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func buildQueueRows(entries []queue.Entry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		show := ""
		if e.Show != "" {
			show = textutil.DisplayTitle(e.Show)
		}
		rows = append(rows, []string{
			strconv.FormatInt(e.Idx, 10),
			e.Path,
			show,
			e.LastModified.Local().Format("2006-01-02 15:04"),
		})
	}
	return rows
}

func absPath(arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", fmt.Errorf("path is required")
	}
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", arg, err)
	}
	return abs, nil
}
