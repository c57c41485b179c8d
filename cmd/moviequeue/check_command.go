package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"moviequeue/internal/deps"
)

func newCheckCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check job binaries and library directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			results := append(deps.CheckBinaries(deps.Requirements(cfg)), deps.CheckDirectories(cfg)...)
			missing := 0
			for _, st := range results {
				if !st.Available && !st.Optional {
					missing++
				}
			}
			if asJSON {
				if err := writeJSON(cmd, results); err != nil {
					return err
				}
			} else {
				rows := make([][]string, 0, len(results))
				for _, st := range results {
					detail := st.Detail
					if st.Available {
						detail = "ok"
					}
					rows = append(rows, []string{st.Name, st.Command, yesNo(st.Available), detail})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]string{"Check", "Path", "Available", "Detail"}, rows, nil))
			}
			if missing > 0 {
				return fmt.Errorf("%d required checks failed", missing)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
