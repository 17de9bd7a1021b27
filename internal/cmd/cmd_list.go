// Copyright 2025 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	cli "github.com/jawher/mow.cli"
)

func RegisterListCommand(app *cli.Cli) {
	app.Command("list", "List saved migrations and their status", func(cmd *cli.Cmd) {
		cmd.Spec = "[--state-dir]"
		stateDir := stateDirOpt(cmd)

		cmd.Action = func() {
			store := openStore(*stateDir)
			states, err := store.List()
			if err != nil {
				fail("Failed to list migrations: %v", err)
			}
			if len(states) == 0 {
				fmt.Println("No migrations found")
				return
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSOURCE\tTARGET\tSTATUS\tSCANNED\tWRITTEN\tUPDATED")
			for _, state := range states {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					state.ID, state.SourceTable, state.TargetTable, state.Status,
					state.Counters.Scanned, state.Counters.Written,
					state.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			w.Flush()
		}
	})
}
