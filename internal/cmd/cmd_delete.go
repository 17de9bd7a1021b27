// Copyright 2025 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"fmt"

	"github.com/Bowery/prompt"
	cli "github.com/jawher/mow.cli"
)

func RegisterDeleteCommand(app *cli.Cli) {
	app.Command("delete", "Delete a saved migration's state", func(cmd *cli.Cmd) {
		cmd.Spec = "[--force] [--state-dir] MIGRATION_ID"
		migrationID := cmd.StringArg("MIGRATION_ID", "",
			"Id of the migration state to delete")
		force := cmd.Bool(cli.BoolOpt{
			Name:   "force",
			Value:  false,
			Desc:   "Set to true to disable the delete prompt",
			EnvVar: "NO_DELETE_PROMPT",
		})
		stateDir := stateDirOpt(cmd)

		cmd.Action = func() {
			store := openStore(*stateDir)
			state, err := store.Load(*migrationID)
			if err != nil {
				fail("Failed to load migration %s: %v", *migrationID, err)
			}

			if !state.Status.Terminal() {
				fmt.Printf("Warning: migration %s has status %s; deleting its state "+
					"makes it impossible to resume or roll back\n\n", state.ID, state.Status)
			}

			if !*force {
				fmt.Printf("Delete state for migration of %q to %q (status %s)\n\n",
					state.SourceTable, state.TargetTable, state.Status)
				ok, err := prompt.Ask("Are you sure you wish to delete the above migration")
				if err != nil {
					fail("Could not prompt for confirmation (use --force to override): %v", err)
				}
				if !ok {
					fail("User rejected delete")
				}
			}

			if err := store.Delete(*migrationID); err != nil {
				fail("Failed to delete migration: %v", err)
			}
			fmt.Printf("Deleted migration %s\n", *migrationID)
		}
	})
}
