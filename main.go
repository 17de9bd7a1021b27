// Copyright 2025 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

/*
Command dynmigrate copies data between two DynamoDB tables, optionally
transforming each record through a per-column template mapping.

Migrations are resumable: progress is checkpointed to a local state file
after every page of work, so an interrupted or failed run picks up where it
left off with the resume command.  Every write is journalled, allowing a
completed or failed migration to be fully rolled back with the undo
command.

Mapping templates substitute source fields and may apply an operation to
the value, for example:

	dynmigrate new -m 'email={email lower}' -m 'total={price multiply 1.1}' src-table dst-table

Run dynmigrate new with no --mapping options to enter the mapping
interactively, or use --passthrough to copy records verbatim.

Reads and writes are rate limited to a configurable capacity, and batch
writes retry throttled items with exponential backoff.

AWS credentials required to connect to DynamoDB must be passed in using
environment variables:
* AWS_ACCESS_KEY_ID
* AWS_SECRET_KEY
*/
package main

import (
	"os"

	cli "github.com/jawher/mow.cli"

	"github.com/gwatts/dynmigrate/internal/cmd"
)

func main() {
	app := cli.App("dynmigrate", "Migrate data between DynamoDB tables")

	cmd.RegisterNewCommand(app)
	cmd.RegisterResumeCommand(app)
	cmd.RegisterUndoCommand(app)
	cmd.RegisterListCommand(app)
	cmd.RegisterDeleteCommand(app)

	app.Run(os.Args)
}
