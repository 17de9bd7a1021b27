// Copyright 2025 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	cli "github.com/jawher/mow.cli"
	"github.com/sirupsen/logrus"

	"github.com/gwatts/dynmigrate/dynmigrate"
)

func RegisterResumeCommand(app *cli.Cli) {
	app.Command("resume", "Resume an interrupted or failed migration", func(cmd *cli.Cmd) {
		cmd.Spec = "[-brw] [--consistent-read] [--skip-record-errors] [--state-dir] MIGRATION_ID"
		action := &resumeAction{migrateAction: migrateAction{
			migrationID: cmd.StringArg("MIGRATION_ID", "",
				"Id of the migration to resume, as reported by new and list"),
			batchSize: cmd.Int(cli.IntOpt{
				Name:   "b batch-size",
				Value:  maxBatchSize,
				Desc:   "Items per scan page and per batch write request",
				EnvVar: "BATCH_SIZE",
			}),
			readCapacity: cmd.Int(cli.IntOpt{
				Name:   "r read-capacity",
				Value:  5,
				Desc:   "Average read capacity to use for the scan (set to 0 for unlimited)",
				EnvVar: "READ_CAPACITY",
			}),
			writeCapacity: cmd.Int(cli.IntOpt{
				Name:   "w write-capacity",
				Value:  5,
				Desc:   "Average write capacity to use for the target table (set to 0 for unlimited)",
				EnvVar: "WRITE_CAPACITY",
			}),
			maxRetries: cmd.Int(cli.IntOpt{
				Name:   "max-retries",
				Value:  awsMaxRetries,
				Desc:   "Maximum number of retry attempts to make with AWS services before failing",
				EnvVar: "AWS_MAX_RETRIES",
			}),
			consistentRead: cmd.Bool(cli.BoolOpt{
				Name:   "c consistent-read",
				Value:  false,
				Desc:   "Enable consistent reads (at 2x capacity use)",
				EnvVar: "USE_CONSISTENT",
			}),
			skipRecordErrors: cmd.Bool(cli.BoolOpt{
				Name:   "skip-record-errors",
				Value:  false,
				Desc:   "Drop records whose mapping fails to evaluate instead of nulling the failed field",
				EnvVar: "SKIP_RECORD_ERRORS",
			}),
			stateDir: stateDirOpt(cmd),
		}}

		cmd.Before = func() {
			checkRange("batch-size", *action.batchSize, 1, maxBatchSize)
			checkRange("read-capacity", *action.readCapacity, 0, 0)
			checkRange("write-capacity", *action.writeCapacity, 0, 0)
			checkRange("max-retries", *action.maxRetries, 0, 0)
		}

		action.run = action.runResume
		cmd.Action = actionRunner(cmd, action)
	})
}

// resumeAction loads the saved migration before the shared init so that the
// source and target table names come from the checkpointed state.
type resumeAction struct {
	migrateAction
}

func (a *resumeAction) init(log logrus.FieldLogger) error {
	store := openStore(*a.stateDir)
	state, err := store.Load(*a.migrationID)
	if err != nil {
		return err
	}
	a.sourceTable = &state.SourceTable
	a.targetTable = &state.TargetTable
	return a.migrateAction.init(log)
}

func (a *resumeAction) runResume() (*dynmigrate.MigrationState, error) {
	return a.m.Resume(*a.migrationID)
}
