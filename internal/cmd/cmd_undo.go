// Copyright 2025 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Bowery/prompt"
	"github.com/cheggaaa/pb"
	cli "github.com/jawher/mow.cli"
	"github.com/sirupsen/logrus"

	"github.com/gwatts/dynmigrate/dynmigrate"
)

func RegisterUndoCommand(app *cli.Cli) {
	app.Command("undo", "Roll back a migration, deleting everything it wrote to the target table", func(cmd *cli.Cmd) {
		cmd.Spec = "[-w] [--force] [--state-dir] MIGRATION_ID"
		action := &undoAction{
			migrationID: cmd.StringArg("MIGRATION_ID", "",
				"Id of the migration to roll back, as reported by new and list"),
			force: cmd.Bool(cli.BoolOpt{
				Name:   "force",
				Value:  false,
				Desc:   "Set to true to disable the confirmation prompt",
				EnvVar: "NO_UNDO_PROMPT",
			}),
			writeCapacity: cmd.Int(cli.IntOpt{
				Name:   "w write-capacity",
				Value:  5,
				Desc:   "Average write capacity to use for deletes (set to 0 for unlimited)",
				EnvVar: "WRITE_CAPACITY",
			}),
			maxRetries: cmd.Int(cli.IntOpt{
				Name:   "max-retries",
				Value:  awsMaxRetries,
				Desc:   "Maximum number of retry attempts to make with AWS services before failing",
				EnvVar: "AWS_MAX_RETRIES",
			}),
			stateDir: stateDirOpt(cmd),
		}

		cmd.Before = func() {
			checkRange("write-capacity", *action.writeCapacity, 0, 0)
			checkRange("max-retries", *action.maxRetries, 0, 0)
		}

		cmd.Action = actionRunner(cmd, action)
	})
}

type undoAction struct {
	rb        *dynmigrate.Rollbacker
	store     *dynmigrate.FileStore
	state     *dynmigrate.MigrationState
	total     int64
	startTime time.Time

	// options
	migrationID   *string
	force         *bool
	writeCapacity *int
	maxRetries    *int
	stateDir      *string
}

func (a *undoAction) init(log logrus.FieldLogger) error {
	a.store = openStore(*a.stateDir)
	state, err := a.store.Load(*a.migrationID)
	if err != nil {
		return err
	}
	a.state = state
	a.total = int64(len(state.WriteLog))

	if !*a.force {
		fmt.Printf("Roll back migration %s: delete %d items written to table %q\n\n",
			state.ID, a.total, state.TargetTable)
		ok, err := prompt.Ask("Are you sure you wish to roll back the above migration")
		if err != nil {
			return fmt.Errorf("could not prompt for confirmation (use --force to override): %v", err)
		}
		if !ok {
			return errors.New("user rejected rollback")
		}
	}

	dyn := initAWS(*a.maxRetries)
	cfg := dynmigrate.DefaultConfig()
	cfg.WriteCapacity = float64(*a.writeCapacity)
	m := dynmigrate.New(dyn, a.store, cfg, log)
	a.rb = m.NewRollbacker(state)
	return nil
}

func (a *undoAction) start(termWriter io.Writer, log logrus.FieldLogger) (done chan error, err error) {
	status := fmt.Sprintf("Beginning rollback: migration=%s target=%q items=%d",
		a.state.ID, a.state.TargetTable, a.total)

	fmt.Fprintln(termWriter, status)
	log.Info(status)

	done = make(chan error, 1)
	a.startTime = time.Now()

	go func() {
		done <- a.rb.Rollback(a.state)
	}()

	return done, nil
}

func (a *undoAction) newProgressBar() *pb.ProgressBar {
	return pb.New64(a.total)
}

func (a *undoAction) updateProgress(bar *pb.ProgressBar) {
	bar.Set64(a.rb.Writer.Stats().ItemsDeleted)
}

func (a *undoAction) logProgress(log logrus.FieldLogger) {
	log.WithFields(logrus.Fields{
		"deleted": a.rb.Writer.Stats().ItemsDeleted,
		"total":   a.total,
	}).Info("rollback in progress")
}

func (a *undoAction) abort() {
	a.rb.Abort()
}

func (a *undoAction) printFinalStats(w io.Writer) {
	deleted := a.rb.Writer.Stats().ItemsDeleted
	deltaSeconds := float64(time.Since(a.startTime)) / float64(time.Second)
	fmt.Fprintf(w, "Status: %s\n", a.state.Status)
	fmt.Fprintf(w, "Avg deletes/sec: %.2f\n", float64(deleted)/deltaSeconds)
	fmt.Fprintf(w, "Total items deleted: %d\n", deleted)
}
