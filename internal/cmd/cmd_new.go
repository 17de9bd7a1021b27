// Copyright 2025 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Bowery/prompt"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/cheggaaa/pb"
	cli "github.com/jawher/mow.cli"
	"github.com/sirupsen/logrus"

	"github.com/gwatts/dynmigrate/dynmigrate"
)

func RegisterNewCommand(app *cli.Cli) {
	app.Command("new", "Start a new migration between two DynamoDB tables", func(cmd *cli.Cmd) {
		cmd.Spec = "[-brw] [--consistent-read] [--skip-record-errors] [--state-dir] " +
			"[--mapping... | (--passthrough [--exclude...])] SOURCE TARGET"
		action := &migrateAction{
			sourceTable: cmd.StringArg("SOURCE", "",
				"Table name to migrate data from"),
			targetTable: cmd.StringArg("TARGET", "",
				"Table name to migrate data into"),
			mappings: cmd.Strings(cli.StringsOpt{
				Name: "m mapping",
				Desc: `Column mapping as target=template (eg. "email={email lower}").  ` +
					"Repeat for each target column; omit to be prompted interactively",
				EnvVar: "MAPPING",
			}),
			passthrough: cmd.Bool(cli.BoolOpt{
				Name:   "passthrough",
				Value:  false,
				Desc:   "Copy every attribute verbatim instead of applying a mapping",
				EnvVar: "PASSTHROUGH",
			}),
			exclude: cmd.Strings(cli.StringsOpt{
				Name:   "exclude",
				Desc:   "Field to drop from records in passthrough mode; may be repeated",
				EnvVar: "EXCLUDE",
			}),
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
		}

		cmd.Before = func() {
			checkRange("batch-size", *action.batchSize, 1, maxBatchSize)
			checkRange("read-capacity", *action.readCapacity, 0, 0)
			checkRange("write-capacity", *action.writeCapacity, 0, 0)
			checkRange("max-retries", *action.maxRetries, 0, 0)
		}

		action.run = action.runNew
		cmd.Action = actionRunner(cmd, action)
	})
}

// migrateAction drives a migration run for both the new and resume commands.
type migrateAction struct {
	m          *dynmigrate.Migrator
	store      dynmigrate.StateStore
	dyn        *dynamodb.DynamoDB
	state      *dynmigrate.MigrationState
	sourceInfo *dynamodb.TableDescription
	mapping    map[string]string
	startTime  time.Time
	run        func() (*dynmigrate.MigrationState, error)

	// options
	sourceTable      *string
	targetTable      *string
	migrationID      *string
	mappings         *[]string
	passthrough      *bool
	exclude          *[]string
	batchSize        *int
	readCapacity     *int
	writeCapacity    *int
	maxRetries       *int
	consistentRead   *bool
	skipRecordErrors *bool
	stateDir         *string
}

func (a *migrateAction) init(log logrus.FieldLogger) error {
	if a.mappings != nil && !*a.passthrough {
		mapping, err := collectMapping(*a.mappings)
		if err != nil {
			return err
		}
		a.mapping = mapping
	}

	a.dyn = initAWS(*a.maxRetries)
	a.store = openStore(*a.stateDir)

	cfg := dynmigrate.DefaultConfig()
	cfg.BatchSize = *a.batchSize
	cfg.ReadCapacity = float64(*a.readCapacity)
	cfg.WriteCapacity = float64(*a.writeCapacity)
	cfg.ConsistentRead = *a.consistentRead
	if *a.skipRecordErrors {
		cfg.OnEvalError = dynmigrate.SkipRecord
	}
	a.m = dynmigrate.New(a.dyn, a.store, cfg, log)

	resp, err := a.dyn.DescribeTable(&dynamodb.DescribeTableInput{
		TableName: a.sourceTable,
	})
	if err != nil {
		return err
	}
	a.sourceInfo = resp.Table
	return nil
}

func (a *migrateAction) runNew() (*dynmigrate.MigrationState, error) {
	if *a.passthrough {
		return a.m.StartPassthrough(*a.sourceTable, *a.targetTable, *a.exclude)
	}
	return a.m.Start(*a.sourceTable, *a.targetTable, a.mapping)
}

func (a *migrateAction) start(termWriter io.Writer, log logrus.FieldLogger) (done chan error, err error) {
	status := fmt.Sprintf("Beginning migration: source=%q target=%q readCapacity=%d "+
		"writeCapacity=%d itemCount=%d",
		*a.sourceTable, *a.targetTable, *a.readCapacity, *a.writeCapacity,
		aws.Int64Value(a.sourceInfo.ItemCount))

	fmt.Fprintln(termWriter, status)
	log.Info(status)

	done = make(chan error, 1)
	a.startTime = time.Now()

	go func() {
		state, err := a.run()
		if state != nil {
			a.state = state
		}
		done <- err
	}()

	return done, nil
}

func (a *migrateAction) newProgressBar() *pb.ProgressBar {
	return pb.New64(aws.Int64Value(a.sourceInfo.ItemCount))
}

func (a *migrateAction) updateProgress(bar *pb.ProgressBar) {
	bar.Set64(a.m.Stats().Scanned)
}

func (a *migrateAction) logProgress(log logrus.FieldLogger) {
	stats := a.m.Stats()
	log.WithFields(logrus.Fields{
		"scanned": stats.Scanned,
		"written": stats.Written,
		"failed":  stats.Failed,
	}).Info("migration in progress")
}

func (a *migrateAction) abort() {
	a.m.Stop()
}

func (a *migrateAction) printFinalStats(w io.Writer) {
	stats := a.m.Stats()
	deltaSeconds := float64(time.Since(a.startTime)) / float64(time.Second)
	if a.state != nil {
		fmt.Fprintf(w, "Migration id: %s\n", a.state.ID)
		fmt.Fprintf(w, "Status: %s\n", a.state.Status)
	}
	fmt.Fprintf(w, "Avg items/sec: %.2f\n", float64(stats.Scanned)/deltaSeconds)
	fmt.Fprintf(w, "Total items scanned: %d\n", stats.Scanned)
	fmt.Fprintf(w, "Total items written: %d\n", stats.Written)
	if stats.Failed > 0 {
		fmt.Fprintf(w, "Total items failed: %d\n", stats.Failed)
	}
}

// collectMapping turns the --mapping options into a column mapping, or
// prompts the user to enter one interactively when none were given.
func collectMapping(opts []string) (map[string]string, error) {
	if len(opts) > 0 {
		mapping := make(map[string]string, len(opts))
		for _, opt := range opts {
			target, tmpl, err := splitMapping(opt)
			if err != nil {
				return nil, err
			}
			mapping[target] = tmpl
		}
		return mapping, nil
	}
	return promptMapping()
}

func splitMapping(opt string) (target, tmpl string, err error) {
	i := strings.Index(opt, "=")
	if i <= 0 {
		return "", "", fmt.Errorf("invalid mapping %q: expected target=template", opt)
	}
	return opt[:i], opt[i+1:], nil
}

// promptMapping interactively collects target=template pairs, validating
// each template as it is entered.  A blank line finishes entry.
func promptMapping() (map[string]string, error) {
	fmt.Println("Enter column mappings as target=template (eg. email={email lower}).")
	fmt.Println("Enter a blank line to finish.")

	mapping := make(map[string]string)
	for {
		line, err := prompt.Basic("mapping> ", false)
		if err != nil {
			return nil, fmt.Errorf("could not prompt for mapping (use --mapping instead): %v", err)
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		target, tmpl, err := splitMapping(line)
		if err != nil {
			fmt.Println(err)
			continue
		}
		if _, err := dynmigrate.ParseTemplate(tmpl); err != nil {
			fmt.Printf("invalid template for %s: %v\n", target, err)
			continue
		}
		mapping[target] = tmpl
	}
	if len(mapping) == 0 {
		return nil, fmt.Errorf("no column mappings entered")
	}
	return mapping, nil
}
