// Copyright 2025 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cheggaaa/pb"
	cli "github.com/jawher/mow.cli"
	"github.com/sirupsen/logrus"
)

type action interface {
	init(log logrus.FieldLogger) error
	newProgressBar() (bar *pb.ProgressBar)
	updateProgress(bar *pb.ProgressBar)
	start(termWriter io.Writer, log logrus.FieldLogger) (doneChan chan error, err error)
	abort()
	printFinalStats(w io.Writer)
}

type progressLogger interface {
	logProgress(log logrus.FieldLogger)
}

// actionRunner handles running an action which may take a while to complete
// providing progress bars and signal handling.
func actionRunner(cmd *cli.Cmd, action action) func() {
	cmd.Spec = "[--silent] [--no-progress] [--log] " + cmd.Spec
	silent := cmd.Bool(cli.BoolOpt{
		Name:   "silent",
		Value:  false,
		Desc:   "Set to true to disable all non-error and non-log output",
		EnvVar: "SILENT",
	})
	noProgress := cmd.Bool(cli.BoolOpt{
		Name:   "no-progress",
		Value:  false,
		Desc:   "Set to true to disable the progress bar",
		EnvVar: "NO_PROGRESS",
	})
	logTarget := cmd.String(cli.StringOpt{
		Name:   "log",
		Value:  "",
		Desc:   "Set to a filename or --log=- for stdout; defaults to no log output",
		EnvVar: "LOG_TARGET",
	})

	return func() {
		var termWriter io.Writer = os.Stderr
		var progressTicker <-chan time.Time
		var logTicker <-chan time.Time

		logger := newLogger(*logTarget)
		logEnabled := *logTarget != ""
		if f, ok := logger.Out.(*os.File); ok && f != os.Stdout {
			defer f.Close()
		}

		if logEnabled {
			if _, ok := action.(progressLogger); ok {
				logTicker = time.Tick(logFrequency)
			}
		}

		if *silent {
			termWriter = io.Discard
		}

		if err := action.init(logger); err != nil {
			fail("Initialization failed: %v", err)
		}

		done, err := action.start(termWriter, logger)
		if err != nil {
			fail("Startup failed: %v", err)
		}

		var bar *pb.ProgressBar
		if !*silent && !*noProgress {
			progressTicker = time.Tick(statsFrequency)
			bar = action.newProgressBar()
			if bar != nil {
				bar.Output = os.Stderr
				bar.ShowSpeed = true
				bar.ManualUpdate = true
				bar.SetMaxWidth(78)
				bar.Start()
				bar.Update()
			}
		}

		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGTERM, syscall.SIGINT)

	LOOP:
		for {
			select {
			case <-progressTicker:
				action.updateProgress(bar)
				bar.Update()

			case <-logTicker:
				action.(progressLogger).logProgress(logger)

			case <-sigchan:
				if bar != nil {
					bar.Finish()
					bar = nil
				}
				fmt.Fprintf(termWriter, "\nStopping..")
				action.abort()
				<-done
				fmt.Fprintf(termWriter, "Stopped.\n")
				break LOOP

			case err := <-done:
				if bar != nil {
					bar.Finish()
					bar = nil
				}
				if err != nil {
					fail("Processing failed: %v", err)
				}
				break LOOP
			}
		}

		if !*silent {
			action.printFinalStats(termWriter)
		}
	}
}

// newLogger builds the command logger.  target selects the destination
// ("" for none, "-" for stdout, else a filename) and MIGRATION_LOG_LEVEL
// selects the level, defaulting to info.
func newLogger(target string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	switch target {
	case "":
		logger.SetOutput(io.Discard)
	case "-":
		logger.SetOutput(os.Stdout)
	default:
		f, err := os.OpenFile(target, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0666)
		if err != nil {
			fail("could not open logfile for write: %s", err)
		}
		logger.SetOutput(f)
	}

	if level := os.Getenv("MIGRATION_LOG_LEVEL"); level != "" {
		lv, err := logrus.ParseLevel(level)
		if err != nil {
			fail("invalid MIGRATION_LOG_LEVEL %q: %v", level, err)
		}
		logger.SetLevel(lv)
	}
	return logger
}
