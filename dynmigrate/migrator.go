// Copyright 2025 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynmigrate

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/sirupsen/logrus"
)

// DynDB defines the portion of the dynamodb service the Migrator requires.
type DynDB interface {
	DynScanner
	DynBatchWriter
	DescribeTable(input *dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error)
}

// EvalErrorPolicy selects what happens to a record when one of its field
// templates fails to evaluate.
type EvalErrorPolicy int

const (
	// NullField writes the record with the failing field set to null.
	// This is the least destructive default; the record still migrates
	// with its other fields intact.
	NullField EvalErrorPolicy = iota

	// SkipRecord drops the whole record from the migration.
	SkipRecord
)

// Config carries the tuning knobs for a migration run.  It is immutable
// once handed to a Migrator; there is no process-wide configuration.
type Config struct {
	BatchSize      int           // items per scan page and per write/delete chunk
	MaxRetries     int           // retry attempts per chunk for unprocessed items
	RetryBaseDelay time.Duration // first retry delay; doubles per attempt
	ReadCapacity   float64       // average scan capacity; 0 for unlimited
	WriteCapacity  float64       // average write capacity; 0 for unlimited
	ConsistentRead bool
	OnEvalError    EvalErrorPolicy
}

// DefaultConfig returns the stock configuration: 25 item batches, 3
// retries, and 5 units each of read and write capacity.
func DefaultConfig() Config {
	return Config{
		BatchSize:      maxBatchSize,
		MaxRetries:     3,
		RetryBaseDelay: defaultRetryBaseDelay,
		ReadCapacity:   5,
		WriteCapacity:  5,
	}
}

// MigratorStats reports the live counters of an in-progress run.  Safe to
// call from concurrent goroutines.
type MigratorStats struct {
	Scanned int64
	Written int64
	Failed  int64
}

var nopLog = func() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Migrator coordinates the scan, transform and write pipeline for one
// migration at a time, checkpointing the migration's state after every
// page.  A single Migrator must only drive one migration id at a time, and
// at most one driver may be active per id; the state store provides no
// fencing against concurrent writers.
type Migrator struct {
	dyn   DynDB
	store StateStore
	cfg   Config
	log   logrus.FieldLogger

	scanned int64
	written int64
	failed  int64
	stop    int64
}

// New creates a Migrator.  A nil logger discards all output.
func New(dyn DynDB, store StateStore, cfg Config, log logrus.FieldLogger) *Migrator {
	if log == nil {
		log = nopLog
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > maxBatchSize {
		cfg.BatchSize = maxBatchSize
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	return &Migrator{dyn: dyn, store: store, cfg: cfg, log: log}
}

// Stop requests a clean halt.  The in-flight page is written and
// checkpointed first, then the run exits with ErrStopped, leaving the
// migration FAILED and resumable.
func (m *Migrator) Stop() {
	atomic.StoreInt64(&m.stop, 1)
}

func (m *Migrator) isStopped() bool {
	return atomic.LoadInt64(&m.stop) != 0
}

// Stats returns the live counters for the current run, including totals
// carried over from before a resume.
func (m *Migrator) Stats() MigratorStats {
	return MigratorStats{
		Scanned: atomic.LoadInt64(&m.scanned),
		Written: atomic.LoadInt64(&m.written),
		Failed:  atomic.LoadInt64(&m.failed),
	}
}

// Start creates and runs a new migration using a column mapping.  Template
// syntax errors surface before any state is created or any record touched.
func (m *Migrator) Start(sourceTable, targetTable string, mapping map[string]string) (*MigrationState, error) {
	templates, err := CompileMapping(mapping)
	if err != nil {
		return nil, err
	}
	state, err := m.create(sourceTable, targetTable, mapping)
	if err != nil {
		return nil, err
	}
	return state, m.run(state, templates)
}

// StartPassthrough creates and runs a migration that copies every
// attribute verbatim, minus any excluded fields.
func (m *Migrator) StartPassthrough(sourceTable, targetTable string, exclude []string) (*MigrationState, error) {
	state, err := m.create(sourceTable, targetTable, nil)
	if err != nil {
		return nil, err
	}
	state.Passthrough = true
	state.Exclude = exclude
	return state, m.run(state, nil)
}

func (m *Migrator) create(sourceTable, targetTable string, mapping map[string]string) (*MigrationState, error) {
	ks, err := m.describeKeySchema(targetTable)
	if err != nil {
		return nil, err
	}
	state := NewMigrationState(sourceTable, targetTable, mapping)
	state.KeySchema = ks
	if err := m.store.Create(state); err != nil {
		return nil, err
	}
	return state, nil
}

// Resume reloads a FAILED migration and re-enters the scan loop from its
// checkpointed cursor.  A migration that never checkpointed a page restarts
// from the beginning; counters and the write log always carry forward.
func (m *Migrator) Resume(id string) (*MigrationState, error) {
	state, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	switch state.Status {
	case StatusFailed, StatusPending, StatusScanning, StatusWriting:
	case StatusRollingBack:
		return nil, fmt.Errorf("migration %s is rolling back; use undo to continue", id)
	default:
		return nil, fmt.Errorf("migration %s has status %s and cannot be resumed", id, state.Status)
	}

	var templates map[string]*Template
	if !state.Passthrough {
		if templates, err = CompileMapping(state.ColumnMapping); err != nil {
			return nil, err
		}
	}

	log := m.log.WithField("migration", state.ID)
	if state.Started() {
		log.WithFields(logrus.Fields{
			"scanned": state.Counters.Scanned,
			"written": state.Counters.Written,
		}).Info("resuming migration from checkpoint")
	} else {
		log.Info("migration has no checkpoint; starting from the beginning")
	}
	return state, m.run(state, templates)
}

// Undo rolls back a COMPLETED or FAILED migration, deleting every key in
// its write log from the target table.
func (m *Migrator) Undo(id string) (*MigrationState, error) {
	state, err := m.store.Load(id)
	if err != nil {
		return nil, err
	}
	rb := m.NewRollbacker(state)
	return state, rb.Rollback(state)
}

// NewRollbacker builds a Rollbacker for a migration, sharing the
// Migrator's store, configuration and logger.
func (m *Migrator) NewRollbacker(state *MigrationState) *Rollbacker {
	return &Rollbacker{
		Writer: m.newWriter(state),
		Store:  m.store,
		Log:    m.log,
	}
}

func (m *Migrator) newWriter(state *MigrationState) *BatchWriter {
	return &BatchWriter{
		Dyn:            m.dyn,
		TableName:      state.TargetTable,
		KeySchema:      state.KeySchema,
		BatchSize:      m.cfg.BatchSize,
		MaxRetries:     m.cfg.MaxRetries,
		RetryBaseDelay: m.cfg.RetryBaseDelay,
		WriteCapacity:  m.cfg.WriteCapacity,
	}
}

// run drives the scan -> transform -> write loop.  Each iteration handles
// exactly one page and ends with a full checkpoint of the migration state,
// so a crash loses at most the in-flight page.
func (m *Migrator) run(state *MigrationState, templates map[string]*Template) error {
	log := m.log.WithFields(logrus.Fields{
		"migration": state.ID,
		"source":    state.SourceTable,
		"target":    state.TargetTable,
	})

	atomic.StoreInt64(&m.scanned, state.Counters.Scanned)
	atomic.StoreInt64(&m.written, state.Counters.Written)
	atomic.StoreInt64(&m.failed, state.Counters.Failed)

	scanner := &Scanner{
		Dyn:            m.dyn,
		TableName:      state.SourceTable,
		PageSize:       int64(m.cfg.BatchSize),
		ReadCapacity:   m.cfg.ReadCapacity,
		ConsistentRead: m.cfg.ConsistentRead,
	}
	writer := m.newWriter(state)

	if err := state.Transition(StatusScanning); err != nil {
		return err
	}
	if err := m.store.Save(state); err != nil {
		return err
	}
	log.WithField("cursor", state.Cursor != nil).Info("migration scanning")

	it := scanner.Open(state.Cursor)
	for {
		if m.isStopped() {
			return m.abort(state, log, "stop", ErrStopped)
		}

		page, err := it.Next()
		if err != nil {
			return m.abort(state, log, "scan", err)
		}
		if page == nil {
			break
		}

		state.Counters.Scanned += int64(len(page.Items))
		atomic.AddInt64(&m.scanned, int64(len(page.Items)))

		records := m.transform(state, templates, page.Items, log)

		if len(records) > 0 {
			if err := state.Transition(StatusWriting); err != nil {
				return err
			}
			if err := m.store.Save(state); err != nil {
				return err
			}

			res, werr := writer.WriteBatch(records)
			state.WriteLog = append(state.WriteLog, res.Written...)
			state.Counters.Written += int64(len(res.Written))
			state.Counters.Failed += int64(len(res.Unprocessed))
			atomic.AddInt64(&m.written, int64(len(res.Written)))
			atomic.AddInt64(&m.failed, int64(len(res.Unprocessed)))
			if werr != nil {
				return m.abort(state, log, "write", werr)
			}
		}

		// page complete; checkpoint cursor and counters together
		state.Cursor = page.Cursor
		if page.Cursor == nil {
			break
		}
		if err := state.Transition(StatusScanning); err != nil {
			return err
		}
		if err := m.store.Save(state); err != nil {
			return err
		}
	}

	state.Cursor = nil
	if err := state.Transition(StatusCompleted); err != nil {
		return err
	}
	state.LastError = nil
	if err := m.store.Save(state); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"scanned": state.Counters.Scanned,
		"written": state.Counters.Written,
		"failed":  state.Counters.Failed,
	}).Info("migration completed")
	return nil
}

// transform evaluates the column mapping (or passthrough copy) against each
// record of a page.  Field evaluation failures are handled per the
// configured policy and counted; they never abort the run.
func (m *Migrator) transform(state *MigrationState, templates map[string]*Template, items []Record, log logrus.FieldLogger) []Record {
	records := make([]Record, 0, len(items))
	for _, item := range items {
		if state.Passthrough {
			records = append(records, passthroughCopy(item, state.Exclude))
			continue
		}

		rec := Record{}
		recFailed := false
		for target, tmpl := range templates {
			av, err := tmpl.Eval(item)
			if err != nil {
				recFailed = true
				log.WithError(err).WithField("column", target).Warn("field evaluation failed")
				if m.cfg.OnEvalError == NullField {
					rec[target] = nullValue
				}
				continue
			}
			rec[target] = av
		}
		if recFailed {
			state.Counters.Failed++
			atomic.AddInt64(&m.failed, 1)
			if m.cfg.OnEvalError == SkipRecord {
				continue
			}
		}
		records = append(records, rec)
	}
	return records
}

func passthroughCopy(item Record, exclude []string) Record {
	rec := make(Record, len(item))
	for k, v := range item {
		rec[k] = v
	}
	for _, name := range exclude {
		delete(rec, name)
	}
	return rec
}

// abort persists a FAILED state with the error recorded and the cursor left
// at its last checkpointed position, then returns the original error.
func (m *Migrator) abort(state *MigrationState, log logrus.FieldLogger, op string, err error) error {
	state.SetError(op, err)
	if terr := state.Transition(StatusFailed); terr != nil {
		return terr
	}
	if serr := m.store.Save(state); serr != nil {
		return serr
	}
	log.WithError(err).WithField("op", op).Error("migration failed")
	return err
}

func (m *Migrator) describeKeySchema(table string) (KeySchema, error) {
	resp, err := m.dyn.DescribeTable(&dynamodb.DescribeTableInput{
		TableName: aws.String(table),
	})
	if err != nil {
		code := ""
		if aerr, ok := err.(awserr.Error); ok {
			code = aerr.Code()
		}
		return KeySchema{}, &FatalWriteError{Op: "describe", Code: code, Err: err}
	}
	var ks KeySchema
	for _, elem := range resp.Table.KeySchema {
		switch aws.StringValue(elem.KeyType) {
		case "HASH":
			ks.HashKey = aws.StringValue(elem.AttributeName)
		case "RANGE":
			ks.RangeKey = aws.StringValue(elem.AttributeName)
		}
	}
	if ks.HashKey == "" {
		return KeySchema{}, fmt.Errorf("failed to find hash key for table %s", table)
	}
	return ks, nil
}
