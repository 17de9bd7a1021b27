// Copyright 2025 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynmigrate

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Rollbacker deletes every target item a migration wrote, consuming the
// migration's write log newest-first.  Progress is checkpointed after each
// delete batch, so an interrupted rollback resumes by re-invoking Rollback
// on the same state.
type Rollbacker struct {
	Writer *BatchWriter
	Store  StateStore
	Log    logrus.FieldLogger

	abort int64
}

// Abort requests that the rollback stops after the current batch.  The
// write log and status are left checkpointed and resumable.
func (r *Rollbacker) Abort() {
	atomic.StoreInt64(&r.abort, 1)
}

func (r *Rollbacker) isAborted() bool {
	return atomic.LoadInt64(&r.abort) != 0
}

func (r *Rollbacker) logger() logrus.FieldLogger {
	if r.Log != nil {
		return r.Log
	}
	return nopLog
}

// Rollback drives a migration from COMPLETED or FAILED (or a previously
// interrupted ROLLING_BACK) to ROLLED_BACK, deleting write log entries in
// reverse order of writing.  Deleting a key that no longer exists counts as
// success; the item's absence is the desired end state either way.
func (r *Rollbacker) Rollback(state *MigrationState) error {
	log := r.logger().WithField("migration", state.ID)

	switch state.Status {
	case StatusCompleted, StatusFailed:
		if err := state.Transition(StatusRollingBack); err != nil {
			return err
		}
		if err := r.Store.Save(state); err != nil {
			return err
		}
	case StatusRollingBack:
		log.Info("resuming interrupted rollback")
	default:
		return fmt.Errorf("migration %s cannot be rolled back from status %s", state.ID, state.Status)
	}

	batchSize := r.Writer.chunkSize()
	for len(state.WriteLog) > 0 {
		if r.isAborted() {
			return ErrStopped
		}

		n := batchSize
		if n > len(state.WriteLog) {
			n = len(state.WriteLog)
		}
		tail := state.WriteLog[len(state.WriteLog)-n:]
		keys := make([]Key, n)
		for i, key := range tail {
			keys[n-1-i] = key // newest first
		}

		res, err := r.Writer.DeleteBatch(keys)
		r.removeDeleted(state, n, res.Deleted)
		if err != nil {
			state.SetError("delete", err)
			if serr := r.Store.Save(state); serr != nil {
				return serr
			}
			log.WithError(err).Error("rollback aborted")
			return err
		}
		if serr := r.Store.Save(state); serr != nil {
			return serr
		}
		if len(res.Unprocessed) > 0 {
			err := fmt.Errorf("%d keys still undeleted after retries; re-run undo to continue", len(res.Unprocessed))
			state.SetError("delete", err)
			if serr := r.Store.Save(state); serr != nil {
				return serr
			}
			return err
		}
		log.WithField("remaining", len(state.WriteLog)).Debug("rollback batch deleted")
	}

	if err := state.Transition(StatusRolledBack); err != nil {
		return err
	}
	state.Counters.Written = 0
	state.LastError = nil
	if err := r.Store.Save(state); err != nil {
		return err
	}
	log.Info("rollback completed")
	return nil
}

// removeDeleted drops the acknowledged keys from the tail section of the
// write log, preserving the order of any keys that remain.
func (r *Rollbacker) removeDeleted(state *MigrationState, tailLen int, deleted []Key) {
	if len(deleted) == 0 {
		return
	}
	remaining := make(map[string]int, len(deleted))
	for _, key := range deleted {
		remaining[keyString(key)]++
	}
	cut := len(state.WriteLog) - tailLen
	kept := state.WriteLog[:cut]
	for _, key := range state.WriteLog[cut:] {
		ks := keyString(key)
		if remaining[ks] > 0 {
			remaining[ks]--
			continue
		}
		kept = append(kept, key)
	}
	state.WriteLog = kept
}
