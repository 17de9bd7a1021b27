// Copyright 2025 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynmigrate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a migration.
type Status string

const (
	// StatusPending is set on a migration that has been created but not
	// yet started scanning.
	StatusPending Status = "PENDING"

	// StatusScanning is set while a page is being fetched from the source.
	StatusScanning Status = "SCANNING"

	// StatusWriting is set while a page is being written to the target.
	StatusWriting Status = "WRITING"

	// StatusCompleted is set once the source table has been exhausted and
	// every page checkpointed.
	StatusCompleted Status = "COMPLETED"

	// StatusFailed is set when a run aborts; the checkpointed cursor
	// makes the migration resumable.
	StatusFailed Status = "FAILED"

	// StatusRollingBack is set while previously written target items are
	// being deleted.
	StatusRollingBack Status = "ROLLING_BACK"

	// StatusRolledBack is set once the write log has been fully deleted
	// from the target table.
	StatusRolledBack Status = "ROLLED_BACK"
)

// validTransitions holds the status DAG.  Identity saves (checkpointing
// without a status change) do not pass through here.
var validTransitions = map[Status][]Status{
	StatusPending:     {StatusScanning},
	StatusScanning:    {StatusWriting, StatusCompleted, StatusFailed},
	StatusWriting:     {StatusScanning, StatusCompleted, StatusFailed},
	StatusFailed:      {StatusScanning, StatusRollingBack},
	StatusCompleted:   {StatusRollingBack},
	StatusRollingBack: {StatusRolledBack},
	StatusRolledBack:  {},
}

// Terminal reports whether no further work will ever happen for a
// migration in this status without operator action.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRolledBack
}

// Counters accumulate record totals across the whole life of a migration,
// including resumed runs.  They never decrease while a migration is active.
type Counters struct {
	Scanned int64 `json:"scanned"`
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
}

// ErrorInfo captures the last error that aborted a run.
type ErrorInfo struct {
	Op      string    `json:"op"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// MigrationState is the persisted unit of truth for one migration.  Every
// field the engine needs to resume or roll back a run lives here; the state
// store owns the only durable copy and every checkpoint persists the whole
// record.
type MigrationState struct {
	ID            string            `json:"id"`
	SourceTable   string            `json:"source_table"`
	TargetTable   string            `json:"target_table"`
	ColumnMapping map[string]string `json:"column_mapping,omitempty"`
	Passthrough   bool              `json:"passthrough,omitempty"`
	Exclude       []string          `json:"exclude,omitempty"`
	KeySchema     KeySchema         `json:"key_schema"`
	Status        Status            `json:"status"`
	Cursor        Cursor            `json:"cursor,omitempty"`
	Counters      Counters          `json:"counters"`
	WriteLog      []Key             `json:"write_log"`
	LastError     *ErrorInfo        `json:"last_error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// NewMigrationState creates a PENDING state for a fresh migration.
func NewMigrationState(sourceTable, targetTable string, mapping map[string]string) *MigrationState {
	now := time.Now().UTC()
	return &MigrationState{
		ID:            uuid.NewString(),
		SourceTable:   sourceTable,
		TargetTable:   targetTable,
		ColumnMapping: mapping,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Transition moves the migration to a new status, enforcing the lifecycle
// DAG.  Terminal states admit no transition other than rollback from
// COMPLETED.
func (s *MigrationState) Transition(next Status) error {
	if next == s.Status {
		return nil
	}
	for _, allowed := range validTransitions[s.Status] {
		if next == allowed {
			s.Status = next
			return nil
		}
	}
	return fmt.Errorf("invalid status transition %s -> %s for migration %s", s.Status, next, s.ID)
}

// Started reports whether the migration has checkpointed at least one scan
// page.  An unstarted FAILED or PENDING migration resumes from a nil
// cursor, identical to a fresh run.
func (s *MigrationState) Started() bool {
	return s.Counters.Scanned > 0 || s.Cursor != nil
}

// SetError records the error that aborted the current run.
func (s *MigrationState) SetError(op string, err error) {
	s.LastError = &ErrorInfo{
		Op:      op,
		Message: err.Error(),
		Time:    time.Now().UTC(),
	}
}

// clone deep-copies the state via its JSON form, so stores can hand out
// copies that callers may mutate freely.
func (s *MigrationState) clone() *MigrationState {
	data, err := json.Marshal(s)
	if err != nil {
		panic(err) // all fields are JSON-serializable
	}
	var out MigrationState
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}
