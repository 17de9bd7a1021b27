// Copyright 2025 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynmigrate

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynDB implements DynDB over an in-memory source slice and target map
// keyed by the "id" hash attribute.
type fakeDynDB struct {
	mu     sync.Mutex
	source []Record
	target map[string]Record

	scanCalls  int
	writeCalls int
	failWrite  func(call int, input *dynamodb.BatchWriteItemInput) error
}

func newFakeDynDB(source []Record) *fakeDynDB {
	return &fakeDynDB{source: source, target: make(map[string]Record)}
}

func (f *fakeDynDB) Scan(input *dynamodb.ScanInput) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanCalls++

	start := 0
	if input.ExclusiveStartKey != nil {
		fmt.Sscanf(aws.StringValue(input.ExclusiveStartKey["offset"].N), "%d", &start)
	}
	end := len(f.source)
	if input.Limit != nil && start+int(*input.Limit) < end {
		end = start + int(*input.Limit)
	}
	out := &dynamodb.ScanOutput{
		Items:            f.source[start:end],
		ConsumedCapacity: &dynamodb.ConsumedCapacity{CapacityUnits: aws.Float64(1)},
	}
	if end < len(f.source) {
		out.LastEvaluatedKey = Record{"offset": numAttr(fmt.Sprintf("%d", end))}
	}
	return out, nil
}

func (f *fakeDynDB) BatchWriteItem(input *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeCalls++

	if f.failWrite != nil {
		if err := f.failWrite(f.writeCalls, input); err != nil {
			return nil, err
		}
	}
	for _, reqs := range input.RequestItems {
		for _, req := range reqs {
			switch {
			case req.PutRequest != nil:
				id := aws.StringValue(req.PutRequest.Item["id"].S)
				f.target[id] = req.PutRequest.Item
			case req.DeleteRequest != nil:
				// deleting an absent key is a no-op, as in DynamoDB
				delete(f.target, aws.StringValue(req.DeleteRequest.Key["id"].S))
			}
		}
	}
	return &dynamodb.BatchWriteItemOutput{}, nil
}

func (f *fakeDynDB) DescribeTable(input *dynamodb.DescribeTableInput) (*dynamodb.DescribeTableOutput, error) {
	return &dynamodb.DescribeTableOutput{
		Table: &dynamodb.TableDescription{
			TableName: input.TableName,
			ItemCount: aws.Int64(int64(len(f.source))),
			KeySchema: []*dynamodb.KeySchemaElement{
				{AttributeName: aws.String("id"), KeyType: aws.String("HASH")},
			},
		},
	}, nil
}

func (f *fakeDynDB) targetSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.target)
}

func sourceRecords(n int) []Record {
	records := make([]Record, n)
	for i := range records {
		records[i] = Record{
			"id":    strAttr(fmt.Sprintf("i%03d", i)),
			"first": strAttr("ada"),
			"last":  strAttr(fmt.Sprintf("l%d", i)),
			"price": numAttr("100"),
		}
	}
	return records
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ReadCapacity = 0 // no throttling in tests
	cfg.WriteCapacity = 0
	cfg.RetryBaseDelay = time.Millisecond
	return cfg
}

var testMapping = map[string]string{
	"id":        "{id upper}",
	"full_name": "{first} {last}",
}

func TestMigrateEndToEnd(t *testing.T) {
	dyn := newFakeDynDB(sourceRecords(30))
	store := NewMemStore()
	m := New(dyn, store, testConfig(), nil)

	state, err := m.Start("src", "dst", testMapping)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, int64(30), state.Counters.Scanned)
	assert.Equal(t, int64(30), state.Counters.Written)
	assert.Equal(t, int64(0), state.Counters.Failed)
	assert.Len(t, state.WriteLog, 30)
	assert.Nil(t, state.Cursor)
	assert.Equal(t, 2, dyn.scanCalls, "30 items at page size 25 is two pages")
	assert.Equal(t, 2, dyn.writeCalls, "each page maps to one write batch")
	assert.Equal(t, 30, dyn.targetSize())

	item := dyn.target["I000"]
	require.NotNil(t, item, "hash key passes through the upper operation")
	assert.Equal(t, "ada l0", aws.StringValue(item["full_name"].S))

	// the persisted copy matches what Start returned
	persisted, err := store.Load(state.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, persisted.Status)
	assert.Len(t, persisted.WriteLog, 30)

	// undo removes exactly the written keys
	state, err = m.Undo(state.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRolledBack, state.Status)
	assert.Empty(t, state.WriteLog)
	assert.Equal(t, int64(0), state.Counters.Written)
	assert.Equal(t, 0, dyn.targetSize())
}

func TestMigrateWriteLogMatchesWrittenCounter(t *testing.T) {
	dyn := newFakeDynDB(sourceRecords(60))
	store := NewMemStore()
	m := New(dyn, store, testConfig(), nil)

	state, err := m.Start("src", "dst", testMapping)
	require.NoError(t, err)
	assert.Equal(t, int64(len(state.WriteLog)), state.Counters.Written)
}

func TestMigrateEvalErrorNullsField(t *testing.T) {
	source := sourceRecords(3)
	source[1]["price"] = strAttr("not a number")
	dyn := newFakeDynDB(source)
	m := New(dyn, NewMemStore(), testConfig(), nil)

	state, err := m.Start("src", "dst", map[string]string{
		"id":    "{id}",
		"total": "{price multiply 1.1}",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, int64(3), state.Counters.Written, "record with a failed field is still written")
	assert.Equal(t, int64(1), state.Counters.Failed)

	item := dyn.target["i001"]
	require.NotNil(t, item)
	assert.True(t, aws.BoolValue(item["total"].NULL), "failed field is nulled")
	assert.False(t, aws.BoolValue(dyn.target["i000"]["total"].NULL))
}

func TestMigrateEvalErrorSkipsRecord(t *testing.T) {
	source := sourceRecords(3)
	source[1]["price"] = strAttr("not a number")
	dyn := newFakeDynDB(source)
	cfg := testConfig()
	cfg.OnEvalError = SkipRecord
	m := New(dyn, NewMemStore(), cfg, nil)

	state, err := m.Start("src", "dst", map[string]string{
		"id":    "{id}",
		"total": "{price multiply 1.1}",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.Counters.Written)
	assert.Equal(t, int64(1), state.Counters.Failed)
	assert.Equal(t, 2, dyn.targetSize())
}

func TestMigrateSyntaxErrorBeforeAnyState(t *testing.T) {
	dyn := newFakeDynDB(sourceRecords(3))
	store := NewMemStore()
	m := New(dyn, store, testConfig(), nil)

	_, err := m.Start("src", "dst", map[string]string{"bad": "{unclosed"})
	require.Error(t, err)
	var serr *SyntaxError
	assert.ErrorAs(t, err, &serr)

	states, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, states, "no state is created when the mapping fails to parse")
	assert.Equal(t, 0, dyn.writeCalls)
}

func TestMigrateFatalWriteFailsResumably(t *testing.T) {
	dyn := newFakeDynDB(sourceRecords(30))
	dyn.failWrite = func(call int, input *dynamodb.BatchWriteItemInput) error {
		if call == 2 {
			return awserr.New("AccessDeniedException", "no", nil)
		}
		return nil
	}
	store := NewMemStore()
	m := New(dyn, store, testConfig(), nil)

	state, err := m.Start("src", "dst", testMapping)
	require.Error(t, err)
	var ferr *FatalWriteError
	require.ErrorAs(t, err, &ferr)

	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, int64(25), state.Counters.Written, "first page checkpointed before the failure")
	assert.Len(t, state.WriteLog, 25)
	require.NotNil(t, state.LastError)
	assert.Equal(t, "write", state.LastError.Op)

	persisted, err := store.Load(state.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, persisted.Status)
	require.NotNil(t, persisted.Cursor, "cursor preserved at the last checkpoint")
}

func TestResumeProducesSameTotalsAsUninterruptedRun(t *testing.T) {
	dyn := newFakeDynDB(sourceRecords(30))
	dyn.failWrite = func(call int, input *dynamodb.BatchWriteItemInput) error {
		if call == 2 {
			return awserr.New("AccessDeniedException", "no", nil)
		}
		return nil
	}
	store := NewMemStore()
	m := New(dyn, store, testConfig(), nil)

	state, err := m.Start("src", "dst", testMapping)
	require.Error(t, err)
	id := state.ID

	// condition fixed; resume picks up from the checkpointed cursor
	dyn.failWrite = nil
	m = New(dyn, store, testConfig(), nil)
	state, err = m.Resume(id)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, int64(30), state.Counters.Written, "no double counting across the resume boundary")
	assert.Len(t, state.WriteLog, 30)
	assert.Equal(t, 30, dyn.targetSize())
}

func TestResumeRejectsTerminalStates(t *testing.T) {
	dyn := newFakeDynDB(sourceRecords(1))
	store := NewMemStore()
	m := New(dyn, store, testConfig(), nil)

	state, err := m.Start("src", "dst", testMapping)
	require.NoError(t, err)

	_, err = m.Resume(state.ID)
	assert.Error(t, err)

	_, err = m.Resume("no-such-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResumeReportsCheckpointPosition(t *testing.T) {
	dyn := newFakeDynDB(sourceRecords(30))
	dyn.failWrite = func(call int, input *dynamodb.BatchWriteItemInput) error {
		if call == 2 {
			return awserr.New("AccessDeniedException", "no", nil)
		}
		return nil
	}
	store := NewMemStore()
	logger, hook := logtest.NewNullLogger()
	m := New(dyn, store, testConfig(), logger)

	state, err := m.Start("src", "dst", testMapping)
	require.Error(t, err)

	dyn.failWrite = nil
	hook.Reset()
	m = New(dyn, store, testConfig(), logger)
	_, err = m.Resume(state.ID)
	require.NoError(t, err)

	var msgs []string
	for _, e := range hook.AllEntries() {
		msgs = append(msgs, e.Message)
	}
	assert.Contains(t, msgs, "resuming migration from checkpoint")
}

func TestResumeReportsMissingCheckpoint(t *testing.T) {
	dyn := newFakeDynDB(sourceRecords(3))
	store := NewMemStore()
	logger, hook := logtest.NewNullLogger()
	m := New(dyn, store, testConfig(), logger)
	m.Stop() // fails before the first page can be checkpointed

	state, err := m.Start("src", "dst", testMapping)
	require.ErrorIs(t, err, ErrStopped)

	hook.Reset()
	m = New(dyn, store, testConfig(), logger)
	_, err = m.Resume(state.ID)
	require.NoError(t, err)

	var msgs []string
	for _, e := range hook.AllEntries() {
		msgs = append(msgs, e.Message)
	}
	assert.Contains(t, msgs, "migration has no checkpoint; starting from the beginning")
}

func TestStopLeavesResumableState(t *testing.T) {
	dyn := newFakeDynDB(sourceRecords(30))
	store := NewMemStore()
	m := New(dyn, store, testConfig(), nil)
	m.Stop() // requested before the first page is fetched

	state, err := m.Start("src", "dst", testMapping)
	require.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, StatusFailed, state.Status)
	assert.Equal(t, int64(0), state.Counters.Written)

	m = New(dyn, store, testConfig(), nil)
	state, err = m.Resume(state.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, int64(30), state.Counters.Written)
}

func TestMigratePassthrough(t *testing.T) {
	dyn := newFakeDynDB(sourceRecords(5))
	m := New(dyn, NewMemStore(), testConfig(), nil)

	state, err := m.StartPassthrough("src", "dst", []string{"price"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, 5, dyn.targetSize())

	item := dyn.target["i000"]
	require.NotNil(t, item)
	assert.Equal(t, "ada", aws.StringValue(item["first"].S))
	assert.NotContains(t, item, "price", "excluded fields are not copied")
}

func TestMigrateEmptySourceCompletes(t *testing.T) {
	dyn := newFakeDynDB(nil)
	m := New(dyn, NewMemStore(), testConfig(), nil)

	state, err := m.Start("src", "dst", testMapping)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.Equal(t, int64(0), state.Counters.Scanned)
	assert.Empty(t, state.WriteLog)
	assert.Equal(t, 0, dyn.writeCalls)
}

func TestMigratorStats(t *testing.T) {
	dyn := newFakeDynDB(sourceRecords(30))
	m := New(dyn, NewMemStore(), testConfig(), nil)

	_, err := m.Start("src", "dst", testMapping)
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, int64(30), stats.Scanned)
	assert.Equal(t, int64(30), stats.Written)
	assert.Equal(t, int64(0), stats.Failed)
}
