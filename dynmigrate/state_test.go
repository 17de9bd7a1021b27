// Copyright 2025 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynmigrate

import (
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	valid := [][2]Status{
		{StatusPending, StatusScanning},
		{StatusScanning, StatusWriting},
		{StatusWriting, StatusScanning},
		{StatusWriting, StatusCompleted},
		{StatusWriting, StatusFailed},
		{StatusScanning, StatusCompleted},
		{StatusScanning, StatusFailed},
		{StatusFailed, StatusScanning},
		{StatusFailed, StatusRollingBack},
		{StatusCompleted, StatusRollingBack},
		{StatusRollingBack, StatusRolledBack},
	}
	for _, tc := range valid {
		s := &MigrationState{ID: "m1", Status: tc[0]}
		assert.NoError(t, s.Transition(tc[1]), "%s -> %s", tc[0], tc[1])
		assert.Equal(t, tc[1], s.Status)
	}

	invalid := [][2]Status{
		{StatusPending, StatusWriting},
		{StatusPending, StatusCompleted},
		{StatusCompleted, StatusScanning},
		{StatusCompleted, StatusFailed},
		{StatusRolledBack, StatusScanning},
		{StatusRolledBack, StatusRollingBack},
		{StatusRollingBack, StatusScanning},
	}
	for _, tc := range invalid {
		s := &MigrationState{ID: "m1", Status: tc[0]}
		assert.Error(t, s.Transition(tc[1]), "%s -> %s", tc[0], tc[1])
		assert.Equal(t, tc[0], s.Status, "status must not change on a rejected transition")
	}

	// identity saves are not transitions
	s := &MigrationState{ID: "m1", Status: StatusScanning}
	assert.NoError(t, s.Transition(StatusScanning))
}

func TestStateJSONRoundTrip(t *testing.T) {
	state := NewMigrationState("src", "dst", map[string]string{"id": "{id upper}"})
	state.KeySchema = KeySchema{HashKey: "id", RangeKey: "sort"}
	state.Status = StatusFailed
	state.Cursor = Cursor{"id": strAttr("k025"), "sort": numAttr("17")}
	state.Counters = Counters{Scanned: 25, Written: 24, Failed: 1}
	state.WriteLog = []Key{
		{"id": strAttr("a"), "sort": numAttr("1")},
		{"id": strAttr("b"), "sort": numAttr("2")},
	}
	state.SetError("write", assert.AnError)

	data, err := json.Marshal(state)
	require.NoError(t, err)

	var got MigrationState
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, state.ID, got.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, state.Counters, got.Counters)
	assert.Equal(t, "k025", aws.StringValue(got.Cursor["id"].S))
	assert.Equal(t, "17", aws.StringValue(got.Cursor["sort"].N))
	require.Len(t, got.WriteLog, 2)
	assert.Equal(t, "b", aws.StringValue(got.WriteLog[1]["id"].S))
	require.NotNil(t, got.LastError)
	assert.Equal(t, "write", got.LastError.Op)
}

func TestStateJSONOmitsUnsetAttributeVariants(t *testing.T) {
	state := NewMigrationState("src", "dst", nil)
	state.WriteLog = []Key{{"id": strAttr("a")}}

	data, err := json.Marshal(state)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"NULL"`)
	assert.NotContains(t, string(data), `"BOOL"`)
}

func TestStarted(t *testing.T) {
	state := NewMigrationState("src", "dst", nil)
	assert.False(t, state.Started())

	state.Counters.Scanned = 10
	assert.True(t, state.Started())

	state.Counters.Scanned = 0
	state.Cursor = Cursor{"id": strAttr("x")}
	assert.True(t, state.Started())
}
