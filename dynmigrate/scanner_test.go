// Copyright 2025 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynmigrate

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeIntItem(key string, value int) Record {
	return Record{key: numAttr(fmt.Sprintf("%d", value))}
}

// fakeDynScanner serves pre-chunked pages keyed by ExclusiveStartKey.
type fakeDynScanner struct {
	scan func(input *dynamodb.ScanInput) (*dynamodb.ScanOutput, error)
}

func (f *fakeDynScanner) Scan(input *dynamodb.ScanInput) (*dynamodb.ScanOutput, error) {
	return f.scan(input)
}

// pagedScanner serves items in pages of the requested limit, producing a
// LastEvaluatedKey holding the offset of the next page.
func pagedScanner(items []Record) *fakeDynScanner {
	return &fakeDynScanner{
		scan: func(input *dynamodb.ScanInput) (*dynamodb.ScanOutput, error) {
			start := 0
			if input.ExclusiveStartKey != nil {
				fmt.Sscanf(aws.StringValue(input.ExclusiveStartKey["offset"].N), "%d", &start)
			}
			end := len(items)
			if input.Limit != nil && start+int(*input.Limit) < end {
				end = start + int(*input.Limit)
			}
			out := &dynamodb.ScanOutput{
				Items:            items[start:end],
				ConsumedCapacity: &dynamodb.ConsumedCapacity{CapacityUnits: aws.Float64(1)},
			}
			if end < len(items) {
				out.LastEvaluatedKey = Record{"offset": numAttr(fmt.Sprintf("%d", end))}
			}
			return out, nil
		},
	}
}

func TestScannerPagination(t *testing.T) {
	var items []Record
	for i := 0; i < 30; i++ {
		items = append(items, makeIntItem("v", i))
	}
	s := &Scanner{Dyn: pagedScanner(items), TableName: "source", PageSize: 25}

	it := s.Open(nil)

	page, err := it.Next()
	require.NoError(t, err)
	require.NotNil(t, page)
	assert.Len(t, page.Items, 25)
	require.NotNil(t, page.Cursor)

	page, err = it.Next()
	require.NoError(t, err)
	require.NotNil(t, page)
	assert.Len(t, page.Items, 5)
	assert.Nil(t, page.Cursor)

	page, err = it.Next()
	require.NoError(t, err)
	assert.Nil(t, page)

	assert.Equal(t, int64(30), s.Stats().ItemsRead)
}

func TestScannerResumeFromCursor(t *testing.T) {
	var items []Record
	for i := 0; i < 30; i++ {
		items = append(items, makeIntItem("v", i))
	}
	s := &Scanner{Dyn: pagedScanner(items), TableName: "source", PageSize: 25}

	first, err := s.Open(nil).Next()
	require.NoError(t, err)
	require.NotNil(t, first.Cursor)

	// a fresh iterator opened at the prior cursor picks up exactly where
	// the first page left off
	page, err := s.Open(first.Cursor).Next()
	require.NoError(t, err)
	require.Len(t, page.Items, 5)
	assert.Equal(t, "25", aws.StringValue(page.Items[0]["v"].N))
	assert.Nil(t, page.Cursor)
}

func TestScannerError(t *testing.T) {
	testErr := errors.New("boom")
	s := &Scanner{
		Dyn: &fakeDynScanner{
			scan: func(input *dynamodb.ScanInput) (*dynamodb.ScanOutput, error) {
				return nil, testErr
			},
		},
		TableName: "source",
	}
	_, err := s.Open(nil).Next()
	require.Error(t, err)
	var ferr *FatalWriteError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, "scan", ferr.Op)
	assert.ErrorIs(t, err, testErr)
}
