// Copyright 2025 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynmigrate

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/juju/ratelimit"
)

// DynScanner defines the portion of the dynamodb service that Scanner
// requires.
type DynScanner interface {
	Scan(input *dynamodb.ScanInput) (*dynamodb.ScanOutput, error)
}

// ScannerStats is returned by Scanner.Stats to report throughput totals.
type ScannerStats struct {
	ItemsRead    int64
	BytesRead    int64
	CapacityUsed float64
}

// Scanner produces a lazy sequence of record pages from a source table.
// Pages are fetched strictly in sequence; each page carries the cursor that
// resumes the scan immediately after it, which is what makes checkpointed
// migrations restartable.
type Scanner struct {
	Dyn            DynScanner
	TableName      string
	PageSize       int64   // Number of items to request per page.
	ReadCapacity   float64 // Average read capacity to consume.  0 for unlimited.
	ConsistentRead bool    // Setting to true will use double the read capacity.

	itemsRead    int64
	bytesRead    int64
	capacityUsed int64 // multiplied by 10
}

// Page is one page of scanned records.  Cursor resumes the scan after the
// last record of the page; a nil Cursor means the table is exhausted.
type Page struct {
	Items  []Record
	Cursor Cursor
}

// PageIter iterates over the pages of a table scan.
type PageIter struct {
	s         *Scanner
	cursor    Cursor
	rateLimit *ratelimit.Bucket
	used      int64
	done      bool
}

// Open starts or resumes a scan of the source table.  Passing a cursor
// previously returned in a Page resumes the scan at exactly the position
// that page left off.
func (s *Scanner) Open(cursor Cursor) *PageIter {
	it := &PageIter{s: s, cursor: cursor}
	if s.ReadCapacity > 0 {
		it.rateLimit = ratelimit.NewBucketWithQuantum(time.Second, int64(s.ReadCapacity), int64(s.ReadCapacity))
	}
	return it
}

// Next fetches the next page of records.  It returns a nil Page once the
// table is exhausted.  Soft errors are retried by the SDK's retryer; any
// error returned here is fatal to the scan.
func (it *PageIter) Next() (*Page, error) {
	if it.done {
		return nil, nil
	}
	if it.rateLimit != nil {
		used := it.used
		if used < 1 {
			used = 1
		}
		time.Sleep(it.rateLimit.Take(used))
	}

	params := &dynamodb.ScanInput{
		TableName:              aws.String(it.s.TableName),
		ConsistentRead:         aws.Bool(it.s.ConsistentRead),
		ReturnConsumedCapacity: aws.String("TOTAL"),
	}
	if it.s.PageSize > 0 {
		params.Limit = aws.Int64(it.s.PageSize)
	}
	if it.cursor != nil {
		params.ExclusiveStartKey = it.cursor
	}

	resp, err := it.s.Dyn.Scan(params)
	if err != nil {
		code := ""
		if aerr, ok := err.(awserr.Error); ok {
			code = aerr.Code()
		}
		return nil, &FatalWriteError{Op: "scan", Code: code, Err: err}
	}

	var respSize int64
	items := make([]Record, len(resp.Items))
	for i, item := range resp.Items {
		items[i] = item
		respSize += int64(calcItemSize(item))
	}
	atomic.AddInt64(&it.s.itemsRead, int64(len(items)))
	atomic.AddInt64(&it.s.bytesRead, respSize)
	if resp.ConsumedCapacity != nil && resp.ConsumedCapacity.CapacityUnits != nil {
		atomic.AddInt64(&it.s.capacityUsed, int64(*resp.ConsumedCapacity.CapacityUnits*10))
		it.used = int64(math.Ceil(*resp.ConsumedCapacity.CapacityUnits))
	}

	page := &Page{Items: items}
	if resp.LastEvaluatedKey != nil {
		page.Cursor = Cursor(resp.LastEvaluatedKey)
		it.cursor = page.Cursor
	} else {
		it.done = true
	}
	return page, nil
}

// Stats returns aggregate statistics for the scan.  Safe to call from
// concurrent goroutines.
func (s *Scanner) Stats() ScannerStats {
	return ScannerStats{
		ItemsRead:    atomic.LoadInt64(&s.itemsRead),
		BytesRead:    atomic.LoadInt64(&s.bytesRead),
		CapacityUsed: float64(atomic.LoadInt64(&s.capacityUsed)) / 10,
	}
}
