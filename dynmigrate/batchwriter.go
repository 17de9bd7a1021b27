// Copyright 2025 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynmigrate

import (
	"encoding/json"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/juju/ratelimit"
)

// maxBatchSize is DynamoDB's limit on items per BatchWriteItem call.
const maxBatchSize = 25

const (
	defaultRetryBaseDelay = 100 * time.Millisecond
	defaultMaxRetryDelay  = 5 * time.Second
)

// error codes that indicate a request may succeed if retried after a delay.
var transientErrorCodes = map[string]bool{
	"ProvisionedThroughputExceededException": true,
	"ThrottlingException":                    true,
	"RequestLimitExceeded":                   true,
	"LimitExceededException":                 true,
	"InternalServerError":                    true,
}

// DynBatchWriter defines the portion of the dynamodb service that
// BatchWriter requires.
type DynBatchWriter interface {
	BatchWriteItem(input *dynamodb.BatchWriteItemInput) (*dynamodb.BatchWriteItemOutput, error)
}

// KeySchema names the primary key attributes of a table, discovered from
// DescribeTable and carried in the migration state so rollback can extract
// keys without a further lookup.
type KeySchema struct {
	HashKey  string `json:"hash_key"`
	RangeKey string `json:"range_key,omitempty"` // empty when the table has no sort key
}

// ExtractKey pulls the primary key attributes out of an item.
func (ks KeySchema) ExtractKey(item Record) Key {
	key := Key{}
	if av, ok := item[ks.HashKey]; ok {
		key[ks.HashKey] = av
	}
	if ks.RangeKey != "" {
		if av, ok := item[ks.RangeKey]; ok {
			key[ks.RangeKey] = av
		}
	}
	return key
}

// WriterStats are returned by BatchWriter.Stats.
type WriterStats struct {
	ItemsWritten     int64
	ItemsDeleted     int64
	ItemsUnprocessed int64
	BytesWritten     int64
	CapacityUsed     float64
}

// BatchResult reports the outcome of a WriteBatch or DeleteBatch call.
// Keys appear in Written/Deleted only once the service has acknowledged
// them; items the service still reported unprocessed after the retry budget
// was exhausted are returned in Unprocessed for the caller to handle.
type BatchResult struct {
	Written     []Key
	Deleted     []Key
	Unprocessed []Record
}

// BatchWriter writes and deletes target table records in bounded batches,
// retrying the unprocessed subset of each batch with exponential backoff on
// transient capacity errors.  Non-transient errors abort immediately with a
// *FatalWriteError.
type BatchWriter struct {
	Dyn            DynBatchWriter
	TableName      string
	KeySchema      KeySchema
	BatchSize      int           // items per underlying call; capped at 25
	MaxRetries     int           // retry attempts per chunk for unprocessed items
	RetryBaseDelay time.Duration // first retry delay; doubles per attempt
	MaxRetryDelay  time.Duration // backoff cap
	WriteCapacity  float64       // average write capacity to consume; 0 for unlimited

	limitOnce sync.Once
	rateLimit *ratelimit.Bucket
	usedCap   int64

	itemsWritten     int64
	itemsDeleted     int64
	itemsUnprocessed int64
	bytesWritten     int64
	capacityUsed     int64 // multiplied by 10
}

// WriteBatch writes records to the target table.  The returned result lists
// the primary keys of every acknowledged item in input order.
func (w *BatchWriter) WriteBatch(items []Record) (BatchResult, error) {
	reqs := make([]*dynamodb.WriteRequest, len(items))
	for i, item := range items {
		reqs[i] = &dynamodb.WriteRequest{PutRequest: &dynamodb.PutRequest{Item: item}}
	}
	var res BatchResult
	err := w.execute(reqs, &res, false)
	return res, err
}

// DeleteBatch deletes records from the target table by primary key.
// Deleting a key that is already absent counts as success.
func (w *BatchWriter) DeleteBatch(keys []Key) (BatchResult, error) {
	reqs := make([]*dynamodb.WriteRequest, len(keys))
	for i, key := range keys {
		reqs[i] = &dynamodb.WriteRequest{DeleteRequest: &dynamodb.DeleteRequest{Key: key}}
	}
	var res BatchResult
	err := w.execute(reqs, &res, true)
	return res, err
}

// Stats returns aggregate statistics for all batches written so far.
// Safe to call from concurrent goroutines.
func (w *BatchWriter) Stats() WriterStats {
	return WriterStats{
		ItemsWritten:     atomic.LoadInt64(&w.itemsWritten),
		ItemsDeleted:     atomic.LoadInt64(&w.itemsDeleted),
		ItemsUnprocessed: atomic.LoadInt64(&w.itemsUnprocessed),
		BytesWritten:     atomic.LoadInt64(&w.bytesWritten),
		CapacityUsed:     float64(atomic.LoadInt64(&w.capacityUsed)) / 10,
	}
}

func (w *BatchWriter) chunkSize() int {
	if w.BatchSize <= 0 || w.BatchSize > maxBatchSize {
		return maxBatchSize
	}
	return w.BatchSize
}

func (w *BatchWriter) execute(reqs []*dynamodb.WriteRequest, res *BatchResult, deleting bool) error {
	size := w.chunkSize()
	for start := 0; start < len(reqs); start += size {
		end := start + size
		if end > len(reqs) {
			end = len(reqs)
		}
		if err := w.executeChunk(reqs[start:end], res, deleting); err != nil {
			return err
		}
	}
	return nil
}

// executeChunk issues one underlying batch call for a chunk, retrying only
// the unprocessed subset until the retry budget runs out.
func (w *BatchWriter) executeChunk(chunk []*dynamodb.WriteRequest, res *BatchResult, deleting bool) error {
	pending := chunk
	for attempt := 0; ; attempt++ {
		w.waitForCapacity(pending)

		resp, err := w.Dyn.BatchWriteItem(&dynamodb.BatchWriteItemInput{
			RequestItems:           map[string][]*dynamodb.WriteRequest{w.TableName: pending},
			ReturnConsumedCapacity: aws.String("TOTAL"),
		})
		if err != nil {
			aerr, ok := err.(awserr.Error)
			if !ok || !transientErrorCodes[aerr.Code()] {
				op := "write"
				if deleting {
					op = "delete"
				}
				code := ""
				if ok {
					code = aerr.Code()
				}
				return &FatalWriteError{Op: op, Code: code, Err: err}
			}
			// whole chunk throttled; retry it all
			if attempt >= w.MaxRetries {
				w.giveUp(pending, res)
				return nil
			}
			time.Sleep(w.backoff(attempt))
			continue
		}

		w.recordCapacity(resp.ConsumedCapacity)

		unproc := resp.UnprocessedItems[w.TableName]
		w.acknowledge(pending, unproc, res, deleting)

		if len(unproc) == 0 {
			return nil
		}
		if attempt >= w.MaxRetries {
			w.giveUp(unproc, res)
			return nil
		}
		pending = unproc
		time.Sleep(w.backoff(attempt))
	}
}

// acknowledge appends the keys of every request in pending that does not
// reappear in unproc to the result, preserving input order.
func (w *BatchWriter) acknowledge(pending, unproc []*dynamodb.WriteRequest, res *BatchResult, deleting bool) {
	remaining := make(map[string]int, len(unproc))
	for _, req := range unproc {
		remaining[requestKeyString(req, w.KeySchema)]++
	}
	for _, req := range pending {
		ks := requestKeyString(req, w.KeySchema)
		if remaining[ks] > 0 {
			remaining[ks]--
			continue
		}
		if deleting {
			res.Deleted = append(res.Deleted, Key(req.DeleteRequest.Key))
			atomic.AddInt64(&w.itemsDeleted, 1)
		} else {
			res.Written = append(res.Written, w.KeySchema.ExtractKey(req.PutRequest.Item))
			atomic.AddInt64(&w.itemsWritten, 1)
			atomic.AddInt64(&w.bytesWritten, int64(calcItemSize(req.PutRequest.Item)))
		}
	}
}

// giveUp reports requests that exhausted the retry budget as unprocessed.
func (w *BatchWriter) giveUp(reqs []*dynamodb.WriteRequest, res *BatchResult) {
	for _, req := range reqs {
		if req.PutRequest != nil {
			res.Unprocessed = append(res.Unprocessed, req.PutRequest.Item)
		} else {
			res.Unprocessed = append(res.Unprocessed, req.DeleteRequest.Key)
		}
	}
	atomic.AddInt64(&w.itemsUnprocessed, int64(len(reqs)))
}

func (w *BatchWriter) backoff(attempt int) time.Duration {
	base := w.RetryBaseDelay
	if base <= 0 {
		base = defaultRetryBaseDelay
	}
	maxDelay := w.MaxRetryDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxRetryDelay
	}
	d := base << uint(attempt)
	if d > maxDelay || d <= 0 {
		d = maxDelay
	}
	return d
}

func (w *BatchWriter) waitForCapacity(pending []*dynamodb.WriteRequest) {
	if w.WriteCapacity <= 0 {
		return
	}
	w.limitOnce.Do(func() {
		w.rateLimit = ratelimit.NewBucketWithQuantum(time.Second, int64(w.WriteCapacity), int64(w.WriteCapacity))
	})
	units := atomic.LoadInt64(&w.usedCap)
	if units < 1 {
		// no capacity feedback yet; estimate from item sizes
		var items []Record
		for _, req := range pending {
			if req.PutRequest != nil {
				items = append(items, req.PutRequest.Item)
			}
		}
		units = estimateWriteCapacity(items)
		if units < 1 {
			units = int64(len(pending))
		}
	}
	time.Sleep(w.rateLimit.Take(units))
}

func (w *BatchWriter) recordCapacity(caps []*dynamodb.ConsumedCapacity) {
	var units float64
	for _, c := range caps {
		if c != nil && c.CapacityUnits != nil {
			units += *c.CapacityUnits
		}
	}
	if units > 0 {
		atomic.AddInt64(&w.capacityUsed, int64(units*10))
		atomic.StoreInt64(&w.usedCap, int64(math.Ceil(units)))
	}
}

// keyString renders a primary key in a canonical form; encoding/json sorts
// map keys, so equal keys always render identically.
func keyString(key Key) string {
	b, err := json.Marshal(key)
	if err != nil {
		return ""
	}
	return string(b)
}

// requestKeyString renders the primary key of a write request so
// unprocessed responses can be matched back to their originating requests.
func requestKeyString(req *dynamodb.WriteRequest, ks KeySchema) string {
	if req.DeleteRequest != nil {
		return keyString(Key(req.DeleteRequest.Key))
	}
	return keyString(ks.ExtractKey(req.PutRequest.Item))
}
