// Copyright 2025 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynmigrate

import (
	"encoding/json"

	"github.com/aws/aws-sdk-go/service/dynamodb"
)

// Record is a single DynamoDB item; a mapping from attribute name to its
// typed value.  Records produced by a Scanner are never mutated; the
// template engine builds new Records from them.
type Record = map[string]*dynamodb.AttributeValue

// Key holds the primary key attributes of a single target item.  Keys are
// recorded in a migration's write log and serialize to compact JSON.
type Key map[string]*dynamodb.AttributeValue

// Cursor marks a resumable position within a table scan.  A nil Cursor
// means the scan has either not started or is exhausted.  Cursors are
// opaque; they round-trip through JSON unchanged and resume at the same
// logical position whenever they are reused.
type Cursor map[string]*dynamodb.AttributeValue

// attributeValue is a copy of dynamodb.AttributeValue with json tags added
// to avoid persisting the unset variants of every attribute written to the
// state file.
type attributeValue struct {
	B    []byte                     `json:",omitempty"`
	BOOL *bool                      `json:",omitempty"`
	BS   [][]byte                   `json:",omitempty"`
	L    []*attributeValue          `json:",omitempty"`
	M    map[string]*attributeValue `json:",omitempty"`
	N    *string                    `json:",omitempty"`
	NS   []*string                  `json:",omitempty"`
	NULL *bool                      `json:",omitempty"`
	S    *string                    `json:",omitempty"`
	SS   []*string                  `json:",omitempty"`
}

func toAttribute(src *dynamodb.AttributeValue) (dst *attributeValue) {
	dst = &attributeValue{
		B:    src.B,
		BOOL: src.BOOL,
		BS:   src.BS,
		N:    src.N,
		NS:   src.NS,
		NULL: src.NULL,
		S:    src.S,
		SS:   src.SS,
	}
	if src.L != nil {
		dst.L = make([]*attributeValue, len(src.L))
		for i := range src.L {
			dst.L[i] = toAttribute(src.L[i])
		}
	}
	if src.M != nil {
		dst.M = make(map[string]*attributeValue)
		for k, v := range src.M {
			dst.M[k] = toAttribute(v)
		}
	}
	return dst
}

func shadowAttrs(attrs map[string]*dynamodb.AttributeValue) map[string]*attributeValue {
	if attrs == nil {
		return nil
	}
	out := make(map[string]*attributeValue, len(attrs))
	for k, v := range attrs {
		out[k] = toAttribute(v)
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (k Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(shadowAttrs(k))
}

// UnmarshalJSON implements json.Unmarshaler.  The SDK's AttributeValue
// decodes directly; the shadow type is only needed on the encode side.
func (k *Key) UnmarshalJSON(data []byte) error {
	var m map[string]*dynamodb.AttributeValue
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*k = Key(m)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (c Cursor) MarshalJSON() ([]byte, error) {
	return json.Marshal(shadowAttrs(c))
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *Cursor) UnmarshalJSON(data []byte) error {
	var m map[string]*dynamodb.AttributeValue
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*c = Cursor(m)
	return nil
}
