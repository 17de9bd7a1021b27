// Copyright 2025 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

/*
Package dynmigrate copies records from one DynamoDB table to another,
optionally reshaping each record through a small per-field template language.

A migration is driven by a Migrator, which scans the source table a page at a
time, evaluates the configured column mapping against each record, and writes
the results to the target table in batches.  Progress is checkpointed to a
MigrationState after every page, so an interrupted migration can be resumed
from its last checkpoint, and every key written to the target is recorded in
a write log so a completed or failed migration can be rolled back.

Scanning and writing are rate limited to a configurable read and write
capacity.
*/
package dynmigrate
