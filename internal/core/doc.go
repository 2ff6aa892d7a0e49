// Package core provides the bulk ingestion pipeline for card-record files.
//
// This package contains the domain logic independent of any transport. It is
// driven by the HTTP server, the importctl CLI, and tests alike; storage,
// audit and file access come in through the [DataStore], [AuditLogger] and
// [Filesystem] interfaces.
//
// # Pipeline
//
// A [Session] runs one import through these stages:
//
//  1. [Analyzer] stats the file, detects the delimiter, maps the header onto
//     the canonical fields and estimates the row count (exact for small
//     files, sampled for large ones).
//  2. [Batcher] decodes the file in a producer goroutine and hands rows to
//     the consumer through a channel sized to one batch, so memory stays at
//     O(batch size) regardless of file size.
//  3. [Processor] writes each batch in one transaction: rejected rows are
//     counted, known keys are skipped as duplicates, the rest go out in one
//     multi-row upsert under a per-batch deadline.
//  4. The session folds each [BatchResult] into [Stats] and publishes
//     [Event] values to subscribers.
//
// Batches run strictly in file order. A failed batch is rolled back and ends
// the import; earlier batches stay committed.
//
// # Service
//
// [Service] runs sessions in the background, keyed by import batch id, with
// an [ImportLimiter] bounding how many run at once.
//
// # Error Handling
//
// Failures are typed: [ValidationError] before streaming, [RowError] per row
// (counted, never fatal), [BatchError] per batch (fatal). [MapError] turns any
// error into a coded [UserMessage]:
//
//   - DB001-DB008: database errors (constraints, connections, timeouts)
//   - VAL004, VAL007: header and option validation
//   - FILE001-FILE006: file size, readability, encoding, row ceiling
//   - IMP001-IMP005: import lifecycle (running, busy, not found, timeout, cancelled)
package core
