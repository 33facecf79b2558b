// Package storage implements the idempotency ledger: a durable record of
// which source items were already fetched, keyed by account, period and
// source URL.
//
// Drivers:
//   - file: one JSONL journal per account and period, fsynced per record
//   - sqlite: a single database with a composite primary key
//
// Both drivers make Record durable before returning and serialize the
// check-then-insert for a key, so concurrent workers cannot create two
// entries for the same item.
package storage
