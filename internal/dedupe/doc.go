// Package dedupe decides whether an inbound message has already been processed.
//
// Ledger.RecordIfNew is backed by an atomic insert-if-absent in the store and
// is the only authority for OutcomeNew. Cache is a bounded LRU with per-entry TTL in
// front of it; it can only answer OutcomeDuplicate, and keys are marked after the
// store has answered. Storage failures yield OutcomeStorageError, which callers treat
// as a duplicate.
package dedupe
