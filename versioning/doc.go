// Package versioning tracks every IL body and native code realization a
// method has had over the lifetime of the process, and decides which one is
// active.
//
// This package contains:
//   - Version handles (ILCodeVersion, NativeCodeVersion) that are either
//     Synthetic (the implicit default, no storage) or Explicit (a record)
//   - Version records with write-once list links and an interlocked code slot
//   - Per-method and per-source-method ledgers
//   - The CodeVersionManager, which owns the single reentrant lock that
//     guards every ledger mutation
//
// Readers never take the lock: ledger lists are append-only and their links
// are published with atomic stores, so a reader walking a list concurrently
// with an append sees either the old tail or the new one.
//
// The manager lock may be held across calls into an ILConfigurer (the rejit
// client callback). Hold time is therefore unbounded, and there is no
// timeout: callers block until the holder is done.
package versioning
