// Package diag reads the version state of a CodeVersionManager for tools
// that run outside the host.
//
// Capture walks every ledger without taking the manager lock and produces
// a Snapshot. Snapshots are CBOR documents whose records use fixed integer
// keys: readers built against one snapshot format keep working as long as
// those numbers do not change, whatever happens to the Go types.
package diag
