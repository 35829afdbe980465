//go:build !codeverdebug

package versioning

const debugChecks = false
