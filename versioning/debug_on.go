//go:build codeverdebug

package versioning

const debugChecks = true
