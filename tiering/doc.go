// Package tiering moves methods from quickly generated Tier0 code to
// optimized Tier1 code once they are called often enough, and creates
// on-stack-replacement versions for long-running Tier0 loops.
//
// Methods start at the tier chosen by InitialTier. Calls to Tier0 code
// are counted by a CallCounter; when a method crosses the threshold it is
// queued once and a background Compiler adds a Tier1 native version under
// the method's active IL version, publishes it and makes it the active
// child.
package tiering
