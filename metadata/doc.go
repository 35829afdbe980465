// Package metadata is a small in-process model of the runtime structures
// the versioning core depends on: modules with their original IL, method
// descriptors (one per generic instantiation) with a code slot and an
// entry point, and a registry that finds every instantiation of a source
// method.
package metadata
