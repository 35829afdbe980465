// Package rejit lets an instrumentation client replace the IL of methods
// that may already be running.
//
// A request creates an IL version per method key in the Requested state
// and makes it active. The first time one of the methods is about to get
// code for the new version, the Manager asks the Client for the new IL
// body and code-generation flags through a FunctionControl. Reverting makes
// the default IL version active again.
package rejit
