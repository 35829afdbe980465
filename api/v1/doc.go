// Package apiv1 defines the messages and wire codec of the
// codever.v1.InstrumentationService, shared by the server and client
// packages. Messages are CBOR maps with integer keys; a key, once
// assigned, is never reused.
package apiv1
