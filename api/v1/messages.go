package apiv1

import (
	"github.com/chazu/codever/diag"
)

// ServiceName is the fully-qualified name of the instrumentation service.
const ServiceName = "codever.v1.InstrumentationService"

// Procedure paths.
const (
	AttachProcedure        = "/" + ServiceName + "/Attach"
	DetachProcedure        = "/" + ServiceName + "/Detach"
	RequestReJITProcedure  = "/" + ServiceName + "/RequestReJIT"
	RequestRevertProcedure = "/" + ServiceName + "/RequestRevert"
	ListVersionsProcedure  = "/" + ServiceName + "/ListVersions"
	SnapshotProcedure      = "/" + ServiceName + "/Snapshot"
)

// EventsPath is the websocket endpoint streaming version events.
const EventsPath = "/codever.v1/events"

// MethodKey names a source method.
type MethodKey struct {
	Module string `cbor:"1,keyasint"`
	Token  uint32 `cbor:"2,keyasint"`
}

// MethodBody is the replacement a client supplies for one method.
type MethodBody struct {
	Method    MethodKey       `cbor:"1,keyasint"`
	IL        []byte          `cbor:"2,keyasint,omitempty"`
	JitFlags  uint32          `cbor:"3,keyasint,omitempty"`
	OffsetMap []OffsetMapping `cbor:"4,keyasint,omitempty"`
}

// OffsetMapping maps an original IL offset to an instrumented one.
type OffsetMapping struct {
	Old uint32 `cbor:"1,keyasint"`
	New uint32 `cbor:"2,keyasint"`
}

type AttachRequest struct {
	ClientName string `cbor:"1,keyasint"`
}

type AttachResponse struct {
	SessionID string `cbor:"1,keyasint"`
}

type DetachRequest struct {
	SessionID string `cbor:"1,keyasint"`
}

type DetachResponse struct{}

// RequestReJITRequest asks for new IL versions of Methods. Bodies are
// handed out when the host asks for each method's parameters; a method
// without a body keeps its original IL.
type RequestReJITRequest struct {
	SessionID  string       `cbor:"1,keyasint"`
	Methods    []MethodKey  `cbor:"2,keyasint"`
	Inliners   []MethodKey  `cbor:"3,keyasint,omitempty"`
	Bodies     []MethodBody `cbor:"4,keyasint,omitempty"`
	Deoptimize bool         `cbor:"5,keyasint,omitempty"`
}

type RequestRevertRequest struct {
	SessionID string      `cbor:"1,keyasint"`
	Methods   []MethodKey `cbor:"2,keyasint"`
}

// ILVersionRef identifies an IL version.
type ILVersionRef struct {
	Method  MethodKey `cbor:"1,keyasint"`
	ReJITID uint64    `cbor:"2,keyasint"`
}

// PublishError reports a method that could not be switched to its new
// version.
type PublishError struct {
	Method     MethodKey `cbor:"1,keyasint"`
	MethodName string    `cbor:"2,keyasint,omitempty"`
	Message    string    `cbor:"3,keyasint"`
}

// RequestResponse answers RequestReJIT and RequestRevert.
type RequestResponse struct {
	RequestID string         `cbor:"1,keyasint"`
	Versions  []ILVersionRef `cbor:"2,keyasint"`
	Errors    []PublishError `cbor:"3,keyasint,omitempty"`
}

type ListVersionsRequest struct {
	Method MethodKey `cbor:"1,keyasint"`
}

type ListVersionsResponse struct {
	ActiveReJITID uint64              `cbor:"1,keyasint"`
	ILVersions    []diag.ILRecord     `cbor:"2,keyasint,omitempty"`
	Methods       []diag.MethodRecord `cbor:"3,keyasint,omitempty"`
}

type SnapshotRequest struct{}

type SnapshotResponse struct {
	Snapshot *diag.Snapshot `cbor:"1,keyasint"`
}

// Event is a version event as streamed on EventsPath.
type Event struct {
	Kind     string `cbor:"1,keyasint"`
	Module   string `cbor:"2,keyasint"`
	Token    uint32 `cbor:"3,keyasint"`
	Method   string `cbor:"4,keyasint,omitempty"`
	ReJITID  uint64 `cbor:"5,keyasint"`
	NativeID uint32 `cbor:"6,keyasint"`
	Tier     string `cbor:"7,keyasint"`
	Code     uint64 `cbor:"8,keyasint"`
}
