package versioning

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Identity types
// ---------------------------------------------------------------------------

// MethodToken is a method-definition token within a module.
type MethodToken uint32

// ReJITID identifies an IL version. Zero is the original IL.
type ReJITID uint64

// NativeCodeVersionID identifies a native version within one method.
// Zero is the implicit default version.
type NativeCodeVersionID uint32

// CodeAddress is the entry address of a piece of generated code.
// Zero means "no code yet".
type CodeAddress uintptr

// Module is the unit that owns method definitions and their original IL.
type Module interface {
	Name() string
	OriginalIL(token MethodToken) []byte
}

// Method is one fully-instantiated method (a Method Identity). Generic
// methods have one Method per instantiation, all sharing a MethodKey.
//
// Implementations must be comparable; pointer types are expected.
//
// NativeCode and SetNativeCodeInterlocked hold the code of the default
// native version so that a method that is never re-versioned needs no
// ledger at all.
type Method interface {
	Module() Module
	Token() MethodToken
	Name() string

	// IsVersionable reports whether the method may have more than one
	// code body.
	IsVersionable() bool

	NativeCode() CodeAddress
	SetNativeCodeInterlocked(code, expected CodeAddress) bool

	// EntryPoint is the current call target. ResetEntryPoint sends the
	// next caller back through the prestub.
	EntryPoint() CodeAddress
	SetEntryPoint(code CodeAddress)
	ResetEntryPoint() error
}

// MethodKey identifies a method before generic instantiation. All
// instantiations of a key share one IL timeline.
type MethodKey struct {
	Module Module
	Token  MethodToken
}

// KeyOf returns the source method key of a method.
func KeyOf(m Method) MethodKey {
	return MethodKey{Module: m.Module(), Token: m.Token()}
}

func (k MethodKey) String() string {
	name := "<nil>"
	if k.Module != nil {
		name = k.Module.Name()
	}
	return fmt.Sprintf("%s!%08x", name, uint32(k.Token))
}

// ---------------------------------------------------------------------------
// Optimization tiers
// ---------------------------------------------------------------------------

// OptimizationTier is the optimization level of a native version.
type OptimizationTier uint8

const (
	TierOptimized OptimizationTier = iota
	Tier0
	Tier1
	Tier1OSR
	Tier0Instrumented
	Tier1Instrumented
)

var tierNames = [...]string{
	TierOptimized:     "Optimized",
	Tier0:             "Tier0",
	Tier1:             "Tier1",
	Tier1OSR:          "Tier1OSR",
	Tier0Instrumented: "Tier0Instrumented",
	Tier1Instrumented: "Tier1Instrumented",
}

func (t OptimizationTier) String() string {
	if int(t) < len(tierNames) {
		return tierNames[t]
	}
	return fmt.Sprintf("Tier(%d)", uint8(t))
}

// ParseOptimizationTier parses the names produced by String.
func ParseOptimizationTier(s string) (OptimizationTier, error) {
	for i, name := range tierNames {
		if name == s {
			return OptimizationTier(i), nil
		}
	}
	return 0, fmt.Errorf("unknown optimization tier %q", s)
}

// ---------------------------------------------------------------------------
// Side payloads
// ---------------------------------------------------------------------------

// JitFlags is the code-generation flags word recorded on an IL version.
type JitFlags uint32

const (
	JitFlagDebugCode JitFlags = 1 << iota
	JitFlagMinOpts
	JitFlagProfEnterLeave
	JitFlagTrackTransitions
)

// ILOffsetMapEntry maps an offset in the original IL to the instrumented IL.
type ILOffsetMapEntry struct {
	OldOffset uint32
	NewOffset uint32
}

// InstrumentedILOffsetMapping is the optional offset map supplied alongside
// instrumented IL.
type InstrumentedILOffsetMapping []ILOffsetMapEntry

// PatchpointInfo describes the frame of the method an OSR version is
// entered from. It is opaque to this package.
type PatchpointInfo struct {
	FrameSize     uint32
	LocalOffsets  []int32
	GenericOffset int32
}

// GCCoverageInfo is the diagnostic payload attached to a native version
// when GC stress coverage is enabled. It is opaque to this package.
type GCCoverageInfo struct {
	SavedCode []byte
}

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// CodeGenerator turns a native version into machine code.
type CodeGenerator interface {
	GenerateCode(nv NativeCodeVersion, il ILCodeVersion) (CodeAddress, error)
}

// CodeGeneratorFunc adapts a function to CodeGenerator.
type CodeGeneratorFunc func(nv NativeCodeVersion, il ILCodeVersion) (CodeAddress, error)

func (f CodeGeneratorFunc) GenerateCode(nv NativeCodeVersion, il ILCodeVersion) (CodeAddress, error) {
	return f(nv, il)
}

// InstantiationSource enumerates the methods currently instantiated from a
// source method key.
type InstantiationSource interface {
	Instantiations(key MethodKey) []Method
}

// ILConfigurer completes an IL version that is not yet Active, typically by
// asking an instrumentation client for the IL body. It is called with the
// manager lock held.
type ILConfigurer interface {
	ConfigureILCodeVersion(il ILCodeVersion) error
}
