package versioning

import (
	"sync/atomic"
)

const nativeFlagActiveChild uint32 = 1 << 0

// NativeCodeVersionNode is the record behind an explicit native version.
//
// Everything except the code slot, the tier, the active-child flag and the
// GC coverage payload is fixed at construction. The code slot is written at
// most once, by SetNativeCodeInterlocked. Tier and flags are written under
// the manager lock and read without it.
type NativeCodeVersionNode struct {
	next atomic.Pointer[NativeCodeVersionNode]

	method   Method
	id       NativeCodeVersionID
	parentID ReJITID

	code  atomic.Uintptr
	tier  atomic.Uint32
	flags atomic.Uint32

	patchpoint *PatchpointInfo
	ilOffset   uint32

	gcCover atomic.Pointer[GCCoverageInfo]
}

func newNativeCodeVersionNode(id NativeCodeVersionID, method Method, parentID ReJITID, tier OptimizationTier, patchpoint *PatchpointInfo, ilOffset uint32) *NativeCodeVersionNode {
	n := &NativeCodeVersionNode{
		method:     method,
		id:         id,
		parentID:   parentID,
		patchpoint: patchpoint,
		ilOffset:   ilOffset,
	}
	n.tier.Store(uint32(tier))
	return n
}

func (n *NativeCodeVersionNode) Method() Method { return n.method }
func (n *NativeCodeVersionNode) VersionID() NativeCodeVersionID { return n.id }
func (n *NativeCodeVersionNode) ILVersionID() ReJITID { return n.parentID }

// Next returns the record appended after this one, or nil.
func (n *NativeCodeVersionNode) Next() *NativeCodeVersionNode {
	return n.next.Load()
}

func (n *NativeCodeVersionNode) NativeCode() CodeAddress {
	return CodeAddress(n.code.Load())
}

// SetNativeCodeInterlocked publishes code if the slot still holds expected.
// The first writer wins; a losing writer must discard its code.
func (n *NativeCodeVersionNode) SetNativeCodeInterlocked(code, expected CodeAddress) bool {
	return n.code.CompareAndSwap(uintptr(expected), uintptr(code))
}

func (n *NativeCodeVersionNode) OptimizationTier() OptimizationTier {
	return OptimizationTier(n.tier.Load())
}

// setOptimizationTier requires the manager lock.
func (n *NativeCodeVersionNode) setOptimizationTier(tier OptimizationTier) {
	n.tier.Store(uint32(tier))
}

func (n *NativeCodeVersionNode) IsActiveChild() bool {
	return n.flags.Load()&nativeFlagActiveChild != 0
}

// setActiveChildFlag requires the manager lock.
func (n *NativeCodeVersionNode) setActiveChildFlag(active bool) {
	flags := n.flags.Load()
	if active {
		flags |= nativeFlagActiveChild
	} else {
		flags &^= nativeFlagActiveChild
	}
	n.flags.Store(flags)
}

// OSRInfo returns the patchpoint info and IL offset of an OSR version.
func (n *NativeCodeVersionNode) OSRInfo() (*PatchpointInfo, uint32) {
	return n.patchpoint, n.ilOffset
}

func (n *NativeCodeVersionNode) GCCoverageInfo() *GCCoverageInfo {
	return n.gcCover.Load()
}

// SetGCCoverageInfo attaches the coverage payload. It can be set once.
func (n *NativeCodeVersionNode) SetGCCoverageInfo(info *GCCoverageInfo) bool {
	return n.gcCover.CompareAndSwap(nil, info)
}
