package versioning

import (
	"fmt"
	"sync/atomic"
)

// RejitState is the progress of an IL version through the rejit protocol.
// States only move forward.
type RejitState uint32

const (
	RejitStateRequested RejitState = iota
	RejitStateGettingParameters
	RejitStateActive
)

const (
	rejitStateMask     uint32 = 0x0f
	rejitSuppressParam uint32 = 0x80000000
)

func (s RejitState) String() string {
	switch s {
	case RejitStateRequested:
		return "Requested"
	case RejitStateGettingParameters:
		return "GettingParameters"
	case RejitStateActive:
		return "Active"
	}
	return fmt.Sprintf("RejitState(%d)", uint32(s))
}

// ILCodeVersionNode is the record behind an explicit IL version.
//
// The IL body, flags, map, state and callback bit are written under the
// manager lock while the version moves to Active. Unlocked readers may see
// each field's old or new value independently.
type ILCodeVersionNode struct {
	next atomic.Pointer[ILCodeVersionNode]

	module      Module
	token       MethodToken
	id          ReJITID
	deoptimized bool

	il             atomic.Pointer[[]byte]
	jitFlags       atomic.Uint32
	ilMap          atomic.Pointer[InstrumentedILOffsetMapping]
	state          atomic.Uint32
	enableCallback atomic.Bool
}

func newILCodeVersionNode(module Module, token MethodToken, id ReJITID, deoptimized bool) *ILCodeVersionNode {
	return &ILCodeVersionNode{
		module:      module,
		token:       token,
		id:          id,
		deoptimized: deoptimized,
	}
}

func (n *ILCodeVersionNode) Module() Module { return n.module }
func (n *ILCodeVersionNode) Token() MethodToken { return n.token }
func (n *ILCodeVersionNode) VersionID() ReJITID { return n.id }
func (n *ILCodeVersionNode) IsDeoptimized() bool { return n.deoptimized }
func (n *ILCodeVersionNode) JitFlags() JitFlags { return JitFlags(n.jitFlags.Load()) }
func (n *ILCodeVersionNode) EnableReJITCallback() bool { return n.enableCallback.Load() }

// Next returns the record appended after this one, or nil.
func (n *ILCodeVersionNode) Next() *ILCodeVersionNode {
	return n.next.Load()
}

// IL returns the IL body, or nil if none has been supplied yet.
func (n *ILCodeVersionNode) IL() []byte {
	if p := n.il.Load(); p != nil {
		return *p
	}
	return nil
}

func (n *ILCodeVersionNode) InstrumentedILMap() InstrumentedILOffsetMapping {
	if p := n.ilMap.Load(); p != nil {
		return *p
	}
	return nil
}

func (n *ILCodeVersionNode) RejitState() RejitState {
	return RejitState(n.state.Load() & rejitStateMask)
}

func (n *ILCodeVersionNode) SuppressParams() bool {
	return n.state.Load()&rejitSuppressParam != 0
}

func (n *ILCodeVersionNode) setIL(il []byte) {
	n.il.Store(&il)
}

func (n *ILCodeVersionNode) setJitFlags(flags JitFlags) {
	n.jitFlags.Store(uint32(flags))
}

func (n *ILCodeVersionNode) setInstrumentedILMap(m InstrumentedILOffsetMapping) {
	n.ilMap.Store(&m)
}

func (n *ILCodeVersionNode) setEnableReJITCallback(enable bool) {
	n.enableCallback.Store(enable)
}

func (n *ILCodeVersionNode) setSuppressParams() {
	for {
		cur := n.state.Load()
		if n.state.CompareAndSwap(cur, cur|rejitSuppressParam) {
			return
		}
	}
}

// setRejitState moves the version forward. Moving to an earlier state is
// refused and leaves the state untouched.
func (n *ILCodeVersionNode) setRejitState(state RejitState) error {
	for {
		cur := n.state.Load()
		if RejitState(cur&rejitStateMask) > state {
			return fmt.Errorf("%w: %s -> %s", ErrRejitStateRegression, RejitState(cur&rejitStateMask), state)
		}
		next := cur&^rejitStateMask | uint32(state)
		if n.state.CompareAndSwap(cur, next) {
			return nil
		}
	}
}
