package versioning

import (
	"fmt"
)

// storageKind says where a handle's data lives. It takes part in equality:
// a synthetic handle never equals an explicit one.
type storageKind uint8

const (
	storageUnknown storageKind = iota
	storageExplicit
	storageSynthetic
)

// ---------------------------------------------------------------------------
// NativeCodeVersion
// ---------------------------------------------------------------------------

// NativeCodeVersion identifies one native realization of a method without
// owning it. The zero value is the null handle.
//
// A synthetic handle stands for the implicit default version (id 0) and
// reads its state from the method and, if one exists, the method's ledger.
// An explicit handle forwards to its record.
type NativeCodeVersion struct {
	kind   storageKind
	node   *NativeCodeVersionNode
	method Method
	mgr    *CodeVersionManager
}

func explicitNativeCodeVersion(mgr *CodeVersionManager, n *NativeCodeVersionNode) NativeCodeVersion {
	return NativeCodeVersion{kind: storageExplicit, node: n, method: n.method, mgr: mgr}
}

func syntheticNativeCodeVersion(mgr *CodeVersionManager, method Method) NativeCodeVersion {
	return NativeCodeVersion{kind: storageSynthetic, method: method, mgr: mgr}
}

func (v NativeCodeVersion) IsNull() bool { return v.kind == storageUnknown }
func (v NativeCodeVersion) IsDefaultVersion() bool { return v.kind == storageSynthetic }

// Node returns the record of an explicit handle, or nil.
func (v NativeCodeVersion) Node() *NativeCodeVersionNode {
	return v.node
}

func (v NativeCodeVersion) Method() Method {
	return v.method
}

func (v NativeCodeVersion) VersionID() NativeCodeVersionID {
	if v.kind == storageExplicit {
		return v.node.id
	}
	return 0
}

// ILCodeVersionID returns the id of the IL version this code was built from.
func (v NativeCodeVersion) ILCodeVersionID() ReJITID {
	if v.kind == storageExplicit {
		return v.node.parentID
	}
	return 0
}

// ILCodeVersion returns the IL version this code was built from.
func (v NativeCodeVersion) ILCodeVersion() ILCodeVersion {
	switch v.kind {
	case storageExplicit:
		if v.node.parentID != 0 && v.mgr != nil {
			if il, ok := v.mgr.GetILCodeVersion(v.method, v.node.parentID); ok {
				return il
			}
		}
		return syntheticILCodeVersion(KeyOf(v.method))
	case storageSynthetic:
		return syntheticILCodeVersion(KeyOf(v.method))
	}
	return ILCodeVersion{}
}

// defaultState returns the ledger's record for the default version, or nil
// if the method has no ledger.
func (v NativeCodeVersion) defaultState() *NativeCodeVersionNode {
	if v.mgr == nil {
		return nil
	}
	if st := v.mgr.GetMethodVersioningState(v.method); st != nil {
		return st.defaultNode
	}
	return nil
}

func (v NativeCodeVersion) NativeCode() CodeAddress {
	switch v.kind {
	case storageExplicit:
		return v.node.NativeCode()
	case storageSynthetic:
		return v.method.NativeCode()
	}
	return 0
}

// SetNativeCodeInterlocked publishes code if the slot still holds expected.
// Exactly one competing writer succeeds.
func (v NativeCodeVersion) SetNativeCodeInterlocked(code, expected CodeAddress) bool {
	switch v.kind {
	case storageExplicit:
		return v.node.SetNativeCodeInterlocked(code, expected)
	case storageSynthetic:
		return v.method.SetNativeCodeInterlocked(code, expected)
	}
	return false
}

func (v NativeCodeVersion) OptimizationTier() OptimizationTier {
	switch v.kind {
	case storageExplicit:
		return v.node.OptimizationTier()
	case storageSynthetic:
		if d := v.defaultState(); d != nil {
			return d.OptimizationTier()
		}
		if v.mgr != nil {
			return v.mgr.initialTier(v.method)
		}
	}
	return TierOptimized
}

// IsActiveChild reports whether this is the active native version of its
// IL version.
func (v NativeCodeVersion) IsActiveChild() bool {
	switch v.kind {
	case storageExplicit:
		return v.node.IsActiveChild()
	case storageSynthetic:
		if d := v.defaultState(); d != nil {
			return d.IsActiveChild()
		}
		return true
	}
	return false
}

// OSRInfo returns the patchpoint info and IL offset of an OSR version.
func (v NativeCodeVersion) OSRInfo() (*PatchpointInfo, uint32, bool) {
	if v.kind != storageExplicit || v.node.patchpoint == nil {
		return nil, 0, false
	}
	return v.node.patchpoint, v.node.ilOffset, true
}

func (v NativeCodeVersion) GCCoverageInfo() *GCCoverageInfo {
	switch v.kind {
	case storageExplicit:
		return v.node.GCCoverageInfo()
	case storageSynthetic:
		if d := v.defaultState(); d != nil {
			return d.GCCoverageInfo()
		}
	}
	return nil
}

// Equal compares storage kind and then identity: explicit handles are equal
// when they share a record, synthetic handles when they share a method.
func (v NativeCodeVersion) Equal(o NativeCodeVersion) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case storageExplicit:
		return v.node == o.node
	case storageSynthetic:
		return v.method == o.method
	}
	return true
}

func (v NativeCodeVersion) String() string {
	switch v.kind {
	case storageExplicit:
		return fmt.Sprintf("%s#%d(il=%d,%s)", v.method.Name(), v.node.id, v.node.parentID, v.node.OptimizationTier())
	case storageSynthetic:
		return fmt.Sprintf("%s#default", v.method.Name())
	}
	return "<null native version>"
}

// ---------------------------------------------------------------------------
// ILCodeVersion
// ---------------------------------------------------------------------------

// ILCodeVersion identifies one IL body of a source method key. The zero
// value is the null handle. The synthetic handle stands for the original IL
// (id 0), which is always Active.
type ILCodeVersion struct {
	kind storageKind
	node *ILCodeVersionNode
	key  MethodKey
}

func explicitILCodeVersion(n *ILCodeVersionNode) ILCodeVersion {
	return ILCodeVersion{kind: storageExplicit, node: n, key: MethodKey{Module: n.module, Token: n.token}}
}

func syntheticILCodeVersion(key MethodKey) ILCodeVersion {
	return ILCodeVersion{kind: storageSynthetic, key: key}
}

func (v ILCodeVersion) IsNull() bool { return v.kind == storageUnknown }
func (v ILCodeVersion) IsDefaultVersion() bool { return v.kind == storageSynthetic }
func (v ILCodeVersion) Key() MethodKey { return v.key }
func (v ILCodeVersion) Module() Module { return v.key.Module }
func (v ILCodeVersion) Token() MethodToken { return v.key.Token }

// Node returns the record of an explicit handle, or nil.
func (v ILCodeVersion) Node() *ILCodeVersionNode {
	return v.node
}

func (v ILCodeVersion) VersionID() ReJITID {
	if v.kind == storageExplicit {
		return v.node.id
	}
	return 0
}

// IL returns the IL body. The default version returns the module's
// original IL; an explicit version returns nil until the body is supplied.
func (v ILCodeVersion) IL() []byte {
	switch v.kind {
	case storageExplicit:
		return v.node.IL()
	case storageSynthetic:
		if v.key.Module != nil {
			return v.key.Module.OriginalIL(v.key.Token)
		}
	}
	return nil
}

// ILOrOriginal returns IL, falling back to the original IL when an explicit
// version has no body.
func (v ILCodeVersion) ILOrOriginal() []byte {
	if il := v.IL(); il != nil {
		return il
	}
	if v.key.Module != nil {
		return v.key.Module.OriginalIL(v.key.Token)
	}
	return nil
}

func (v ILCodeVersion) JitFlags() JitFlags {
	if v.kind == storageExplicit {
		return v.node.JitFlags()
	}
	return 0
}

func (v ILCodeVersion) InstrumentedILMap() InstrumentedILOffsetMapping {
	if v.kind == storageExplicit {
		return v.node.InstrumentedILMap()
	}
	return nil
}

func (v ILCodeVersion) RejitState() RejitState {
	if v.kind == storageExplicit {
		return v.node.RejitState()
	}
	return RejitStateActive
}

// SuppressParams reports whether the version exists only because it
// inlines a rejit target. Such versions never trigger a client callback.
func (v ILCodeVersion) SuppressParams() bool {
	return v.kind == storageExplicit && v.node.SuppressParams()
}

func (v ILCodeVersion) IsDeoptimized() bool {
	return v.kind == storageExplicit && v.node.IsDeoptimized()
}

func (v ILCodeVersion) EnableReJITCallback() bool {
	return v.kind == storageExplicit && v.node.EnableReJITCallback()
}

// The setters below are called with the manager lock held while the
// version moves to Active. They panic on non-explicit handles.

func (v ILCodeVersion) mustNode() *ILCodeVersionNode {
	if v.kind != storageExplicit {
		panic(fmt.Sprintf("versioning: %s has no record to mutate", v))
	}
	return v.node
}

func (v ILCodeVersion) SetIL(il []byte) { v.mustNode().setIL(il) }
func (v ILCodeVersion) SetJitFlags(flags JitFlags) { v.mustNode().setJitFlags(flags) }
func (v ILCodeVersion) SetInstrumentedILMap(m InstrumentedILOffsetMapping) { v.mustNode().setInstrumentedILMap(m) }
func (v ILCodeVersion) SetEnableReJITCallback(enable bool) { v.mustNode().setEnableReJITCallback(enable) }
func (v ILCodeVersion) SetSuppressParams() { v.mustNode().setSuppressParams() }

// SetRejitState moves the version forward. Moving backwards returns
// ErrRejitStateRegression and changes nothing.
func (v ILCodeVersion) SetRejitState(state RejitState) error {
	return v.mustNode().setRejitState(state)
}

// Equal compares storage kind and then identity.
func (v ILCodeVersion) Equal(o ILCodeVersion) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case storageExplicit:
		return v.node == o.node
	case storageSynthetic:
		return v.key == o.key
	}
	return true
}

func (v ILCodeVersion) String() string {
	switch v.kind {
	case storageExplicit:
		return fmt.Sprintf("%s@%d(%s)", v.key, v.node.id, v.node.RejitState())
	case storageSynthetic:
		return fmt.Sprintf("%s@default", v.key)
	}
	return "<null IL version>"
}
