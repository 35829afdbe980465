package versioning

import (
	"fmt"
	"sync"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/singleflight"
)

var log = commonlog.GetLogger("codever.versioning")

// Options configures a CodeVersionManager.
type Options struct {
	CodeGenerator  CodeGenerator
	Instantiations InstantiationSource

	// InitialTier picks the tier of a method's first code. Nil means
	// TierOptimized for everything.
	InitialTier func(Method) OptimizationTier

	// MaxVersionsPerMethod bounds the explicit records of one ledger.
	// Zero means unbounded.
	MaxVersionsPerMethod int

	// DetectDeadlocks backs the manager lock with a lock-order checking
	// mutex.
	DetectDeadlocks bool
}

// CodeVersionManager is the process-wide registry of IL and native
// versions. Every ledger creation, append and active-version change happens
// under its lock; lookups and list walks do not take it.
type CodeVersionManager struct {
	lock *ReentrantLock

	methodStates sync.Map // Method -> *MethodVersioningState
	ilStates     sync.Map // MethodKey -> *ILVersioningState

	codegen        CodeGenerator
	instantiations InstantiationSource
	initialTierFn  func(Method) OptimizationTier
	maxVersions    int

	// Guarded by lock.
	configurer  ILConfigurer
	nextReJITID ReJITID
	shutdown    bool

	observers  observerList
	generating singleflight.Group
}

// NewCodeVersionManager creates an empty manager.
func NewCodeVersionManager(opts Options) *CodeVersionManager {
	return &CodeVersionManager{
		lock:           NewReentrantLock(opts.DetectDeadlocks),
		codegen:        opts.CodeGenerator,
		instantiations: opts.Instantiations,
		initialTierFn:  opts.InitialTier,
		maxVersions:    opts.MaxVersionsPerMethod,
	}
}

// ---------------------------------------------------------------------------
// Locking
// ---------------------------------------------------------------------------

// EnterLock acquires the manager lock. The lock is reentrant for the owning
// goroutine and has no timeout.
func (m *CodeVersionManager) EnterLock() LockHolder {
	m.lock.Lock()
	return LockHolder{lock: m.lock}
}

// IsLockOwnedByCurrentGoroutine reports whether the caller holds the lock.
func (m *CodeVersionManager) IsLockOwnedByCurrentGoroutine() bool {
	return m.lock.OwnedByCurrentGoroutine()
}

// AssertLockOwned panics in codeverdebug builds when the caller does not
// hold the manager lock.
func (m *CodeVersionManager) AssertLockOwned() {
	if debugChecks && !m.lock.OwnedByCurrentGoroutine() {
		panic("versioning: manager lock not held")
	}
}

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// SetILConfigurer installs the hook that completes Requested IL versions.
func (m *CodeVersionManager) SetILConfigurer(c ILConfigurer) {
	defer m.EnterLock().Release()
	m.configurer = c
}

// AddObserver registers an observer for version events.
func (m *CodeVersionManager) AddObserver(o Observer) {
	m.observers.add(o)
}

func (m *CodeVersionManager) initialTier(method Method) OptimizationTier {
	if m.initialTierFn == nil {
		return TierOptimized
	}
	return m.initialTierFn(method)
}

// IsMethodSupported reports whether method may have more than one code body.
func (m *CodeVersionManager) IsMethodSupported(method Method) bool {
	return method.IsVersionable()
}

// ---------------------------------------------------------------------------
// Ledgers
// ---------------------------------------------------------------------------

// GetMethodVersioningState returns the native ledger of method, or nil if
// the method has only ever had its default version.
func (m *CodeVersionManager) GetMethodVersioningState(method Method) *MethodVersioningState {
	if v, ok := m.methodStates.Load(method); ok {
		return v.(*MethodVersioningState)
	}
	return nil
}

// GetILVersioningState returns the IL ledger of key, or nil if the key has
// only ever had its default version active.
func (m *CodeVersionManager) GetILVersioningState(key MethodKey) *ILVersioningState {
	if v, ok := m.ilStates.Load(key); ok {
		return v.(*ILVersioningState)
	}
	return nil
}

// getOrCreateMethodStateLocked materializes the native ledger, copying the
// default version's state from context.
func (m *CodeVersionManager) getOrCreateMethodStateLocked(method Method) *MethodVersioningState {
	m.AssertLockOwned()
	if st := m.GetMethodVersioningState(method); st != nil {
		return st
	}
	st := newMethodVersioningState(method, m.initialTier(method))
	m.methodStates.Store(method, st)
	log.Debugf("materialized native ledger for %s", method.Name())
	return st
}

func (m *CodeVersionManager) getOrCreateILStateLocked(key MethodKey) *ILVersioningState {
	m.AssertLockOwned()
	if st := m.GetILVersioningState(key); st != nil {
		return st
	}
	st := newILVersioningState(key)
	m.ilStates.Store(key, st)
	log.Debugf("created IL ledger for %s", key)
	return st
}

// ForEachMethodState calls fn for every native ledger until fn returns false.
func (m *CodeVersionManager) ForEachMethodState(fn func(*MethodVersioningState) bool) {
	m.methodStates.Range(func(_, v any) bool {
		return fn(v.(*MethodVersioningState))
	})
}

// ForEachILState calls fn for every IL ledger until fn returns false.
func (m *CodeVersionManager) ForEachILState(fn func(*ILVersioningState) bool) {
	m.ilStates.Range(func(_, v any) bool {
		return fn(v.(*ILVersioningState))
	})
}

// MethodStateCount returns the number of native ledgers.
func (m *CodeVersionManager) MethodStateCount() int {
	n := 0
	m.ForEachMethodState(func(*MethodVersioningState) bool { n++; return true })
	return n
}

// ILStateCount returns the number of IL ledgers.
func (m *CodeVersionManager) ILStateCount() int {
	n := 0
	m.ForEachILState(func(*ILVersioningState) bool { n++; return true })
	return n
}

// ---------------------------------------------------------------------------
// IL versions
// ---------------------------------------------------------------------------

// GetActiveILCodeVersion returns the active IL version of method's source
// key. Lock-free; never fails.
func (m *CodeVersionManager) GetActiveILCodeVersion(method Method) ILCodeVersion {
	return m.GetActiveILCodeVersionForKey(KeyOf(method))
}

// GetActiveILCodeVersionForKey returns the active IL version of key.
func (m *CodeVersionManager) GetActiveILCodeVersionForKey(key MethodKey) ILCodeVersion {
	if st := m.GetILVersioningState(key); st != nil {
		return st.ActiveVersion()
	}
	return syntheticILCodeVersion(key)
}

// GetILCodeVersions returns the IL versions of key.
func (m *CodeVersionManager) GetILCodeVersions(module Module, token MethodToken) ILCodeVersionCollection {
	return ILCodeVersionCollection{mgr: m, key: MethodKey{Module: module, Token: token}}
}

// GetILCodeVersionsForMethod returns the IL versions of method's source key.
func (m *CodeVersionManager) GetILCodeVersionsForMethod(method Method) ILCodeVersionCollection {
	return ILCodeVersionCollection{mgr: m, key: KeyOf(method)}
}

// GetILCodeVersion finds the IL version with the given id.
func (m *CodeVersionManager) GetILCodeVersion(method Method, id ReJITID) (ILCodeVersion, bool) {
	return m.GetILCodeVersionForKey(KeyOf(method), id)
}

// GetILCodeVersionForKey finds the IL version of key with the given id.
func (m *CodeVersionManager) GetILCodeVersionForKey(key MethodKey, id ReJITID) (ILCodeVersion, bool) {
	if id == 0 {
		return syntheticILCodeVersion(key), true
	}
	st := m.GetILVersioningState(key)
	if st == nil {
		return ILCodeVersion{}, false
	}
	for n := st.FirstNode(); n != nil; n = n.Next() {
		if n.id == id {
			return explicitILCodeVersion(n), true
		}
	}
	return ILCodeVersion{}, false
}

// AddILCodeVersion creates a new IL version for (module, token) in the
// Requested state. It does not make it active.
func (m *CodeVersionManager) AddILCodeVersion(module Module, token MethodToken, isDeoptimized bool) (ILCodeVersion, error) {
	defer m.EnterLock().Release()
	return m.addILCodeVersionLocked(MethodKey{Module: module, Token: token}, isDeoptimized)
}

func (m *CodeVersionManager) addILCodeVersionLocked(key MethodKey, isDeoptimized bool) (ILCodeVersion, error) {
	m.AssertLockOwned()
	if m.shutdown {
		return ILCodeVersion{}, ErrShuttingDown
	}
	if st := m.GetILVersioningState(key); st != nil && m.maxVersions > 0 && st.count >= m.maxVersions {
		return ILCodeVersion{}, fmt.Errorf("%w: %s has %d IL versions", ErrVersionLimit, key, st.count)
	}
	st := m.getOrCreateILStateLocked(key)

	m.nextReJITID++
	n := newILCodeVersionNode(key.Module, key.Token, m.nextReJITID, isDeoptimized)
	st.LinkILCodeVersionNode(n)

	v := explicitILCodeVersion(n)
	log.Debugf("added IL version %s", v)
	m.observers.notify(ilEvent(EventILVersionAdded, v))
	return v, nil
}

// ---------------------------------------------------------------------------
// Native versions
// ---------------------------------------------------------------------------

// GetNativeCodeVersions returns the native versions of method.
func (m *CodeVersionManager) GetNativeCodeVersions(method Method) NativeCodeVersionCollection {
	return NativeCodeVersionCollection{mgr: m, method: method}
}

// NativeCodeVersionsForIL returns the native versions of method that were
// built from il.
func (m *CodeVersionManager) NativeCodeVersionsForIL(method Method, il ILCodeVersion) NativeCodeVersionCollection {
	return NativeCodeVersionCollection{mgr: m, method: method, filter: true, parentID: il.VersionID()}
}

// GetNativeCodeVersion finds the native version whose code starts at code.
func (m *CodeVersionManager) GetNativeCodeVersion(method Method, code CodeAddress) (NativeCodeVersion, bool) {
	if code == 0 {
		return NativeCodeVersion{}, false
	}
	if method.NativeCode() == code {
		return syntheticNativeCodeVersion(m, method), true
	}
	if st := m.GetMethodVersioningState(method); st != nil {
		for n := st.FirstNode(); n != nil; n = n.Next() {
			if n.NativeCode() == code {
				return explicitNativeCodeVersion(m, n), true
			}
		}
	}
	return NativeCodeVersion{}, false
}

// AddNativeCodeVersion creates a native version of method built from il.
// Its code starts unset; the caller publishes it with
// SetNativeCodeInterlocked.
func (m *CodeVersionManager) AddNativeCodeVersion(il ILCodeVersion, method Method, tier OptimizationTier, patchpoint *PatchpointInfo, ilOffset uint32) (NativeCodeVersion, error) {
	defer m.EnterLock().Release()
	return m.addNativeCodeVersionLocked(il, method, tier, patchpoint, ilOffset)
}

func (m *CodeVersionManager) addNativeCodeVersionLocked(il ILCodeVersion, method Method, tier OptimizationTier, patchpoint *PatchpointInfo, ilOffset uint32) (NativeCodeVersion, error) {
	m.AssertLockOwned()
	if m.shutdown {
		return NativeCodeVersion{}, ErrShuttingDown
	}
	if il.IsNull() || il.Key() != KeyOf(method) {
		return NativeCodeVersion{}, fmt.Errorf("%w: %s for %s", ErrUnknownILVersion, il, method.Name())
	}
	if !il.IsDefaultVersion() {
		if _, ok := m.GetILCodeVersion(method, il.VersionID()); !ok {
			return NativeCodeVersion{}, fmt.Errorf("%w: %s for %s", ErrUnknownILVersion, il, method.Name())
		}
	}
	if !m.IsMethodSupported(method) {
		return NativeCodeVersion{}, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method.Name())
	}
	if st := m.GetMethodVersioningState(method); st != nil && m.maxVersions > 0 && st.count >= m.maxVersions {
		return NativeCodeVersion{}, fmt.Errorf("%w: %s has %d native versions", ErrVersionLimit, method.Name(), st.count)
	}

	st := m.getOrCreateMethodStateLocked(method)
	n := newNativeCodeVersionNode(st.AllocateVersionID(), method, il.VersionID(), tier, patchpoint, ilOffset)
	st.LinkNativeCodeVersionNode(n)

	v := explicitNativeCodeVersion(m, n)
	log.Debugf("added native version %s", v)
	m.observers.notify(nativeEvent(EventNativeVersionAdded, v))
	return v, nil
}

// GetActiveNativeCodeVersion returns the active native version of method
// for its active IL version, or the null handle if none exists yet.
// Methods that do not support versioning always run their default version.
// Lock-free.
func (m *CodeVersionManager) GetActiveNativeCodeVersion(method Method) NativeCodeVersion {
	if !m.IsMethodSupported(method) {
		return syntheticNativeCodeVersion(m, method)
	}
	return m.GetActiveNativeCodeVersionForIL(method, m.GetActiveILCodeVersion(method))
}

// GetActiveNativeCodeVersionForIL returns the active child of il for
// method, or the null handle.
func (m *CodeVersionManager) GetActiveNativeCodeVersionForIL(method Method, il ILCodeVersion) NativeCodeVersion {
	st := m.GetMethodVersioningState(method)
	if st == nil {
		if il.IsDefaultVersion() {
			return syntheticNativeCodeVersion(m, method)
		}
		return NativeCodeVersion{}
	}
	if il.IsDefaultVersion() && st.defaultNode.IsActiveChild() {
		return syntheticNativeCodeVersion(m, method)
	}
	id := il.VersionID()
	for n := st.FirstNode(); n != nil; n = n.Next() {
		if n.parentID == id && n.IsActiveChild() {
			return explicitNativeCodeVersion(m, n)
		}
	}
	return NativeCodeVersion{}
}

// GetOrCreateActiveNativeCodeVersion returns the native version to run for
// method right now, creating one bound to the active IL version if needed.
// A method's first version stays synthetic, and so does the only version of
// a method that does not support versioning.
func (m *CodeVersionManager) GetOrCreateActiveNativeCodeVersion(method Method) (NativeCodeVersion, error) {
	if nv := m.GetActiveNativeCodeVersion(method); !nv.IsNull() {
		return nv, nil
	}

	defer m.EnterLock().Release()
	il := m.GetActiveILCodeVersion(method)
	if nv := m.GetActiveNativeCodeVersionForIL(method, il); !nv.IsNull() {
		return nv, nil
	}
	return m.createActiveNativeLocked(method, il)
}

func (m *CodeVersionManager) createActiveNativeLocked(method Method, il ILCodeVersion) (NativeCodeVersion, error) {
	tier := m.initialTier(method)
	if il.IsDeoptimized() {
		tier = Tier0
	}
	nv, err := m.addNativeCodeVersionLocked(il, method, tier, nil, 0)
	if err != nil {
		return NativeCodeVersion{}, err
	}
	m.setActiveChildLocked(nv)
	return nv, nil
}

// setActiveChildLocked makes nv the only active child among the versions
// sharing its IL parent.
func (m *CodeVersionManager) setActiveChildLocked(nv NativeCodeVersion) {
	m.AssertLockOwned()
	st := m.getOrCreateMethodStateLocked(nv.method)
	parent := nv.ILCodeVersionID()
	if parent == 0 {
		st.defaultNode.setActiveChildFlag(nv.IsDefaultVersion())
	}
	for n := st.FirstNode(); n != nil; n = n.Next() {
		if n.parentID == parent {
			n.setActiveChildFlag(nv.node == n)
		}
	}
	m.observers.notify(nativeEvent(EventActiveNativeChanged, nv))
}

// SetActiveNativeCodeVersion makes nv the active child of its IL version.
func (m *CodeVersionManager) SetActiveNativeCodeVersion(nv NativeCodeVersion) error {
	if nv.IsNull() {
		return fmt.Errorf("versioning: cannot activate null native version")
	}
	defer m.EnterLock().Release()
	if m.shutdown {
		return ErrShuttingDown
	}
	if nv.IsActiveChild() {
		return nil
	}
	m.setActiveChildLocked(nv)
	log.Debugf("activated native version %s", nv)
	return nil
}

// SetOptimizationTier raises (or otherwise changes) the tier of nv in place.
func (m *CodeVersionManager) SetOptimizationTier(nv NativeCodeVersion, tier OptimizationTier) error {
	if nv.IsNull() {
		return fmt.Errorf("versioning: cannot set tier of null native version")
	}
	defer m.EnterLock().Release()
	if nv.IsDefaultVersion() {
		m.getOrCreateMethodStateLocked(nv.method).defaultNode.setOptimizationTier(tier)
	} else {
		nv.node.setOptimizationTier(tier)
	}
	m.observers.notify(nativeEvent(EventTierChanged, nv))
	return nil
}

// SetGCCoverageInfo attaches the coverage payload to nv. It can be set once.
func (m *CodeVersionManager) SetGCCoverageInfo(nv NativeCodeVersion, info *GCCoverageInfo) bool {
	switch nv.kind {
	case storageExplicit:
		return nv.node.SetGCCoverageInfo(info)
	case storageSynthetic:
		defer m.EnterLock().Release()
		return m.getOrCreateMethodStateLocked(nv.method).defaultNode.SetGCCoverageInfo(info)
	}
	return false
}

// ---------------------------------------------------------------------------
// Teardown
// ---------------------------------------------------------------------------

// UnloadModule drops every ledger owned by module and returns how many were
// dropped. Handles into the module must not be used afterwards.
func (m *CodeVersionManager) UnloadModule(module Module) int {
	defer m.EnterLock().Release()
	dropped := 0
	m.methodStates.Range(func(k, _ any) bool {
		if k.(Method).Module() == module {
			m.methodStates.Delete(k)
			dropped++
		}
		return true
	})
	m.ilStates.Range(func(k, _ any) bool {
		if k.(MethodKey).Module == module {
			m.ilStates.Delete(k)
			dropped++
		}
		return true
	})
	log.Infof("drained %d ledgers of module %s", dropped, module.Name())
	return dropped
}

// Shutdown refuses further version creation. Lookups keep working.
func (m *CodeVersionManager) Shutdown() {
	defer m.EnterLock().Release()
	if m.shutdown {
		return
	}
	m.shutdown = true
	log.Infof("code version manager shut down with %d native and %d IL ledgers", m.MethodStateCount(), m.ILStateCount())
}
