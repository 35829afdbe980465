package versioning

import (
	"fmt"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// MethodVersioningState: the native ledger of one method
// ---------------------------------------------------------------------------

// MethodVersioningState owns the native version records of one method.
// It exists only for methods that have needed more than the implicit
// default version.
//
// defaultNode holds the mutable state (tier, active-child flag, coverage
// info) of the default version once the ledger exists. It is never linked
// into the list and its id stays 0; the default version's code still lives
// in the method's own code slot.
type MethodVersioningState struct {
	method      Method
	defaultNode *NativeCodeVersionNode

	first atomic.Pointer[NativeCodeVersionNode]

	// backpatchPending is set when the entry point was reset because the
	// active version changed; the next publication patches every call site.
	backpatchPending atomic.Bool

	// Guarded by the manager lock.
	last   *NativeCodeVersionNode
	nextID NativeCodeVersionID
	count  int
}

func newMethodVersioningState(method Method, defaultTier OptimizationTier) *MethodVersioningState {
	s := &MethodVersioningState{
		method:      method,
		defaultNode: newNativeCodeVersionNode(0, method, 0, defaultTier, nil, 0),
		nextID:      1,
	}
	s.defaultNode.setActiveChildFlag(true)
	return s
}

func (s *MethodVersioningState) Method() Method {
	return s.method
}

// FirstNode returns the oldest explicit record, or nil.
func (s *MethodVersioningState) FirstNode() *NativeCodeVersionNode {
	return s.first.Load()
}

// AllocateVersionID returns the next unused id. Requires the manager lock.
func (s *MethodVersioningState) AllocateVersionID() NativeCodeVersionID {
	id := s.nextID
	s.nextID++
	return id
}

// LinkNativeCodeVersionNode appends a record. Requires the manager lock.
func (s *MethodVersioningState) LinkNativeCodeVersionNode(n *NativeCodeVersionNode) {
	if n.method != s.method {
		panic(fmt.Sprintf("versioning: linking native version of %s into ledger of %s", n.method.Name(), s.method.Name()))
	}
	if n.id == 0 || n.id >= s.nextID {
		panic(fmt.Sprintf("versioning: native version id %d was not allocated by this ledger", n.id))
	}
	if n.next.Load() != nil {
		panic("versioning: native version node is already linked")
	}
	if s.last == nil {
		s.first.Store(n)
	} else {
		if n.id <= s.last.id {
			panic(fmt.Sprintf("versioning: native version id %d reused after %d", n.id, s.last.id))
		}
		s.last.next.Store(n)
	}
	s.last = n
	s.count++
}

// ---------------------------------------------------------------------------
// ILVersioningState: the IL ledger of one source method key
// ---------------------------------------------------------------------------

// ILVersioningState owns the IL version records of one source method key
// and the pointer to the active one. A nil active pointer means the
// implicit default version is active.
type ILVersioningState struct {
	key MethodKey

	first  atomic.Pointer[ILCodeVersionNode]
	active atomic.Pointer[ILCodeVersionNode]

	// Guarded by the manager lock.
	last  *ILCodeVersionNode
	count int
}

func newILVersioningState(key MethodKey) *ILVersioningState {
	return &ILVersioningState{key: key}
}

func (s *ILVersioningState) Key() MethodKey {
	return s.key
}

// FirstNode returns the oldest explicit record, or nil.
func (s *ILVersioningState) FirstNode() *ILCodeVersionNode {
	return s.first.Load()
}

// ActiveVersion returns the active IL version. Lock-free.
func (s *ILVersioningState) ActiveVersion() ILCodeVersion {
	if n := s.active.Load(); n != nil {
		return explicitILCodeVersion(n)
	}
	return syntheticILCodeVersion(s.key)
}

// SetActiveVersion swaps the active version. Requires the manager lock.
// Until it returns, readers keep resolving the previous version.
func (s *ILVersioningState) SetActiveVersion(v ILCodeVersion) {
	if v.Key() != s.key {
		panic(fmt.Sprintf("versioning: activating IL version of %s in ledger of %s", v.Key(), s.key))
	}
	if v.IsDefaultVersion() {
		s.active.Store(nil)
		return
	}
	s.active.Store(v.node)
}

// LinkILCodeVersionNode appends a record. Requires the manager lock.
func (s *ILVersioningState) LinkILCodeVersionNode(n *ILCodeVersionNode) {
	if n.module != s.key.Module || n.token != s.key.Token {
		panic(fmt.Sprintf("versioning: linking IL version into ledger of %s", s.key))
	}
	if n.id == 0 {
		panic("versioning: IL version id 0 is reserved for the default version")
	}
	if n.next.Load() != nil {
		panic("versioning: IL version node is already linked")
	}
	if s.last == nil {
		s.first.Store(n)
	} else {
		if n.id <= s.last.id {
			panic(fmt.Sprintf("versioning: IL version id %d reused after %d", n.id, s.last.id))
		}
		s.last.next.Store(n)
	}
	s.last = n
	s.count++
}
