package versioning

import (
	"iter"
)

// ---------------------------------------------------------------------------
// Native version collections
// ---------------------------------------------------------------------------

// NativeCodeVersionCollection is the default version plus the explicit records of a
// method, optionally restricted to the children of one IL version. It is
// read without the manager lock; versions appended while iterating may or
// may not be observed.
type NativeCodeVersionCollection struct {
	mgr      *CodeVersionManager
	method   Method
	filter   bool
	parentID ReJITID
}

// All yields the default version first, then explicit records in insertion
// order. Each call starts a new walk.
func (c NativeCodeVersionCollection) All() iter.Seq[NativeCodeVersion] {
	return func(yield func(NativeCodeVersion) bool) {
		it := c.Iterator()
		for {
			v, ok := it.Next()
			if !ok || !yield(v) {
				return
			}
		}
	}
}

// Slice collects the collection.
func (c NativeCodeVersionCollection) Slice() []NativeCodeVersion {
	var out []NativeCodeVersion
	for v := range c.All() {
		out = append(out, v)
	}
	return out
}

// Iterator returns a forward-only cursor over the collection.
func (c NativeCodeVersionCollection) Iterator() *NativeCodeVersionIterator {
	return &NativeCodeVersionIterator{c: c}
}

// NativeCodeVersionIterator walks a NativeCodeVersionCollection once.
type NativeCodeVersionIterator struct {
	c       NativeCodeVersionCollection
	started bool
	done    bool
	next    *NativeCodeVersionNode
}

// Next returns the next version, or false when the walk is finished.
func (it *NativeCodeVersionIterator) Next() (NativeCodeVersion, bool) {
	if it.done {
		return NativeCodeVersion{}, false
	}
	if !it.started {
		it.started = true
		if st := it.c.mgr.GetMethodVersioningState(it.c.method); st != nil {
			it.next = st.FirstNode()
		}
		if !it.c.filter || it.c.parentID == 0 {
			return syntheticNativeCodeVersion(it.c.mgr, it.c.method), true
		}
	}
	for it.next != nil && it.c.filter && it.next.parentID != it.c.parentID {
		it.next = it.next.Next()
	}
	if it.next == nil {
		it.done = true
		return NativeCodeVersion{}, false
	}
	n := it.next
	it.next = n.Next()
	return explicitNativeCodeVersion(it.c.mgr, n), true
}

// ---------------------------------------------------------------------------
// IL version collections
// ---------------------------------------------------------------------------

// ILCodeVersionCollection is the default version plus the explicit records of a
// source method key.
type ILCodeVersionCollection struct {
	mgr *CodeVersionManager
	key MethodKey
}

// All yields the default version first, then explicit records in insertion
// order. Each call starts a new walk.
func (c ILCodeVersionCollection) All() iter.Seq[ILCodeVersion] {
	return func(yield func(ILCodeVersion) bool) {
		it := c.Iterator()
		for {
			v, ok := it.Next()
			if !ok || !yield(v) {
				return
			}
		}
	}
}

// Slice collects the collection.
func (c ILCodeVersionCollection) Slice() []ILCodeVersion {
	var out []ILCodeVersion
	for v := range c.All() {
		out = append(out, v)
	}
	return out
}

// Iterator returns a forward-only cursor over the collection.
func (c ILCodeVersionCollection) Iterator() *ILCodeVersionIterator {
	return &ILCodeVersionIterator{c: c}
}

// ILCodeVersionIterator walks an ILCodeVersionCollection once.
type ILCodeVersionIterator struct {
	c       ILCodeVersionCollection
	started bool
	done    bool
	cur     *ILCodeVersionNode
}

// Next returns the next version, or false when the walk is finished.
func (it *ILCodeVersionIterator) Next() (ILCodeVersion, bool) {
	if it.done {
		return ILCodeVersion{}, false
	}
	if !it.started {
		it.started = true
		if st := it.c.mgr.GetILVersioningState(it.c.key); st != nil {
			it.cur = st.FirstNode()
		}
		return syntheticILCodeVersion(it.c.key), true
	}
	if it.cur == nil {
		it.done = true
		return ILCodeVersion{}, false
	}
	v := explicitILCodeVersion(it.cur)
	it.cur = it.cur.Next()
	return v, true
}
