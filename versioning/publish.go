package versioning

import (
	"fmt"
)

// CallerMode says what the caller of PublishVersionableCodeIfNecessary can
// patch.
type CallerMode uint8

const (
	// CallerModeIndirect callers reached the prestub through an indirection
	// that is not theirs to patch.
	CallerModeIndirect CallerMode = iota
	// CallerModeCallSite callers may have their own call site patched.
	CallerModeCallSite
)

// BackpatchKind says which already-linked call sites must be updated after
// a publication.
type BackpatchKind uint8

const (
	BackpatchNone BackpatchKind = iota
	BackpatchCallSite
	BackpatchFull
)

func (k BackpatchKind) String() string {
	switch k {
	case BackpatchNone:
		return "none"
	case BackpatchCallSite:
		return "call-site"
	case BackpatchFull:
		return "full"
	}
	return fmt.Sprintf("backpatch(%d)", uint8(k))
}

// PublishResult is the outcome of PublishVersionableCodeIfNecessary.
type PublishResult struct {
	Code      CodeAddress
	Version   NativeCodeVersion
	Backpatch BackpatchKind
}

// ---------------------------------------------------------------------------
// Publication
// ---------------------------------------------------------------------------

// PublishVersionableCodeIfNecessary resolves the active native version of
// method, generating its code if nobody has yet, points the method's entry
// point at it, and reports what the caller must backpatch.
//
// A caller that gets an error should fall back to generating code
// synchronously on its next attempt; it is not a permanent failure.
func (m *CodeVersionManager) PublishVersionableCodeIfNecessary(method Method, mode CallerMode) (PublishResult, error) {
	for {
		nv, err := m.GetOrCreateActiveNativeCodeVersion(method)
		if err != nil {
			return PublishResult{}, err
		}
		code, err := m.ensureCode(nv)
		if err != nil {
			return PublishResult{}, err
		}
		if res, ok := m.bindEntryPoint(method, nv, code, mode); ok {
			log.Debugf("published %s at %#x (backpatch %s)", nv, uintptr(code), res.Backpatch)
			return res, nil
		}
		log.Debugf("%s was superseded during code generation, retrying", nv)
	}
}

// bindEntryPoint points method's entry point at code if nv is still the
// active version. Activation changes take the same lock, so a version
// activated after this check resets the entry point it set.
func (m *CodeVersionManager) bindEntryPoint(method Method, nv NativeCodeVersion, code CodeAddress, mode CallerMode) (PublishResult, bool) {
	defer m.EnterLock().Release()
	if !m.GetActiveNativeCodeVersion(method).Equal(nv) {
		return PublishResult{}, false
	}

	res := PublishResult{Code: code, Version: nv}
	full := false
	if st := m.GetMethodVersioningState(method); st != nil {
		full = st.backpatchPending.CompareAndSwap(true, false)
	}
	prev := method.EntryPoint()
	if prev != code {
		method.SetEntryPoint(code)
	}
	switch {
	case full:
		res.Backpatch = BackpatchFull
	case prev == code:
		res.Backpatch = BackpatchNone
	case prev == 0 && mode == CallerModeCallSite:
		res.Backpatch = BackpatchCallSite
	case prev == 0:
		res.Backpatch = BackpatchNone
	default:
		res.Backpatch = BackpatchFull
	}
	return res, true
}

// EnsureNativeCode generates and publishes nv's code if it has none yet.
// Unlike PublishVersionableCodeIfNecessary it leaves the method's entry
// point alone, so it suits versions that are entered some other way, such
// as OSR versions.
func (m *CodeVersionManager) EnsureNativeCode(nv NativeCodeVersion) (CodeAddress, error) {
	if nv.IsNull() {
		return 0, fmt.Errorf("versioning: cannot generate code for null native version")
	}
	return m.ensureCode(nv)
}

// ensureCode returns nv's code, generating and publishing it if needed.
// Concurrent requests for the same version share one generation; if a
// different path publishes first, its code wins and ours is dropped.
func (m *CodeVersionManager) ensureCode(nv NativeCodeVersion) (CodeAddress, error) {
	if code := nv.NativeCode(); code != 0 {
		return code, nil
	}
	if m.codegen == nil {
		return 0, ErrNoCodeGenerator
	}

	il := nv.ILCodeVersion()
	if il.RejitState() != RejitStateActive {
		if err := m.configureIL(il); err != nil {
			return 0, err
		}
	}

	key := fmt.Sprintf("%p/%d", nv.method, nv.VersionID())
	v, err, _ := m.generating.Do(key, func() (any, error) {
		if code := nv.NativeCode(); code != 0 {
			return code, nil
		}
		code, err := m.codegen.GenerateCode(nv, il)
		if err != nil {
			return CodeAddress(0), err
		}
		if nv.SetNativeCodeInterlocked(code, 0) {
			m.observers.notify(nativeEvent(EventCodePublished, nv))
		}
		return nv.NativeCode(), nil
	})
	if err != nil {
		log.Errorf("code generation failed for %s: %s", nv, err)
		return 0, fmt.Errorf("%w: %s: %w", ErrCodeGeneration, nv, err)
	}
	return v.(CodeAddress), nil
}

// configureIL drives a non-Active IL version to Active. Versions with
// suppressed parameters, or with no configurer installed, take the
// original IL without a callback. The configurer runs with the lock held.
func (m *CodeVersionManager) configureIL(il ILCodeVersion) error {
	defer m.EnterLock().Release()
	if il.RejitState() == RejitStateActive {
		return nil
	}
	if il.SuppressParams() || m.configurer == nil {
		if il.IL() == nil {
			il.SetIL(il.ILOrOriginal())
		}
		return il.SetRejitState(RejitStateActive)
	}
	if err := m.configurer.ConfigureILCodeVersion(il); err != nil {
		return err
	}
	if il.RejitState() != RejitStateActive {
		return fmt.Errorf("versioning: %s left in state %s by configurer", il, il.RejitState())
	}
	return nil
}

// ---------------------------------------------------------------------------
// Batch activation
// ---------------------------------------------------------------------------

// SetActiveILCodeVersions makes each IL version active for its source key
// and, for every method instantiated from that key, arranges for its active
// native version to be republished.
//
// Methods fail independently. Each failure is returned as a
// CodePublishError and the rest of the batch still completes; the returned
// error wraps ErrPartialPublish if anything failed.
func (m *CodeVersionManager) SetActiveILCodeVersions(versions []ILCodeVersion) ([]CodePublishError, error) {
	defer m.EnterLock().Release()
	if m.shutdown {
		return nil, ErrShuttingDown
	}

	var errs []CodePublishError
	for _, il := range versions {
		key := il.Key()
		if il.IsNull() {
			errs = append(errs, CodePublishError{Module: key.Module, Token: key.Token, Err: ErrUnknownILVersion})
			continue
		}
		if _, ok := m.GetILCodeVersionForKey(key, il.VersionID()); !ok {
			errs = append(errs, CodePublishError{Module: key.Module, Token: key.Token, Err: ErrUnknownILVersion})
			continue
		}

		st := m.getOrCreateILStateLocked(key)
		if !st.ActiveVersion().Equal(il) {
			st.SetActiveVersion(il)
			log.Debugf("active IL version of %s is now %s", key, il)
			m.observers.notify(ilEvent(EventActiveILChanged, il))
		}

		if m.instantiations == nil {
			continue
		}
		for _, method := range m.instantiations.Instantiations(key) {
			if err := m.activateForMethodLocked(method, il); err != nil {
				log.Warningf("could not activate %s for %s: %s", il, method.Name(), err)
				errs = append(errs, CodePublishError{Module: key.Module, Token: key.Token, Method: method, Err: err})
			}
		}
	}

	if len(errs) > 0 {
		return errs, fmt.Errorf("%w: %d failures", ErrPartialPublish, len(errs))
	}
	return nil, nil
}

// activateForMethodLocked makes sure method has an active native version for
// il and, if callers are bound to different code, sends them back through
// the prestub.
func (m *CodeVersionManager) activateForMethodLocked(method Method, il ILCodeVersion) error {
	if !m.IsMethodSupported(method) {
		return ErrUnsupportedMethod
	}
	nv := m.GetActiveNativeCodeVersionForIL(method, il)
	if nv.IsNull() {
		var err error
		if nv, err = m.createActiveNativeLocked(method, il); err != nil {
			return err
		}
	}
	entry := method.EntryPoint()
	if entry == 0 || entry == nv.NativeCode() {
		return nil
	}
	if err := method.ResetEntryPoint(); err != nil {
		return err
	}
	m.getOrCreateMethodStateLocked(method).backpatchPending.Store(true)
	return nil
}
