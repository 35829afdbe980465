package diag

import (
	"cmp"
	"slices"
	"time"

	"github.com/chazu/codever/versioning"
)

// FormatVersion is the snapshot format written by this package.
const FormatVersion = "1.1.0"

// ---------------------------------------------------------------------------
// Records
// ---------------------------------------------------------------------------

// Snapshot is the version state of one manager at one moment.
type Snapshot struct {
	Format  string         `cbor:"1,keyasint"`
	TakenAt int64          `cbor:"2,keyasint"` // unix nanoseconds
	Methods []MethodRecord `cbor:"3,keyasint,omitempty"`
	ILKeys  []ILKeyRecord  `cbor:"4,keyasint,omitempty"`
}

// MethodRecord is the native ledger of one method identity.
type MethodRecord struct {
	Module     string         `cbor:"1,keyasint"`
	Token      uint32         `cbor:"2,keyasint"`
	Name       string         `cbor:"3,keyasint"`
	EntryPoint uint64         `cbor:"4,keyasint"`
	Versions   []NativeRecord `cbor:"5,keyasint"`
}

// NativeRecord is one native code version. Next links records in ledger
// order; zero ends the list.
type NativeRecord struct {
	ID         uint32 `cbor:"1,keyasint"`
	Next       uint32 `cbor:"2,keyasint"`
	ILVersion  uint64 `cbor:"3,keyasint"` // owning IL version
	Code       uint64 `cbor:"4,keyasint"`
	Tier       uint8  `cbor:"5,keyasint"`
	Active     bool   `cbor:"6,keyasint"`
	Synthetic  bool   `cbor:"7,keyasint,omitempty"`
	OSROffset  uint32 `cbor:"8,keyasint,omitempty"`
	IsOSR      bool   `cbor:"9,keyasint,omitempty"`
	GCCoverage bool   `cbor:"10,keyasint,omitempty"`
}

// ILKeyRecord is the IL ledger of one source method.
type ILKeyRecord struct {
	Module   string     `cbor:"1,keyasint"`
	Token    uint32     `cbor:"2,keyasint"`
	Active   uint64     `cbor:"3,keyasint"`
	Versions []ILRecord `cbor:"4,keyasint"`
}

// ILRecord is one IL version. Next links records in ledger order; zero
// ends the list.
type ILRecord struct {
	ID          uint64 `cbor:"1,keyasint"`
	Next        uint64 `cbor:"2,keyasint"`
	State       uint8  `cbor:"3,keyasint"`
	Suppressed  bool   `cbor:"4,keyasint,omitempty"`
	Deoptimized bool   `cbor:"5,keyasint,omitempty"`
	JitFlags    uint32 `cbor:"6,keyasint"`
	ILSize      int    `cbor:"7,keyasint"`
	Synthetic   bool   `cbor:"8,keyasint,omitempty"`
}

// ---------------------------------------------------------------------------
// Capture
// ---------------------------------------------------------------------------

// Capture snapshots mgr. Methods with a native ledger are always
// included; each of known without one is recorded with its default
// version. It does not take the manager lock, so versions added while it
// runs may or may not be included; anything included is complete.
func Capture(mgr *versioning.CodeVersionManager, known ...versioning.Method) *Snapshot {
	s := &Snapshot{Format: FormatVersion, TakenAt: time.Now().UnixNano()}

	seen := make(map[versioning.Method]bool)
	mgr.ForEachMethodState(func(st *versioning.MethodVersioningState) bool {
		seen[st.Method()] = true
		s.Methods = append(s.Methods, captureMethod(mgr, st.Method()))
		return true
	})
	for _, method := range known {
		if !seen[method] {
			seen[method] = true
			s.Methods = append(s.Methods, captureMethod(mgr, method))
		}
	}
	mgr.ForEachILState(func(st *versioning.ILVersioningState) bool {
		s.ILKeys = append(s.ILKeys, captureILKey(mgr, st))
		return true
	})

	slices.SortFunc(s.Methods, func(a, b MethodRecord) int {
		return cmp.Or(cmp.Compare(a.Module, b.Module), cmp.Compare(a.Token, b.Token), cmp.Compare(a.Name, b.Name))
	})
	slices.SortFunc(s.ILKeys, func(a, b ILKeyRecord) int {
		return cmp.Or(cmp.Compare(a.Module, b.Module), cmp.Compare(a.Token, b.Token))
	})
	return s
}

func captureMethod(mgr *versioning.CodeVersionManager, method versioning.Method) MethodRecord {
	rec := MethodRecord{
		Module:     method.Module().Name(),
		Token:      uint32(method.Token()),
		Name:       method.Name(),
		EntryPoint: uint64(method.EntryPoint()),
	}
	for nv := range mgr.GetNativeCodeVersions(method).All() {
		r := NativeRecord{
			ID:        uint32(nv.VersionID()),
			ILVersion: uint64(nv.ILCodeVersionID()),
			Code:      uint64(nv.NativeCode()),
			Tier:      uint8(nv.OptimizationTier()),
			Active:    nv.IsActiveChild(),
			Synthetic: nv.IsDefaultVersion(),
		}
		if _, off, ok := nv.OSRInfo(); ok {
			r.IsOSR = true
			r.OSROffset = off
		}
		r.GCCoverage = nv.GCCoverageInfo() != nil
		if n := len(rec.Versions); n > 0 {
			rec.Versions[n-1].Next = r.ID
		}
		rec.Versions = append(rec.Versions, r)
	}
	return rec
}

func captureILKey(mgr *versioning.CodeVersionManager, st *versioning.ILVersioningState) ILKeyRecord {
	key := st.Key()
	rec := ILKeyRecord{
		Module: key.Module.Name(),
		Token:  uint32(key.Token),
		Active: uint64(st.ActiveVersion().VersionID()),
	}
	for il := range mgr.GetILCodeVersions(key.Module, key.Token).All() {
		r := ILRecord{
			ID:          uint64(il.VersionID()),
			State:       uint8(il.RejitState()),
			Suppressed:  il.SuppressParams(),
			Deoptimized: il.IsDeoptimized(),
			JitFlags:    uint32(il.JitFlags()),
			ILSize:      len(il.ILOrOriginal()),
			Synthetic:   il.IsDefaultVersion(),
		}
		if n := len(rec.Versions); n > 0 {
			rec.Versions[n-1].Next = r.ID
		}
		rec.Versions = append(rec.Versions, r)
	}
	return rec
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// ActiveILVersion returns the active IL version id of (module, token). A
// key with no IL ledger runs its default version, id zero.
func (s *Snapshot) ActiveILVersion(module string, token uint32) uint64 {
	if rec, ok := s.ILKey(module, token); ok {
		return rec.Active
	}
	return 0
}

// ILKey finds the IL ledger of (module, token).
func (s *Snapshot) ILKey(module string, token uint32) (ILKeyRecord, bool) {
	for _, rec := range s.ILKeys {
		if rec.Module == module && rec.Token == token {
			return rec, true
		}
	}
	return ILKeyRecord{}, false
}

// Method finds the native ledger of the method called name in module.
func (s *Snapshot) Method(module, name string) (MethodRecord, bool) {
	for _, rec := range s.Methods {
		if rec.Module == module && rec.Name == name {
			return rec, true
		}
	}
	return MethodRecord{}, false
}

// NativeVersions returns the native versions of the method called name in
// module, default first.
func (s *Snapshot) NativeVersions(module, name string) []NativeRecord {
	rec, _ := s.Method(module, name)
	return rec.Versions
}

// ActiveNativeVersion returns the native version a call to the method would
// run, following the active IL version to its active child.
func (s *Snapshot) ActiveNativeVersion(module, name string) (NativeRecord, bool) {
	rec, ok := s.Method(module, name)
	if !ok {
		return NativeRecord{}, false
	}
	il := s.ActiveILVersion(rec.Module, rec.Token)
	for _, v := range rec.Versions {
		if v.ILVersion == il && v.Active {
			return v, true
		}
	}
	return NativeRecord{}, false
}
