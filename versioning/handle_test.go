package versioning

import (
	"testing"
)

func TestNativeHandleSyntheticEquality(t *testing.T) {
	f := newTestFixture()
	a := f.method(1, "A")
	b := f.method(2, "B")

	va := f.mgr.GetActiveNativeCodeVersion(a)
	vb := f.mgr.GetActiveNativeCodeVersion(b)

	if va.VersionID() != 0 || vb.VersionID() != 0 {
		t.Fatalf("default versions should report id 0, got %d and %d", va.VersionID(), vb.VersionID())
	}
	if va.Equal(vb) {
		t.Error("default versions of different methods must not be equal")
	}
	if !va.Equal(f.mgr.GetActiveNativeCodeVersion(a)) {
		t.Error("default versions of the same method should be equal")
	}
}

func TestNativeHandleKindTakesPartInEquality(t *testing.T) {
	f := newTestFixture()
	m := f.method(1, "M")

	def := f.mgr.GetActiveNativeCodeVersion(m)
	nv, err := f.mgr.AddNativeCodeVersion(f.mgr.GetActiveILCodeVersion(m), m, Tier1, nil, 0)
	if err != nil {
		t.Fatalf("AddNativeCodeVersion: %v", err)
	}

	if def.Equal(nv) || nv.Equal(def) {
		t.Error("synthetic and explicit handles must not be equal")
	}
	if def.Equal(NativeCodeVersion{}) {
		t.Error("synthetic handle must not equal the null handle")
	}
	if !(NativeCodeVersion{}).Equal(NativeCodeVersion{}) {
		t.Error("null handles should be equal")
	}

	same := explicitNativeCodeVersion(f.mgr, nv.Node())
	if !same.Equal(nv) {
		t.Error("explicit handles over the same record should be equal")
	}
}

func TestNativeHandleAccessors(t *testing.T) {
	f := newTestFixture()
	m := f.method(1, "M")

	def := f.mgr.GetActiveNativeCodeVersion(m)
	if !def.IsDefaultVersion() || def.IsNull() {
		t.Fatalf("expected synthetic default, got %s", def)
	}
	if def.OptimizationTier() != Tier0 {
		t.Errorf("default tier = %s, want Tier0", def.OptimizationTier())
	}
	if !def.IsActiveChild() {
		t.Error("default version should be the active child before any other version exists")
	}
	if _, _, ok := def.OSRInfo(); ok {
		t.Error("default version has no OSR info")
	}

	if !def.SetNativeCodeInterlocked(0x1234, 0) {
		t.Fatal("first publication of default code should succeed")
	}
	if m.NativeCode() != 0x1234 || def.NativeCode() != 0x1234 {
		t.Errorf("default code should live in the method slot, got %#x", uintptr(m.NativeCode()))
	}

	patch := &PatchpointInfo{FrameSize: 64}
	osr, err := f.mgr.AddNativeCodeVersion(f.mgr.GetActiveILCodeVersion(m), m, Tier1OSR, patch, 42)
	if err != nil {
		t.Fatalf("AddNativeCodeVersion: %v", err)
	}
	info, offset, ok := osr.OSRInfo()
	if !ok || info != patch || offset != 42 {
		t.Errorf("OSRInfo = (%v, %d, %v), want (%v, 42, true)", info, offset, ok, patch)
	}
	if osr.ILCodeVersionID() != 0 || !osr.ILCodeVersion().IsDefaultVersion() {
		t.Errorf("OSR version should be a child of the default IL version, got %s", osr.ILCodeVersion())
	}
}

func TestILHandleDefault(t *testing.T) {
	f := newTestFixture()
	m := f.method(7, "M")

	il := f.mgr.GetActiveILCodeVersion(m)
	if !il.IsDefaultVersion() {
		t.Fatalf("expected default IL version, got %s", il)
	}
	if il.VersionID() != 0 {
		t.Errorf("default IL id = %d, want 0", il.VersionID())
	}
	if il.RejitState() != RejitStateActive {
		t.Errorf("default IL state = %s, want Active", il.RejitState())
	}
	if string(il.IL()) != "il:test.dll:7" {
		t.Errorf("default IL body = %q", il.IL())
	}
	if f.mgr.ILStateCount() != 0 {
		t.Error("looking up the active IL version must not create a ledger")
	}

	other := &testModule{name: "other.dll"}
	if il.Equal(syntheticILCodeVersion(MethodKey{Module: other, Token: 7})) {
		t.Error("default IL versions of different keys must not be equal")
	}
}

func TestILHandleSettersPanicOnDefault(t *testing.T) {
	f := newTestFixture()
	m := f.method(1, "M")
	il := f.mgr.GetActiveILCodeVersion(m)

	defer func() {
		if recover() == nil {
			t.Error("mutating the default IL version should panic")
		}
	}()
	il.SetIL([]byte("x"))
}

func TestTierNames(t *testing.T) {
	for _, tier := range []OptimizationTier{TierOptimized, Tier0, Tier1, Tier1OSR, Tier0Instrumented, Tier1Instrumented} {
		parsed, err := ParseOptimizationTier(tier.String())
		if err != nil {
			t.Fatalf("ParseOptimizationTier(%q): %v", tier.String(), err)
		}
		if parsed != tier {
			t.Errorf("ParseOptimizationTier(%q) = %s", tier.String(), parsed)
		}
	}
	if _, err := ParseOptimizationTier("Tier9"); err == nil {
		t.Error("unknown tier name should fail to parse")
	}
}
