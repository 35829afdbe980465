package versioning

import (
	"errors"
	"testing"
)

func TestNeverVersionedMethodHasNoLedger(t *testing.T) {
	f := newTestFixture()
	m := f.method(1, "M")

	nv := f.mgr.GetActiveNativeCodeVersion(m)
	if !nv.IsDefaultVersion() || nv.VersionID() != 0 {
		t.Fatalf("active version = %s, want synthetic default", nv)
	}
	got, err := f.mgr.GetOrCreateActiveNativeCodeVersion(m)
	if err != nil {
		t.Fatalf("GetOrCreateActiveNativeCodeVersion: %v", err)
	}
	if !got.Equal(nv) {
		t.Errorf("GetOrCreate returned %s, want %s", got, nv)
	}
	if f.mgr.MethodStateCount() != 0 || f.mgr.ILStateCount() != 0 {
		t.Errorf("ledgers created for a never-versioned method: %d native, %d IL",
			f.mgr.MethodStateCount(), f.mgr.ILStateCount())
	}
}

func TestAddILCodeVersion(t *testing.T) {
	f := newTestFixture()
	m := f.method(5, "M")

	v, err := f.mgr.AddILCodeVersion(f.module, 5, false)
	if err != nil {
		t.Fatalf("AddILCodeVersion: %v", err)
	}
	if v.IsDefaultVersion() || v.VersionID() == 0 {
		t.Fatalf("new IL version %s should be explicit with a nonzero id", v)
	}
	if v.RejitState() != RejitStateRequested {
		t.Errorf("new IL version state = %s, want Requested", v.RejitState())
	}

	count := 0
	for il := range f.mgr.GetILCodeVersions(f.module, 5).All() {
		if il.Equal(v) {
			count++
		}
	}
	if count != 1 {
		t.Errorf("new version appears %d times in the collection, want 1", count)
	}

	if !f.mgr.GetActiveILCodeVersion(m).IsDefaultVersion() {
		t.Error("adding an IL version must not change the active version")
	}
	if got, ok := f.mgr.GetILCodeVersion(m, v.VersionID()); !ok || !got.Equal(v) {
		t.Errorf("GetILCodeVersion(%d) = %s, %v", v.VersionID(), got, ok)
	}
}

func TestILVersionIDsIncrease(t *testing.T) {
	f := newTestFixture()
	var last ReJITID
	for i := 0; i < 5; i++ {
		v, err := f.mgr.AddILCodeVersion(f.module, 1, false)
		if err != nil {
			t.Fatal(err)
		}
		if v.VersionID() <= last {
			t.Fatalf("IL id %d after %d", v.VersionID(), last)
		}
		last = v.VersionID()
	}
}

func TestNativeCollectionOrderAndRestart(t *testing.T) {
	f := newTestFixture()
	m := f.method(1, "M")
	il := f.mgr.GetActiveILCodeVersion(m)

	var added []NativeCodeVersion
	for _, tier := range []OptimizationTier{Tier1, Tier1OSR, Tier1Instrumented} {
		nv, err := f.mgr.AddNativeCodeVersion(il, m, tier, nil, 0)
		if err != nil {
			t.Fatal(err)
		}
		added = append(added, nv)
	}

	coll := f.mgr.GetNativeCodeVersions(m)
	first := coll.Slice()
	if len(first) != 4 {
		t.Fatalf("collection has %d entries, want 4", len(first))
	}
	if !first[0].IsDefaultVersion() {
		t.Errorf("first entry %s should be the default version", first[0])
	}
	for i, nv := range added {
		if !first[i+1].Equal(nv) {
			t.Errorf("entry %d = %s, want %s", i+1, first[i+1], nv)
		}
	}

	second := f.mgr.GetNativeCodeVersions(m).Slice()
	if len(second) != len(first) {
		t.Fatalf("second walk has %d entries, want %d", len(second), len(first))
	}
	for i := range first {
		if !first[i].Equal(second[i]) {
			t.Errorf("second walk entry %d = %s, want %s", i, second[i], first[i])
		}
	}
}

func TestNativeIteratorIsForwardOnly(t *testing.T) {
	f := newTestFixture()
	m := f.method(1, "M")
	if _, err := f.mgr.AddNativeCodeVersion(f.mgr.GetActiveILCodeVersion(m), m, Tier1, nil, 0); err != nil {
		t.Fatal(err)
	}

	it := f.mgr.GetNativeCodeVersions(m).Iterator()
	n := 0
	for _, ok := it.Next(); ok; _, ok = it.Next() {
		n++
	}
	if n != 2 {
		t.Errorf("iterator yielded %d versions, want 2", n)
	}
	if _, ok := it.Next(); ok {
		t.Error("exhausted iterator should stay exhausted")
	}
}

func TestNativeVersionsForIL(t *testing.T) {
	f := newTestFixture()
	m := f.method(1, "M")

	rejit, err := f.mgr.AddILCodeVersion(f.module, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.mgr.AddNativeCodeVersion(f.mgr.GetActiveILCodeVersion(m), m, Tier1, nil, 0); err != nil {
		t.Fatal(err)
	}
	child, err := f.mgr.AddNativeCodeVersion(rejit, m, Tier0, nil, 0)
	if err != nil {
		t.Fatal(err)
	}

	got := f.mgr.NativeCodeVersionsForIL(m, rejit).Slice()
	if len(got) != 1 || !got[0].Equal(child) {
		t.Errorf("children of %s = %v, want [%s]", rejit, got, child)
	}
	defaults := f.mgr.NativeCodeVersionsForIL(m, f.mgr.GetActiveILCodeVersion(m)).Slice()
	if len(defaults) != 2 {
		t.Errorf("children of default IL = %d, want 2 (default + Tier1)", len(defaults))
	}
}

func TestAddNativeCodeVersionValidatesIL(t *testing.T) {
	f := newTestFixture()
	m := f.method(1, "M")
	other := f.method(2, "Other")

	foreign, err := f.mgr.AddILCodeVersion(f.module, 2, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.mgr.AddNativeCodeVersion(foreign, m, Tier0, nil, 0); !errors.Is(err, ErrUnknownILVersion) {
		t.Errorf("IL of another method: got %v, want ErrUnknownILVersion", err)
	}
	if _, err := f.mgr.AddNativeCodeVersion(ILCodeVersion{}, m, Tier0, nil, 0); !errors.Is(err, ErrUnknownILVersion) {
		t.Errorf("null IL: got %v, want ErrUnknownILVersion", err)
	}
	if _, err := f.mgr.AddNativeCodeVersion(foreign, other, Tier0, nil, 0); err != nil {
		t.Errorf("matching IL should be accepted: %v", err)
	}
}

func TestUnsupportedMethodIsNotTouched(t *testing.T) {
	f := newTestFixture()
	m := f.method(1, "M")
	m.versionable = false

	_, err := f.mgr.AddNativeCodeVersion(f.mgr.GetActiveILCodeVersion(m), m, Tier1, nil, 0)
	if !errors.Is(err, ErrUnsupportedMethod) {
		t.Fatalf("got %v, want ErrUnsupportedMethod", err)
	}
	if f.mgr.GetMethodVersioningState(m) != nil {
		t.Error("failed add created a ledger")
	}
}

func TestPromotionPreservesDefaultHandle(t *testing.T) {
	f := newTestFixture()
	m := f.method(1, "M")

	def, err := f.mgr.GetOrCreateActiveNativeCodeVersion(m)
	if err != nil {
		t.Fatal(err)
	}
	if !def.IsDefaultVersion() {
		t.Fatalf("first version should stay synthetic, got %s", def)
	}

	rejit, err := f.mgr.AddILCodeVersion(f.module, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.mgr.SetActiveILCodeVersions([]ILCodeVersion{rejit}); err != nil {
		t.Fatal(err)
	}

	active := f.mgr.GetActiveNativeCodeVersion(m)
	if active.IsDefaultVersion() || active.ILCodeVersionID() != rejit.VersionID() {
		t.Fatalf("active version = %s, want explicit child of %s", active, rejit)
	}
	if f.mgr.GetMethodVersioningState(m) == nil {
		t.Fatal("second version should have materialized the ledger")
	}

	again := f.mgr.GetNativeCodeVersions(m).Slice()[0]
	if !again.Equal(def) {
		t.Errorf("default handle after promotion = %s, want it equal to %s", again, def)
	}
	if again.VersionID() != 0 || def.OptimizationTier() != Tier0 {
		t.Errorf("default handle changed: id %d tier %s", again.VersionID(), def.OptimizationTier())
	}
	if !def.IsActiveChild() {
		t.Error("default native version stays the active child of the default IL version")
	}
}

func TestSetActiveNativeCodeVersion(t *testing.T) {
	f := newTestFixture()
	m := f.method(1, "M")
	def := f.mgr.GetActiveNativeCodeVersion(m)

	tier1, err := f.mgr.AddNativeCodeVersion(f.mgr.GetActiveILCodeVersion(m), m, Tier1, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.SetActiveNativeCodeVersion(tier1); err != nil {
		t.Fatal(err)
	}
	if !f.mgr.GetActiveNativeCodeVersion(m).Equal(tier1) {
		t.Errorf("active = %s, want %s", f.mgr.GetActiveNativeCodeVersion(m), tier1)
	}
	if def.IsActiveChild() {
		t.Error("default version should no longer be the active child")
	}

	if err := f.mgr.SetActiveNativeCodeVersion(def); err != nil {
		t.Fatal(err)
	}
	if !f.mgr.GetActiveNativeCodeVersion(m).IsDefaultVersion() || tier1.IsActiveChild() {
		t.Error("reactivating the default version should deactivate Tier1")
	}
	if err := f.mgr.SetActiveNativeCodeVersion(NativeCodeVersion{}); err == nil {
		t.Error("activating the null handle should fail")
	}
}

func TestSetOptimizationTierOnDefault(t *testing.T) {
	f := newTestFixture()
	m := f.method(1, "M")
	def := f.mgr.GetActiveNativeCodeVersion(m)

	if err := f.mgr.SetOptimizationTier(def, Tier1); err != nil {
		t.Fatal(err)
	}
	if def.OptimizationTier() != Tier1 {
		t.Errorf("default tier = %s, want Tier1", def.OptimizationTier())
	}
	if f.mgr.GetMethodVersioningState(m) == nil {
		t.Error("changing the default tier should materialize the ledger")
	}
}

func TestGCCoverageInfoOnDefault(t *testing.T) {
	f := newTestFixture()
	m := f.method(1, "M")
	def := f.mgr.GetActiveNativeCodeVersion(m)
	info := &GCCoverageInfo{SavedCode: []byte{0xcc}}

	if !f.mgr.SetGCCoverageInfo(def, info) {
		t.Fatal("SetGCCoverageInfo should succeed once")
	}
	if f.mgr.SetGCCoverageInfo(def, &GCCoverageInfo{}) {
		t.Error("SetGCCoverageInfo should succeed only once")
	}
	if def.GCCoverageInfo() != info {
		t.Error("default version should report the coverage info")
	}
}

func TestGetNativeCodeVersionByAddress(t *testing.T) {
	f := newTestFixture()
	m := f.method(1, "M")
	def := f.mgr.GetActiveNativeCodeVersion(m)
	def.SetNativeCodeInterlocked(0xa000, 0)

	tier1, err := f.mgr.AddNativeCodeVersion(f.mgr.GetActiveILCodeVersion(m), m, Tier1, nil, 0)
	if err != nil {
		t.Fatal(err)
	}
	tier1.SetNativeCodeInterlocked(0xb000, 0)

	if got, ok := f.mgr.GetNativeCodeVersion(m, 0xa000); !ok || !got.Equal(def) {
		t.Errorf("lookup 0xa000 = %s, %v", got, ok)
	}
	if got, ok := f.mgr.GetNativeCodeVersion(m, 0xb000); !ok || !got.Equal(tier1) {
		t.Errorf("lookup 0xb000 = %s, %v", got, ok)
	}
	if _, ok := f.mgr.GetNativeCodeVersion(m, 0xc000); ok {
		t.Error("unknown address should not resolve")
	}
}

func TestVersionLimit(t *testing.T) {
	f := newTestFixture()
	f.mgr.maxVersions = 2
	m := f.method(1, "M")
	il := f.mgr.GetActiveILCodeVersion(m)

	for i := 0; i < 2; i++ {
		if _, err := f.mgr.AddNativeCodeVersion(il, m, Tier1, nil, 0); err != nil {
			t.Fatal(err)
		}
		if _, err := f.mgr.AddILCodeVersion(f.module, 1, false); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.mgr.AddNativeCodeVersion(il, m, Tier1, nil, 0); !errors.Is(err, ErrVersionLimit) {
		t.Errorf("third native version: got %v, want ErrVersionLimit", err)
	}
	if _, err := f.mgr.AddILCodeVersion(f.module, 1, false); !errors.Is(err, ErrVersionLimit) {
		t.Errorf("third IL version: got %v, want ErrVersionLimit", err)
	}
}

func TestShutdownRefusesNewVersions(t *testing.T) {
	f := newTestFixture()
	m := f.method(1, "M")
	f.mgr.Shutdown()
	f.mgr.Shutdown()

	if _, err := f.mgr.AddILCodeVersion(f.module, 1, false); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("AddILCodeVersion after shutdown: got %v", err)
	}
	if _, err := f.mgr.AddNativeCodeVersion(f.mgr.GetActiveILCodeVersion(m), m, Tier1, nil, 0); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("AddNativeCodeVersion after shutdown: got %v", err)
	}
	if !f.mgr.GetActiveNativeCodeVersion(m).IsDefaultVersion() {
		t.Error("lookups should keep working after shutdown")
	}
}

func TestUnloadModuleDrainsLedgers(t *testing.T) {
	f := newTestFixture()
	m := f.method(1, "M")
	otherModule := &testModule{name: "other.dll"}
	other := newTestMethod(otherModule, 1, "Other")

	if _, err := f.mgr.AddILCodeVersion(f.module, 1, false); err != nil {
		t.Fatal(err)
	}
	for _, method := range []Method{m, other} {
		if _, err := f.mgr.AddNativeCodeVersion(f.mgr.GetActiveILCodeVersion(method), method, Tier1, nil, 0); err != nil {
			t.Fatal(err)
		}
	}

	if got := f.mgr.UnloadModule(f.module); got != 2 {
		t.Errorf("UnloadModule dropped %d ledgers, want 2", got)
	}
	if f.mgr.GetMethodVersioningState(m) != nil || f.mgr.ILStateCount() != 0 {
		t.Error("ledgers of the unloaded module remain")
	}
	if f.mgr.GetMethodVersioningState(other) == nil {
		t.Error("ledger of another module was dropped")
	}
}

func TestObserverSeesEvents(t *testing.T) {
	f := newTestFixture()
	f.method(1, "M")
	var kinds []EventKind
	f.mgr.AddObserver(ObserverFunc(func(e Event) { kinds = append(kinds, e.Kind) }))

	il, err := f.mgr.AddILCodeVersion(f.module, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.mgr.SetActiveILCodeVersions([]ILCodeVersion{il}); err != nil {
		t.Fatal(err)
	}

	want := []EventKind{EventILVersionAdded, EventActiveILChanged, EventNativeVersionAdded, EventActiveNativeChanged}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}
}
