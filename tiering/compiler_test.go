package tiering

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/chazu/codever/metadata"
	"github.com/chazu/codever/versioning"
)

type tieringFixture struct {
	mgr      *versioning.CodeVersionManager
	registry *metadata.Registry
	module   *metadata.Module
	next     atomic.Uintptr
	tiers    sync.Map // versioning.CodeAddress -> versioning.OptimizationTier
}

func newTieringFixture() *tieringFixture {
	f := &tieringFixture{registry: metadata.NewRegistry()}
	f.module = f.registry.LoadModule("app")
	f.mgr = versioning.NewCodeVersionManager(versioning.Options{
		Instantiations: f.registry,
		InitialTier:    InitialTier(true, versioning.TierOptimized),
		CodeGenerator: versioning.CodeGeneratorFunc(func(nv versioning.NativeCodeVersion, _ versioning.ILCodeVersion) (versioning.CodeAddress, error) {
			code := versioning.CodeAddress(0x8000 + f.next.Add(0x40))
			f.tiers.Store(code, nv.OptimizationTier())
			return code, nil
		}),
	})
	return f
}

func (f *tieringFixture) method(token versioning.MethodToken, name string) *metadata.MethodDesc {
	f.module.DefineMethod(token, []byte(name))
	return f.registry.Instantiate(f.module, token, name, "", true)
}

func (f *tieringFixture) tierAt(code versioning.CodeAddress) versioning.OptimizationTier {
	v, ok := f.tiers.Load(code)
	if !ok {
		return versioning.TierOptimized
	}
	return v.(versioning.OptimizationTier)
}

func TestInitialTier(t *testing.T) {
	mod := metadata.NewModule("m")
	versionable := metadata.NewMethodDesc(mod, 1, "A", "", true)
	fixed := metadata.NewMethodDesc(mod, 2, "B", "", false)

	policy := InitialTier(true, versioning.TierOptimized)
	if got := policy(versionable); got != versioning.Tier0 {
		t.Errorf("versionable method starts at %s, want Tier0", got)
	}
	if got := policy(fixed); got != versioning.TierOptimized {
		t.Errorf("non-versionable method starts at %s, want Optimized", got)
	}
	if got := InitialTier(false, versioning.TierOptimized)(versionable); got != versioning.TierOptimized {
		t.Errorf("tiering disabled: %s, want Optimized", got)
	}
}

func TestCallCounterReportsOnce(t *testing.T) {
	c := NewCallCounter(5)
	m := metadata.NewMethodDesc(metadata.NewModule("m"), 1, "A", "", true)

	var hot atomic.Int32
	c.OnHot = func(versioning.Method) { hot.Add(1) }

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				c.RecordCall(m)
			}
		}()
	}
	wg.Wait()

	if hot.Load() != 1 {
		t.Errorf("OnHot called %d times, want 1", hot.Load())
	}
	if c.Count(m) != 80 {
		t.Errorf("Count = %d, want 80", c.Count(m))
	}
	if !c.IsHot(m) || len(c.HotMethods()) != 1 {
		t.Error("method should be hot")
	}

	c.Reset(m)
	if c.IsHot(m) || c.Count(m) != 0 {
		t.Error("Reset should forget the method")
	}
	if stats := c.Stats(); stats.Methods != 0 {
		t.Errorf("Stats after reset = %+v", stats)
	}
}

func TestCallCounterDefaultThreshold(t *testing.T) {
	if c := NewCallCounter(0); c.Threshold != DefaultCallCountThreshold {
		t.Errorf("Threshold = %d, want %d", c.Threshold, DefaultCallCountThreshold)
	}
}

func TestPromoteToTier1(t *testing.T) {
	f := newTieringFixture()
	c := NewCompiler(f.mgr, Options{})
	defer c.Stop()
	m := f.method(1, "Loop")

	res, err := f.mgr.PublishVersionableCodeIfNecessary(m, versioning.CallerModeCallSite)
	if err != nil {
		t.Fatal(err)
	}
	if got := f.tierAt(res.Code); got != versioning.Tier0 {
		t.Fatalf("first code is %s, want Tier0", got)
	}

	nv, err := c.Promote(m)
	if err != nil {
		t.Fatal(err)
	}
	if nv.OptimizationTier() != versioning.Tier1 || !nv.IsActiveChild() {
		t.Errorf("promoted version %s tier %s active %v", nv, nv.OptimizationTier(), nv.IsActiveChild())
	}
	if m.EntryPoint() != nv.NativeCode() || f.tierAt(m.EntryPoint()) != versioning.Tier1 {
		t.Error("entry point should run Tier1 code")
	}
	if !f.mgr.GetActiveNativeCodeVersion(m).Equal(nv) {
		t.Error("Tier1 version should be active")
	}
	if m.NativeCode() != res.Code {
		t.Error("default version keeps its Tier0 code")
	}

	again, err := c.Promote(m)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Equal(nv) {
		t.Errorf("second promotion produced %s, want %s", again, nv)
	}
	if n := len(f.mgr.GetNativeCodeVersions(m).Slice()); n != 2 {
		t.Errorf("method has %d native versions, want 2", n)
	}
}

func TestPromoteUnsupported(t *testing.T) {
	f := newTieringFixture()
	c := NewCompiler(f.mgr, Options{})
	defer c.Stop()
	m := f.registry.Instantiate(f.module, 3, "Fixed", "", false)

	if _, err := c.Promote(m); !errors.Is(err, versioning.ErrUnsupportedMethod) {
		t.Errorf("got %v, want ErrUnsupportedMethod", err)
	}
}

func TestBackgroundTierUp(t *testing.T) {
	f := newTieringFixture()
	c := NewCompiler(f.mgr, Options{CallCountThreshold: 10, Workers: 2})
	hot := f.method(1, "Hot")
	cold := f.method(2, "Cold")

	for _, m := range []*metadata.MethodDesc{hot, cold} {
		if _, err := f.mgr.PublishVersionableCodeIfNecessary(m, versioning.CallerModeCallSite); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 25; i++ {
		c.RecordCall(hot)
	}
	for i := 0; i < 3; i++ {
		c.RecordCall(cold)
	}
	c.Stop()

	if got := f.mgr.GetActiveNativeCodeVersion(hot).OptimizationTier(); got != versioning.Tier1 {
		t.Errorf("hot method runs %s, want Tier1", got)
	}
	if got := f.mgr.GetActiveNativeCodeVersion(cold).OptimizationTier(); got != versioning.Tier0 {
		t.Errorf("cold method runs %s, want Tier0", got)
	}
	stats := c.Stats()
	if stats.Promoted != 1 || stats.Failures != 0 {
		t.Errorf("Stats = %+v", stats)
	}
	if stats.Counter.HotMethods != 1 {
		t.Errorf("hot methods = %d, want 1", stats.Counter.HotMethods)
	}

	// Calls to Tier1 code are not counted.
	before := c.Counter().Count(hot)
	c.RecordCall(hot)
	if c.Counter().Count(hot) != before {
		t.Error("Tier1 calls should not be counted")
	}
}

func TestTierUpAfterRejit(t *testing.T) {
	f := newTieringFixture()
	c := NewCompiler(f.mgr, Options{CallCountThreshold: 2})
	m := f.method(1, "M")
	if _, err := c.Promote(m); err != nil {
		t.Fatal(err)
	}
	// Hot from its earlier Tier0 life, without queueing it again.
	c.Counter().OnHot = nil
	c.Counter().RecordCall(m)
	c.Counter().RecordCall(m)

	il, err := f.mgr.AddILCodeVersion(f.module, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.mgr.SetActiveILCodeVersions([]versioning.ILCodeVersion{il}); err != nil {
		t.Fatal(err)
	}
	if got := f.mgr.GetActiveNativeCodeVersion(m).OptimizationTier(); got != versioning.Tier0 {
		t.Fatalf("rejitted method starts at %s, want Tier0", got)
	}

	c.RecordCall(m)
	c.Stop()

	active := f.mgr.GetActiveNativeCodeVersion(m)
	if active.OptimizationTier() != versioning.Tier1 || active.ILCodeVersionID() != il.VersionID() {
		t.Errorf("active version %s tier %s, want Tier1 child of %s", active, active.OptimizationTier(), il)
	}
	if c.Stats().Promoted != 2 {
		t.Errorf("Promoted = %d, want 2", c.Stats().Promoted)
	}
}

func TestRequestOSR(t *testing.T) {
	f := newTieringFixture()
	c := NewCompiler(f.mgr, Options{})
	defer c.Stop()
	m := f.method(1, "Loop")

	if _, err := c.RequestOSR(m, nil, 4); !errors.Is(err, ErrNoPatchpoint) {
		t.Errorf("got %v, want ErrNoPatchpoint", err)
	}

	pp := &versioning.PatchpointInfo{FrameSize: 64}
	code, err := c.RequestOSR(m, pp, 12)
	if err != nil {
		t.Fatal(err)
	}
	if f.tierAt(code) != versioning.Tier1OSR {
		t.Errorf("OSR code tier = %s", f.tierAt(code))
	}
	same, err := c.RequestOSR(m, pp, 12)
	if err != nil {
		t.Fatal(err)
	}
	if same != code {
		t.Errorf("second request for offset 12 = %#x, want %#x", uintptr(same), uintptr(code))
	}
	other, err := c.RequestOSR(m, pp, 40)
	if err != nil {
		t.Fatal(err)
	}
	if other == code {
		t.Error("different offset should get different code")
	}

	if !f.mgr.GetActiveNativeCodeVersion(m).IsDefaultVersion() {
		t.Error("OSR versions must never become active")
	}
	if m.EntryPoint() != 0 {
		t.Error("OSR must not touch the entry point")
	}
	if c.Stats().OSRVersions != 2 {
		t.Errorf("OSRVersions = %d, want 2", c.Stats().OSRVersions)
	}
	nv, ok := f.mgr.GetNativeCodeVersion(m, code)
	if !ok {
		t.Fatal("reverse lookup of OSR code failed")
	}
	if gotPP, off, ok := nv.OSRInfo(); !ok || gotPP != pp || off != 12 {
		t.Errorf("OSRInfo = %v %d %v", gotPP, off, ok)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	f := newTieringFixture()
	c := NewCompiler(f.mgr, Options{})
	c.Stop()
	c.Stop()
	m := f.method(1, "M")
	if c.queue(m) {
		t.Error("stopped compiler accepted work")
	}
}
