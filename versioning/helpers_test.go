package versioning

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// Test doubles for the runtime collaborators
// ---------------------------------------------------------------------------

type testModule struct {
	name string
}

func (m *testModule) Name() string { return m.name }

func (m *testModule) OriginalIL(token MethodToken) []byte {
	return []byte(fmt.Sprintf("il:%s:%d", m.name, token))
}

var errTestReset = errors.New("test: entry point cannot be reset")

type testMethod struct {
	module      *testModule
	token       MethodToken
	name        string
	versionable bool
	failReset   bool

	code  atomic.Uintptr
	entry atomic.Uintptr
}

func newTestMethod(module *testModule, token MethodToken, name string) *testMethod {
	return &testMethod{module: module, token: token, name: name, versionable: true}
}

func (m *testMethod) Module() Module { return m.module }
func (m *testMethod) Token() MethodToken { return m.token }
func (m *testMethod) Name() string { return m.name }
func (m *testMethod) IsVersionable() bool { return m.versionable }
func (m *testMethod) NativeCode() CodeAddress { return CodeAddress(m.code.Load()) }
func (m *testMethod) EntryPoint() CodeAddress { return CodeAddress(m.entry.Load()) }

func (m *testMethod) SetNativeCodeInterlocked(code, expected CodeAddress) bool {
	return m.code.CompareAndSwap(uintptr(expected), uintptr(code))
}

func (m *testMethod) SetEntryPoint(code CodeAddress) {
	m.entry.Store(uintptr(code))
}

func (m *testMethod) ResetEntryPoint() error {
	if m.failReset {
		return errTestReset
	}
	m.entry.Store(0)
	return nil
}

type testInstantiations struct {
	mu      sync.Mutex
	methods map[MethodKey][]Method
}

func newTestInstantiations() *testInstantiations {
	return &testInstantiations{methods: make(map[MethodKey][]Method)}
}

func (s *testInstantiations) add(m Method) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := KeyOf(m)
	s.methods[key] = append(s.methods[key], m)
}

func (s *testInstantiations) Instantiations(key MethodKey) []Method {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Method(nil), s.methods[key]...)
}

// countingGenerator hands out distinct addresses and counts calls. When
// set, onGenerate runs before each generation.
type countingGenerator struct {
	calls      atomic.Int64
	next       atomic.Uintptr
	fail       error
	onGenerate func(NativeCodeVersion)
}

func (g *countingGenerator) GenerateCode(nv NativeCodeVersion, il ILCodeVersion) (CodeAddress, error) {
	g.calls.Add(1)
	if g.onGenerate != nil {
		g.onGenerate(nv)
	}
	if g.fail != nil {
		return 0, g.fail
	}
	return CodeAddress(0x10000 + g.next.Add(0x100)), nil
}

type testFixture struct {
	mgr    *CodeVersionManager
	module *testModule
	insts  *testInstantiations
	gen    *countingGenerator
}

func newTestFixture() *testFixture {
	f := &testFixture{
		module: &testModule{name: "test.dll"},
		insts:  newTestInstantiations(),
		gen:    &countingGenerator{},
	}
	f.mgr = NewCodeVersionManager(Options{
		CodeGenerator:  f.gen,
		Instantiations: f.insts,
		InitialTier:    func(Method) OptimizationTier { return Tier0 },
	})
	return f
}

// method creates and registers an instantiation of token.
func (f *testFixture) method(token MethodToken, name string) *testMethod {
	m := newTestMethod(f.module, token, name)
	f.insts.add(m)
	return m
}
