package metadata

import (
	"cmp"
	"maps"
	"slices"
	"sync"

	"github.com/google/btree"

	"github.com/chazu/codever/versioning"
)

// Registry holds loaded modules and the method descriptors instantiated
// from them. Descriptors are kept ordered by (module, token,
// instantiation) so that all instantiations of a source method are one
// range scan.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*Module
	methods *btree.BTreeG[*MethodDesc]
}

func lessMethodDesc(a, b *MethodDesc) bool {
	if c := cmp.Compare(a.module.name, b.module.name); c != 0 {
		return c < 0
	}
	if a.token != b.token {
		return a.token < b.token
	}
	return a.instantiation < b.instantiation
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]*Module),
		methods: btree.NewG[*MethodDesc](16, lessMethodDesc),
	}
}

// LoadModule returns the module called name, creating it if needed.
func (r *Registry) LoadModule(name string) *Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.modules[name]; ok {
		return m
	}
	m := NewModule(name)
	r.modules[name] = m
	return m
}

// Module looks up a loaded module.
func (r *Registry) Module(name string) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// Instantiate returns the descriptor for (module, token, instantiation),
// creating it if needed. name and versionable are only used on creation.
func (r *Registry) Instantiate(module *Module, token versioning.MethodToken, name, instantiation string, versionable bool) *MethodDesc {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := &MethodDesc{module: module, token: token, instantiation: instantiation}
	if d, ok := r.methods.Get(key); ok {
		return d
	}
	d := NewMethodDesc(module, token, name, instantiation, versionable)
	r.methods.ReplaceOrInsert(d)
	return d
}

// Lookup finds an existing descriptor.
func (r *Registry) Lookup(module *Module, token versioning.MethodToken, instantiation string) (*MethodDesc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.methods.Get(&MethodDesc{module: module, token: token, instantiation: instantiation})
}

// InstantiationsOf returns every descriptor of (module, token) ordered by
// instantiation.
func (r *Registry) InstantiationsOf(module *Module, token versioning.MethodToken) []*MethodDesc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*MethodDesc
	from := &MethodDesc{module: module, token: token}
	r.methods.AscendGreaterOrEqual(from, func(d *MethodDesc) bool {
		if d.module != module || d.token != token {
			return false
		}
		out = append(out, d)
		return true
	})
	return out
}

// Instantiations implements versioning.InstantiationSource.
func (r *Registry) Instantiations(key versioning.MethodKey) []versioning.Method {
	module, ok := key.Module.(*Module)
	if !ok {
		return nil
	}
	descs := r.InstantiationsOf(module, key.Token)
	out := make([]versioning.Method, len(descs))
	for i, d := range descs {
		out[i] = d
	}
	return out
}

// Methods returns every descriptor in order.
func (r *Registry) Methods() []*MethodDesc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*MethodDesc, 0, r.methods.Len())
	r.methods.Ascend(func(d *MethodDesc) bool {
		out = append(out, d)
		return true
	})
	return out
}

// AllMethods returns every descriptor as a versioning.Method, in order.
func (r *Registry) AllMethods() []versioning.Method {
	descs := r.Methods()
	out := make([]versioning.Method, len(descs))
	for i, d := range descs {
		out[i] = d
	}
	return out
}

// ModuleNames returns the names of the loaded modules in order.
func (r *Registry) ModuleNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.modules))
}

// UnloadModule forgets module and its descriptors, then drops the version
// ledgers mgr holds for it and returns how many there were. mgr may be nil.
// Descriptors of module must not be used afterwards.
func (r *Registry) UnloadModule(module *Module, mgr *versioning.CodeVersionManager) int {
	r.mu.Lock()
	delete(r.modules, module.name)
	var doomed []*MethodDesc
	r.methods.AscendGreaterOrEqual(&MethodDesc{module: module}, func(d *MethodDesc) bool {
		if d.module != module {
			return false
		}
		doomed = append(doomed, d)
		return true
	})
	for _, d := range doomed {
		r.methods.Delete(d)
	}
	r.mu.Unlock()

	// The manager calls back into the registry under its own lock, so
	// draining must happen after ours is released.
	if mgr == nil {
		return 0
	}
	return mgr.UnloadModule(module)
}
