package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/chazu/codever/config"
	"github.com/chazu/codever/metadata"
	"github.com/chazu/codever/tiering"
	"github.com/chazu/codever/versioning"
)

// host simulates the execution engine: it loads the configured modules,
// generates fake code addresses, and calls every method on a ticker so
// that tier-up and rejit requests take effect.
type host struct {
	registry *metadata.Registry
	mgr      *versioning.CodeVersionManager
	compiler *tiering.Compiler

	nextCode  atomic.Uintptr
	generated atomic.Uint64
	calls     atomic.Uint64
}

const codeBase = 0x10000000

func newHost(cfg *config.Config) *host {
	h := &host{registry: metadata.NewRegistry()}
	h.mgr = versioning.NewCodeVersionManager(versioning.Options{
		CodeGenerator:        versioning.CodeGeneratorFunc(h.generate),
		Instantiations:       h.registry,
		InitialTier:          tiering.InitialTier(cfg.Tiering.Enabled, cfg.DefaultTier()),
		MaxVersionsPerMethod: cfg.Versioning.MaxVersionsPerMethod,
		DetectDeadlocks:      cfg.Versioning.DebugLocks,
	})

	for _, ms := range cfg.Modules {
		mod := h.registry.LoadModule(ms.Name)
		for _, m := range ms.Methods {
			token := versioning.MethodToken(m.Token)
			mod.DefineMethod(token, []byte(m.IL))
			insts := m.Instantiations
			if len(insts) == 0 {
				insts = []string{""}
			}
			for _, inst := range insts {
				h.registry.Instantiate(mod, token, m.Name, inst, !m.NotVersionable)
			}
		}
	}

	if cfg.Tiering.Enabled {
		h.compiler = tiering.NewCompiler(h.mgr, tiering.Options{
			CallCountThreshold: cfg.Tiering.CallCountThreshold,
			Workers:            cfg.Tiering.Workers,
			QueueSize:          cfg.Tiering.QueueSize,
		})
	}
	return h
}

// methods returns the loaded method instantiations.
func (h *host) methods() []*metadata.MethodDesc {
	return h.registry.Methods()
}

// reload unloads the modules next no longer lists, dropping their version
// ledgers and call counts. Modules it adds are picked up on restart.
func (h *host) reload(next *config.Config) {
	keep := make(map[string]bool, len(next.Modules))
	for _, ms := range next.Modules {
		keep[ms.Name] = true
	}
	for _, name := range h.registry.ModuleNames() {
		mod, ok := h.registry.Module(name)
		if keep[name] || !ok {
			continue
		}
		var gone []*metadata.MethodDesc
		for _, m := range h.methods() {
			if m.Module() == versioning.Module(mod) {
				gone = append(gone, m)
			}
		}
		n := h.registry.UnloadModule(mod, h.mgr)
		if h.compiler != nil {
			for _, m := range gone {
				h.compiler.Counter().Reset(m)
			}
		}
		log.Noticef("unloaded module %s: %d methods, %d version ledgers", name, len(gone), n)
	}
}

func (h *host) generate(nv versioning.NativeCodeVersion, il versioning.ILCodeVersion) (versioning.CodeAddress, error) {
	body := il.ILOrOriginal()
	if body == nil {
		return 0, fmt.Errorf("%s has no IL", il)
	}
	h.generated.Add(1)
	code := versioning.CodeAddress(codeBase + h.nextCode.Add(uintptr(0x40+len(body))))
	log.Debugf("generated %s at %#x from %d bytes of IL", nv, uintptr(code), len(body))
	return code, nil
}

// call runs method once: through the prestub if its entry point was reset,
// then through the call counter.
func (h *host) call(method *metadata.MethodDesc) error {
	if method.EntryPoint() == 0 {
		if _, err := h.mgr.PublishVersionableCodeIfNecessary(method, versioning.CallerModeCallSite); err != nil {
			return err
		}
	}
	if h.compiler != nil {
		h.compiler.RecordCall(method)
	}
	h.calls.Add(1)
	return nil
}

// run calls every method once per tick until ctx is done.
func (h *host) run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, m := range h.methods() {
				if err := h.call(m); err != nil {
					log.Warningf("call %s: %v", m, err)
				}
			}
		}
	}
}

// shutdown stops the compiler and drains the manager.
func (h *host) shutdown() {
	if h.compiler != nil {
		h.compiler.Stop()
		s := h.compiler.Stats()
		log.Infof("tiering: %d promoted, %d OSR versions, %d failures", s.Promoted, s.OSRVersions, s.Failures)
	}
	h.mgr.Shutdown()
	log.Infof("host: %d calls, %d code bodies generated", h.calls.Load(), h.generated.Load())
}
