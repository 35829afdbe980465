package metadata

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/chazu/codever/versioning"
)

// ErrEntryPointPinned is returned when resetting a pinned entry point.
var ErrEntryPointPinned = errors.New("metadata: entry point is pinned")

// MethodDesc is one fully-instantiated method.
type MethodDesc struct {
	module        *Module
	token         versioning.MethodToken
	name          string
	instantiation string
	versionable   bool

	nativeCode atomic.Uintptr
	entryPoint atomic.Uintptr
	pinned     atomic.Bool
}

// NewMethodDesc creates a method descriptor. Instantiation is empty for
// non-generic methods.
func NewMethodDesc(module *Module, token versioning.MethodToken, name, instantiation string, versionable bool) *MethodDesc {
	return &MethodDesc{
		module:        module,
		token:         token,
		name:          name,
		instantiation: instantiation,
		versionable:   versionable,
	}
}

func (d *MethodDesc) Module() versioning.Module {
	return d.module
}

func (d *MethodDesc) Token() versioning.MethodToken {
	return d.token
}

// Name returns the method name including its instantiation.
func (d *MethodDesc) Name() string {
	if d.instantiation == "" {
		return d.name
	}
	return fmt.Sprintf("%s<%s>", d.name, d.instantiation)
}

func (d *MethodDesc) Instantiation() string {
	return d.instantiation
}

func (d *MethodDesc) IsVersionable() bool {
	return d.versionable
}

func (d *MethodDesc) NativeCode() versioning.CodeAddress {
	return versioning.CodeAddress(d.nativeCode.Load())
}

func (d *MethodDesc) SetNativeCodeInterlocked(code, expected versioning.CodeAddress) bool {
	return d.nativeCode.CompareAndSwap(uintptr(expected), uintptr(code))
}

func (d *MethodDesc) EntryPoint() versioning.CodeAddress {
	return versioning.CodeAddress(d.entryPoint.Load())
}

func (d *MethodDesc) SetEntryPoint(code versioning.CodeAddress) {
	d.entryPoint.Store(uintptr(code))
}

// ResetEntryPoint points callers back at the prestub.
func (d *MethodDesc) ResetEntryPoint() error {
	if d.pinned.Load() {
		return fmt.Errorf("%w: %s", ErrEntryPointPinned, d.Name())
	}
	d.entryPoint.Store(0)
	return nil
}

// Pin stops the entry point from being reset, as when a debugger holds
// the method's code.
func (d *MethodDesc) Pin() {
	d.pinned.Store(true)
}

func (d *MethodDesc) Unpin() {
	d.pinned.Store(false)
}

func (d *MethodDesc) String() string {
	return fmt.Sprintf("%s!%s", d.module.Name(), d.Name())
}
