package rejit

import (
	"github.com/chazu/codever/versioning"
)

// Client supplies the replacement IL for rejitted methods.
//
// GetReJITParameters is called with the code version manager's lock held
// and must not block on anything that takes it.
type Client interface {
	GetReJITParameters(module versioning.Module, token versioning.MethodToken, fc *FunctionControl) error
}

// ClientFunc adapts a function to Client.
type ClientFunc func(module versioning.Module, token versioning.MethodToken, fc *FunctionControl) error

func (f ClientFunc) GetReJITParameters(module versioning.Module, token versioning.MethodToken, fc *FunctionControl) error {
	return f(module, token, fc)
}

// FunctionControl collects what a Client wants changed about one method.
// Anything the client does not set keeps its original value.
type FunctionControl struct {
	original []byte

	il     []byte
	flags  versioning.JitFlags
	ilMap  versioning.InstrumentedILOffsetMapping
	hasIL  bool
	hasMap bool
}

func newFunctionControl(original []byte, flags versioning.JitFlags) *FunctionControl {
	return &FunctionControl{original: original, flags: flags}
}

// OriginalIL returns the IL the method was loaded with.
func (fc *FunctionControl) OriginalIL() []byte {
	return fc.original
}

// SetILFunctionBody replaces the method body.
func (fc *FunctionControl) SetILFunctionBody(il []byte) {
	fc.il = il
	fc.hasIL = true
}

// SetCodegenFlags replaces the code-generation flags.
func (fc *FunctionControl) SetCodegenFlags(flags versioning.JitFlags) {
	fc.flags = flags
}

// SetILInstrumentedCodeMap records how offsets in the original IL map to
// the new body.
func (fc *FunctionControl) SetILInstrumentedCodeMap(m versioning.InstrumentedILOffsetMapping) {
	fc.ilMap = m
	fc.hasMap = true
}

// apply records the client's choices on il.
func (fc *FunctionControl) apply(il versioning.ILCodeVersion) {
	if fc.hasIL {
		il.SetIL(fc.il)
	} else {
		il.SetIL(fc.original)
	}
	il.SetJitFlags(fc.flags)
	if fc.hasMap {
		il.SetInstrumentedILMap(fc.ilMap)
	}
}
