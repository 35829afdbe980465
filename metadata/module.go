package metadata

import (
	"sync"

	"github.com/chazu/codever/versioning"
)

// Module owns method definitions and their original IL bodies.
type Module struct {
	name string

	mu sync.RWMutex
	il map[versioning.MethodToken][]byte
}

// NewModule creates an empty module.
func NewModule(name string) *Module {
	return &Module{
		name: name,
		il:   make(map[versioning.MethodToken][]byte),
	}
}

func (m *Module) Name() string {
	return m.name
}

// DefineMethod records the original IL of token.
func (m *Module) DefineMethod(token versioning.MethodToken, il []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.il[token] = il
}

// OriginalIL returns the IL the module was loaded with, or nil.
func (m *Module) OriginalIL(token versioning.MethodToken) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.il[token]
}

// Tokens returns every defined token.
func (m *Module) Tokens() []versioning.MethodToken {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tokens := make([]versioning.MethodToken, 0, len(m.il))
	for t := range m.il {
		tokens = append(tokens, t)
	}
	return tokens
}
