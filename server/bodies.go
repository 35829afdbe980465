package server

import (
	"sync"
	"time"

	apiv1 "github.com/chazu/codever/api/v1"
	"github.com/chazu/codever/rejit"
	"github.com/chazu/codever/versioning"
)

type bodyKey struct {
	module string
	token  versioning.MethodToken
}

// pendingBody is a method body a session supplied, waiting for the host to
// ask for the method's rejit parameters.
type pendingBody struct {
	body      apiv1.MethodBody
	sessionID string
	created   time.Time
}

// BodyStore holds replacement bodies until they are handed to the rejit
// manager. It is the manager's rejit.Client: a body is delivered once, and
// a method with no pending body keeps its original IL.
type BodyStore struct {
	mu     sync.Mutex
	bodies map[bodyKey]*pendingBody
}

var _ rejit.Client = (*BodyStore)(nil)

// NewBodyStore creates an empty body store.
func NewBodyStore() *BodyStore {
	return &BodyStore{bodies: make(map[bodyKey]*pendingBody)}
}

// Put records body for the session, replacing any body pending for the
// same method.
func (s *BodyStore) Put(body apiv1.MethodBody, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bodyKey{module: body.Method.Module, token: versioning.MethodToken(body.Method.Token)}
	s.bodies[key] = &pendingBody{
		body:      body,
		sessionID: sessionID,
		created:   time.Now(),
	}
}

// Drop removes the body pending for method, if any.
func (s *BodyStore) Drop(method apiv1.MethodKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bodies, bodyKey{module: method.Module, token: versioning.MethodToken(method.Token)})
}

// Pending reports how many bodies have not been delivered.
func (s *BodyStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bodies)
}

// GetReJITParameters implements rejit.Client.
func (s *BodyStore) GetReJITParameters(module versioning.Module, token versioning.MethodToken, fc *rejit.FunctionControl) error {
	s.mu.Lock()
	key := bodyKey{module: module.Name(), token: token}
	p, ok := s.bodies[key]
	delete(s.bodies, key)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	if len(p.body.IL) > 0 {
		fc.SetILFunctionBody(p.body.IL)
	}
	if p.body.JitFlags != 0 {
		fc.SetCodegenFlags(versioning.JitFlags(p.body.JitFlags))
	}
	if len(p.body.OffsetMap) > 0 {
		m := make(versioning.InstrumentedILOffsetMapping, len(p.body.OffsetMap))
		for i, e := range p.body.OffsetMap {
			m[i] = versioning.ILOffsetMapEntry{OldOffset: e.Old, NewOffset: e.New}
		}
		fc.SetILInstrumentedCodeMap(m)
	}
	log.Debugf("delivered body for %s (%d bytes, session %s)", versioning.MethodKey{Module: module, Token: token}, len(p.body.IL), p.sessionID)
	return nil
}

// ReleaseSession drops every undelivered body owned by a session.
func (s *BodyStore) ReleaseSession(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, p := range s.bodies {
		if p.sessionID == sessionID {
			delete(s.bodies, key)
			removed++
		}
	}
	return removed
}

// Sweep drops bodies older than ttl.
func (s *BodyStore) Sweep(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for key, p := range s.bodies {
		if p.created.Before(cutoff) {
			delete(s.bodies, key)
			removed++
		}
	}
	return removed
}
