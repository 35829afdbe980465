package rejit

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/codever/versioning"
)

var log = commonlog.GetLogger("codever.rejit")

var (
	// ErrDisabled is returned for requests when rejit is turned off.
	ErrDisabled = errors.New("rejit: disabled")
	// ErrNoKeys is returned for requests naming no methods.
	ErrNoKeys = errors.New("rejit: no methods in request")
)

// RequestOptions qualifies a rejit request.
type RequestOptions struct {
	// Inliners are methods that inlined one of the requested methods. They
	// get new IL versions too, so their code is regenerated, but the client
	// is not asked for their parameters.
	Inliners []versioning.MethodKey
	// Deoptimize asks for the new versions to run unoptimized code.
	Deoptimize bool
}

// Request is the outcome of RequestReJIT or RequestRevert.
type Request struct {
	ID       uuid.UUID
	Versions []versioning.ILCodeVersion
	Errors   []versioning.CodePublishError
}

// Manager drives rejit requests against a CodeVersionManager and is its IL
// configurer.
type Manager struct {
	mgr    *versioning.CodeVersionManager
	client Client

	// Serializes requests so a batch sees the versions it created.
	requestMu sync.Mutex
	enabled   atomic.Bool

	requests   atomic.Uint64
	reverts    atomic.Uint64
	callbacks  atomic.Uint64
	suppressed atomic.Uint64
}

// NewManager creates a Manager and installs it as mgr's IL configurer.
func NewManager(mgr *versioning.CodeVersionManager, client Client) *Manager {
	m := &Manager{mgr: mgr, client: client}
	m.enabled.Store(true)
	mgr.SetILConfigurer(m)
	return m
}

// SetEnabled turns request handling on or off. Versions already requested
// are still configured.
func (m *Manager) SetEnabled(enabled bool) {
	m.enabled.Store(enabled)
}

// Enabled reports whether requests are accepted.
func (m *Manager) Enabled() bool {
	return m.enabled.Load()
}

// RequestReJIT gives every key and inliner a new IL version and makes it
// active. A key whose newest version is still Requested reuses it.
//
// Per-method failures are returned in Request.Errors; the error result is
// only set when the request could not be made at all.
func (m *Manager) RequestReJIT(keys []versioning.MethodKey, opts RequestOptions) (Request, error) {
	if !m.Enabled() {
		return Request{}, ErrDisabled
	}
	if len(keys) == 0 {
		return Request{}, ErrNoKeys
	}
	m.requestMu.Lock()
	defer m.requestMu.Unlock()

	req := Request{ID: uuid.New()}
	for _, key := range keys {
		il, err := m.pendingVersion(key, opts.Deoptimize, false)
		if err != nil {
			return Request{}, err
		}
		req.Versions = append(req.Versions, il)
	}
	for _, key := range opts.Inliners {
		il, err := m.pendingVersion(key, opts.Deoptimize, true)
		if err != nil {
			return Request{}, err
		}
		req.Versions = append(req.Versions, il)
	}

	if err := m.activate(&req); err != nil {
		return req, err
	}
	m.requests.Add(1)
	log.Infof("rejit request %s: %d versions, %d failures", req.ID, len(req.Versions), len(req.Errors))
	return req, nil
}

// pendingVersion returns the newest IL version of key if it has not been
// configured yet, or adds a new one.
func (m *Manager) pendingVersion(key versioning.MethodKey, deoptimize, suppress bool) (versioning.ILCodeVersion, error) {
	defer m.mgr.EnterLock().Release()

	var newest versioning.ILCodeVersion
	for il := range m.mgr.GetILCodeVersions(key.Module, key.Token).All() {
		newest = il
	}
	reusable := !newest.IsDefaultVersion() &&
		newest.RejitState() == versioning.RejitStateRequested &&
		newest.IsDeoptimized() == deoptimize &&
		newest.SuppressParams() == suppress
	if reusable {
		return newest, nil
	}

	il, err := m.mgr.AddILCodeVersion(key.Module, key.Token, deoptimize)
	if err != nil {
		return versioning.ILCodeVersion{}, fmt.Errorf("rejit: %s: %w", key, err)
	}
	il.SetEnableReJITCallback(!suppress)
	if suppress {
		il.SetSuppressParams()
	}
	return il, nil
}

// RequestRevert makes the default IL version of every key active again.
func (m *Manager) RequestRevert(keys []versioning.MethodKey) (Request, error) {
	if len(keys) == 0 {
		return Request{}, ErrNoKeys
	}
	m.requestMu.Lock()
	defer m.requestMu.Unlock()

	req := Request{ID: uuid.New()}
	for _, key := range keys {
		def, ok := m.mgr.GetILCodeVersionForKey(key, 0)
		if !ok {
			return Request{}, fmt.Errorf("rejit: %s: %w", key, versioning.ErrUnknownILVersion)
		}
		req.Versions = append(req.Versions, def)
	}

	if err := m.activate(&req); err != nil {
		return req, err
	}
	m.reverts.Add(1)
	log.Infof("revert request %s: %d methods, %d failures", req.ID, len(req.Versions), len(req.Errors))
	return req, nil
}

func (m *Manager) activate(req *Request) error {
	errs, err := m.mgr.SetActiveILCodeVersions(req.Versions)
	req.Errors = errs
	if errors.Is(err, versioning.ErrPartialPublish) {
		return nil
	}
	return err
}

// ConfigureILCodeVersion implements versioning.ILConfigurer. It asks the
// client for the parameters of il and moves it to Active.
func (m *Manager) ConfigureILCodeVersion(il versioning.ILCodeVersion) error {
	m.mgr.AssertLockOwned()
	if il.RejitState() == versioning.RejitStateActive {
		return nil
	}

	// Only versions created by a request call back into the client.
	original := il.Module().OriginalIL(il.Token())
	if il.SuppressParams() || !il.EnableReJITCallback() || m.client == nil {
		il.SetIL(original)
		m.suppressed.Add(1)
		return il.SetRejitState(versioning.RejitStateActive)
	}

	if err := il.SetRejitState(versioning.RejitStateGettingParameters); err != nil {
		return err
	}
	fc := newFunctionControl(original, il.JitFlags())
	m.callbacks.Add(1)
	if err := m.client.GetReJITParameters(il.Module(), il.Token(), fc); err != nil {
		// The version stays in GettingParameters and gets no code; the next
		// publication asks the client again.
		log.Errorf("client failed to supply parameters for %s: %s", il, err)
		return fmt.Errorf("rejit: parameters for %s: %w", il, err)
	}
	fc.apply(il)
	log.Debugf("configured %s (%d bytes of IL, flags %#x)", il, len(il.IL()), uint32(il.JitFlags()))
	return il.SetRejitState(versioning.RejitStateActive)
}

// Stats holds rejit statistics.
type Stats struct {
	Requests   uint64
	Reverts    uint64
	Callbacks  uint64
	Suppressed uint64
}

func (m *Manager) Stats() Stats {
	return Stats{
		Requests:   m.requests.Load(),
		Reverts:    m.reverts.Load(),
		Callbacks:  m.callbacks.Load(),
		Suppressed: m.suppressed.Load(),
	}
}
