package server

import (
	"context"
	"errors"
	"fmt"

	"connectrpc.com/connect"

	apiv1 "github.com/chazu/codever/api/v1"
	"github.com/chazu/codever/diag"
	"github.com/chazu/codever/metadata"
	"github.com/chazu/codever/rejit"
	"github.com/chazu/codever/versioning"
)

// InstrumentationService implements codever.v1.InstrumentationService.
type InstrumentationService struct {
	mgr      *versioning.CodeVersionManager
	rejit    *rejit.Manager
	registry *metadata.Registry
	sessions *SessionStore
	bodies   *BodyStore
}

// NewInstrumentationService creates an InstrumentationService.
func NewInstrumentationService(mgr *versioning.CodeVersionManager, rj *rejit.Manager, registry *metadata.Registry, sessions *SessionStore, bodies *BodyStore) *InstrumentationService {
	return &InstrumentationService{
		mgr:      mgr,
		rejit:    rj,
		registry: registry,
		sessions: sessions,
		bodies:   bodies,
	}
}

// Attach opens a session.
func (s *InstrumentationService) Attach(
	ctx context.Context,
	req *connect.Request[apiv1.AttachRequest],
) (*connect.Response[apiv1.AttachResponse], error) {
	session := s.sessions.Create(req.Msg.ClientName)
	log.Infof("session %s attached (%q)", session.ID, session.Name)
	return connect.NewResponse(&apiv1.AttachResponse{SessionID: session.ID}), nil
}

// Detach closes a session. Bodies it supplied that were not delivered yet
// are dropped.
func (s *InstrumentationService) Detach(
	ctx context.Context,
	req *connect.Request[apiv1.DetachRequest],
) (*connect.Response[apiv1.DetachResponse], error) {
	if _, err := s.session(req.Msg.SessionID); err != nil {
		return nil, err
	}
	s.sessions.Destroy(req.Msg.SessionID)
	return connect.NewResponse(&apiv1.DetachResponse{}), nil
}

// RequestReJIT creates and activates new IL versions.
func (s *InstrumentationService) RequestReJIT(
	ctx context.Context,
	req *connect.Request[apiv1.RequestReJITRequest],
) (*connect.Response[apiv1.RequestResponse], error) {
	if _, err := s.session(req.Msg.SessionID); err != nil {
		return nil, err
	}
	keys, err := s.resolve(req.Msg.Methods)
	if err != nil {
		return nil, err
	}
	inliners, err := s.resolve(req.Msg.Inliners)
	if err != nil {
		return nil, err
	}
	for _, body := range req.Msg.Bodies {
		if _, err := s.resolve([]apiv1.MethodKey{body.Method}); err != nil {
			return nil, err
		}
	}

	for _, body := range req.Msg.Bodies {
		s.bodies.Put(body, req.Msg.SessionID)
	}
	result, err := s.rejit.RequestReJIT(keys, rejit.RequestOptions{
		Inliners:   inliners,
		Deoptimize: req.Msg.Deoptimize,
	})
	if err != nil {
		for _, body := range req.Msg.Bodies {
			s.bodies.Drop(body.Method)
		}
		return nil, toConnectError(err)
	}
	s.sessions.Record(req.Msg.SessionID, result.ID.String())
	return connect.NewResponse(requestResponse(result)), nil
}

// RequestRevert makes the original IL active again.
func (s *InstrumentationService) RequestRevert(
	ctx context.Context,
	req *connect.Request[apiv1.RequestRevertRequest],
) (*connect.Response[apiv1.RequestResponse], error) {
	if _, err := s.session(req.Msg.SessionID); err != nil {
		return nil, err
	}
	keys, err := s.resolve(req.Msg.Methods)
	if err != nil {
		return nil, err
	}
	result, err := s.rejit.RequestRevert(keys)
	if err != nil {
		return nil, toConnectError(err)
	}
	s.sessions.Record(req.Msg.SessionID, result.ID.String())
	return connect.NewResponse(requestResponse(result)), nil
}

// ListVersions returns the IL versions of one method and the native
// versions of each of its instantiations.
func (s *InstrumentationService) ListVersions(
	ctx context.Context,
	req *connect.Request[apiv1.ListVersionsRequest],
) (*connect.Response[apiv1.ListVersionsResponse], error) {
	if _, err := s.resolve([]apiv1.MethodKey{req.Msg.Method}); err != nil {
		return nil, err
	}
	snap := diag.Capture(s.mgr, s.registry.AllMethods()...)
	resp := &apiv1.ListVersionsResponse{}
	if rec, ok := snap.ILKey(req.Msg.Method.Module, req.Msg.Method.Token); ok {
		resp.ActiveReJITID = rec.Active
		resp.ILVersions = rec.Versions
	}
	for _, m := range snap.Methods {
		if m.Module == req.Msg.Method.Module && m.Token == req.Msg.Method.Token {
			resp.Methods = append(resp.Methods, m)
		}
	}
	return connect.NewResponse(resp), nil
}

// Snapshot returns the full version state.
func (s *InstrumentationService) Snapshot(
	ctx context.Context,
	req *connect.Request[apiv1.SnapshotRequest],
) (*connect.Response[apiv1.SnapshotResponse], error) {
	return connect.NewResponse(&apiv1.SnapshotResponse{Snapshot: diag.Capture(s.mgr, s.registry.AllMethods()...)}), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *InstrumentationService) session(id string) (*Session, error) {
	if id == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("session_id is required"))
	}
	session, ok := s.sessions.Get(id)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", id))
	}
	return session, nil
}

func (s *InstrumentationService) resolve(methods []apiv1.MethodKey) ([]versioning.MethodKey, error) {
	keys := make([]versioning.MethodKey, 0, len(methods))
	for _, m := range methods {
		mod, ok := s.registry.Module(m.Module)
		if !ok {
			return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("module %q not loaded", m.Module))
		}
		token := versioning.MethodToken(m.Token)
		if mod.OriginalIL(token) == nil {
			return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("method %08x not defined in %q", m.Token, m.Module))
		}
		keys = append(keys, versioning.MethodKey{Module: mod, Token: token})
	}
	return keys, nil
}

func requestResponse(r rejit.Request) *apiv1.RequestResponse {
	resp := &apiv1.RequestResponse{RequestID: r.ID.String()}
	for _, il := range r.Versions {
		resp.Versions = append(resp.Versions, apiv1.ILVersionRef{
			Method:  apiv1.MethodKey{Module: il.Module().Name(), Token: uint32(il.Token())},
			ReJITID: uint64(il.VersionID()),
		})
	}
	for _, e := range r.Errors {
		pe := apiv1.PublishError{
			Method:  apiv1.MethodKey{Module: e.Module.Name(), Token: uint32(e.Token)},
			Message: e.Err.Error(),
		}
		if e.Method != nil {
			pe.MethodName = e.Method.Name()
		}
		resp.Errors = append(resp.Errors, pe)
	}
	return resp
}

func toConnectError(err error) error {
	switch {
	case errors.Is(err, rejit.ErrNoKeys):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, rejit.ErrDisabled):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, versioning.ErrVersionLimit):
		return connect.NewError(connect.CodeResourceExhausted, err)
	case errors.Is(err, versioning.ErrShuttingDown):
		return connect.NewError(connect.CodeUnavailable, err)
	}
	return connect.NewError(connect.CodeInternal, err)
}
