package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"connectrpc.com/connect"

	apiv1 "github.com/chazu/codever/api/v1"
	"github.com/chazu/codever/metadata"
	"github.com/chazu/codever/rejit"
	"github.com/chazu/codever/versioning"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure for server package tests.
//
// Every test gets its own manager and server; rejit requests mutate the
// version state, so nothing is shared between tests.
// ---------------------------------------------------------------------------

// testEnv bundles a manager with one loaded module, the server in front of
// it, and an httptest server serving its handler.
type testEnv struct {
	mgr      *versioning.CodeVersionManager
	registry *metadata.Registry
	module   *metadata.Module
	run      *metadata.MethodDesc
	bodies   *BodyStore
	rejit    *rejit.Manager
	server   *Server
	http     *httptest.Server

	lastIL atomic.Pointer[string]
	next   atomic.Uintptr
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{registry: metadata.NewRegistry()}
	env.module = env.registry.LoadModule("app")
	env.module.DefineMethod(1, []byte("run-body"))
	env.module.DefineMethod(2, []byte("idle-body"))

	env.mgr = versioning.NewCodeVersionManager(versioning.Options{
		Instantiations: env.registry,
		CodeGenerator: versioning.CodeGeneratorFunc(func(_ versioning.NativeCodeVersion, il versioning.ILCodeVersion) (versioning.CodeAddress, error) {
			body := string(il.ILOrOriginal())
			env.lastIL.Store(&body)
			return versioning.CodeAddress(0x9000 + env.next.Add(0x10)), nil
		}),
	})
	env.run = env.registry.Instantiate(env.module, 1, "Run", "", true)
	env.registry.Instantiate(env.module, 2, "Idle", "", true)
	env.publish(t)

	env.bodies = NewBodyStore()
	env.rejit = rejit.NewManager(env.mgr, env.bodies)
	env.server = New(env.mgr, env.rejit, env.registry, env.bodies)
	env.http = httptest.NewServer(env.server.Handler())
	t.Cleanup(func() {
		env.http.Close()
		env.server.Stop()
	})
	return env
}

// publish runs Run through the prestub, as a call would.
func (env *testEnv) publish(t *testing.T) {
	t.Helper()
	if _, err := env.mgr.PublishVersionableCodeIfNecessary(env.run, versioning.CallerModeCallSite); err != nil {
		t.Fatal(err)
	}
}

func (env *testEnv) generatedIL() string {
	if p := env.lastIL.Load(); p != nil {
		return *p
	}
	return ""
}

// ---------------------------------------------------------------------------
// Connect clients
// ---------------------------------------------------------------------------

func newConnectClient[Req, Res any](env *testEnv, procedure string) *connect.Client[Req, Res] {
	return connect.NewClient[Req, Res](http.DefaultClient, env.http.URL+procedure, connect.WithCodec(apiv1.Codec{}))
}

func (env *testEnv) attach(t *testing.T) string {
	t.Helper()
	c := newConnectClient[apiv1.AttachRequest, apiv1.AttachResponse](env, apiv1.AttachProcedure)
	resp, err := c.CallUnary(t.Context(), connect.NewRequest(&apiv1.AttachRequest{ClientName: "test"}))
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	return resp.Msg.SessionID
}

func (env *testEnv) requestReJIT(t *testing.T, req *apiv1.RequestReJITRequest) (*apiv1.RequestResponse, error) {
	t.Helper()
	c := newConnectClient[apiv1.RequestReJITRequest, apiv1.RequestResponse](env, apiv1.RequestReJITProcedure)
	resp, err := c.CallUnary(t.Context(), connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}

func runKey() apiv1.MethodKey {
	return apiv1.MethodKey{Module: "app", Token: 1}
}

func assertCode(t *testing.T, err error, want connect.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v error, got nil", want)
	}
	var cerr *connect.Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected connect error, got %T: %v", err, err)
	}
	if cerr.Code() != want {
		t.Errorf("code = %v, want %v (%v)", cerr.Code(), want, err)
	}
}
