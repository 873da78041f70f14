package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"testing"

	"connectrpc.com/connect"

	"github.com/chazu/keysmith/block"
	"github.com/chazu/keysmith/catalog"
	"github.com/chazu/keysmith/editor"
	"github.com/chazu/keysmith/execute"
	"github.com/chazu/keysmith/gateway"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure for server package tests.
//
// Every test builds its own environment: a catalog manager over the builtin
// vocabulary, the template generator with a scriptable parser, and a
// session store. Sessions are cheap, so nothing is shared between tests.
// ---------------------------------------------------------------------------

// stubGateway generates with the template generator and parses with
// whatever the test installed.
type stubGateway struct {
	*gateway.Template

	mu    sync.Mutex
	parse func(text string) (block.Forest, error)
}

func (g *stubGateway) Parse(ctx context.Context, text string) (block.Forest, error) {
	g.mu.Lock()
	fn := g.parse
	g.mu.Unlock()
	if fn == nil {
		return g.Template.Parse(ctx, text)
	}
	return fn(text)
}

func (g *stubGateway) setParse(fn func(text string) (block.Forest, error)) {
	g.mu.Lock()
	g.parse = fn
	g.mu.Unlock()
}

// stubExecutor records the last call and answers with result.
type stubExecutor struct {
	mu       sync.Mutex
	code     string
	inputHex string
	result   execute.Result
	err      error
}

func (x *stubExecutor) Execute(ctx context.Context, code, inputHex string) (execute.Result, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.code = code
	x.inputHex = inputHex
	return x.result, x.err
}

// testEnv bundles the collaborators a server needs.
type testEnv struct {
	Catalog  *catalog.Manager
	Gateway  *stubGateway
	Executor *stubExecutor
	Sessions *SessionStore
}

// newTestEnv creates an environment over the builtin catalog.
// The caller must call env.Stop() when done.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	schema, err := catalog.NewSchema()
	if err != nil {
		t.Fatalf("NewSchema: %v", err)
	}
	mgr := catalog.NewManager(catalog.NewMemory(nil), catalog.WithSchema(schema))
	if err := mgr.Load(bg()); err != nil {
		t.Fatalf("loading builtin catalog: %v", err)
	}
	gw := &stubGateway{Template: gateway.NewTemplate(mgr)}
	env := &testEnv{
		Catalog:  mgr,
		Gateway:  gw,
		Executor: &stubExecutor{result: execute.Result{Success: true, Output: "ok"}},
	}
	env.Sessions = NewSessionStore(func() *editor.Engine {
		return editor.New(gw, mgr, editor.Options{})
	})
	return env
}

func (e *testEnv) Stop() {
	e.Sessions.DestroyAll()
}

func (e *testEnv) editorService() *EditorService {
	return NewEditorService(e.Sessions, e.Executor)
}

// newSession creates a session through the service and returns its id.
func (e *testEnv) newSession(t *testing.T, svc *EditorService) string {
	t.Helper()
	resp, err := svc.CreateSession(bg(), connectReq(&CreateSessionRequest{}))
	if err != nil {
		t.Fatalf("CreateSession returned error: %v", err)
	}
	return resp.Msg.SessionID
}

// startTestServer serves a full Server on a loopback port.
func startTestServer(t *testing.T, env *testEnv, opts ...ServerOption) (string, func()) {
	t.Helper()

	srv := New(env.Gateway, env.Catalog, opts...)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	httpSrv := &http.Server{Handler: srv.Handler()}
	go func() { _ = httpSrv.Serve(listener) }()

	baseURL := fmt.Sprintf("http://%s", listener.Addr().String())
	stop := func() {
		httpSrv.Close()
		srv.Stop()
	}

	return baseURL, stop
}

// ---------------------------------------------------------------------------
// Request builder helpers.
// ---------------------------------------------------------------------------

func connectReq[T any](msg *T) *connect.Request[T] {
	return connect.NewRequest(msg)
}

func bg() context.Context {
	return context.Background()
}

func ref(id string) SessionRef {
	return SessionRef{SessionID: id, Settle: true}
}
