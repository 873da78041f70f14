package server

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"

	"github.com/chazu/keysmith/editor"
)

// ---------------------------------------------------------------------------
// LSP helpers
// ---------------------------------------------------------------------------

func TestDocumentEnd(t *testing.T) {
	tests := []struct {
		text string
		want protocol.Position
	}{
		{"", protocol.Position{Line: 0, Character: 0}},
		{"abc", protocol.Position{Line: 0, Character: 3}},
		{"abc\n", protocol.Position{Line: 1, Character: 0}},
		{"a\nbc", protocol.Position{Line: 1, Character: 2}},
		// U+1F511 is two UTF-16 code units.
		{"key: \U0001F511", protocol.Position{Line: 0, Character: 7}},
	}
	for _, tt := range tests {
		if got := documentEnd(tt.text); got != tt.want {
			t.Errorf("documentEnd(%q) = %+v, want %+v", tt.text, got, tt.want)
		}
	}
}

func TestCommandArgs(t *testing.T) {
	args := []any{"xor_const", float64(-1), nil, true}

	if s, err := stringArg(args, 0); err != nil || s != "xor_const" {
		t.Errorf("stringArg(0) = %q, %v", s, err)
	}
	if n, err := intArg(args, 1); err != nil || n != -1 {
		t.Errorf("intArg(1) = %d, %v", n, err)
	}
	if _, err := stringArg(args, 2); err == nil {
		t.Error("stringArg of a nil argument should fail")
	}
	if _, err := intArg(args, 3); err == nil {
		t.Error("intArg of a bool should fail")
	}
	if _, err := intArg([]any{1.5}, 0); err == nil {
		t.Error("intArg of 1.5 should fail")
	}
	if _, err := stringArg(args, 9); err == nil {
		t.Error("stringArg past the end should fail")
	}
}

func TestBoolPtr(t *testing.T) {
	p := boolPtr(true)
	if p == nil || !*p {
		t.Error("boolPtr(true) should point at true")
	}
	if *boolPtr(false) {
		t.Error("boolPtr(false) should point at false")
	}
}

// ---------------------------------------------------------------------------
// LSP session flow
// ---------------------------------------------------------------------------

// lspClient records what the server sends to the editor.
type lspClient struct {
	mu       sync.Mutex
	edits    []string
	notified map[string][]any
}

func newLSPClient() *lspClient {
	return &lspClient{notified: make(map[string][]any)}
}

func (c *lspClient) context() *glsp.Context {
	return &glsp.Context{
		Notify: func(method string, params any) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.notified[method] = append(c.notified[method], params)
		},
		Call: func(method string, params any, result any) {
			c.mu.Lock()
			defer c.mu.Unlock()
			if p, ok := params.(protocol.ApplyWorkspaceEditParams); ok {
				for _, edits := range p.Edit.Changes {
					for _, e := range edits {
						c.edits = append(c.edits, e.NewText)
					}
				}
			}
			if r, ok := result.(*protocol.ApplyWorkspaceEditResponse); ok {
				r.Applied = true
			}
		},
	}
}

func (c *lspClient) lastEdit() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.edits) == 0 {
		return ""
	}
	return c.edits[len(c.edits)-1]
}

func (c *lspClient) count(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.notified[method])
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestLSP(t *testing.T, env *testEnv) (*LspServer, *lspClient, *glsp.Context) {
	t.Helper()
	s := NewLSP(editor.New(env.Gateway, env.Catalog, editor.Options{}))
	client := newLSPClient()
	ctx := client.context()
	if err := s.initialized(ctx, &protocol.InitializedParams{}); err != nil {
		t.Fatalf("initialized: %v", err)
	}
	t.Cleanup(func() { _ = s.shutdown(ctx) })
	return s, client, ctx
}

const testURI = protocol.DocumentUri("file:///tmp/key.py")

func openDoc(t *testing.T, s *LspServer, ctx *glsp.Context, text string) {
	t.Helper()
	err := s.textDocumentDidOpen(ctx, &protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{URI: testURI, LanguageID: "python", Version: 1, Text: text},
	})
	if err != nil {
		t.Fatalf("didOpen: %v", err)
	}
}

func changeDoc(t *testing.T, s *LspServer, ctx *glsp.Context, text string) {
	t.Helper()
	params := &protocol.DidChangeTextDocumentParams{
		ContentChanges: []any{protocol.TextDocumentContentChangeEventWhole{Text: text}},
	}
	params.TextDocument.URI = testURI
	if err := s.textDocumentDidChange(ctx, params); err != nil {
		t.Fatalf("didChange: %v", err)
	}
}

func TestLSP_Initialize(t *testing.T) {
	env := newTestEnv(t)
	defer env.Stop()
	s, _, ctx := newTestLSP(t, env)

	res, err := s.initialize(ctx, &protocol.InitializeParams{})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	result := res.(protocol.InitializeResult)
	if result.ServerInfo == nil || result.ServerInfo.Name != lspName {
		t.Errorf("server info = %+v", result.ServerInfo)
	}
	opts := result.Capabilities.ExecuteCommandProvider
	if opts == nil || len(opts.Commands) != len(lspCommands) {
		t.Errorf("execute command provider = %#v", opts)
	}
}

func TestLSP_EmptyDocumentLoadsProgram(t *testing.T) {
	env := newTestEnv(t)
	defer env.Stop()
	s, client, ctx := newTestLSP(t, env)

	openDoc(t, s, ctx, "")
	waitFor(t, "the placeholder edit", func() bool {
		return client.lastEdit() == editor.DefaultPlaceholder
	})
}

func TestLSP_CommandsRegenerateDocument(t *testing.T) {
	env := newTestEnv(t)
	defer env.Stop()
	s, client, ctx := newTestLSP(t, env)
	openDoc(t, s, ctx, "")

	res, err := s.workspaceExecuteCommand(ctx, &protocol.ExecuteCommandParams{
		Command:   CommandAddBlock,
		Arguments: []any{"reverse_bytes"},
	})
	if err != nil {
		t.Fatalf("addBlock: %v", err)
	}
	added := res.(*AddBlockResponse)
	if added.InstanceID == "" {
		t.Fatal("addBlock should report the new instance")
	}
	waitFor(t, "the regenerated text", func() bool {
		return strings.Contains(client.lastEdit(), "data = data[::-1]")
	})

	if _, err := s.workspaceExecuteCommand(ctx, &protocol.ExecuteCommandParams{
		Command:   CommandDeleteBlock,
		Arguments: []any{added.InstanceID},
	}); err != nil {
		t.Fatalf("deleteBlock: %v", err)
	}
	waitFor(t, "the placeholder after delete", func() bool {
		return client.lastEdit() == editor.DefaultPlaceholder
	})

	if _, err := s.workspaceExecuteCommand(ctx, &protocol.ExecuteCommandParams{Command: "keysmith.nope"}); err == nil {
		t.Error("an unknown command should fail")
	}
	if _, err := s.workspaceExecuteCommand(ctx, &protocol.ExecuteCommandParams{
		Command:   CommandMoveBlock,
		Arguments: []any{added.InstanceID, float64(3)},
	}); err == nil {
		t.Error("moveBlock with direction 3 should fail")
	}
	if _, err := s.workspaceExecuteCommand(ctx, &protocol.ExecuteCommandParams{
		Command:   CommandMoveBlock,
		Arguments: []any{added.InstanceID, 1.5},
	}); err == nil {
		t.Error("moveBlock with direction 1.5 should fail")
	}
}

func TestLSP_TypingAndFailedSync(t *testing.T) {
	env := newTestEnv(t)
	defer env.Stop()
	s, client, ctx := newTestLSP(t, env)
	openDoc(t, s, ctx, "")
	waitFor(t, "the placeholder edit", func() bool { return client.lastEdit() != "" })

	typed := "def transform_key(data):\n    return data\n"
	changeDoc(t, s, ctx, typed)

	res, err := s.workspaceExecuteCommand(ctx, &protocol.ExecuteCommandParams{Command: CommandView})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	v := res.(*ViewResponse).View
	if v.State != editor.ManualEditing || v.Text != typed {
		t.Fatalf("view after typing = %+v", v)
	}

	res, err = s.workspaceExecuteCommand(ctx, &protocol.ExecuteCommandParams{Command: CommandSyncToBlocks})
	if err != nil {
		t.Fatalf("syncToBlocks: %v", err)
	}
	synced := res.(*SyncToBlocksResponse)
	if synced.Success || synced.Error != "parser not available" {
		t.Errorf("sync response = %+v", synced)
	}
	waitFor(t, "the error message", func() bool {
		return client.count(protocol.ServerWindowShowMessage) > 0
	})
	waitFor(t, "the diagnostic", func() bool {
		return client.count(protocol.ServerTextDocumentPublishDiagnostics) > 0
	})
	if client.lastEdit() == typed {
		t.Error("typed text should never be pushed back as an edit")
	}
}

func TestLSP_OnlyFirstDocumentIsBound(t *testing.T) {
	env := newTestEnv(t)
	defer env.Stop()
	s, _, ctx := newTestLSP(t, env)
	openDoc(t, s, ctx, "")

	err := s.textDocumentDidOpen(ctx, &protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{URI: "file:///tmp/other.py", Text: "x = 1"},
	})
	if err != nil {
		t.Fatalf("didOpen: %v", err)
	}
	res, _ := s.workspaceExecuteCommand(ctx, &protocol.ExecuteCommandParams{Command: CommandView})
	if v := res.(*ViewResponse).View; v.State != editor.Clean {
		t.Errorf("a second document changed the session: %+v", v)
	}
}
