package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode/utf16"

	"github.com/tliron/commonlog"
	"github.com/tliron/glsp"
	protocol "github.com/tliron/glsp/protocol_3_16"
	glspserver "github.com/tliron/glsp/server"

	"github.com/chazu/keysmith/block"
	"github.com/chazu/keysmith/editor"
	"github.com/chazu/keysmith/gateway"

	_ "github.com/tliron/commonlog/simple"
)

const lspName = "keysmith-lsp"

// Commands understood by workspace/executeCommand.
const (
	CommandSyncToBlocks = "keysmith.syncToBlocks"
	CommandAddBlock     = "keysmith.addBlock"
	CommandDeleteBlock  = "keysmith.deleteBlock"
	CommandMoveBlock    = "keysmith.moveBlock"
	CommandSelect       = "keysmith.select"
	CommandView         = "keysmith.view"
)

var lspCommands = []string{
	CommandSyncToBlocks,
	CommandAddBlock,
	CommandDeleteBlock,
	CommandMoveBlock,
	CommandSelect,
	CommandView,
}

// LspServer binds one editing session to the first document an editor
// opens. Typing in the document is manual editing; regenerated text is
// pushed back with workspace/applyEdit and sync failures are published as
// diagnostics.
type LspServer struct {
	engine *editor.Engine

	mu        sync.Mutex
	uri       protocol.DocumentUri // bound document, empty until opened
	text      string               // last text known to be in the document
	lastError string
	notify    glsp.NotifyFunc
	call      glsp.CallFunc
	stopWatch func()

	handler protocol.Handler
	server  *glspserver.Server
	version string
}

// NewLSP creates a new LSP server driving the given engine. The engine is
// stopped when the client shuts the server down.
func NewLSP(engine *editor.Engine) *LspServer {
	s := &LspServer{
		engine:  engine,
		version: "0.1.0",
	}

	s.handler = protocol.Handler{
		Initialize:  s.initialize,
		Initialized: s.initialized,
		Shutdown:    s.shutdown,
		SetTrace:    s.setTrace,

		TextDocumentDidOpen:   s.textDocumentDidOpen,
		TextDocumentDidChange: s.textDocumentDidChange,
		TextDocumentDidClose:  s.textDocumentDidClose,

		WorkspaceExecuteCommand: s.workspaceExecuteCommand,
	}

	s.server = glspserver.NewServer(&s.handler, lspName, false)

	return s
}

// Run starts the LSP server on stdio. Blocks until the client disconnects.
func (s *LspServer) Run() error {
	return s.server.RunStdio()
}

// --- LSP lifecycle handlers ---

func (s *LspServer) initialize(ctx *glsp.Context, params *protocol.InitializeParams) (any, error) {
	commonlog.NewInfoMessage(0, "keysmith LSP initializing")

	capabilities := s.handler.CreateServerCapabilities()

	syncKind := protocol.TextDocumentSyncKindFull
	capabilities.TextDocumentSync = &protocol.TextDocumentSyncOptions{
		OpenClose: boolPtr(true),
		Change:    &syncKind,
	}
	capabilities.ExecuteCommandProvider = &protocol.ExecuteCommandOptions{
		Commands: lspCommands,
	}

	return protocol.InitializeResult{
		Capabilities: capabilities,
		ServerInfo: &protocol.InitializeResultServerInfo{
			Name:    lspName,
			Version: &s.version,
		},
	}, nil
}

func (s *LspServer) initialized(ctx *glsp.Context, params *protocol.InitializedParams) error {
	views, cancel, err := s.engine.Subscribe()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.notify = ctx.Notify
	s.call = ctx.Call
	s.stopWatch = cancel
	s.mu.Unlock()

	go func() {
		for v := range views {
			s.onView(v)
		}
	}()
	return nil
}

func (s *LspServer) shutdown(ctx *glsp.Context) error {
	s.mu.Lock()
	stop := s.stopWatch
	s.stopWatch = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.engine.Stop()
	return nil
}

func (s *LspServer) setTrace(ctx *glsp.Context, params *protocol.SetTraceParams) error {
	return nil
}

// --- Document synchronization ---

func (s *LspServer) textDocumentDidOpen(ctx *glsp.Context, params *protocol.DidOpenTextDocumentParams) error {
	uri := params.TextDocument.URI
	text := params.TextDocument.Text

	s.mu.Lock()
	if s.uri != "" && s.uri != uri {
		s.mu.Unlock()
		log.Infof("ignoring %s, session is bound to %s", uri, s.uri)
		return nil
	}
	s.uri = uri
	s.text = text
	s.mu.Unlock()

	// An empty document takes the session's text; anything else is treated
	// as typed by the user.
	if strings.TrimSpace(text) == "" {
		v, err := s.engine.Snapshot()
		if err != nil {
			return err
		}
		// Calls block until the client answers, which it cannot do while
		// this handler holds the connection.
		go s.push(v.Text, "keysmith: load program")
		return nil
	}
	return s.engine.EditText(text)
}

func (s *LspServer) textDocumentDidChange(ctx *glsp.Context, params *protocol.DidChangeTextDocumentParams) error {
	uri := params.TextDocument.URI

	// With Full sync, the last change event contains the full text
	if len(params.ContentChanges) == 0 {
		return nil
	}
	last := params.ContentChanges[len(params.ContentChanges)-1]
	whole, ok := last.(protocol.TextDocumentContentChangeEventWhole)
	if !ok {
		return nil
	}

	s.mu.Lock()
	if uri != s.uri {
		s.mu.Unlock()
		return nil
	}
	echo := whole.Text == s.text
	s.text = whole.Text
	s.mu.Unlock()

	if echo {
		// Our own applyEdit coming back.
		return nil
	}
	return s.engine.EditText(whole.Text)
}

func (s *LspServer) textDocumentDidClose(ctx *glsp.Context, params *protocol.DidCloseTextDocumentParams) error {
	uri := params.TextDocument.URI

	s.mu.Lock()
	if uri != s.uri {
		s.mu.Unlock()
		return nil
	}
	s.uri = ""
	s.text = ""
	s.lastError = ""
	s.mu.Unlock()

	// Clear diagnostics for the closed document
	go ctx.Notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: []protocol.Diagnostic{},
	})
	return nil
}

// --- Commands ---

func (s *LspServer) workspaceExecuteCommand(ctx *glsp.Context, params *protocol.ExecuteCommandParams) (any, error) {
	args := params.Arguments
	switch params.Command {
	case CommandSyncToBlocks:
		v, err := s.engine.SyncToBlocks(context.Background())
		var pe *gateway.ParseError
		switch {
		case err == nil:
			return &SyncToBlocksResponse{Success: true, View: v}, nil
		case errors.As(err, &pe):
			s.showMessage(ctx, protocol.MessageTypeError, "Sync to blocks failed: "+parseMessage(pe))
			return &SyncToBlocksResponse{Success: false, Error: parseMessage(pe), View: v}, nil
		case errors.Is(err, editor.ErrStaleResync):
			s.showMessage(ctx, protocol.MessageTypeWarning, "The program changed while syncing; try again.")
			return nil, err
		default:
			return nil, err
		}

	case CommandAddBlock:
		blockID, err := stringArg(args, 0)
		if err != nil {
			return nil, err
		}
		inst, err := s.engine.AddBlock(blockID)
		if err != nil {
			return nil, err
		}
		v, err := s.engine.Snapshot()
		if err != nil {
			return nil, err
		}
		return &AddBlockResponse{InstanceID: inst.ID, View: v}, nil

	case CommandDeleteBlock:
		id, err := stringArg(args, 0)
		if err != nil {
			return nil, err
		}
		return s.viewAfter(s.engine.Delete(id))

	case CommandMoveBlock:
		id, err := stringArg(args, 0)
		if err != nil {
			return nil, err
		}
		dir, err := intArg(args, 1)
		if err != nil {
			return nil, err
		}
		if dir != -1 && dir != 1 {
			return nil, fmt.Errorf("direction must be -1 or 1, got %d", dir)
		}
		return s.viewAfter(s.engine.Move(id, dir))

	case CommandSelect:
		anchor, _ := stringArg(args, 0)
		position, _ := stringArg(args, 1)
		pos, err := block.ParsePosition(position)
		if err != nil {
			return nil, err
		}
		return s.viewAfter(s.engine.Select(block.Selection{AnchorID: anchor, Position: pos}))

	case CommandView:
		return s.viewAfter(nil)
	}
	return nil, fmt.Errorf("unknown command %q", params.Command)
}

func (s *LspServer) viewAfter(err error) (any, error) {
	if err != nil {
		return nil, err
	}
	v, err := s.engine.Snapshot()
	if err != nil {
		return nil, err
	}
	return &ViewResponse{View: v}, nil
}

// --- Pushing engine state to the editor ---

// onView runs on the watcher goroutine for every published view.
func (s *LspServer) onView(v editor.View) {
	if v.State == editor.Clean {
		s.push(v.Text, "keysmith: regenerate")
	}
	s.publishDiagnostics(v.Error)
}

// push replaces the bound document's content with text, unless it is
// already there.
func (s *LspServer) push(text, label string) {
	s.mu.Lock()
	uri, call, current := s.uri, s.call, s.text
	if uri == "" || call == nil || current == text {
		s.mu.Unlock()
		return
	}
	s.text = text
	s.mu.Unlock()

	var result protocol.ApplyWorkspaceEditResponse
	call(protocol.ServerWorkspaceApplyEdit, protocol.ApplyWorkspaceEditParams{
		Label: &label,
		Edit: protocol.WorkspaceEdit{
			Changes: map[protocol.DocumentUri][]protocol.TextEdit{
				uri: {{
					Range: protocol.Range{
						Start: protocol.Position{Line: 0, Character: 0},
						End:   documentEnd(current),
					},
					NewText: text,
				}},
			},
		},
	}, &result)
	if !result.Applied {
		reason := "no reason given"
		if result.FailureReason != nil {
			reason = *result.FailureReason
		}
		log.Warningf("editor did not apply regenerated text: %s", reason)
	}
}

func (s *LspServer) publishDiagnostics(errMsg string) {
	s.mu.Lock()
	uri, notify := s.uri, s.notify
	if uri == "" || notify == nil || errMsg == s.lastError {
		s.mu.Unlock()
		return
	}
	s.lastError = errMsg
	s.mu.Unlock()

	diagnostics := []protocol.Diagnostic{}
	if errMsg != "" {
		severity := protocol.DiagnosticSeverityError
		source := lspName
		diagnostics = append(diagnostics, protocol.Diagnostic{
			Range: protocol.Range{
				Start: protocol.Position{Line: 0, Character: 0},
				End:   protocol.Position{Line: 0, Character: 0},
			},
			Severity: &severity,
			Source:   &source,
			Message:  errMsg,
		})
	}

	notify(protocol.ServerTextDocumentPublishDiagnostics, protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diagnostics,
	})
}

func (s *LspServer) showMessage(ctx *glsp.Context, kind protocol.MessageType, msg string) {
	go ctx.Notify(protocol.ServerWindowShowMessage, protocol.ShowMessageParams{
		Type:    kind,
		Message: msg,
	})
}

// --- Helpers ---

// documentEnd returns the position just past the last character of text,
// counting characters in UTF-16 code units as LSP does.
func documentEnd(text string) protocol.Position {
	line := strings.Count(text, "\n")
	last := text[strings.LastIndex(text, "\n")+1:]
	return protocol.Position{
		Line:      protocol.UInteger(line),
		Character: protocol.UInteger(len(utf16.Encode([]rune(last)))),
	}
}

func stringArg(args []any, i int) (string, error) {
	if i >= len(args) || args[i] == nil {
		return "", fmt.Errorf("missing argument %d", i)
	}
	str, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("argument %d: want a string, got %T", i, args[i])
	}
	return str, nil
}

func intArg(args []any, i int) (int, error) {
	if i >= len(args) || args[i] == nil {
		return 0, fmt.Errorf("missing argument %d", i)
	}
	switch n := args[i].(type) {
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("argument %d: want a whole number, got %v", i, n)
		}
		return int(n), nil
	case int:
		return n, nil
	}
	return 0, fmt.Errorf("argument %d: want a number, got %T", i, args[i])
}

func boolPtr(b bool) *bool {
	return &b
}
